package steps

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/jmylchreest/fetcharr/internal/codec"
	"github.com/jmylchreest/fetcharr/internal/dispatch"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// EncodeStep transcodes the downloaded file through the encoder pool. On a
// TV root execution it fans out into per-episode branch executions instead;
// each branch (and a movie root) queues a job and pauses until the dispatcher
// reports completion.
type EncodeStep struct {
	items       repository.ProcessingItemRepository
	profiles    repository.EncodingProfileRepository
	assignments repository.EncoderAssignmentRepository
	services    Services
	branches    BranchStarter
	encoder     Encoder
	outputDir   string
	logger      *slog.Logger
}

// NewEncodeStep creates the encode step.
func NewEncodeStep(deps Dependencies) *EncodeStep {
	return &EncodeStep{
		items:       deps.Items,
		profiles:    deps.Profiles,
		assignments: deps.Assignments,
		services:    deps.Services,
		branches:    deps.Branches,
		encoder:     deps.Encoder,
		outputDir:   deps.EncodeOutputDir,
		logger:      deps.Logger.With(slog.String("step", "encode")),
	}
}

// Type implements pipeline.Step.
func (e *EncodeStep) Type() models.StepType { return models.StepTypeEncode }

// ValidateConfig accepts an optional profile name.
func (e *EncodeStep) ValidateConfig(cfg map[string]any) error { return nil }

// Execute implements pipeline.Step.
func (e *EncodeStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	if state.Context.Encode != nil {
		return pipeline.Succeed(), nil
	}

	if state.Item == nil && state.Request.IsTV() {
		return e.fanOut(ctx, state)
	}

	item, out, err := e.resolveItem(ctx, state)
	if item == nil {
		return out, err
	}
	return e.encodeItem(ctx, state, item, cfg)
}

// fanOut spawns a branch execution per downloaded episode and ends the root
// walk; branches deliver independently and the orchestrator schedules a
// continuation for whatever is still missing.
func (e *EncodeStep) fanOut(ctx context.Context, state *pipeline.State) (*pipeline.StepOutput, error) {
	downloaded, err := scopeItems(ctx, e.items, state, models.ProcessingStatusDownloaded)
	if err != nil {
		return nil, err
	}

	started, err := e.branches.StartBranches(ctx, state.Execution, downloaded)
	if err != nil {
		return nil, err
	}

	e.logger.Info("fanned out episode branches",
		slog.String("request_id", state.Request.ID.String()),
		slog.Int("branches", started))
	return &pipeline.StepOutput{
		Success:  true,
		NextStep: pipeline.EndWalk(),
		Data:     map[string]any{"branches": started},
	}, nil
}

// resolveItem picks the processing item this encode run works on. A nil item
// with a non-nil output means the step is already done for this walk.
func (e *EncodeStep) resolveItem(ctx context.Context, state *pipeline.State) (*models.ProcessingItem, *pipeline.StepOutput, error) {
	if state.Item != nil {
		return state.Item, nil, nil
	}
	scope, err := scopeItems(ctx, e.items, state,
		models.ProcessingStatusDownloaded, models.ProcessingStatusEncoding)
	if err != nil {
		return nil, nil, err
	}
	if len(scope) == 0 {
		return nil, pipeline.Succeed(), nil
	}
	return scope[0], nil, nil
}

func (e *EncodeStep) encodeItem(ctx context.Context, state *pipeline.State, item *models.ProcessingItem, cfg map[string]any) (*pipeline.StepOutput, error) {
	input := item.SourceFilePath
	if input == "" && state.Context.Download != nil {
		input = state.Context.Download.SourceFilePath
	}
	if input == "" {
		return pipeline.Failf("item %s has no source file to encode", item.ID), nil
	}

	profile, err := e.lookupProfile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return pipeline.Failf("no encoding profile available"), nil
	}

	// A job id on the item means a previous pass queued work; read the
	// assignment instead of enqueueing again.
	if item.EncodingJobID != "" {
		out, err := e.consumeAssignment(ctx, state, item, profile)
		if out != nil || err != nil {
			return out, err
		}
	}

	output := filepath.Join(e.outputDir, item.ID.String()+"."+profile.Container)
	jobID, err := e.encoder.QueueJob(ctx, dispatch.QueueJobParams{
		InputPath:  input,
		OutputPath: output,
		ProfileID:  profile.ID,
		ItemID:     item.ID,
		RequestID:  state.Request.ID,
	})
	if err != nil {
		return pipeline.Retryf(0, "queueing encode job: %v", err), nil
	}

	if _, err := e.services.TransitionItem(ctx, item.ID, models.ProcessingStatusEncoding, pipeline.ItemPatch{
		CurrentStep:   strPtr("encode"),
		EncodingJobID: &jobID,
	}); err != nil {
		return nil, err
	}
	if err := e.services.SetRequestProgress(ctx, state.Request.ID, 50, "encoding"); err != nil {
		return nil, err
	}

	e.logger.Info("encode job queued",
		slog.String("item_id", item.ID.String()),
		slog.String("job_id", jobID),
		slog.String("profile", profile.Name))
	return pipeline.Pause(jobID), nil
}

// consumeAssignment inspects the assignment behind the item's job id. It
// returns (nil, nil) when the assignment vanished and a fresh job should be
// queued.
func (e *EncodeStep) consumeAssignment(ctx context.Context, state *pipeline.State, item *models.ProcessingItem, profile *models.EncodingProfile) (*pipeline.StepOutput, error) {
	assignment, err := e.assignments.GetByJobID(ctx, item.EncodingJobID)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		e.logger.Warn("assignment for job vanished, re-queueing",
			slog.String("item_id", item.ID.String()),
			slog.String("job_id", item.EncodingJobID))
		return nil, nil
	}

	switch assignment.Status {
	case models.AssignmentStatusCompleted:
		encodeCtx := BuildEncodeContext(state.Request, item, assignment, profile)
		state.Context.Encode = encodeCtx
		if _, err := e.services.TransitionItem(ctx, item.ID, models.ProcessingStatusEncoded, pipeline.ItemPatch{
			CurrentStep: strPtr("encode"),
			Context:     &models.StepContext{Encode: encodeCtx},
		}); err != nil {
			return nil, err
		}
		if err := e.services.SetRequestProgress(ctx, state.Request.ID, 70, "encoded"); err != nil {
			return nil, err
		}
		return pipeline.Succeed(), nil

	case models.AssignmentStatusFailed, models.AssignmentStatusCancelled:
		if item.Status != models.ProcessingStatusEncoding {
			// Leftover job from an earlier attempt; queue fresh.
			return nil, nil
		}
		reason := assignment.Error
		if reason == "" {
			reason = string(assignment.Status)
		}
		return pipeline.Failf("encode job %s: %s", assignment.JobID, reason), nil

	default:
		// Still pending or encoding; wait for the dispatcher callback.
		return pipeline.Pause(assignment.JobID), nil
	}
}

func (e *EncodeStep) lookupProfile(ctx context.Context, cfg map[string]any) (*models.EncodingProfile, error) {
	if name := configString(cfg, "profile"); name != "" && name != "default" {
		return e.profiles.GetByName(ctx, name)
	}
	return e.profiles.GetDefault(ctx)
}

// BuildEncodeContext shapes a completed assignment into the context the
// deliver step consumes. The recovery monitor shares it to rebuild the
// context when the completion callback never reached a live execution.
func BuildEncodeContext(request *models.Request, item *models.ProcessingItem, assignment *models.EncoderAssignment, profile *models.EncodingProfile) *models.EncodeContext {
	file := models.EncodedFile{
		Path:            assignment.OutputPath,
		Resolution:      profile.VideoMaxResolution,
		Codec:           codec.FromEncoder(profile.VideoEncoder).String(),
		TargetServerIDs: request.DeliveryTargets,
		SizeBytes:       assignment.OutputSize,
	}
	if item.Type == models.ItemTypeEpisode {
		file.Season = item.Season
		file.Episode = item.Episode
		id := item.ID
		file.EpisodeItemID = &id
	}

	return &models.EncodeContext{
		JobID:            assignment.JobID,
		EncodedFiles:     []models.EncodedFile{file},
		CompressionRatio: assignment.CompressionRatio,
		DurationSeconds:  assignment.EncodeDurationSeconds,
	}
}

var _ pipeline.Step = (*EncodeStep)(nil)
