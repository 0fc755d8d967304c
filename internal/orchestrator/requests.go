package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/state"
)

// EpisodeRef names one episode of a TV request. AirsAt defers searching for
// episodes that have not aired yet.
type EpisodeRef struct {
	Season  int
	Episode int
	Title   string
	AirsAt  *time.Time
}

// CreateRequestParams is the input of CreateRequest. TV requests enumerate
// their episodes up front; the metadata lookup that produces the list lives
// outside the control plane.
type CreateRequestParams struct {
	Kind            models.MediaKind
	TmdbID          int64
	Title           string
	Year            int
	DeliveryTargets []string
	Episodes        []EpisodeRef
}

// CreateRequest persists a request, fans it out into processing items and
// starts the root pipeline execution. An active request for the same media is
// rejected as duplicate work.
func (o *Orchestrator) CreateRequest(ctx context.Context, params CreateRequestParams) (*models.Request, error) {
	request := &models.Request{
		Kind:            params.Kind,
		TmdbID:          params.TmdbID,
		Title:           params.Title,
		Year:            params.Year,
		DeliveryTargets: params.DeliveryTargets,
		Status:          models.RequestStatusPending,
		CurrentStep:     "created",
	}
	if err := request.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, err, "validating request")
	}
	if params.Kind == models.MediaKindTV && len(params.Episodes) == 0 {
		return nil, apperrors.New(apperrors.KindConfig, "tv requests need at least one episode")
	}
	if params.Kind == models.MediaKindMovie && len(params.Episodes) > 0 {
		return nil, apperrors.New(apperrors.KindConfig, "movie requests cannot carry episodes")
	}

	if params.Kind == models.MediaKindTV {
		request.RequestedSeasons, request.RequestedEpisodes = summarizeEpisodes(params.Episodes)
	}

	existing, err := o.requests.GetActiveByTmdbID(ctx, params.Kind, params.TmdbID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.KindDuplicateWork,
			"request %s already covers %s tmdb %d", existing.ID, params.Kind, params.TmdbID)
	}

	if err := o.requests.Create(ctx, request); err != nil {
		return nil, err
	}

	items := o.buildItems(request, params.Episodes)
	if err := o.items.CreateBatch(ctx, items); err != nil {
		return nil, err
	}

	o.logActivity(ctx, models.ActivityLevelInfo, "request.created",
		fmt.Sprintf("%s %q requested (%d %s)", params.Kind, params.Title, len(items), itemNoun(params.Kind, len(items))),
		&request.ID, nil,
		map[string]any{"tmdb_id": params.TmdbID, "targets": params.DeliveryTargets})
	o.publishRequest(events.TypeRequestCreated, request)

	if runner := o.runnerRef(); runner != nil {
		if _, err := runner.StartRoot(ctx, request.ID); err != nil {
			request.MarkFailed(fmt.Sprintf("starting pipeline: %v", err))
			if uerr := o.requests.Update(ctx, request); uerr != nil {
				o.logger.Error("marking unstartable request failed",
					"request_id", request.ID,
					"error", uerr)
			}
			return nil, err
		}
	}

	o.logger.Info("request created",
		"request_id", request.ID,
		"kind", params.Kind,
		"title", params.Title,
		"items", len(items))
	return request, nil
}

func (o *Orchestrator) buildItems(request *models.Request, episodes []EpisodeRef) []*models.ProcessingItem {
	if request.Kind == models.MediaKindMovie {
		return []*models.ProcessingItem{{
			RequestID:   request.ID,
			Type:        models.ItemTypeMovie,
			Title:       request.Title,
			Status:      models.ProcessingStatusPending,
			MaxAttempts: o.cfg.MaxAttempts,
		}}
	}

	now := o.now()
	items := make([]*models.ProcessingItem, 0, len(episodes))
	for _, ref := range episodes {
		title := models.EpisodeCode(ref.Season, ref.Episode)
		if ref.Title != "" {
			title = fmt.Sprintf("%s - %s", title, ref.Title)
		}
		item := &models.ProcessingItem{
			RequestID:   request.ID,
			Type:        models.ItemTypeEpisode,
			Season:      ref.Season,
			Episode:     ref.Episode,
			Title:       title,
			Status:      models.ProcessingStatusPending,
			MaxAttempts: o.cfg.MaxAttempts,
		}
		if ref.AirsAt != nil && ref.AirsAt.After(now) {
			airs := *ref.AirsAt
			item.SkipUntil = &airs
		}
		items = append(items, item)
	}
	return items
}

func summarizeEpisodes(episodes []EpisodeRef) (seasons []int, episodeNums []int) {
	seen := map[int]bool{}
	for _, ref := range episodes {
		if !seen[ref.Season] {
			seen[ref.Season] = true
			seasons = append(seasons, ref.Season)
		}
	}
	sort.Ints(seasons)
	if len(seasons) == 1 {
		for _, ref := range episodes {
			episodeNums = append(episodeNums, ref.Episode)
		}
		sort.Ints(episodeNums)
	}
	return seasons, episodeNums
}

func itemNoun(kind models.MediaKind, n int) string {
	if kind == models.MediaKindMovie {
		return "item"
	}
	if n == 1 {
		return "episode"
	}
	return "episodes"
}

// CancelRequest cancels a request, its executions, its non-terminal items and
// any in-flight encoder jobs. Paused executions never resume: the terminal
// row status stops them.
func (o *Orchestrator) CancelRequest(ctx context.Context, requestID models.ULID) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}
	if request.Status.IsTerminal() {
		return apperrors.New(apperrors.KindPreconditionFailed, "request is already %s", request.Status)
	}

	o.cancelContinuation(requestID)

	// Terminal-ize the request first so rollups and late step writes no-op.
	request.MarkCancelled()
	request.CurrentStep = "cancelled"
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}

	active, err := o.executions.GetActiveByRequestID(ctx, requestID)
	if err != nil {
		return err
	}
	for _, execution := range active {
		execution.MarkCancelled()
		if err := o.executions.Update(ctx, execution); err != nil {
			o.logger.Error("cancelling execution",
				"execution_id", execution.ID,
				"error", err)
		}
	}

	items, err := o.items.GetByRequestID(ctx, requestID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if state.IsTerminal(item.Status) {
			continue
		}
		if item.EncodingJobID != "" {
			o.cancelEncoderJob(ctx, item.EncodingJobID, "request cancelled")
		}
		if _, err := o.TransitionItem(ctx, item.ID, models.ProcessingStatusCancelled, pipeline.ItemPatch{
			CurrentStep: strPtr("cancelled"),
		}); err != nil {
			o.logger.Error("cancelling item",
				"item_id", item.ID,
				"error", err)
		}
	}

	o.logActivity(ctx, models.ActivityLevelWarn, "request.cancelled",
		"request cancelled", &request.ID, nil, nil)
	o.publishRequest(events.TypeRequestUpdated, request)
	return nil
}

// RetryRequest re-pends the failed items of a failed request and starts a
// fresh root execution. Cancelled requests stay cancelled.
func (o *Orchestrator) RetryRequest(ctx context.Context, requestID models.ULID) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}
	if request.Status != models.RequestStatusFailed {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"only failed requests can be retried (request is %s)", request.Status)
	}

	items, err := o.items.GetByRequestID(ctx, requestID)
	if err != nil {
		return err
	}
	zero := 0
	for _, item := range items {
		if !state.CanRetry(item.Status) {
			continue
		}
		if _, err := o.TransitionItem(ctx, item.ID, models.ProcessingStatusPending, pipeline.ItemPatch{
			Attempts:       &zero,
			LastError:      strPtr(""),
			ClearNextRetry: true,
			CurrentStep:    strPtr("retry"),
		}); err != nil {
			return err
		}
	}

	request.Status = models.RequestStatusPending
	request.Error = ""
	request.Progress = 0
	request.CurrentStep = "retrying"
	request.CompletedAt = nil
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}

	o.logActivity(ctx, models.ActivityLevelInfo, "request.retried",
		"request queued for retry", &request.ID, nil, nil)
	o.publishRequest(events.TypeRequestUpdated, request)

	if runner := o.runnerRef(); runner != nil {
		if _, err := runner.StartRoot(ctx, requestID); err != nil {
			return err
		}
	}
	return nil
}

// AcceptLowerQuality picks one of the held below-quality alternatives and
// resumes the parked pipeline with it.
func (o *Orchestrator) AcceptLowerQuality(ctx context.Context, requestID models.ULID, index int) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}
	if request.Status != models.RequestStatusQualityUnavailable {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"request %s is not awaiting a quality decision", requestID)
	}
	if index < 0 || index >= len(request.AvailableReleases) {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"release index %d out of range (%d alternatives held)", index, len(request.AvailableReleases))
	}

	chosen := request.AvailableReleases[index]
	request.SelectedRelease = &chosen
	request.AvailableReleases = nil
	request.Status = models.RequestStatusPending
	request.CurrentStep = "quality accepted"
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}

	o.logActivity(ctx, models.ActivityLevelInfo, "request.quality_accepted",
		fmt.Sprintf("accepted %q below quality requirements", chosen.Title),
		&request.ID, nil,
		map[string]any{"resolution": chosen.Resolution})
	o.publishRequest(events.TypeRequestUpdated, request)

	resumed, err := o.resumeCorrelation(ctx, pipeline.QualityCorrelation(requestID))
	if err != nil {
		return err
	}
	if !resumed {
		// The parked execution is gone (restart, failure); start over.
		if runner := o.runnerRef(); runner != nil {
			if _, err := runner.StartRoot(ctx, requestID); err != nil {
				return err
			}
		}
	}
	return nil
}
