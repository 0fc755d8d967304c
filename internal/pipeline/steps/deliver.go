package steps

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/delivery"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// DeliverStep places encoded files on every target storage server. Retries
// are selective: servers that already took the file are skipped on the next
// pass. Whether partial delivery counts as success is governed by
// require_all_servers_success.
type DeliverStep struct {
	items    repository.ProcessingItemRepository
	services Services
	deliver  Deliverer
	breaker  *breaker.Breaker
	cfg      config.DeliveryConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewDeliverStep creates the deliver step.
func NewDeliverStep(deps Dependencies) *DeliverStep {
	return &DeliverStep{
		items:    deps.Items,
		services: deps.Services,
		deliver:  deps.Deliver,
		breaker:  deps.Breaker,
		cfg:      deps.DeliveryCfg,
		logger:   deps.Logger.With(slog.String("step", "deliver")),
		now:      time.Now,
	}
}

// Type implements pipeline.Step.
func (d *DeliverStep) Type() models.StepType { return models.StepTypeDeliver }

// ValidateConfig implements pipeline.Step. The deliver step has no config.
func (d *DeliverStep) ValidateConfig(map[string]any) error { return nil }

// Execute implements pipeline.Step.
func (d *DeliverStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	prior := state.Context.Deliver
	if prior != nil && len(prior.FailedServers) == 0 {
		return pipeline.Succeed(), nil
	}

	encode := state.Context.Encode
	if encode == nil || len(encode.EncodedFiles) == 0 {
		return pipeline.Failf("nothing encoded to deliver"), nil
	}

	item, out, err := d.resolveItem(ctx, state)
	if err != nil {
		return nil, err
	}
	if out != nil {
		return out, nil
	}
	if item != nil && item.Status == models.ProcessingStatusEncoded {
		if _, err := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusDelivering, pipeline.ItemPatch{
			CurrentStep: strPtr("deliver"),
		}); err != nil {
			return nil, err
		}
	}

	delivered, recovered, failed := d.deliverFiles(ctx, state, item, encode.EncodedFiles, prior)

	deliverCtx := &models.DeliverContext{
		DeliveredServers: delivered,
		RecoveredServers: recovered,
		FailedServers:    failed,
		DeliveredAt:      d.now(),
	}
	state.Context.Deliver = deliverCtx

	if len(failed) > 0 {
		// Persist per-server outcomes so a retry pass skips the winners.
		if item != nil {
			if _, err := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusDelivering, pipeline.ItemPatch{
				Context: &models.StepContext{Deliver: deliverCtx},
			}); err != nil {
				return nil, err
			}
		}

		if !d.cfg.RequireAllServersSuccess && len(delivered)+len(recovered) > 0 {
			d.logger.Warn("partial delivery accepted",
				slog.String("request_id", state.Request.ID.String()),
				slog.Any("failed_servers", failed))
			return d.finish(ctx, state, item, deliverCtx, map[string]any{"failed_servers": failed})
		}
		return &pipeline.StepOutput{
			Success:     false,
			ShouldRetry: true,
			Error:       "delivery failed to servers: " + strings.Join(failed, ", "),
		}, nil
	}

	d.cleanupTempFiles(encode.EncodedFiles)
	return d.finish(ctx, state, item, deliverCtx, map[string]any{
		"delivered": delivered,
		"recovered": recovered,
	})
}

// resolveItem picks the item this delivery belongs to. A nil item with nil
// output means a root TV walk reached deliver directly, which only happens
// when every branch already finished.
func (d *DeliverStep) resolveItem(ctx context.Context, state *pipeline.State) (*models.ProcessingItem, *pipeline.StepOutput, error) {
	if state.Item != nil {
		return state.Item, nil, nil
	}
	scope, err := scopeItems(ctx, d.items, state,
		models.ProcessingStatusEncoded, models.ProcessingStatusDelivering)
	if err != nil {
		return nil, nil, err
	}
	if len(scope) == 0 {
		return nil, pipeline.Succeed(), nil
	}
	return scope[0], nil, nil
}

// deliverFiles runs every file × target pair, skipping servers that already
// succeeded on an earlier pass. Returns per-server outcomes.
func (d *DeliverStep) deliverFiles(ctx context.Context, state *pipeline.State, item *models.ProcessingItem, files []models.EncodedFile, prior *models.DeliverContext) (delivered, recovered, failed []string) {
	done := map[string]string{}
	if prior != nil {
		for _, id := range prior.DeliveredServers {
			done[id] = "delivered"
		}
		for _, id := range prior.RecoveredServers {
			done[id] = "recovered"
		}
	}

	outcomes := map[string]string{}
	totalUnits := 0
	for _, file := range files {
		totalUnits += len(d.fileTargets(state.Request, file))
	}

	unitsDone := 0
	lastSent := -1.0
	for _, file := range files {
		media := d.mediaFor(state.Request, item, file)

		for _, serverID := range d.fileTargets(state.Request, file) {
			if kind, ok := done[serverID]; ok {
				outcomes[serverID] = kind
				unitsDone++
				continue
			}

			server := d.cfg.Server(serverID)
			if server == nil {
				d.logger.Warn("unknown delivery target",
					slog.String("request_id", state.Request.ID.String()),
					slog.String("server_id", serverID))
				outcomes[serverID] = "failed"
				unitsDone++
				continue
			}

			progress := func(doneBytes, totalBytes int64) {
				fraction := 0.0
				if totalBytes > 0 {
					fraction = float64(doneBytes) / float64(totalBytes)
				}
				overall := 75 + 20*(float64(unitsDone)+fraction)/float64(totalUnits)
				if overall-lastSent >= 1 {
					lastSent = overall
					_ = d.services.SetRequestProgress(ctx, state.Request.ID, overall, "delivering")
				}
			}

			var result *delivery.Result
			err := d.breaker.Execute(ctx, "storage:"+serverID, func(ctx context.Context) error {
				var deliverErr error
				result, deliverErr = d.deliver.Deliver(ctx, *server, media, file, progress)
				return deliverErr
			})
			unitsDone++

			switch {
			case err != nil:
				d.logger.Warn("delivery failed",
					slog.String("request_id", state.Request.ID.String()),
					slog.String("server_id", serverID),
					slog.String("error", err.Error()))
				outcomes[serverID] = "failed"
			case result.Recovered:
				if outcomes[serverID] != "failed" {
					outcomes[serverID] = "recovered"
				}
			default:
				if outcomes[serverID] != "failed" {
					outcomes[serverID] = "delivered"
				}
			}
		}
	}

	for serverID, outcome := range outcomes {
		switch outcome {
		case "delivered":
			delivered = append(delivered, serverID)
		case "recovered":
			recovered = append(recovered, serverID)
		default:
			failed = append(failed, serverID)
		}
	}
	sort.Strings(delivered)
	sort.Strings(recovered)
	sort.Strings(failed)
	return delivered, recovered, failed
}

// fileTargets resolves where one file goes: its own target list, or every
// request target when unset.
func (d *DeliverStep) fileTargets(request *models.Request, file models.EncodedFile) []string {
	if len(file.TargetServerIDs) > 0 {
		return file.TargetServerIDs
	}
	return request.DeliveryTargets
}

func (d *DeliverStep) mediaFor(request *models.Request, item *models.ProcessingItem, file models.EncodedFile) delivery.Media {
	media := delivery.Media{
		Kind:    request.Kind,
		Title:   request.Title,
		Year:    request.Year,
		TmdbID:  request.TmdbID,
		Season:  file.Season,
		Episode: file.Episode,
	}
	if item != nil && item.Type == models.ItemTypeEpisode {
		media.EpisodeTitle = item.Title
	}
	return media
}

// finish marks the item completed and reports success.
func (d *DeliverStep) finish(ctx context.Context, state *pipeline.State, item *models.ProcessingItem, deliverCtx *models.DeliverContext, data map[string]any) (*pipeline.StepOutput, error) {
	if item != nil {
		if _, err := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusCompleted, pipeline.ItemPatch{
			CurrentStep: strPtr("deliver"),
			Progress:    floatPtr(100),
			Context:     &models.StepContext{Deliver: deliverCtx},
		}); err != nil {
			return nil, err
		}
	}
	if err := d.services.SetRequestProgress(ctx, state.Request.ID, 95, "delivered"); err != nil {
		return nil, err
	}

	d.logger.Info("delivery finished",
		slog.String("request_id", state.Request.ID.String()),
		slog.Any("delivered", deliverCtx.DeliveredServers),
		slog.Any("recovered", deliverCtx.RecoveredServers))
	return &pipeline.StepOutput{Success: true, Data: data}, nil
}

// cleanupTempFiles removes encoded temp files once every server has the
// content. Failures are logged, never fatal.
func (d *DeliverStep) cleanupTempFiles(files []models.EncodedFile) {
	for _, file := range files {
		if file.Path == "" {
			continue
		}
		if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("removing encoded temp file failed",
				slog.String("path", file.Path),
				slog.String("error", err.Error()))
		}
	}
}

var _ pipeline.Step = (*DeliverStep)(nil)
