package steps

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// NotificationStep posts a pipeline event to the configured webhook. Failures
// never fail the pipeline.
type NotificationStep struct {
	notifier Notifier
	breaker  *breaker.Breaker
	logger   *slog.Logger
}

// NewNotificationStep creates the notification step.
func NewNotificationStep(deps Dependencies) *NotificationStep {
	return &NotificationStep{
		notifier: deps.Notifier,
		breaker:  deps.Breaker,
		logger:   deps.Logger.With(slog.String("step", "notification")),
	}
}

// Type implements pipeline.Step.
func (n *NotificationStep) Type() models.StepType { return models.StepTypeNotification }

// ValidateConfig accepts an optional event name.
func (n *NotificationStep) ValidateConfig(map[string]any) error { return nil }

// Execute implements pipeline.Step.
func (n *NotificationStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	if n.notifier == nil {
		return pipeline.Succeed(), nil
	}

	event := configString(cfg, "event")
	if event == "" {
		event = "pipeline.event"
	}

	payload := n.buildPayload(state)
	err := n.breaker.Execute(ctx, "webhook", func(ctx context.Context) error {
		return n.notifier.Send(ctx, event, payload)
	})
	if err != nil {
		n.logger.Warn("notification failed",
			slog.String("request_id", state.Request.ID.String()),
			slog.String("event", event),
			slog.String("error", err.Error()))
		return &pipeline.StepOutput{
			Success: true,
			Data:    map[string]any{"notify_error": err.Error()},
		}, nil
	}
	return pipeline.Succeed(), nil
}

func (n *NotificationStep) buildPayload(state *pipeline.State) map[string]any {
	payload := map[string]any{
		"request_id": state.Request.ID.String(),
		"title":      state.Request.Title,
		"year":       state.Request.Year,
		"kind":       string(state.Request.Kind),
	}
	if state.Item != nil {
		payload["item_id"] = state.Item.ID.String()
		if state.Item.Type == models.ItemTypeEpisode {
			payload["episode"] = state.Item.EpisodeCode()
		}
	}
	if deliver := state.Context.Deliver; deliver != nil {
		payload["delivered_servers"] = deliver.DeliveredServers
		if len(deliver.FailedServers) > 0 {
			payload["failed_servers"] = deliver.FailedServers
		}
	}
	if encode := state.Context.Encode; encode != nil && encode.CompressionRatio > 0 {
		payload["compression_ratio"] = encode.CompressionRatio
	}
	return payload
}

var _ pipeline.Step = (*NotificationStep)(nil)
