package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// ApprovalStep gates a pipeline on a human decision. When required it parks
// the execution until the approval is resolved; a denial cancels the
// request's items and ends the walk.
type ApprovalStep struct {
	items    repository.ProcessingItemRepository
	services Services
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewApprovalStep creates the approval step.
func NewApprovalStep(deps Dependencies) *ApprovalStep {
	return &ApprovalStep{
		items:    deps.Items,
		services: deps.Services,
		logger:   deps.Logger.With(slog.String("step", "approval")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Type implements pipeline.Step.
func (a *ApprovalStep) Type() models.StepType { return models.StepTypeApproval }

// ValidateConfig accepts an optional required toggle.
func (a *ApprovalStep) ValidateConfig(cfg map[string]any) error {
	if raw, ok := cfg["required"]; ok {
		if _, isBool := raw.(bool); !isBool {
			return apperrors.New(apperrors.KindConfig, "required must be a boolean, got %T", raw)
		}
	}
	return nil
}

// Execute implements pipeline.Step.
func (a *ApprovalStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	if !configBool(cfg, "required", false) {
		return pipeline.Succeed(), nil
	}

	approval := state.Context.Approval
	if approval == nil {
		id := a.newID()
		state.Context.Approval = &models.ApprovalContext{ApprovalID: id}
		a.logger.Info("awaiting approval",
			slog.String("request_id", state.Request.ID.String()),
			slog.String("approval_id", id))
		return pipeline.Pause(pipeline.ApprovalCorrelation(id)), nil
	}

	if approval.Approved == nil {
		// Resumed without a decision; park again.
		return pipeline.Pause(pipeline.ApprovalCorrelation(approval.ApprovalID)), nil
	}

	if *approval.Approved {
		a.logger.Info("request approved",
			slog.String("request_id", state.Request.ID.String()),
			slog.String("approval_id", approval.ApprovalID))
		return pipeline.Succeed(), nil
	}

	scope, err := scopeItems(ctx, a.items, state,
		models.ProcessingStatusPending, models.ProcessingStatusSearching)
	if err != nil {
		return nil, err
	}
	for _, item := range scope {
		if _, err := a.services.TransitionItem(ctx, item.ID, models.ProcessingStatusCancelled, pipeline.ItemPatch{
			LastError: strPtr("approval denied"),
		}); err != nil {
			return nil, err
		}
	}

	a.logger.Info("request denied",
		slog.String("request_id", state.Request.ID.String()),
		slog.String("approval_id", approval.ApprovalID))
	return &pipeline.StepOutput{Success: true, NextStep: pipeline.EndWalk()}, nil
}

var _ pipeline.Step = (*ApprovalStep)(nil)
