package orchestrator

import (
	"context"
	"fmt"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/state"
)

// RetryItem resets a failed item to pending with a fresh attempt budget and
// makes sure a root execution is running to pick it up.
func (o *Orchestrator) RetryItem(ctx context.Context, itemID models.ULID) error {
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperrors.New(apperrors.KindNotFound, "item %s not found", itemID)
	}
	if !state.CanRetry(item.Status) {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"only failed items can be retried (item is %s)", item.Status)
	}

	request, err := o.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", item.RequestID)
	}
	if request.Status == models.RequestStatusCancelled {
		return apperrors.New(apperrors.KindPreconditionFailed, "request is cancelled")
	}

	zero := 0
	if _, err := o.TransitionItem(ctx, itemID, models.ProcessingStatusPending, pipeline.ItemPatch{
		Attempts:       &zero,
		LastError:      strPtr(""),
		ClearNextRetry: true,
		CurrentStep:    strPtr("retry"),
	}); err != nil {
		return err
	}

	// A failed request comes back to life when one of its items does.
	if request.Status == models.RequestStatusFailed {
		request.Status = models.RequestStatusPending
		request.Error = ""
		request.CurrentStep = "retrying"
		request.CompletedAt = nil
		if err := o.requests.Update(ctx, request); err != nil {
			return err
		}
		o.publishRequest(events.TypeRequestUpdated, request)
	}

	o.logActivity(ctx, models.ActivityLevelInfo, "item.retried",
		fmt.Sprintf("%s queued for retry", itemLabel(item)),
		&item.RequestID, &item.ID, nil)

	if runner := o.runnerRef(); runner != nil {
		if _, err := runner.StartRoot(ctx, item.RequestID); err != nil {
			return err
		}
	}
	return nil
}

// CancelItem cancels one item without touching its siblings. Any branch
// execution driving the item and any in-flight encoder job are cancelled too.
func (o *Orchestrator) CancelItem(ctx context.Context, itemID models.ULID) error {
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperrors.New(apperrors.KindNotFound, "item %s not found", itemID)
	}
	if state.IsTerminal(item.Status) {
		return apperrors.New(apperrors.KindPreconditionFailed, "item is already %s", item.Status)
	}

	if item.EncodingJobID != "" {
		o.cancelEncoderJob(ctx, item.EncodingJobID, "item cancelled")
	}

	branch, err := o.executions.GetByItemID(ctx, itemID)
	if err != nil {
		return err
	}
	if branch != nil {
		branch.MarkCancelled()
		if err := o.executions.Update(ctx, branch); err != nil {
			o.logger.Error("cancelling branch execution",
				"execution_id", branch.ID,
				"error", err)
		}
	}

	if _, err := o.TransitionItem(ctx, itemID, models.ProcessingStatusCancelled, pipeline.ItemPatch{
		CurrentStep: strPtr("cancelled"),
	}); err != nil {
		return err
	}

	o.logActivity(ctx, models.ActivityLevelWarn, "item.cancelled",
		fmt.Sprintf("%s cancelled", itemLabel(item)),
		&item.RequestID, &item.ID, nil)
	return nil
}

// ApproveDiscoveredItem resolves the approval gate parked on an item's
// request. approve=false lets the paused step fail the item instead of
// downloading unrequested content.
func (o *Orchestrator) ApproveDiscoveredItem(ctx context.Context, itemID models.ULID, approve bool) error {
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperrors.New(apperrors.KindNotFound, "item %s not found", itemID)
	}

	active, err := o.executions.GetActiveByRequestID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	var target *models.PipelineExecution
	for _, execution := range active {
		approval := execution.Context.Approval
		if approval == nil || approval.Approved != nil {
			continue
		}
		if execution.CorrelationID != pipeline.ApprovalCorrelation(approval.ApprovalID) {
			continue
		}
		target = execution
		break
	}
	if target == nil {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"no approval pending for item %s", itemID)
	}

	now := o.now()
	target.Context.Approval.Approved = &approve
	target.Context.Approval.ResolvedAt = &now
	if err := o.executions.Update(ctx, target); err != nil {
		return err
	}

	verdict := "approved"
	if !approve {
		verdict = "rejected"
	}
	o.logActivity(ctx, models.ActivityLevelInfo, "request.approval_resolved",
		fmt.Sprintf("discovered media %s", verdict),
		&item.RequestID, &item.ID,
		map[string]any{"approval_id": target.Context.Approval.ApprovalID, "approved": approve})

	if _, err := o.resumeCorrelation(ctx, target.CorrelationID); err != nil {
		return err
	}
	return nil
}

// OverrideDiscoveredRelease pins a user-supplied release on the item's
// request, replacing whatever search picked or would pick.
func (o *Orchestrator) OverrideDiscoveredRelease(ctx context.Context, itemID models.ULID, release models.Release) error {
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperrors.New(apperrors.KindNotFound, "item %s not found", itemID)
	}

	request, err := o.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", item.RequestID)
	}
	if request.Status.IsTerminal() {
		return apperrors.New(apperrors.KindPreconditionFailed, "request is already %s", request.Status)
	}
	if release.MagnetURI == "" && release.InfoHash == "" {
		return apperrors.New(apperrors.KindConfig, "release needs a magnet uri or info hash")
	}

	request.SelectedRelease = &release
	request.AvailableReleases = nil
	wasParked := request.Status == models.RequestStatusQualityUnavailable
	if wasParked {
		request.Status = models.RequestStatusPending
	}
	request.CurrentStep = "release overridden"
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}

	o.logActivity(ctx, models.ActivityLevelInfo, "request.release_overridden",
		fmt.Sprintf("release pinned to %q", release.Title),
		&request.ID, &item.ID,
		map[string]any{"resolution": release.Resolution})
	o.publishRequest(events.TypeRequestUpdated, request)

	resumed, err := o.resumeCorrelation(ctx, pipeline.QualityCorrelation(request.ID))
	if err != nil {
		return err
	}
	if wasParked && !resumed {
		if runner := o.runnerRef(); runner != nil {
			if _, err := runner.StartRoot(ctx, request.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResetItem routes a wedged active item back to pending through the failure
// edge, the only legal entry to pending. Recovery sweeps use it for items
// stuck between statuses; the attempt budget is preserved so a repeatedly
// wedged item still exhausts its retries. clearContext drops the accumulated
// step context so the next walk starts from a clean blackboard.
func (o *Orchestrator) ResetItem(ctx context.Context, itemID models.ULID, reason string, clearContext bool) error {
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperrors.New(apperrors.KindNotFound, "item %s not found", itemID)
	}
	if state.IsTerminal(item.Status) {
		return apperrors.New(apperrors.KindPreconditionFailed,
			"cannot reset a terminal item (item is %s)", item.Status)
	}

	if _, err := o.TransitionItem(ctx, itemID, models.ProcessingStatusFailed, pipeline.ItemPatch{
		LastError: &reason,
	}); err != nil {
		return err
	}
	if _, err := o.TransitionItem(ctx, itemID, models.ProcessingStatusPending, pipeline.ItemPatch{
		ClearNextRetry: true,
		CurrentStep:    strPtr("reset"),
		ClearContext:   clearContext,
	}); err != nil {
		return err
	}

	// Failing the request's last active item trips the rollup; undo it now
	// that the item is pending again.
	request, err := o.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	if request == nil {
		return nil
	}
	if request.Status == models.RequestStatusFailed {
		request.Status = models.RequestStatusProcessing
		request.Error = ""
		request.CompletedAt = nil
		if err := o.requests.Update(ctx, request); err != nil {
			return err
		}
		o.publishRequest(events.TypeRequestUpdated, request)
	}

	o.logActivity(ctx, models.ActivityLevelWarn, "item.reset",
		fmt.Sprintf("%s reset to pending: %s", itemLabel(item), reason),
		&item.RequestID, &item.ID, nil)

	if runner := o.runnerRef(); runner != nil {
		if _, err := runner.StartRoot(ctx, item.RequestID); err != nil {
			return err
		}
	}
	return nil
}
