package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/state"
)

// ExecutionFinished applies the item-level consequences of an execution
// reaching a terminal status: a failed execution fails the items it was
// driving, then the request is settled (rollup, TV continuation).
func (o *Orchestrator) ExecutionFinished(ctx context.Context, execution *models.PipelineExecution) {
	if execution.Status == models.ExecutionStatusFailed {
		o.failExecutionItems(ctx, execution)
	}
	o.settleRequest(ctx, execution.RequestID, execution.TemplateID)
}

// ExecutionRetry books one budgeted retry against the items the execution is
// driving and returns the backoff before the next attempt. ok is false when
// every driven item has exhausted its attempt budget.
func (o *Orchestrator) ExecutionRetry(ctx context.Context, execution *models.PipelineExecution, stepName, reason string) (time.Duration, bool) {
	scope, err := o.executionScope(ctx, execution)
	if err != nil {
		o.logger.Error("resolving retry scope",
			"execution_id", execution.ID,
			"error", err)
		return 0, false
	}

	var delay time.Duration
	billed := 0
	for _, item := range scope {
		if !item.HasAttemptsLeft() {
			continue
		}
		attempts := item.Attempts + 1
		backoff := retryBackoff(o.cfg.RetryBackoffBase, attempts)
		retryAt := o.now().Add(backoff)

		if _, err := o.TransitionItem(ctx, item.ID, item.Status, pipeline.ItemPatch{
			Attempts:    &attempts,
			NextRetryAt: &retryAt,
			LastError:   strPtr(reason),
			CurrentStep: strPtr(stepName),
		}); err != nil {
			o.logger.Error("recording retry attempt",
				"item_id", item.ID,
				"error", err)
			continue
		}
		billed++
		if backoff > delay {
			delay = backoff
		}
	}
	if billed == 0 {
		return 0, false
	}

	requestID := execution.RequestID
	o.logActivity(ctx, models.ActivityLevelWarn, "execution.retry",
		fmt.Sprintf("retrying %s in %s: %s", stepName, delay.Round(time.Second), reason),
		&requestID, nil,
		map[string]any{"step": stepName, "items": billed})
	return delay, true
}

// retryBackoff mirrors the item backoff curve: base doubled per attempt,
// capped at one hour.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	backoff := base
	for n := 1; n < attempts; n++ {
		backoff *= 2
		if backoff >= time.Hour {
			return time.Hour
		}
	}
	return backoff
}

// executionScope resolves the items an execution is driving: the branch item
// for branch executions, otherwise every non-terminal item of the request not
// owned by an active branch of its own.
func (o *Orchestrator) executionScope(ctx context.Context, execution *models.PipelineExecution) ([]*models.ProcessingItem, error) {
	if execution.ItemID != nil {
		item, err := o.items.GetByID(ctx, *execution.ItemID)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		return []*models.ProcessingItem{item}, nil
	}

	all, err := o.items.GetByRequestID(ctx, execution.RequestID)
	if err != nil {
		return nil, err
	}
	var scope []*models.ProcessingItem
	for _, item := range all {
		if state.IsTerminal(item.Status) {
			continue
		}
		branch, err := o.executions.GetByItemID(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if branch != nil && branch.ID != execution.ID {
			continue
		}
		scope = append(scope, item)
	}
	return scope, nil
}

func (o *Orchestrator) failExecutionItems(ctx context.Context, execution *models.PipelineExecution) {
	scope, err := o.executionScope(ctx, execution)
	if err != nil {
		o.logger.Error("resolving failed execution scope",
			"execution_id", execution.ID,
			"error", err)
		return
	}

	message := execution.Error
	if message == "" {
		message = "pipeline execution failed"
	}
	for _, item := range scope {
		if state.IsTerminal(item.Status) {
			continue
		}
		if _, err := o.TransitionItem(ctx, item.ID, models.ProcessingStatusFailed, pipeline.ItemPatch{
			LastError: strPtr(message),
		}); err != nil {
			o.logger.Error("failing item of failed execution",
				"item_id", item.ID,
				"execution_id", execution.ID,
				"error", err)
		}
	}
}

// settleRequest runs after an execution finishes: it rolls the request up and,
// when nothing is running anymore but work remains, schedules a continuation
// execution. For TV requests failed episodes are re-pended first so the next
// search pass covers the gaps.
func (o *Orchestrator) settleRequest(ctx context.Context, requestID, templateID models.ULID) {
	o.recomputeRequest(ctx, requestID)

	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil || request == nil {
		return
	}
	if request.Status.IsTerminal() {
		o.cancelContinuation(requestID)
		return
	}
	if request.Status == models.RequestStatusQualityUnavailable {
		// Parked on a user decision; accepting a release resumes it.
		return
	}

	active, err := o.executions.GetActiveByRequestID(ctx, requestID)
	if err != nil {
		o.logger.Error("loading active executions",
			"request_id", requestID,
			"error", err)
		return
	}
	if len(active) > 0 {
		return
	}

	items, err := o.items.GetByRequestID(ctx, requestID)
	if err != nil {
		o.logger.Error("loading items for continuation",
			"request_id", requestID,
			"error", err)
		return
	}

	var rependable []*models.ProcessingItem
	remaining := 0
	for _, item := range items {
		switch {
		case state.IsTerminalPositive(item.Status):
		case item.Status == models.ProcessingStatusFailed && request.IsTV():
			rependable = append(rependable, item)
			remaining++
		case !state.IsTerminal(item.Status):
			remaining++
		}
	}
	if remaining == 0 {
		return
	}

	zero := 0
	for _, item := range rependable {
		if _, err := o.TransitionItem(ctx, item.ID, models.ProcessingStatusPending, pipeline.ItemPatch{
			Attempts:       &zero,
			LastError:      strPtr(""),
			ClearNextRetry: true,
			CurrentStep:    strPtr("retry"),
		}); err != nil {
			o.logger.Error("re-pending failed episode",
				"item_id", item.ID,
				"error", err)
		}
	}

	if request.IsTV() {
		noun := "episodes"
		if remaining == 1 {
			noun = "episode"
		}
		request.Status = models.RequestStatusPending
		request.CurrentStep = fmt.Sprintf("%d %s remaining", remaining, noun)
		// The next search pass must pick fresh releases for the gaps.
		request.SelectedRelease = nil
		if err := o.requests.Update(ctx, request); err != nil {
			o.logger.Error("updating request for continuation",
				"request_id", requestID,
				"error", err)
			return
		}
		o.logActivity(ctx, models.ActivityLevelInfo, "request.continuation",
			fmt.Sprintf("%s; scheduling another pass", request.CurrentStep),
			&request.ID, nil, nil)
		o.publishRequest(events.TypeRequestUpdated, request)
	}

	o.scheduleContinuation(requestID, templateID)
}

// scheduleContinuation arms a one-shot timer that starts a fresh root
// execution on the same template. One pending continuation per request.
func (o *Orchestrator) scheduleContinuation(requestID, templateID models.ULID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	key := requestID.String()
	if _, exists := o.timers[key]; exists {
		return
	}

	delay := o.cfg.TVContinuationDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	o.logger.Info("continuation scheduled",
		"request_id", requestID,
		"delay", delay)

	o.timers[key] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, key)
		stopped := o.stopped
		o.mu.Unlock()
		if stopped {
			return
		}
		o.startContinuation(context.Background(), requestID, templateID)
	})
}

func (o *Orchestrator) startContinuation(ctx context.Context, requestID, templateID models.ULID) {
	runner := o.runnerRef()
	if runner == nil {
		return
	}
	_, err := runner.StartRootFromTemplate(ctx, requestID, templateID)
	if err != nil && apperrors.IsNotFound(err) {
		// The template may have been deleted since; the default still works.
		_, err = runner.StartRoot(ctx, requestID)
	}
	if err != nil {
		o.logger.Error("starting continuation execution",
			"request_id", requestID,
			"error", err)
	}
}

func (o *Orchestrator) cancelContinuation(requestID models.ULID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := requestID.String()
	if timer, exists := o.timers[key]; exists {
		timer.Stop()
		delete(o.timers, key)
	}
}
