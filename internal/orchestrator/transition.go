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

// statusProgress is the default per-item progress band entered with each
// status. Steps may override via the patch; completed always lands on 100.
var statusProgress = map[models.ProcessingStatus]float64{
	models.ProcessingStatusSearching:   10,
	models.ProcessingStatusFound:       25,
	models.ProcessingStatusDownloading: 35,
	models.ProcessingStatusDownloaded:  45,
	models.ProcessingStatusEncoding:    50,
	models.ProcessingStatusEncoded:     70,
	models.ProcessingStatusDelivering:  75,
	models.ProcessingStatusCompleted:   100,
	models.ProcessingStatusSkipped:     100,
}

// TransitionItem is the only writer of ProcessingItem.status. It validates the
// move against the state machine, checks that statuses carrying a payload
// contract actually have it, applies the patch, and emits the audit trail and
// bus event. Replaying the current status is a no-op that still applies the
// patch. Terminal transitions trigger the request rollup.
func (o *Orchestrator) TransitionItem(ctx context.Context, itemID models.ULID, to models.ProcessingStatus, patch pipeline.ItemPatch) (*models.ProcessingItem, error) {
	o.tmu.Lock()
	item, err := o.items.GetByID(ctx, itemID)
	if err != nil {
		o.tmu.Unlock()
		return nil, err
	}
	if item == nil {
		o.tmu.Unlock()
		return nil, apperrors.New(apperrors.KindNotFound, "processing item %s not found", itemID)
	}

	from := item.Status
	if from != to {
		if _, err := state.Transition(from, to); err != nil {
			o.tmu.Unlock()
			return nil, err
		}
		if err := validateTransitionPayload(item, to, patch); err != nil {
			o.tmu.Unlock()
			return nil, err
		}
		item.Status = to
	}

	applyPatch(item, patch)

	if from != to {
		if patch.Progress == nil {
			if to == models.ProcessingStatusPending {
				item.Progress = 0
			} else if band, ok := statusProgress[to]; ok && band > item.Progress {
				item.Progress = band
			}
		}
		if state.IsTerminal(to) {
			now := o.now()
			item.CompletedAt = &now
		} else {
			// failed → pending revival clears the terminal marker.
			item.CompletedAt = nil
		}
	}

	if err := o.items.Update(ctx, item); err != nil {
		o.tmu.Unlock()
		return nil, err
	}
	o.tmu.Unlock()

	if from != to {
		o.recordTransition(ctx, item, from, to)
	}
	o.publishItem(item)
	if from != to && state.IsTerminal(to) {
		o.recomputeRequest(ctx, item.RequestID)
	}
	return item, nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, item *models.ProcessingItem, from, to models.ProcessingStatus) {
	level := models.ActivityLevelInfo
	switch to {
	case models.ProcessingStatusFailed:
		level = models.ActivityLevelError
	case models.ProcessingStatusCancelled:
		level = models.ActivityLevelWarn
	}

	fields := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	if item.CurrentStep != "" {
		fields["step"] = item.CurrentStep
	}
	message := fmt.Sprintf("%s: %s → %s", itemLabel(item), from, to)
	if to == models.ProcessingStatusFailed && item.LastError != "" {
		fields["error"] = item.LastError
		message = fmt.Sprintf("%s (%s)", message, item.LastError)
	}

	requestID := item.RequestID
	itemID := item.ID
	o.logActivity(ctx, level, "item.transition", message, &requestID, &itemID, fields)

	o.logger.Info("item transitioned",
		"item_id", item.ID,
		"request_id", item.RequestID,
		"from", from,
		"to", to)
}

func applyPatch(item *models.ProcessingItem, patch pipeline.ItemPatch) {
	if patch.CurrentStep != nil {
		item.CurrentStep = *patch.CurrentStep
	}
	if patch.Progress != nil {
		item.Progress = *patch.Progress
	}
	if patch.LastError != nil {
		item.LastError = *patch.LastError
	}
	if patch.Attempts != nil {
		item.Attempts = *patch.Attempts
	}
	if patch.NextRetryAt != nil {
		item.NextRetryAt = patch.NextRetryAt
	}
	if patch.ClearNextRetry {
		item.NextRetryAt = nil
	}
	if patch.SkipUntil != nil {
		item.SkipUntil = patch.SkipUntil
	}
	if patch.DownloadID != nil {
		item.DownloadID = patch.DownloadID
	}
	if patch.EncodingJobID != nil {
		item.EncodingJobID = *patch.EncodingJobID
	}
	if patch.SourceFilePath != nil {
		item.SourceFilePath = *patch.SourceFilePath
	}
	if patch.ClearContext {
		item.StepContext = models.StepContext{}
	}
	if patch.Context != nil {
		item.StepContext.Merge(*patch.Context)
	}
}

// validateTransitionPayload rejects transitions into statuses whose contract
// requires stage output the caller did not provide. Violations are integrity
// errors: letting them through would hand later steps a broken blackboard.
func validateTransitionPayload(item *models.ProcessingItem, to models.ProcessingStatus, patch pipeline.ItemPatch) error {
	if !state.RequiresValidation(to) {
		return nil
	}

	merged := item.StepContext.Clone()
	if patch.ClearContext {
		merged = models.StepContext{}
	}
	if patch.Context != nil {
		merged.Merge(*patch.Context)
	}

	switch to {
	case models.ProcessingStatusFound:
		if merged.Search == nil || (merged.Search.SelectedRelease == nil && merged.Search.ExistingDownload == nil) {
			return apperrors.New(apperrors.KindIntegrity,
				"transition to found requires a selected release or existing download")
		}
	case models.ProcessingStatusDownloaded:
		path := item.SourceFilePath
		if patch.SourceFilePath != nil {
			path = *patch.SourceFilePath
		}
		if path == "" && (merged.Download == nil || merged.Download.SourceFilePath == "") {
			return apperrors.New(apperrors.KindIntegrity,
				"transition to downloaded requires a source file path")
		}
	case models.ProcessingStatusEncoded:
		if merged.Encode == nil || len(merged.Encode.EncodedFiles) == 0 {
			return apperrors.New(apperrors.KindIntegrity,
				"transition to encoded requires encoded files")
		}
	}
	return nil
}

// SetRequestProgress updates the request's coarse progress and step label.
// The first progress report flips a pending request to processing. Terminal
// requests are left untouched.
func (o *Orchestrator) SetRequestProgress(ctx context.Context, requestID models.ULID, progress float64, currentStep string) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}
	if request.Status.IsTerminal() {
		return nil
	}

	request.Progress = progress
	request.CurrentStep = currentStep
	if request.Status == models.RequestStatusPending {
		request.Status = models.RequestStatusProcessing
	}
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}
	o.publishRequest(events.TypeRequestUpdated, request)
	return nil
}

// SetSelectedRelease records the release the search step (or a user override)
// chose for the request.
func (o *Orchestrator) SetSelectedRelease(ctx context.Context, requestID models.ULID, release *models.Release) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}

	request.SelectedRelease = release
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}
	if release != nil {
		o.logActivity(ctx, models.ActivityLevelInfo, "request.release_selected",
			fmt.Sprintf("selected %q", release.Title), &request.ID, nil,
			map[string]any{"resolution": release.Resolution, "seeders": release.Seeders})
	}
	o.publishRequest(events.TypeRequestUpdated, request)
	return nil
}

// MarkQualityUnavailable parks the request with the below-bar alternatives
// until a user accepts one or overrides the release.
func (o *Orchestrator) MarkQualityUnavailable(ctx context.Context, requestID models.ULID, alternatives []models.Release) error {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}
	if request.Status.IsTerminal() {
		return nil
	}

	request.Status = models.RequestStatusQualityUnavailable
	request.AvailableReleases = alternatives
	request.CurrentStep = "awaiting quality decision"
	if err := o.requests.Update(ctx, request); err != nil {
		return err
	}

	o.logActivity(ctx, models.ActivityLevelWarn, "request.quality_unavailable",
		fmt.Sprintf("no release met quality requirements; holding %d alternatives", len(alternatives)),
		&request.ID, nil, nil)
	o.publishRequest(events.TypeRequestUpdated, request)
	return nil
}

// recomputeRequest rolls item statuses up into the coarse request status.
// A TV request completes only when every episode is terminal-positive; failed
// episodes are left for the continuation pass, which re-pends them.
func (o *Orchestrator) recomputeRequest(ctx context.Context, requestID models.ULID) {
	request, err := o.requests.GetByID(ctx, requestID)
	if err != nil {
		o.logger.Error("loading request for rollup",
			"request_id", requestID,
			"error", err)
		return
	}
	if request == nil || request.Status.IsTerminal() {
		return
	}

	items, err := o.items.GetByRequestID(ctx, requestID)
	if err != nil {
		o.logger.Error("loading items for rollup",
			"request_id", requestID,
			"error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	allPositive, allTerminal := true, true
	var failedCount, cancelledCount int
	var lastError string
	for _, item := range items {
		if !state.IsTerminal(item.Status) {
			allTerminal = false
		}
		if !state.IsTerminalPositive(item.Status) {
			allPositive = false
		}
		switch item.Status {
		case models.ProcessingStatusFailed:
			failedCount++
			if item.LastError != "" {
				lastError = item.LastError
			}
		case models.ProcessingStatusCancelled:
			cancelledCount++
		}
	}

	switch {
	case allPositive:
		request.MarkCompleted()
	case !allTerminal:
		return
	case request.IsTV() && failedCount > 0:
		// Failed episodes are re-pended by the continuation pass.
		return
	case failedCount > 0:
		if lastError == "" {
			lastError = fmt.Sprintf("%d items failed", failedCount)
		}
		request.MarkFailed(lastError)
	case cancelledCount == len(items):
		request.MarkCancelled()
		request.CurrentStep = "cancelled"
	default:
		// Completed and cancelled items mixed: the request can never reach
		// completed, and nothing is left to drive.
		request.MarkFailed(fmt.Sprintf("%d of %d items cancelled", cancelledCount, len(items)))
	}

	if err := o.requests.Update(ctx, request); err != nil {
		o.logger.Error("updating request rollup",
			"request_id", requestID,
			"error", err)
		return
	}
	o.cancelContinuation(request.ID)

	level := models.ActivityLevelInfo
	if request.Status == models.RequestStatusFailed {
		level = models.ActivityLevelError
	}
	o.logActivity(ctx, level, "request."+string(request.Status),
		fmt.Sprintf("request %s", request.Status), &request.ID, nil,
		map[string]any{"failed": failedCount, "cancelled": cancelledCount})
	o.publishRequest(events.TypeRequestUpdated, request)

	o.logger.Info("request settled",
		"request_id", request.ID,
		"status", request.Status)
}
