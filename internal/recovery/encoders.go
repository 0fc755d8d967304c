package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// EncoderMonitorWorker reconciles items in encoding against their assignment
// rows. The normal path is a completion callback from the dispatcher; the
// monitor covers callbacks lost to restarts, orphaned items whose request is
// gone, and assignments that went terminal while nothing was listening.
type EncoderMonitorWorker struct {
	items       repository.ProcessingItemRepository
	requests    repository.RequestRepository
	assignments repository.EncoderAssignmentRepository
	profiles    repository.EncodingProfileRepository
	control     Control
	resumer     Resumer
	jobs        JobCanceller
	logger      *slog.Logger
}

// NewEncoderMonitorWorker creates the worker.
func NewEncoderMonitorWorker(
	items repository.ProcessingItemRepository,
	requests repository.RequestRepository,
	assignments repository.EncoderAssignmentRepository,
	profiles repository.EncodingProfileRepository,
	control Control,
	resumer Resumer,
	jobs JobCanceller,
	logger *slog.Logger,
) *EncoderMonitorWorker {
	return &EncoderMonitorWorker{
		items:       items,
		requests:    requests,
		assignments: assignments,
		profiles:    profiles,
		control:     control,
		resumer:     resumer,
		jobs:        jobs,
		logger:      logger.With("component", "encoder_monitor"),
	}
}

// Run sweeps every encoding item once.
func (w *EncoderMonitorWorker) Run(ctx context.Context) error {
	items, err := w.items.GetByStatus(ctx, models.ProcessingStatusEncoding)
	if err != nil {
		return fmt.Errorf("listing encoding items: %w", err)
	}

	for _, item := range items {
		if err := w.monitor(ctx, item); err != nil {
			w.logger.Warn("reconciling encoding item",
				"item_id", item.ID,
				"job_id", item.EncodingJobID,
				"error", err)
		}
	}
	return nil
}

func (w *EncoderMonitorWorker) monitor(ctx context.Context, item *models.ProcessingItem) error {
	request, err := w.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	if request == nil || request.Status.IsTerminal() {
		return w.failOrphan(ctx, item, request)
	}

	if item.EncodingJobID == "" {
		// Encoding without a job reference; not this sweep's shape.
		return nil
	}

	assignment, err := w.assignments.GetByJobID(ctx, item.EncodingJobID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return w.failItem(ctx, item, fmt.Sprintf("encoding job %s not found", item.EncodingJobID))
	}

	switch assignment.Status {
	case models.AssignmentStatusCompleted:
		return w.reconcileCompleted(ctx, request, item, assignment)
	case models.AssignmentStatusFailed, models.AssignmentStatusCancelled:
		return w.reconcileTerminal(ctx, item, assignment)
	default:
		// Still live. Stall detection owns running jobs.
		return nil
	}
}

// failOrphan stops the remote job, if any, and fails an item whose owning
// request no longer wants it.
func (w *EncoderMonitorWorker) failOrphan(ctx context.Context, item *models.ProcessingItem, request *models.Request) error {
	if item.EncodingJobID != "" {
		if err := w.jobs.CancelJob(ctx, item.EncodingJobID, "orphaned encode"); err != nil {
			w.logger.Warn("cancelling orphaned job",
				"job_id", item.EncodingJobID,
				"error", err)
		}
	}
	reason := "orphaned encode: request gone"
	if request != nil {
		reason = fmt.Sprintf("orphaned encode: request is %s", request.Status)
	}
	return w.failItem(ctx, item, reason)
}

// reconcileCompleted finishes an encode whose completion callback was lost.
// An execution parked on the job id re-runs its encode step on resume and
// rebuilds the context itself; only when nothing resumes does the monitor
// transition the item directly.
func (w *EncoderMonitorWorker) reconcileCompleted(ctx context.Context, request *models.Request, item *models.ProcessingItem, assignment *models.EncoderAssignment) error {
	resumed, err := w.resumer.ResumeByCorrelation(ctx, assignment.JobID)
	if err != nil {
		return err
	}
	if resumed {
		w.logger.Info("parked encode resumed",
			"item_id", item.ID,
			"job_id", assignment.JobID)
		return nil
	}

	profile, err := w.lookupProfile(ctx, assignment)
	if err != nil {
		return err
	}

	encodeCtx := steps.BuildEncodeContext(request, item, assignment, profile)
	if _, err := w.control.TransitionItem(ctx, item.ID, models.ProcessingStatusEncoded, pipeline.ItemPatch{
		Context: &models.StepContext{Encode: encodeCtx},
	}); err != nil {
		return err
	}
	w.logger.Info("completed encode reconciled",
		"item_id", item.ID,
		"job_id", assignment.JobID,
		"output", assignment.OutputPath)
	return nil
}

// reconcileTerminal routes a failed or cancelled assignment back through a
// parked execution when one exists, so the failure is billed against the
// retry budget; otherwise the item is failed directly.
func (w *EncoderMonitorWorker) reconcileTerminal(ctx context.Context, item *models.ProcessingItem, assignment *models.EncoderAssignment) error {
	resumed, err := w.resumer.ResumeByCorrelation(ctx, assignment.JobID)
	if err != nil {
		return err
	}
	if resumed {
		return nil
	}

	reason := assignment.Error
	if reason == "" {
		reason = fmt.Sprintf("encoding job %s %s", assignment.JobID, assignment.Status)
	}
	return w.failItem(ctx, item, reason)
}

func (w *EncoderMonitorWorker) failItem(ctx context.Context, item *models.ProcessingItem, reason string) error {
	_, err := w.control.TransitionItem(ctx, item.ID, models.ProcessingStatusFailed, pipeline.ItemPatch{
		LastError: &reason,
	})
	return err
}

// lookupProfile resolves the profile the assignment was queued with, falling
// back to the default when the original was deleted in the meantime.
func (w *EncoderMonitorWorker) lookupProfile(ctx context.Context, assignment *models.EncoderAssignment) (*models.EncodingProfile, error) {
	if !assignment.ProfileID.IsZero() {
		profile, err := w.profiles.GetByID(ctx, assignment.ProfileID)
		if err != nil {
			return nil, err
		}
		if profile != nil {
			return profile, nil
		}
	}
	profile, err := w.profiles.GetDefault(ctx)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("no encoding profile available")
	}
	return profile, nil
}
