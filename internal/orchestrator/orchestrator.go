// Package orchestrator is the public façade of the control plane. It owns
// request and item lifecycles: creating requests, the single-writer item
// transition API, the request rollup, retry/cancel operations, and the
// callbacks that reawaken paused pipeline executions. The executor reports
// lifecycle events back through the pipeline.Hooks implementation here.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Runner is the executor surface the orchestrator drives. Narrowed to an
// interface so tests can substitute a fake.
type Runner interface {
	StartRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error)
	StartRootFromTemplate(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error)
	Resume(ctx context.Context, executionID models.ULID) error
	ResumeByCorrelation(ctx context.Context, correlationID string) (bool, error)
}

// JobCanceller is the dispatcher surface used to abort remote encodes when an
// item or request is cancelled.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID, reason string) error
}

// Orchestrator enforces request-level invariants. All ProcessingItem status
// writes funnel through TransitionItem; everything else in the process treats
// item status as read-only.
type Orchestrator struct {
	cfg config.PipelineConfig

	requests   repository.RequestRepository
	items      repository.ProcessingItemRepository
	executions repository.PipelineExecutionRepository
	downloads  repository.DownloadRepository
	activity   repository.ActivityLogRepository

	bus    *events.Bus
	logger *slog.Logger

	// tmu serializes item transitions. Per-item ordering is the contract;
	// a single mutex keeps it simple since transitions are short DB writes.
	tmu sync.Mutex

	mu      sync.Mutex
	runner  Runner
	jobs    JobCanceller
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

// New creates the orchestrator. The executor and dispatcher are bound after
// construction to break the mutual dependency between them.
func New(
	cfg config.PipelineConfig,
	requests repository.RequestRepository,
	items repository.ProcessingItemRepository,
	executions repository.PipelineExecutionRepository,
	downloads repository.DownloadRepository,
	activity repository.ActivityLogRepository,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		requests:   requests,
		items:      items,
		executions: executions,
		downloads:  downloads,
		activity:   activity,
		bus:        bus,
		logger:     logger.With("component", "orchestrator"),
		timers:     make(map[string]*time.Timer),
		now:        time.Now,
	}
}

// BindExecutor attaches the pipeline executor once it exists. The executor is
// constructed with the orchestrator as its Hooks, so binding happens after.
func (o *Orchestrator) BindExecutor(r Runner) {
	o.mu.Lock()
	o.runner = r
	o.mu.Unlock()
}

// BindDispatcher attaches the encoder dispatcher used for job cancellation.
func (o *Orchestrator) BindDispatcher(j JobCanceller) {
	o.mu.Lock()
	o.jobs = j
	o.mu.Unlock()
}

// Stop cancels pending continuation timers. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for key, timer := range o.timers {
		timer.Stop()
		delete(o.timers, key)
	}
}

func (o *Orchestrator) runnerRef() Runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runner
}

func (o *Orchestrator) jobsRef() JobCanceller {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs
}

// resumeCorrelation wakes the execution parked on the correlation id, if any.
func (o *Orchestrator) resumeCorrelation(ctx context.Context, correlationID string) (bool, error) {
	runner := o.runnerRef()
	if runner == nil {
		return false, nil
	}
	return runner.ResumeByCorrelation(ctx, correlationID)
}

func (o *Orchestrator) cancelEncoderJob(ctx context.Context, jobID, reason string) {
	jobs := o.jobsRef()
	if jobs == nil || jobID == "" {
		return
	}
	if err := jobs.CancelJob(ctx, jobID, reason); err != nil {
		o.logger.Debug("cancelling encoder job",
			"job_id", jobID,
			"error", err)
	}
}

// logActivity appends one audit trail entry. Failures are logged, never
// propagated; the audit trail must not break the operation it documents.
func (o *Orchestrator) logActivity(ctx context.Context, level models.ActivityLevel, event, message string, requestID, itemID *models.ULID, fields map[string]any) {
	if o.activity == nil {
		return
	}
	entry := &models.ActivityLog{
		RequestID: requestID,
		ItemID:    itemID,
		Level:     level,
		Event:     event,
		Message:   message,
		Fields:    fields,
	}
	if err := o.activity.Create(ctx, entry); err != nil {
		o.logger.Warn("writing activity log",
			"event", event,
			"error", err)
	}
}

func (o *Orchestrator) publishItem(item *models.ProcessingItem) {
	if o.bus == nil {
		return
	}
	requestID := item.RequestID
	itemID := item.ID
	o.bus.Publish(events.Event{
		Type:      events.TypeItemUpdated,
		RequestID: &requestID,
		ItemID:    &itemID,
		Payload:   item,
	})
}

func (o *Orchestrator) publishRequest(typ events.Type, request *models.Request) {
	if o.bus == nil {
		return
	}
	requestID := request.ID
	o.bus.Publish(events.Event{
		Type:      typ,
		RequestID: &requestID,
		Payload:   request,
	})
}

// itemLabel renders a short human tag for activity messages.
func itemLabel(item *models.ProcessingItem) string {
	if item.Type == models.ItemTypeEpisode {
		return item.EpisodeCode()
	}
	if item.Title != "" {
		return item.Title
	}
	return "item"
}

func strPtr(s string) *string { return &s }

var (
	_ steps.Services = (*Orchestrator)(nil)
	_ pipeline.Hooks = (*Orchestrator)(nil)
)
