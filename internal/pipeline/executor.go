package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Executor walks pipeline executions through their template's step list. It
// owns the execution rows: steps mutate context and items, the executor alone
// moves CurrentStep and the execution status. Concurrency is bounded by a
// semaphore sized from config; paused executions cost nothing until a
// callback or retry timer resumes them.
type Executor struct {
	cfg        config.PipelineConfig
	registry   *Registry
	executions repository.PipelineExecutionRepository
	templates  repository.PipelineTemplateRepository
	requests   repository.RequestRepository
	items      repository.ProcessingItemRepository
	hooks      Hooks
	logger     *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// New creates the executor. hooks is the orchestrator surface that applies
// item-level consequences of execution lifecycle events.
func New(
	cfg config.PipelineConfig,
	registry *Registry,
	executions repository.PipelineExecutionRepository,
	templates repository.PipelineTemplateRepository,
	requests repository.RequestRepository,
	items repository.ProcessingItemRepository,
	hooks Hooks,
	logger *slog.Logger,
) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	maxActive := cfg.MaxActiveExecutions
	if maxActive < 1 {
		maxActive = 1
	}
	return &Executor{
		cfg:        cfg,
		registry:   registry,
		executions: executions,
		templates:  templates,
		requests:   requests,
		items:      items,
		hooks:      hooks,
		logger:     logger.With("component", "executor"),
		sem:        make(chan struct{}, maxActive),
		timers:     make(map[string]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// StartRoot begins a root execution for the request using the default
// template of its media kind. Starting is idempotent: an already active root
// execution is returned instead of a second one.
func (e *Executor) StartRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error) {
	request, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}

	tmpl, err := e.templates.GetDefault(ctx, request.Kind)
	if err != nil {
		return nil, fmt.Errorf("loading default template: %w", err)
	}
	if tmpl == nil {
		return nil, apperrors.New(apperrors.KindConfig, "no default pipeline template for %s requests", request.Kind)
	}

	return e.startRoot(ctx, request, tmpl)
}

// StartRootFromTemplate begins a root execution using a specific template.
func (e *Executor) StartRootFromTemplate(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error) {
	request, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("loading request: %w", err)
	}
	if request == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "request %s not found", requestID)
	}

	tmpl, err := e.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	if tmpl == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "template %s not found", templateID)
	}

	return e.startRoot(ctx, request, tmpl)
}

func (e *Executor) startRoot(ctx context.Context, request *models.Request, tmpl *models.PipelineTemplate) (*models.PipelineExecution, error) {
	existing, err := e.executions.GetActiveRoot(ctx, request.ID)
	if err != nil {
		return nil, fmt.Errorf("checking active execution: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	exec := &models.PipelineExecution{
		RequestID:  request.ID,
		TemplateID: tmpl.ID,
		Status:     models.ExecutionStatusRunning,
		StartedAt:  e.now(),
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	e.logger.Info("execution started",
		"execution_id", exec.ID,
		"request_id", request.ID,
		"template", tmpl.Name)

	e.Kick(exec.ID)
	return exec, nil
}

// StartBranch begins an item-scoped execution that enters the template at its
// first encode step. Branches let a season's episodes encode and deliver in
// parallel once their shared download lands. Idempotent per item.
func (e *Executor) StartBranch(ctx context.Context, templateID models.ULID, parent *models.PipelineExecution, item *models.ProcessingItem, seed models.StepContext) (*models.PipelineExecution, error) {
	existing, err := e.executions.GetByItemID(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("checking branch execution: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	tmpl, err := e.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	if tmpl == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "template %s not found", templateID)
	}

	flat := Flatten(tmpl.Steps)
	start := FirstIndexOfType(flat, models.StepTypeEncode)
	if start < 0 {
		return nil, apperrors.New(apperrors.KindConfig, "template %q has no encode step to branch into", tmpl.Name)
	}

	exec := &models.PipelineExecution{
		RequestID:   item.RequestID,
		TemplateID:  tmpl.ID,
		ItemID:      &item.ID,
		Status:      models.ExecutionStatusRunning,
		CurrentStep: start,
		Context:     seed,
		StartedAt:   e.now(),
	}
	if parent != nil {
		exec.ParentExecutionID = &parent.ID
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating branch execution: %w", err)
	}

	e.logger.Info("branch execution started",
		"execution_id", exec.ID,
		"request_id", item.RequestID,
		"item_id", item.ID,
		"entry_step", flat[start].Def.Name)

	e.Kick(exec.ID)
	return exec, nil
}

// StartBranches spawns one branch execution per item, seeding each branch
// with the parent's context minus any encode or deliver results and with the
// item's own download context. Returns how many branches were started.
func (e *Executor) StartBranches(ctx context.Context, parent *models.PipelineExecution, items []*models.ProcessingItem) (int, error) {
	started := 0
	for _, item := range items {
		seed := parent.Context.Clone()
		seed.Encode = nil
		seed.Deliver = nil
		if item.StepContext.Download != nil {
			d := *item.StepContext.Download
			seed.Download = &d
		}
		if _, err := e.StartBranch(ctx, parent.TemplateID, parent, item, seed); err != nil {
			return started, err
		}
		started++
	}
	return started, nil
}

// Resume reawakens an execution. Paused executions go back to running with
// the correlation cleared and re-enter the hot loop at the recorded step;
// running executions are kicked in case no worker currently holds them.
// Resuming a terminal execution is a no-op.
func (e *Executor) Resume(ctx context.Context, executionID models.ULID) error {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}
	if exec == nil {
		return apperrors.New(apperrors.KindNotFound, "execution %s not found", executionID)
	}

	switch exec.Status {
	case models.ExecutionStatusPaused:
		exec.Status = models.ExecutionStatusRunning
		exec.CorrelationID = ""
		if err := e.executions.Update(ctx, exec); err != nil {
			return fmt.Errorf("resuming execution: %w", err)
		}
		e.Kick(exec.ID)
	case models.ExecutionStatusRunning:
		e.Kick(exec.ID)
	}
	return nil
}

// ResumeByCorrelation resumes the execution paused on the given correlation
// id. It reports whether a waiting execution was found.
func (e *Executor) ResumeByCorrelation(ctx context.Context, correlationID string) (bool, error) {
	exec, err := e.executions.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return false, fmt.Errorf("loading execution by correlation: %w", err)
	}
	if exec == nil {
		return false, nil
	}
	return true, e.Resume(ctx, exec.ID)
}

// Kick schedules one pass over the execution's remaining steps on a worker
// slot. Safe to call for executions that turn out paused or terminal; the
// pass re-checks status before running anything.
func (e *Executor) Kick(executionID models.ULID) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		defer func() { <-e.sem }()
		e.run(e.ctx, executionID)
	}()
}

// run advances one execution until it pauses, retries, fails or completes.
func (e *Executor) run(ctx context.Context, executionID models.ULID) {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		e.logger.Error("loading execution", "execution_id", executionID, "error", err)
		return
	}
	if exec == nil || exec.Status != models.ExecutionStatusRunning {
		return
	}

	tmpl, err := e.templates.GetByID(ctx, exec.TemplateID)
	if err != nil {
		e.logger.Error("loading template", "execution_id", exec.ID, "error", err)
		return
	}
	if tmpl == nil {
		e.failExecution(ctx, exec, fmt.Sprintf("template %s not found", exec.TemplateID))
		return
	}
	flat := Flatten(tmpl.Steps)

	request, err := e.requests.GetByID(ctx, exec.RequestID)
	if err != nil {
		e.logger.Error("loading request", "execution_id", exec.ID, "error", err)
		return
	}
	if request == nil {
		e.failExecution(ctx, exec, fmt.Sprintf("request %s not found", exec.RequestID))
		return
	}

	var item *models.ProcessingItem
	if exec.IsBranch() {
		item, err = e.items.GetByID(ctx, *exec.ItemID)
		if err != nil {
			e.logger.Error("loading item", "execution_id", exec.ID, "error", err)
			return
		}
		if item == nil {
			e.failExecution(ctx, exec, fmt.Sprintf("item %s not found", exec.ItemID))
			return
		}
	}

	state := &State{Execution: exec, Request: request, Item: item, Context: &exec.Context}

	for exec.CurrentStep < len(flat) {
		// A shutdown mid-walk leaves the row running; RecoverInFlight kicks
		// it again on the next start.
		if ctx.Err() != nil {
			return
		}

		fs := flat[exec.CurrentStep]

		if !EvaluateCondition(fs.Def.Condition, exec.Context) {
			e.logger.Debug("step skipped by condition",
				"execution_id", exec.ID, "step", fs.Def.Name)
			exec.CurrentStep = fs.SkipTo
			if err := e.executions.Update(ctx, exec); err != nil {
				e.logger.Error("persisting execution", "execution_id", exec.ID, "error", err)
				return
			}
			continue
		}

		step := e.registry.Get(fs.Def.Type)
		if step == nil {
			e.failExecution(ctx, exec, fmt.Sprintf("no step registered for type %q", fs.Def.Type))
			return
		}

		e.logger.Debug("running step",
			"execution_id", exec.ID,
			"step", fs.Def.Name,
			"index", exec.CurrentStep)

		out, err := step.Execute(ctx, state, fs.Def.Config)
		if err != nil {
			e.failExecution(ctx, exec, fmt.Sprintf("step %q: %v", fs.Def.Name, err))
			return
		}
		if out == nil {
			out = Succeed()
		}

		if out.ShouldPause {
			exec.MarkPaused(out.CorrelationID)
			if err := e.executions.Update(ctx, exec); err != nil {
				e.logger.Error("pausing execution", "execution_id", exec.ID, "error", err)
			}
			e.logger.Debug("execution paused",
				"execution_id", exec.ID,
				"step", fs.Def.Name,
				"correlation_id", out.CorrelationID)
			return
		}

		if !out.Success {
			if out.ShouldRetry {
				e.scheduleRetry(ctx, exec, fs.Def.Name, out)
			} else {
				e.failExecution(ctx, exec, fmt.Sprintf("step %q: %s", fs.Def.Name, out.Error))
			}
			return
		}

		switch {
		case out.NextStep == nil:
			exec.CurrentStep++
		case *out.NextStep == "":
			exec.CurrentStep = len(flat)
		default:
			next := IndexOf(flat, *out.NextStep)
			if next < 0 {
				e.failExecution(ctx, exec, fmt.Sprintf("step %q jumps to unknown step %q", fs.Def.Name, *out.NextStep))
				return
			}
			exec.CurrentStep = next
		}

		if err := e.executions.Update(ctx, exec); err != nil {
			e.logger.Error("persisting execution", "execution_id", exec.ID, "error", err)
			return
		}
	}

	exec.MarkCompleted()
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("completing execution", "execution_id", exec.ID, "error", err)
		return
	}
	e.logger.Info("execution completed", "execution_id", exec.ID, "request_id", exec.RequestID)

	if e.hooks != nil {
		e.hooks.ExecutionFinished(ctx, exec)
	}
}

// scheduleRetry parks the execution on a retry timer. Step-chosen cadences
// (RetryAfter set) are free re-polls; everything else books an attempt
// against the scoped items through the hooks, which also pick the backoff.
func (e *Executor) scheduleRetry(ctx context.Context, exec *models.PipelineExecution, stepName string, out *StepOutput) {
	delay := out.RetryAfter
	if delay <= 0 {
		if e.hooks == nil {
			e.failExecution(ctx, exec, fmt.Sprintf("step %q: %s", stepName, out.Error))
			return
		}
		d, ok := e.hooks.ExecutionRetry(ctx, exec, stepName, out.Error)
		if !ok {
			e.failExecution(ctx, exec, fmt.Sprintf("step %q: attempts exhausted: %s", stepName, out.Error))
			return
		}
		delay = d
	}

	exec.MarkPaused(RetryCorrelation(exec.ID))
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("pausing execution for retry", "execution_id", exec.ID, "error", err)
		return
	}

	e.logger.Info("step retry scheduled",
		"execution_id", exec.ID,
		"step", stepName,
		"delay", delay,
		"reason", out.Error)

	e.armRetryTimer(exec.ID, delay)
}

func (e *Executor) armRetryTimer(executionID models.ULID, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	key := executionID.String()
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	e.timers[key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()
		if err := e.Resume(e.ctx, executionID); err != nil {
			e.logger.Error("resuming retried execution", "execution_id", key, "error", err)
		}
	})
}

func (e *Executor) failExecution(ctx context.Context, exec *models.PipelineExecution, reason string) {
	exec.MarkFailed(reason)
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("failing execution", "execution_id", exec.ID, "error", err)
		return
	}
	e.logger.Error("execution failed",
		"execution_id", exec.ID,
		"request_id", exec.RequestID,
		"reason", reason)

	if e.hooks != nil {
		e.hooks.ExecutionFinished(ctx, exec)
	}
}

// RecoverInFlight re-enters executions interrupted by a restart: running
// rows are kicked, and retry waits are re-run immediately since their timers
// did not survive the process.
func (e *Executor) RecoverInFlight(ctx context.Context) error {
	running, err := e.executions.GetByStatus(ctx, models.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("loading running executions: %w", err)
	}
	for _, exec := range running {
		e.Kick(exec.ID)
	}

	paused, err := e.executions.GetByStatus(ctx, models.ExecutionStatusPaused)
	if err != nil {
		return fmt.Errorf("loading paused executions: %w", err)
	}
	retried := 0
	for _, exec := range paused {
		if !IsRetryCorrelation(exec.CorrelationID) {
			continue
		}
		if err := e.Resume(ctx, exec.ID); err != nil {
			e.logger.Error("recovering retry wait", "execution_id", exec.ID, "error", err)
			continue
		}
		retried++
	}

	if len(running) > 0 || retried > 0 {
		e.logger.Info("recovered in-flight executions",
			"running", len(running),
			"retries", retried)
	}
	return nil
}

// Stop cancels in-flight passes, drops pending retry timers and waits for
// workers to drain. Interrupted executions stay running in the database and
// are recovered on the next start.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.closed = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
