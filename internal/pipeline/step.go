// Package pipeline provides the template-driven execution engine: the step
// contract, the step registry, the condition evaluator and the executor that
// walks a template's step tree, suspending and resuming executions as steps
// wait on external work.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// State is the mutable execution state handed to a step. Context aliases the
// execution row's context, so mutations are persisted by the executor after
// every step run. Steps that transition their item assign the returned row
// back to Item so later steps see fresh state.
type State struct {
	Execution *models.PipelineExecution
	Request   *models.Request

	// Item scopes branch executions to a single processing item. Root
	// executions carry nil and derive their scope from the request.
	Item *models.ProcessingItem

	Context *models.StepContext
}

// StepOutput is the outcome of one step run. Domain failures are expressed
// here; an error return from Execute means infrastructure broke and the
// execution fails outright.
type StepOutput struct {
	Success bool

	// ShouldRetry reschedules the same step. With RetryAfter zero the retry
	// consumes one attempt from the scoped items' budget and backs off
	// exponentially; a non-zero RetryAfter is a step-chosen cadence (a
	// re-poll, not a failure) and leaves the budget untouched.
	ShouldRetry bool
	RetryAfter  time.Duration

	// ShouldPause parks the execution until a callback resumes it.
	// CorrelationID records what the execution waits on: an encoder job id,
	// a download id, an approval id.
	ShouldPause   bool
	CorrelationID string

	// NextStep jumps to the named step on success. Nil means the natural
	// next step; a pointer to the empty string ends the walk and completes
	// the execution.
	NextStep *string

	// Data carries step-specific results for logging and events.
	Data map[string]any

	Error string
}

// Succeed returns a plain successful output.
func Succeed() *StepOutput {
	return &StepOutput{Success: true}
}

// Failf returns a non-retryable failure.
func Failf(format string, args ...any) *StepOutput {
	return &StepOutput{Error: fmt.Sprintf(format, args...)}
}

// Retryf returns a retryable failure. A zero after uses the executor's
// budgeted exponential backoff; a non-zero after is a step-chosen cadence.
func Retryf(after time.Duration, format string, args ...any) *StepOutput {
	return &StepOutput{
		ShouldRetry: true,
		RetryAfter:  after,
		Error:       fmt.Sprintf(format, args...),
	}
}

// Pause returns a successful output that parks the execution on the given
// correlation id.
func Pause(correlationID string) *StepOutput {
	return &StepOutput{
		Success:       true,
		ShouldPause:   true,
		CorrelationID: correlationID,
	}
}

// EndWalk returns the NextStep sentinel that completes the execution without
// visiting the remaining steps.
func EndWalk() *string {
	s := ""
	return &s
}

// Step is one executable pipeline stage implementation, registered under its
// type tag.
type Step interface {
	// Type returns the tag templates reference this step by.
	Type() models.StepType

	// ValidateConfig vets a template's config block at load time.
	ValidateConfig(cfg map[string]any) error

	// Execute runs the step. ctx cancellation must be honored by steps that
	// block; the executor persists Context mutations after the call returns.
	Execute(ctx context.Context, state *State, cfg map[string]any) (*StepOutput, error)
}

// ItemPatch is the optional field set applied alongside an item status
// transition. Nil pointers leave fields untouched; Context is merged into the
// item's step context key by key. ClearContext empties the step context
// before the merge so a reset item starts from a clean blackboard.
type ItemPatch struct {
	CurrentStep    *string
	Progress       *float64
	LastError      *string
	Attempts       *int
	NextRetryAt    *time.Time
	ClearNextRetry bool
	SkipUntil      *time.Time
	DownloadID     *models.ULID
	EncodingJobID  *string
	SourceFilePath *string
	Context        *models.StepContext
	ClearContext   bool
}

// Hooks is the orchestrator surface the executor reports lifecycle events
// through.
type Hooks interface {
	// ExecutionFinished runs after an execution reached a terminal status.
	// The orchestrator fails items owned by a failed execution, recomputes
	// the request rollup and schedules TV continuation.
	ExecutionFinished(ctx context.Context, execution *models.PipelineExecution)

	// ExecutionRetry books one budgeted retry for the items the execution
	// drives and returns the backoff delay. ok is false when the attempt
	// budget is exhausted and the execution must fail instead.
	ExecutionRetry(ctx context.Context, execution *models.PipelineExecution, stepName, reason string) (delay time.Duration, ok bool)
}
