package models

import (
	"time"

	"gorm.io/gorm"
)

// StepType tags a pipeline step implementation in the registry.
type StepType string

const (
	StepTypeSearch       StepType = "search"
	StepTypeDownload     StepType = "download"
	StepTypeEncode       StepType = "encode"
	StepTypeDeliver      StepType = "deliver"
	StepTypeApproval     StepType = "approval"
	StepTypeNotification StepType = "notification"
	StepTypeConditional  StepType = "conditional"
)

// StepCondition gates a step on values already present in the context.
// Operands reference dotted paths ("search.selected_release.resolution").
type StepCondition struct {
	// Logic combines the clauses: "and" (default) or "or".
	Logic string `json:"logic,omitempty" yaml:"logic,omitempty"`

	Clauses []ConditionClause `json:"clauses" yaml:"clauses"`
}

// ConditionClause is one comparison inside a step condition.
type ConditionClause struct {
	Path     string `json:"path" yaml:"path"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// StepDefinition is one node of a pipeline template's step tree.
type StepDefinition struct {
	Type      StepType          `json:"type" yaml:"type"`
	Name      string            `json:"name" yaml:"name"`
	Config    map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Condition *StepCondition    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Children  []StepDefinition  `json:"children,omitempty" yaml:"children,omitempty"`
}

// PipelineTemplate is an ordered tree of step definitions. One template per
// media kind is flagged as the default. Templates are immutable to the engine.
type PipelineTemplate struct {
	BaseModel

	// Name uniquely identifies the template.
	Name string `gorm:"uniqueIndex;not null;size:100" json:"name"`

	// MediaKind selects which requests this template applies to.
	MediaKind MediaKind `gorm:"not null;size:10;index" json:"media_kind"`

	// IsDefault marks the fallback template for its media kind.
	IsDefault bool `gorm:"default:false;index" json:"is_default"`

	// Steps is the ordered step tree.
	Steps []StepDefinition `gorm:"type:text;serializer:json" json:"steps"`
}

// TableName overrides the table name.
func (PipelineTemplate) TableName() string {
	return "pipeline_templates"
}

// Validate checks template integrity.
func (t *PipelineTemplate) Validate() error {
	if t.Name == "" {
		return ErrNameRequired
	}
	if !t.MediaKind.IsValid() {
		return ErrInvalidMediaKind
	}
	if len(t.Steps) == 0 {
		return ErrStepsRequired
	}
	return nil
}

// BeforeCreate validates the template.
func (t *PipelineTemplate) BeforeCreate(tx *gorm.DB) error {
	if err := t.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return t.Validate()
}

// ExecutionStatus is the lifecycle of one pipeline traversal.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true for statuses that end the execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true while the execution still owns its items.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusRunning || s == ExecutionStatusPaused
}

// PipelineExecution is one in-flight traversal of a template for a request.
// A request has at most one active root execution (ItemID null) plus any
// number of episode branch executions (ItemID set, ParentExecutionID set).
type PipelineExecution struct {
	BaseModel

	// RequestID is the request being traversed.
	RequestID ULID `gorm:"not null;type:varchar(26);index" json:"request_id"`

	// TemplateID is the template this traversal follows.
	TemplateID ULID `gorm:"not null;type:varchar(26)" json:"template_id"`

	// ParentExecutionID links an episode branch to its root execution.
	ParentExecutionID *ULID `gorm:"type:varchar(26);index" json:"parent_execution_id,omitempty"`

	// ItemID scopes a branch execution to a single processing item.
	ItemID *ULID `gorm:"type:varchar(26);index" json:"item_id,omitempty"`

	// Status is the execution lifecycle state.
	Status ExecutionStatus `gorm:"not null;size:20;index;default:running" json:"status"`

	// CurrentStep is the index into the template's flattened step list.
	CurrentStep int `gorm:"default:0" json:"current_step"`

	// Context is the persisted blackboard for this traversal.
	Context StepContext `gorm:"type:text;serializer:json" json:"context"`

	// CorrelationID identifies what a paused execution is waiting on: an
	// approval id, an encoder job id, or a download id.
	CorrelationID string `gorm:"size:64;index" json:"correlation_id,omitempty"`

	// Error records why the execution failed.
	Error string `gorm:"type:text" json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName overrides the table name.
func (PipelineExecution) TableName() string {
	return "pipeline_executions"
}

// Validate checks execution integrity.
func (e *PipelineExecution) Validate() error {
	if e.RequestID.IsZero() {
		return ErrRequestIDRequired
	}
	if e.TemplateID.IsZero() {
		return ErrTemplateIDRequired
	}
	return nil
}

// BeforeCreate validates and initializes the execution.
func (e *PipelineExecution) BeforeCreate(tx *gorm.DB) error {
	if err := e.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = ExecutionStatusRunning
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	return e.Validate()
}

// IsBranch returns true for episode branch executions.
func (e *PipelineExecution) IsBranch() bool {
	return e.ItemID != nil && !e.ItemID.IsZero()
}

// MarkPaused records the wait correlation and pauses the execution.
func (e *PipelineExecution) MarkPaused(correlationID string) {
	e.Status = ExecutionStatusPaused
	e.CorrelationID = correlationID
}

// MarkCompleted finishes the execution successfully.
func (e *PipelineExecution) MarkCompleted() {
	now := time.Now()
	e.Status = ExecutionStatusCompleted
	e.FinishedAt = &now
}

// MarkFailed finishes the execution with an error.
func (e *PipelineExecution) MarkFailed(errMsg string) {
	now := time.Now()
	e.Status = ExecutionStatusFailed
	e.Error = errMsg
	e.FinishedAt = &now
}

// MarkCancelled finishes the execution as cancelled.
func (e *PipelineExecution) MarkCancelled() {
	now := time.Now()
	e.Status = ExecutionStatusCancelled
	e.FinishedAt = &now
}
