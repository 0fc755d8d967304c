package models

import (
	"time"

	"gorm.io/gorm"
)

// AssignmentStatus is the dispatcher-side lifecycle of one transcoding job.
type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "pending"
	AssignmentStatusEncoding  AssignmentStatus = "encoding"
	AssignmentStatusCompleted AssignmentStatus = "completed"
	AssignmentStatusFailed    AssignmentStatus = "failed"
	AssignmentStatusCancelled AssignmentStatus = "cancelled"
)

// IsTerminal returns true for statuses that end the assignment.
func (s AssignmentStatus) IsTerminal() bool {
	switch s {
	case AssignmentStatusCompleted, AssignmentStatusFailed, AssignmentStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true while the assignment occupies its input path.
// At most one active assignment may exist per input path.
func (s AssignmentStatus) IsActive() bool {
	return s == AssignmentStatusPending || s == AssignmentStatusEncoding
}

// EncoderAssignment tracks one transcoding job on the dispatch side: which
// encoder owns it, where its files live, and how far along it is.
type EncoderAssignment struct {
	BaseModel

	// JobID is the public job identifier referenced by processing items
	// (ProcessingItem.EncodingJobID) and by the wire protocol.
	JobID string `gorm:"uniqueIndex;not null;size:64" json:"job_id"`

	// EncoderID is the current owner. Empty while pending and unowned.
	EncoderID string `gorm:"size:128;index" json:"encoder_id,omitempty"`

	// InputPath and OutputPath are absolute controller-side paths. They are
	// translated into the worker namespace at assignment time.
	InputPath  string `gorm:"not null;size:1024;index" json:"input_path"`
	OutputPath string `gorm:"not null;size:1024" json:"output_path"`

	// ProfileID selects the encoding profile serialized into job:assign.
	ProfileID ULID `gorm:"type:varchar(26)" json:"profile_id"`

	// Status with composite index used by the assignment sweep.
	Status AssignmentStatus `gorm:"not null;size:20;index:idx_assignments_status_assigned,priority:1;default:pending" json:"status"`

	// Attempt counts dispatch tries; MaxAttempts caps requeues.
	Attempt     int `gorm:"default:1" json:"attempt"`
	MaxAttempts int `gorm:"default:3" json:"max_attempts"`

	// Live progress fields, flushed from the in-memory cache.
	Progress   float64 `gorm:"default:0" json:"progress"`
	FPS        float64 `json:"fps,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	ETASeconds int     `json:"eta_seconds,omitempty"`

	// Completion stats.
	OutputSize            int64   `json:"output_size,omitempty"`
	CompressionRatio      float64 `json:"compression_ratio,omitempty"`
	EncodeDurationSeconds float64 `json:"encode_duration_seconds,omitempty"`

	// Error records the final failure message.
	Error string `gorm:"type:text" json:"error,omitempty"`

	AssignedAt  *time.Time `gorm:"index:idx_assignments_status_assigned,priority:2" json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the table name.
func (EncoderAssignment) TableName() string {
	return "encoder_assignments"
}

// Validate checks that required fields are present.
func (a *EncoderAssignment) Validate() error {
	if a.JobID == "" {
		return ErrJobIDRequired
	}
	if a.InputPath == "" {
		return ErrInputPathRequired
	}
	if a.OutputPath == "" {
		return ErrOutputPathRequired
	}
	return nil
}

// BeforeCreate validates and initializes the assignment.
func (a *EncoderAssignment) BeforeCreate(tx *gorm.DB) error {
	if err := a.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = AssignmentStatusPending
	}
	if a.Attempt <= 0 {
		a.Attempt = 1
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 3
	}
	return a.Validate()
}

// HasAttemptsLeft reports whether the assignment may be requeued.
func (a *EncoderAssignment) HasAttemptsLeft() bool {
	return a.Attempt < a.MaxAttempts
}

// MarkAssigned moves the assignment to encoding on the given encoder.
func (a *EncoderAssignment) MarkAssigned(encoderID string) {
	now := time.Now()
	a.EncoderID = encoderID
	a.Status = AssignmentStatusEncoding
	a.AssignedAt = &now
	a.StartedAt = &now
}

// MarkRequeued returns the assignment to pending for another try. Progress
// and ownership are cleared; the attempt counter is advanced by the caller
// when the failed try should count against the budget.
func (a *EncoderAssignment) MarkRequeued() {
	a.Status = AssignmentStatusPending
	a.EncoderID = ""
	a.Progress = 0
	a.FPS = 0
	a.Speed = 0
	a.ETASeconds = 0
	a.AssignedAt = nil
	a.StartedAt = nil
}

// MarkCompleted records the final stats and completes the assignment.
func (a *EncoderAssignment) MarkCompleted(outputSize int64, ratio, durationSeconds float64) {
	now := time.Now()
	a.Status = AssignmentStatusCompleted
	a.Progress = 100
	a.OutputSize = outputSize
	a.CompressionRatio = ratio
	a.EncodeDurationSeconds = durationSeconds
	a.CompletedAt = &now
}

// MarkFailed finishes the assignment with an error.
func (a *EncoderAssignment) MarkFailed(errMsg string) {
	now := time.Now()
	a.Status = AssignmentStatusFailed
	a.Error = errMsg
	a.CompletedAt = &now
}

// MarkCancelled finishes the assignment as cancelled.
func (a *EncoderAssignment) MarkCancelled(reason string) {
	now := time.Now()
	a.Status = AssignmentStatusCancelled
	a.Error = reason
	a.CompletedAt = &now
}
