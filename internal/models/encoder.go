package models

import (
	"time"

	"gorm.io/gorm"
)

// EncoderStatus is the persisted view of a remote encoder's availability.
type EncoderStatus string

const (
	EncoderStatusIdle     EncoderStatus = "idle"
	EncoderStatusEncoding EncoderStatus = "encoding"
	EncoderStatusOffline  EncoderStatus = "offline"
)

// RemoteEncoder is the persisted record of a worker node. The in-memory
// connection table in the dispatcher is authoritative during steady state;
// these rows are the reconciliation source at reconnect and restart.
type RemoteEncoder struct {
	BaseModel

	// EncoderID is the worker-chosen stable identifier.
	EncoderID string `gorm:"uniqueIndex;not null;size:128" json:"encoder_id"`

	// GPUDevice names the hardware the worker encodes on ("cuda:0", "vaapi").
	GPUDevice string `gorm:"size:64" json:"gpu_device,omitempty"`

	// MaxConcurrent caps simultaneous jobs; CurrentJobs tracks occupancy.
	MaxConcurrent int `gorm:"default:1" json:"max_concurrent"`
	CurrentJobs   int `gorm:"default:0" json:"current_jobs"`

	// Status is the availability state.
	Status EncoderStatus `gorm:"not null;size:20;index;default:offline" json:"status"`

	Hostname string `gorm:"size:255" json:"hostname,omitempty"`
	Version  string `gorm:"size:50" json:"version,omitempty"`

	// Lifetime counters.
	TotalCompleted int64 `gorm:"default:0" json:"total_completed"`
	TotalFailed    int64 `gorm:"default:0" json:"total_failed"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// TableName overrides the table name.
func (RemoteEncoder) TableName() string {
	return "remote_encoders"
}

// Validate checks that required fields are present.
func (e *RemoteEncoder) Validate() error {
	if e.EncoderID == "" {
		return ErrEncoderIDRequired
	}
	if e.MaxConcurrent < 0 {
		return ErrInvalidMaxConcurrent
	}
	return nil
}

// BeforeCreate validates and initializes the encoder row.
func (e *RemoteEncoder) BeforeCreate(tx *gorm.DB) error {
	if err := e.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = EncoderStatusOffline
	}
	return e.Validate()
}

// SpareCapacity returns how many more jobs the encoder can take.
func (e *RemoteEncoder) SpareCapacity() int {
	spare := e.MaxConcurrent - e.CurrentJobs
	if spare < 0 {
		return 0
	}
	return spare
}

// CanAcceptJobs reports whether the encoder is online with spare capacity.
func (e *RemoteEncoder) CanAcceptJobs() bool {
	return e.Status != EncoderStatusOffline && e.SpareCapacity() > 0
}
