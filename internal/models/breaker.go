package models

import (
	"time"

	"gorm.io/gorm"
)

// BreakerState is the circuit breaker state for one external service.
type BreakerState string

const (
	BreakerStateClosed   BreakerState = "closed"
	BreakerStateOpen     BreakerState = "open"
	BreakerStateHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the persisted breaker row, one per external service.
type CircuitBreakerState struct {
	BaseModel

	// Service names the external collaborator ("indexer", "torrent_client").
	Service string `gorm:"uniqueIndex;not null;size:100" json:"service"`

	// State is the current breaker state.
	State BreakerState `gorm:"not null;size:20;default:closed" json:"state"`

	// Failures counts consecutive failures while closed.
	Failures int `gorm:"default:0" json:"failures"`

	// Successes counts probe successes while half-open.
	Successes int `gorm:"default:0" json:"successes"`

	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// OpensUntil is when an open breaker becomes eligible for half-open.
	OpensUntil *time.Time `json:"opens_until,omitempty"`
}

// TableName overrides the table name.
func (CircuitBreakerState) TableName() string {
	return "circuit_breakers"
}

// Validate checks that required fields are present.
func (c *CircuitBreakerState) Validate() error {
	if c.Service == "" {
		return ErrServiceRequired
	}
	return nil
}

// BeforeCreate validates and initializes the breaker row.
func (c *CircuitBreakerState) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if c.State == "" {
		c.State = BreakerStateClosed
	}
	return c.Validate()
}
