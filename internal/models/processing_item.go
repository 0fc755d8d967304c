package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ItemType identifies the unit of work a processing item represents.
type ItemType string

const (
	// ItemTypeMovie is a whole-film work unit.
	ItemTypeMovie ItemType = "movie"

	// ItemTypeEpisode is a single-episode work unit of a TV request.
	ItemTypeEpisode ItemType = "episode"
)

// IsValid returns true if the item type is recognized.
func (t ItemType) IsValid() bool {
	return t == ItemTypeMovie || t == ItemTypeEpisode
}

// ProcessingStatus is the granular pipeline state of one processing item.
// Transition legality between statuses is owned by the state package; the
// constants and simple predicates live here with the model.
type ProcessingStatus string

const (
	ProcessingStatusPending     ProcessingStatus = "pending"
	ProcessingStatusSearching   ProcessingStatus = "searching"
	ProcessingStatusFound       ProcessingStatus = "found"
	ProcessingStatusDownloading ProcessingStatus = "downloading"
	ProcessingStatusDownloaded  ProcessingStatus = "downloaded"
	ProcessingStatusEncoding    ProcessingStatus = "encoding"
	ProcessingStatusEncoded     ProcessingStatus = "encoded"
	ProcessingStatusDelivering  ProcessingStatus = "delivering"
	ProcessingStatusCompleted   ProcessingStatus = "completed"
	ProcessingStatusFailed      ProcessingStatus = "failed"
	ProcessingStatusCancelled   ProcessingStatus = "cancelled"
	ProcessingStatusSkipped     ProcessingStatus = "skipped"
)

// IsValid returns true if the status is one of the known values.
func (s ProcessingStatus) IsValid() bool {
	switch s {
	case ProcessingStatusPending, ProcessingStatusSearching, ProcessingStatusFound,
		ProcessingStatusDownloading, ProcessingStatusDownloaded, ProcessingStatusEncoding,
		ProcessingStatusEncoded, ProcessingStatusDelivering, ProcessingStatusCompleted,
		ProcessingStatusFailed, ProcessingStatusCancelled, ProcessingStatusSkipped:
		return true
	default:
		return false
	}
}

// ProcessingItem is the atomic unit of pipeline work: a movie, or one episode
// of a TV request. Status writes go through the orchestrator exclusively.
type ProcessingItem struct {
	BaseModel

	// RequestID is the owning request.
	RequestID ULID `gorm:"not null;type:varchar(26);index:idx_items_request_type,priority:1" json:"request_id"`

	// Type distinguishes movie items from episode items.
	Type ItemType `gorm:"not null;size:10;index:idx_items_request_type,priority:2" json:"type"`

	// Season and Episode index an episode item within its series.
	Season  int `json:"season,omitempty"`
	Episode int `json:"episode,omitempty"`

	// Title is a display label ("Inception", "S01E04 - Pilot").
	Title string `gorm:"size:500" json:"title"`

	// Status is the granular pipeline state.
	Status ProcessingStatus `gorm:"not null;size:20;index;default:pending" json:"status"`

	// Attempts counts failed tries of the current stage; MaxAttempts caps it.
	Attempts    int `gorm:"default:0" json:"attempts"`
	MaxAttempts int `gorm:"default:3" json:"max_attempts"`

	// CurrentStep is the pipeline step label the item is in.
	CurrentStep string `gorm:"size:100" json:"current_step"`

	// LastError records the most recent failure message.
	LastError string `gorm:"type:text" json:"last_error,omitempty"`

	// NextRetryAt defers re-processing after a retryable failure.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// SkipUntil suppresses searching until the given time (e.g. unaired
	// episodes discovered during a season search).
	SkipUntil *time.Time `json:"skip_until,omitempty"`

	// Progress is the per-item progress percentage (0-100).
	Progress float64 `gorm:"default:0" json:"progress"`

	// DownloadID is a weak reference to the Download row feeding this item.
	DownloadID *ULID `gorm:"type:varchar(26);index" json:"download_id,omitempty"`

	// EncodingJobID is a weak reference to the encoder assignment job id.
	EncodingJobID string `gorm:"size:64;index" json:"encoding_job_id,omitempty"`

	// SourceFilePath is the absolute path of the downloaded video file.
	SourceFilePath string `gorm:"size:1024" json:"source_file_path,omitempty"`

	// StepContext is the persisted pipeline blackboard for this item.
	StepContext StepContext `gorm:"type:text;serializer:json" json:"step_context"`

	// CompletedAt is set when the item reaches a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the table name.
func (ProcessingItem) TableName() string {
	return "processing_items"
}

// Validate checks that required fields are present.
func (i *ProcessingItem) Validate() error {
	if i.RequestID.IsZero() {
		return ErrRequestIDRequired
	}
	if !i.Type.IsValid() {
		return ErrInvalidItemType
	}
	if i.Type == ItemTypeEpisode && i.Season <= 0 {
		return ErrSeasonRequired
	}
	return nil
}

// BeforeCreate validates and initializes the item.
func (i *ProcessingItem) BeforeCreate(tx *gorm.DB) error {
	if err := i.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if i.Status == "" {
		i.Status = ProcessingStatusPending
	}
	if i.MaxAttempts <= 0 {
		i.MaxAttempts = 3
	}
	return i.Validate()
}

// HasAttemptsLeft reports whether another retry is within budget.
func (i *ProcessingItem) HasAttemptsLeft() bool {
	return i.Attempts < i.MaxAttempts
}

// ScheduleRetry sets the next retry time using exponential backoff:
// base * 2^(attempts-1), capped at one hour.
func (i *ProcessingItem) ScheduleRetry(base time.Duration) {
	backoff := base
	for n := 1; n < i.Attempts; n++ {
		backoff *= 2
		if backoff >= time.Hour {
			backoff = time.Hour
			break
		}
	}
	at := time.Now().Add(backoff)
	i.NextRetryAt = &at
}

// EpisodeCode renders "S01E04" for episode items and "" for movies.
func (i *ProcessingItem) EpisodeCode() string {
	if i.Type != ItemTypeEpisode {
		return ""
	}
	return EpisodeCode(i.Season, i.Episode)
}

// EpisodeCode renders the canonical SxxEyy episode code.
func EpisodeCode(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}
