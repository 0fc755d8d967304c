package models

import (
	"time"

	"gorm.io/gorm"
)

// MediaKind identifies what kind of media a request is for.
type MediaKind string

const (
	// MediaKindMovie is a single-film request.
	MediaKindMovie MediaKind = "movie"

	// MediaKindTV is a series request covering one or more episodes.
	MediaKindTV MediaKind = "tv"
)

// IsValid returns true if the media kind is recognized.
func (k MediaKind) IsValid() bool {
	return k == MediaKindMovie || k == MediaKindTV
}

// RequestStatus represents the coarse lifecycle of a user request.
type RequestStatus string

const (
	// RequestStatusPending means the request is waiting for a pipeline execution.
	RequestStatusPending RequestStatus = "pending"

	// RequestStatusProcessing means a pipeline execution is actively working it.
	RequestStatusProcessing RequestStatus = "processing"

	// RequestStatusQualityUnavailable means no release met the quality
	// requirements; alternatives are held until a user accepts one.
	RequestStatusQualityUnavailable RequestStatus = "quality_unavailable"

	// RequestStatusCompleted means every processing item finished positively.
	RequestStatusCompleted RequestStatus = "completed"

	// RequestStatusFailed means the request ended with an unrecoverable error.
	RequestStatusFailed RequestStatus = "failed"

	// RequestStatusCancelled means the request was cancelled by a user.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// IsTerminal returns true for statuses that end the request lifecycle.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// Release describes one discovered release from an indexer. Stored as JSON on
// requests (selected release, quality alternatives) and inside step contexts.
type Release struct {
	Title       string    `json:"title"`
	Indexer     string    `json:"indexer,omitempty"`
	InfoHash    string    `json:"info_hash,omitempty"`
	MagnetURI   string    `json:"magnet_uri,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	Codec       string    `json:"codec,omitempty"`
	Seeders     int       `json:"seeders"`
	SizeBytes   int64     `json:"size_bytes"`
	Season      int       `json:"season,omitempty"`
	Episode     int       `json:"episode,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Request is a user intent: one movie or one batch of TV episodes to ingest.
// It is decomposed into ProcessingItems at creation time.
type Request struct {
	BaseModel

	// Kind is the media kind (movie or tv).
	Kind MediaKind `gorm:"not null;size:10;index" json:"kind"`

	// TmdbID is the external catalog identifier.
	TmdbID int64 `gorm:"not null;index" json:"tmdb_id"`

	// Title is the human-readable title.
	Title string `gorm:"not null;size:500" json:"title"`

	// Year is the release year (first-air year for TV).
	Year int `json:"year"`

	// RequestedSeasons limits a TV request to specific seasons. Empty means
	// every season the submitter asked for was expanded into items already.
	RequestedSeasons []int `gorm:"type:text;serializer:json" json:"requested_seasons,omitempty"`

	// RequestedEpisodes optionally limits the request to specific episodes
	// within a single season.
	RequestedEpisodes []int `gorm:"type:text;serializer:json" json:"requested_episodes,omitempty"`

	// DeliveryTargets are storage server ids the finished files go to.
	DeliveryTargets []string `gorm:"type:text;serializer:json" json:"delivery_targets"`

	// Status is the coarse request state. It is a rollup of item statuses.
	Status RequestStatus `gorm:"not null;size:30;index;default:pending" json:"status"`

	// Progress is the overall progress percentage (0-100).
	Progress float64 `gorm:"default:0" json:"progress"`

	// CurrentStep is a human-readable label of what the request is doing.
	CurrentStep string `gorm:"size:200" json:"current_step"`

	// Error holds the last terminal error message.
	Error string `gorm:"type:text" json:"error,omitempty"`

	// SelectedRelease is the release chosen by the search step or by a user.
	SelectedRelease *Release `gorm:"type:text;serializer:json" json:"selected_release,omitempty"`

	// AvailableReleases holds below-quality alternatives offered to the user
	// while the request sits in quality_unavailable.
	AvailableReleases []Release `gorm:"type:text;serializer:json" json:"available_releases,omitempty"`

	// CompletedAt is set when the request reaches a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the table name.
func (Request) TableName() string {
	return "requests"
}

// Validate checks that required fields are present.
func (r *Request) Validate() error {
	if !r.Kind.IsValid() {
		return ErrInvalidMediaKind
	}
	if r.Title == "" {
		return ErrTitleRequired
	}
	if r.TmdbID <= 0 {
		return ErrTmdbIDRequired
	}
	if len(r.DeliveryTargets) == 0 {
		return ErrDeliveryTargetRequired
	}
	return nil
}

// BeforeCreate validates and initializes the request.
func (r *Request) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = RequestStatusPending
	}
	return r.Validate()
}

// MarkCompleted moves the request to completed with full progress.
func (r *Request) MarkCompleted() {
	now := time.Now()
	r.Status = RequestStatusCompleted
	r.Progress = 100
	r.CurrentStep = "completed"
	r.CompletedAt = &now
}

// MarkFailed moves the request to failed and records the error.
func (r *Request) MarkFailed(errMsg string) {
	now := time.Now()
	r.Status = RequestStatusFailed
	r.Error = errMsg
	r.CompletedAt = &now
}

// MarkCancelled moves the request to cancelled.
func (r *Request) MarkCancelled() {
	now := time.Now()
	r.Status = RequestStatusCancelled
	r.CompletedAt = &now
}

// IsTV returns true for TV requests.
func (r *Request) IsTV() bool {
	return r.Kind == MediaKindTV
}
