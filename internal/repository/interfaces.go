// Package repository defines data access interfaces for fetcharr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// RequestFilter narrows request listings.
type RequestFilter struct {
	Status models.RequestStatus
	Kind   models.MediaKind
}

// RequestRepository defines operations for request persistence.
type RequestRepository interface {
	// Create creates a new request.
	Create(ctx context.Context, request *models.Request) error
	// GetByID retrieves a request by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Request, error)
	// List retrieves requests matching the filter, newest first, with pagination.
	List(ctx context.Context, filter RequestFilter, offset, limit int) ([]*models.Request, int64, error)
	// GetByStatus retrieves all requests in the given status.
	GetByStatus(ctx context.Context, status models.RequestStatus) ([]*models.Request, error)
	// GetActiveByTmdbID retrieves a non-terminal request for the same media,
	// used to reject duplicate submissions.
	GetActiveByTmdbID(ctx context.Context, kind models.MediaKind, tmdbID int64) (*models.Request, error)
	// Update updates an existing request.
	Update(ctx context.Context, request *models.Request) error
	// Delete deletes a request by ID.
	Delete(ctx context.Context, id models.ULID) error
	// CountByStatus returns request counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.RequestStatus]int64, error)
}

// ProcessingItemRepository defines operations for processing item persistence.
type ProcessingItemRepository interface {
	// Create creates a new processing item.
	Create(ctx context.Context, item *models.ProcessingItem) error
	// CreateBatch creates multiple processing items in one batch.
	CreateBatch(ctx context.Context, items []*models.ProcessingItem) error
	// GetByID retrieves a processing item by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.ProcessingItem, error)
	// GetByRequestID retrieves all items of a request ordered by season/episode.
	GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.ProcessingItem, error)
	// GetByStatus retrieves all items in the given status.
	GetByStatus(ctx context.Context, status models.ProcessingStatus) ([]*models.ProcessingItem, error)
	// GetByDownloadID retrieves items fed by the given download.
	GetByDownloadID(ctx context.Context, downloadID models.ULID) ([]*models.ProcessingItem, error)
	// GetByEncodingJobID retrieves the item referencing the given encoder job.
	GetByEncodingJobID(ctx context.Context, jobID string) (*models.ProcessingItem, error)
	// GetStuck retrieves items sitting in a status since before the cutoff.
	GetStuck(ctx context.Context, status models.ProcessingStatus, cutoff time.Time) ([]*models.ProcessingItem, error)
	// Update updates an existing processing item.
	Update(ctx context.Context, item *models.ProcessingItem) error
	// CountByStatus returns item counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.ProcessingStatus]int64, error)
}

// PipelineTemplateRepository defines operations for pipeline template persistence.
type PipelineTemplateRepository interface {
	// Create creates a new template.
	Create(ctx context.Context, template *models.PipelineTemplate) error
	// GetByID retrieves a template by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.PipelineTemplate, error)
	// GetByName retrieves a template by name.
	GetByName(ctx context.Context, name string) (*models.PipelineTemplate, error)
	// GetAll retrieves all templates.
	GetAll(ctx context.Context) ([]*models.PipelineTemplate, error)
	// GetDefault retrieves the default template for a media kind.
	GetDefault(ctx context.Context, kind models.MediaKind) (*models.PipelineTemplate, error)
	// Upsert creates the template or updates the existing one with its name.
	Upsert(ctx context.Context, template *models.PipelineTemplate) error
	// Update updates an existing template.
	Update(ctx context.Context, template *models.PipelineTemplate) error
	// Delete deletes a template by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// PipelineExecutionRepository defines operations for execution persistence.
type PipelineExecutionRepository interface {
	// Create creates a new execution.
	Create(ctx context.Context, execution *models.PipelineExecution) error
	// GetByID retrieves an execution by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.PipelineExecution, error)
	// GetActiveByRequestID retrieves running and paused executions of a request.
	GetActiveByRequestID(ctx context.Context, requestID models.ULID) ([]*models.PipelineExecution, error)
	// GetActiveRoot retrieves the request's active root execution (no item scope).
	GetActiveRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error)
	// GetByItemID retrieves the active branch execution scoped to an item.
	GetByItemID(ctx context.Context, itemID models.ULID) (*models.PipelineExecution, error)
	// GetByCorrelationID retrieves the paused execution waiting on the given id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.PipelineExecution, error)
	// GetByStatus retrieves all executions in the given status.
	GetByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.PipelineExecution, error)
	// CountActive returns the number of running executions.
	CountActive(ctx context.Context) (int64, error)
	// Update updates an existing execution.
	Update(ctx context.Context, execution *models.PipelineExecution) error
}

// EncodingProfileRepository defines operations for profile persistence.
type EncodingProfileRepository interface {
	// Create creates a new encoding profile.
	Create(ctx context.Context, profile *models.EncodingProfile) error
	// GetByID retrieves a profile by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.EncodingProfile, error)
	// GetByName retrieves a profile by its unique name.
	GetByName(ctx context.Context, name string) (*models.EncodingProfile, error)
	// GetDefault retrieves the profile used when none is named.
	GetDefault(ctx context.Context) (*models.EncodingProfile, error)
	// GetAll retrieves all profiles.
	GetAll(ctx context.Context) ([]*models.EncodingProfile, error)
	// Update updates an existing profile.
	Update(ctx context.Context, profile *models.EncodingProfile) error
	// Delete deletes a profile by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// EncoderAssignmentRepository defines operations for assignment persistence.
type EncoderAssignmentRepository interface {
	// Create creates a new assignment.
	Create(ctx context.Context, assignment *models.EncoderAssignment) error
	// GetByID retrieves an assignment by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.EncoderAssignment, error)
	// GetByJobID retrieves an assignment by its public job id.
	GetByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error)
	// GetActiveByInputPath retrieves the pending or encoding assignment that
	// owns the given input path.
	GetActiveByInputPath(ctx context.Context, inputPath string) (*models.EncoderAssignment, error)
	// GetPending retrieves pending assignments oldest first. Pending rows may
	// carry a provisional owner picked at enqueue time.
	GetPending(ctx context.Context) ([]*models.EncoderAssignment, error)
	// GetEncoding retrieves all assignments currently encoding.
	GetEncoding(ctx context.Context) ([]*models.EncoderAssignment, error)
	// GetActiveByEncoderID retrieves active assignments owned by an encoder.
	GetActiveByEncoderID(ctx context.Context, encoderID string) ([]*models.EncoderAssignment, error)
	// Update updates an existing assignment.
	Update(ctx context.Context, assignment *models.EncoderAssignment) error
	// List retrieves assignments newest first with pagination, optionally
	// narrowed to one status.
	List(ctx context.Context, status models.AssignmentStatus, offset, limit int) ([]*models.EncoderAssignment, int64, error)
	// CountByStatus returns assignment counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.AssignmentStatus]int64, error)
}

// RemoteEncoderRepository defines operations for encoder row persistence.
type RemoteEncoderRepository interface {
	// Upsert creates the encoder row or updates the existing one with its
	// encoder id.
	Upsert(ctx context.Context, encoder *models.RemoteEncoder) error
	// GetByEncoderID retrieves an encoder by its worker-chosen id.
	GetByEncoderID(ctx context.Context, encoderID string) (*models.RemoteEncoder, error)
	// GetAll retrieves all known encoders.
	GetAll(ctx context.Context) ([]*models.RemoteEncoder, error)
	// Update updates an existing encoder row.
	Update(ctx context.Context, encoder *models.RemoteEncoder) error
	// MarkAllOffline flags every encoder offline, used at startup before any
	// connection exists.
	MarkAllOffline(ctx context.Context) error
	// Delete deletes an encoder row by its worker-chosen id.
	Delete(ctx context.Context, encoderID string) error
}

// CircuitBreakerRepository defines operations for breaker state persistence.
type CircuitBreakerRepository interface {
	// GetByService retrieves the breaker row for a service.
	GetByService(ctx context.Context, service string) (*models.CircuitBreakerState, error)
	// GetAll retrieves all breaker rows.
	GetAll(ctx context.Context) ([]*models.CircuitBreakerState, error)
	// Save creates or updates the breaker row for its service.
	Save(ctx context.Context, state *models.CircuitBreakerState) error
}

// DownloadRepository defines operations for download persistence.
type DownloadRepository interface {
	// Create creates a new download row.
	Create(ctx context.Context, download *models.Download) error
	// GetByID retrieves a download by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Download, error)
	// GetByTorrentHash retrieves a download by its torrent hash.
	GetByTorrentHash(ctx context.Context, hash string) (*models.Download, error)
	// GetActive retrieves downloads that are queued or downloading.
	GetActive(ctx context.Context) ([]*models.Download, error)
	// Update updates an existing download row.
	Update(ctx context.Context, download *models.Download) error
	// Delete deletes a download row by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// LibraryFilter narrows library listings.
type LibraryFilter struct {
	ServerID string
	Kind     models.MediaKind
	TmdbID   int64
}

// LibraryItemRepository defines operations for library item persistence.
type LibraryItemRepository interface {
	// Upsert creates the library row or refreshes quality, path and sync time
	// of the existing row with the same identity tuple.
	Upsert(ctx context.Context, item *models.LibraryItem) error
	// List retrieves library items matching the filter with pagination.
	List(ctx context.Context, filter LibraryFilter, offset, limit int) ([]*models.LibraryItem, int64, error)
	// GetByTmdbID retrieves library rows for one piece of media across servers.
	GetByTmdbID(ctx context.Context, kind models.MediaKind, tmdbID int64) ([]*models.LibraryItem, error)
	// Delete deletes a library row by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	RequestID *models.ULID
	ItemID    *models.ULID
	Level     models.ActivityLevel
	Event     string
}

// ActivityLogRepository defines operations for the audit trail.
type ActivityLogRepository interface {
	// Create appends an activity entry.
	Create(ctx context.Context, entry *models.ActivityLog) error
	// List retrieves entries matching the filter, newest first, with pagination.
	List(ctx context.Context, filter ActivityFilter, offset, limit int) ([]*models.ActivityLog, int64, error)
	// DeleteOlderThan prunes entries created before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
