package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// requestRepo implements RequestRepository using GORM.
type requestRepo struct {
	db *gorm.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *gorm.DB) *requestRepo {
	return &requestRepo{db: db}
}

// Create creates a new request.
func (r *requestRepo) Create(ctx context.Context, request *models.Request) error {
	if err := r.db.WithContext(ctx).Create(request).Error; err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

// GetByID retrieves a request by ID.
func (r *requestRepo) GetByID(ctx context.Context, id models.ULID) (*models.Request, error) {
	var request models.Request
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting request by ID: %w", err)
	}
	return &request, nil
}

// List retrieves requests matching the filter, newest first, with pagination.
func (r *requestRepo) List(ctx context.Context, filter RequestFilter, offset, limit int) ([]*models.Request, int64, error) {
	var requests []*models.Request
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Request{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting requests: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("listing requests: %w", err)
	}

	return requests, total, nil
}

// GetByStatus retrieves all requests in the given status.
func (r *requestRepo) GetByStatus(ctx context.Context, status models.RequestStatus) ([]*models.Request, error) {
	var requests []*models.Request
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("getting requests by status: %w", err)
	}
	return requests, nil
}

// GetActiveByTmdbID retrieves a non-terminal request for the same media.
func (r *requestRepo) GetActiveByTmdbID(ctx context.Context, kind models.MediaKind, tmdbID int64) (*models.Request, error) {
	var request models.Request
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND tmdb_id = ? AND status NOT IN (?, ?, ?)",
			kind, tmdbID, models.RequestStatusCompleted, models.RequestStatusFailed, models.RequestStatusCancelled).
		First(&request).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active request by tmdb ID: %w", err)
	}
	return &request, nil
}

// Update updates an existing request.
func (r *requestRepo) Update(ctx context.Context, request *models.Request) error {
	if err := r.db.WithContext(ctx).Save(request).Error; err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	return nil
}

// Delete deletes a request by ID.
func (r *requestRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Request{}).Error; err != nil {
		return fmt.Errorf("deleting request: %w", err)
	}
	return nil
}

// CountByStatus returns request counts grouped by status.
func (r *requestRepo) CountByStatus(ctx context.Context) (map[models.RequestStatus]int64, error) {
	type row struct {
		Status models.RequestStatus
		Count  int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.Request{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting requests by status: %w", err)
	}

	counts := make(map[models.RequestStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Ensure requestRepo implements RequestRepository at compile time.
var _ RequestRepository = (*requestRepo)(nil)
