package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// itemRepo implements ProcessingItemRepository using GORM.
type itemRepo struct {
	db *gorm.DB
}

// NewProcessingItemRepository creates a new ProcessingItemRepository.
func NewProcessingItemRepository(db *gorm.DB) *itemRepo {
	return &itemRepo{db: db}
}

// Create creates a new processing item.
func (r *itemRepo) Create(ctx context.Context, item *models.ProcessingItem) error {
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("creating processing item: %w", err)
	}
	return nil
}

// CreateBatch creates multiple processing items in one batch.
func (r *itemRepo) CreateBatch(ctx context.Context, items []*models.ProcessingItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(items, 100).Error; err != nil {
		return fmt.Errorf("creating processing items: %w", err)
	}
	return nil
}

// GetByID retrieves a processing item by ID.
func (r *itemRepo) GetByID(ctx context.Context, id models.ULID) (*models.ProcessingItem, error) {
	var item models.ProcessingItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting processing item by ID: %w", err)
	}
	return &item, nil
}

// GetByRequestID retrieves all items of a request ordered by season/episode.
func (r *itemRepo) GetByRequestID(ctx context.Context, requestID models.ULID) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("season ASC, episode ASC, created_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by request ID: %w", err)
	}
	return items, nil
}

// GetByStatus retrieves all items in the given status.
func (r *itemRepo) GetByStatus(ctx context.Context, status models.ProcessingStatus) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by status: %w", err)
	}
	return items, nil
}

// GetByDownloadID retrieves items fed by the given download.
func (r *itemRepo) GetByDownloadID(ctx context.Context, downloadID models.ULID) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("download_id = ?", downloadID).
		Order("season ASC, episode ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting processing items by download ID: %w", err)
	}
	return items, nil
}

// GetByEncodingJobID retrieves the item referencing the given encoder job.
func (r *itemRepo) GetByEncodingJobID(ctx context.Context, jobID string) (*models.ProcessingItem, error) {
	var item models.ProcessingItem
	if err := r.db.WithContext(ctx).Where("encoding_job_id = ?", jobID).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting processing item by encoding job ID: %w", err)
	}
	return &item, nil
}

// GetStuck retrieves items sitting in a status since before the cutoff.
func (r *itemRepo) GetStuck(ctx context.Context, status models.ProcessingStatus, cutoff time.Time) ([]*models.ProcessingItem, error) {
	var items []*models.ProcessingItem
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Order("updated_at ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting stuck processing items: %w", err)
	}
	return items, nil
}

// Update updates an existing processing item.
func (r *itemRepo) Update(ctx context.Context, item *models.ProcessingItem) error {
	if err := r.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("updating processing item: %w", err)
	}
	return nil
}

// CountByStatus returns item counts grouped by status.
func (r *itemRepo) CountByStatus(ctx context.Context) (map[models.ProcessingStatus]int64, error) {
	type row struct {
		Status models.ProcessingStatus
		Count  int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.ProcessingItem{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting processing items by status: %w", err)
	}

	counts := make(map[models.ProcessingStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Ensure itemRepo implements ProcessingItemRepository at compile time.
var _ ProcessingItemRepository = (*itemRepo)(nil)
