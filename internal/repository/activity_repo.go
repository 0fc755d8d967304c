package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// activityRepo implements ActivityLogRepository using GORM.
type activityRepo struct {
	db *gorm.DB
}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository(db *gorm.DB) *activityRepo {
	return &activityRepo{db: db}
}

// Create appends an activity entry.
func (r *activityRepo) Create(ctx context.Context, entry *models.ActivityLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating activity entry: %w", err)
	}
	return nil
}

// List retrieves entries matching the filter, newest first, with pagination.
func (r *activityRepo) List(ctx context.Context, filter ActivityFilter, offset, limit int) ([]*models.ActivityLog, int64, error) {
	var entries []*models.ActivityLog
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ActivityLog{})
	if filter.RequestID != nil {
		query = query.Where("request_id = ?", *filter.RequestID)
	}
	if filter.ItemID != nil {
		query = query.Where("item_id = ?", *filter.ItemID)
	}
	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}
	if filter.Event != "" {
		query = query.Where("event = ?", filter.Event)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting activity entries: %w", err)
	}

	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("listing activity entries: %w", err)
	}

	return entries, total, nil
}

// DeleteOlderThan prunes entries created before the cutoff.
func (r *activityRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.ActivityLog{})

	if result.Error != nil {
		return 0, fmt.Errorf("pruning activity entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure activityRepo implements ActivityLogRepository at compile time.
var _ ActivityLogRepository = (*activityRepo)(nil)
