package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// encoderRepo implements RemoteEncoderRepository using GORM.
type encoderRepo struct {
	db *gorm.DB
}

// NewRemoteEncoderRepository creates a new RemoteEncoderRepository.
func NewRemoteEncoderRepository(db *gorm.DB) *encoderRepo {
	return &encoderRepo{db: db}
}

// Upsert creates the encoder row or updates the existing one with its
// encoder id.
func (r *encoderRepo) Upsert(ctx context.Context, encoder *models.RemoteEncoder) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "encoder_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gpu_device", "max_concurrent", "current_jobs", "status",
			"hostname", "version", "last_heartbeat", "updated_at",
		}),
	}).Create(encoder).Error; err != nil {
		return fmt.Errorf("upserting remote encoder: %w", err)
	}
	return nil
}

// GetByEncoderID retrieves an encoder by its worker-chosen id.
func (r *encoderRepo) GetByEncoderID(ctx context.Context, encoderID string) (*models.RemoteEncoder, error) {
	var encoder models.RemoteEncoder
	if err := r.db.WithContext(ctx).Where("encoder_id = ?", encoderID).First(&encoder).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting remote encoder by encoder ID: %w", err)
	}
	return &encoder, nil
}

// GetAll retrieves all known encoders.
func (r *encoderRepo) GetAll(ctx context.Context) ([]*models.RemoteEncoder, error) {
	var encoders []*models.RemoteEncoder
	if err := r.db.WithContext(ctx).Order("encoder_id ASC").Find(&encoders).Error; err != nil {
		return nil, fmt.Errorf("getting all remote encoders: %w", err)
	}
	return encoders, nil
}

// Update updates an existing encoder row.
func (r *encoderRepo) Update(ctx context.Context, encoder *models.RemoteEncoder) error {
	if err := r.db.WithContext(ctx).Save(encoder).Error; err != nil {
		return fmt.Errorf("updating remote encoder: %w", err)
	}
	return nil
}

// MarkAllOffline flags every encoder offline.
func (r *encoderRepo) MarkAllOffline(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Model(&models.RemoteEncoder{}).
		Where("status <> ?", models.EncoderStatusOffline).
		Updates(map[string]interface{}{
			"status":       models.EncoderStatusOffline,
			"current_jobs": 0,
		}).Error; err != nil {
		return fmt.Errorf("marking encoders offline: %w", err)
	}
	return nil
}

// Delete deletes an encoder row by its worker-chosen id.
func (r *encoderRepo) Delete(ctx context.Context, encoderID string) error {
	if err := r.db.WithContext(ctx).Where("encoder_id = ?", encoderID).Delete(&models.RemoteEncoder{}).Error; err != nil {
		return fmt.Errorf("deleting remote encoder: %w", err)
	}
	return nil
}

// Ensure encoderRepo implements RemoteEncoderRepository at compile time.
var _ RemoteEncoderRepository = (*encoderRepo)(nil)
