package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// downloadRepo implements DownloadRepository using GORM.
type downloadRepo struct {
	db *gorm.DB
}

// NewDownloadRepository creates a new DownloadRepository.
func NewDownloadRepository(db *gorm.DB) *downloadRepo {
	return &downloadRepo{db: db}
}

// Create creates a new download row.
func (r *downloadRepo) Create(ctx context.Context, download *models.Download) error {
	if err := r.db.WithContext(ctx).Create(download).Error; err != nil {
		return fmt.Errorf("creating download: %w", err)
	}
	return nil
}

// GetByID retrieves a download by ID.
func (r *downloadRepo) GetByID(ctx context.Context, id models.ULID) (*models.Download, error) {
	var download models.Download
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&download).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting download by ID: %w", err)
	}
	return &download, nil
}

// GetByTorrentHash retrieves a download by its torrent hash.
func (r *downloadRepo) GetByTorrentHash(ctx context.Context, hash string) (*models.Download, error) {
	var download models.Download
	if err := r.db.WithContext(ctx).Where("torrent_hash = ?", hash).First(&download).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting download by torrent hash: %w", err)
	}
	return &download, nil
}

// GetActive retrieves downloads that are queued or downloading.
func (r *downloadRepo) GetActive(ctx context.Context) ([]*models.Download, error) {
	var downloads []*models.Download
	if err := r.db.WithContext(ctx).
		Where("status IN (?, ?)", models.DownloadStatusQueued, models.DownloadStatusDownloading).
		Order("created_at ASC").
		Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("getting active downloads: %w", err)
	}
	return downloads, nil
}

// Update updates an existing download row.
func (r *downloadRepo) Update(ctx context.Context, download *models.Download) error {
	if err := r.db.WithContext(ctx).Save(download).Error; err != nil {
		return fmt.Errorf("updating download: %w", err)
	}
	return nil
}

// Delete deletes a download row by ID.
func (r *downloadRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Download{}).Error; err != nil {
		return fmt.Errorf("deleting download: %w", err)
	}
	return nil
}

// Ensure downloadRepo implements DownloadRepository at compile time.
var _ DownloadRepository = (*downloadRepo)(nil)
