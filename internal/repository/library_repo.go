package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// libraryRepo implements LibraryItemRepository using GORM.
type libraryRepo struct {
	db *gorm.DB
}

// NewLibraryItemRepository creates a new LibraryItemRepository.
func NewLibraryItemRepository(db *gorm.DB) *libraryRepo {
	return &libraryRepo{db: db}
}

// Upsert creates the library row or refreshes the existing row with the same
// identity tuple.
func (r *libraryRepo) Upsert(ctx context.Context, item *models.LibraryItem) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tmdb_id"}, {Name: "kind"}, {Name: "server_id"},
			{Name: "season"}, {Name: "episode"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"quality", "path", "synced_at", "updated_at",
		}),
	}).Create(item).Error; err != nil {
		return fmt.Errorf("upserting library item: %w", err)
	}
	return nil
}

// List retrieves library items matching the filter with pagination.
func (r *libraryRepo) List(ctx context.Context, filter LibraryFilter, offset, limit int) ([]*models.LibraryItem, int64, error) {
	var items []*models.LibraryItem
	var total int64

	query := r.db.WithContext(ctx).Model(&models.LibraryItem{})
	if filter.ServerID != "" {
		query = query.Where("server_id = ?", filter.ServerID)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.TmdbID > 0 {
		query = query.Where("tmdb_id = ?", filter.TmdbID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting library items: %w", err)
	}

	if err := query.Order("added_at DESC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("listing library items: %w", err)
	}

	return items, total, nil
}

// GetByTmdbID retrieves library rows for one piece of media across servers.
func (r *libraryRepo) GetByTmdbID(ctx context.Context, kind models.MediaKind, tmdbID int64) ([]*models.LibraryItem, error) {
	var items []*models.LibraryItem
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND tmdb_id = ?", kind, tmdbID).
		Order("server_id ASC, season ASC, episode ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("getting library items by tmdb ID: %w", err)
	}
	return items, nil
}

// Delete deletes a library row by ID.
func (r *libraryRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.LibraryItem{}).Error; err != nil {
		return fmt.Errorf("deleting library item: %w", err)
	}
	return nil
}

// Ensure libraryRepo implements LibraryItemRepository at compile time.
var _ LibraryItemRepository = (*libraryRepo)(nil)
