package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// profileRepo implements EncodingProfileRepository using GORM.
type profileRepo struct {
	db *gorm.DB
}

// NewEncodingProfileRepository creates a new EncodingProfileRepository.
func NewEncodingProfileRepository(db *gorm.DB) *profileRepo {
	return &profileRepo{db: db}
}

// Create creates a new encoding profile.
func (r *profileRepo) Create(ctx context.Context, profile *models.EncodingProfile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("creating encoding profile: %w", err)
	}
	return nil
}

// GetByID retrieves a profile by ID.
func (r *profileRepo) GetByID(ctx context.Context, id models.ULID) (*models.EncodingProfile, error) {
	var profile models.EncodingProfile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting encoding profile by id: %w", err)
	}
	return &profile, nil
}

// GetByName retrieves a profile by its unique name.
func (r *profileRepo) GetByName(ctx context.Context, name string) (*models.EncodingProfile, error) {
	var profile models.EncodingProfile
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&profile).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting encoding profile by name: %w", err)
	}
	return &profile, nil
}

// GetDefault retrieves the profile used when none is named.
func (r *profileRepo) GetDefault(ctx context.Context) (*models.EncodingProfile, error) {
	var profile models.EncodingProfile
	if err := r.db.WithContext(ctx).Where("is_default = ?", true).First(&profile).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting default encoding profile: %w", err)
	}
	return &profile, nil
}

// GetAll retrieves all profiles.
func (r *profileRepo) GetAll(ctx context.Context) ([]*models.EncodingProfile, error) {
	var profiles []*models.EncodingProfile
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("getting all encoding profiles: %w", err)
	}
	return profiles, nil
}

// Update updates an existing profile.
func (r *profileRepo) Update(ctx context.Context, profile *models.EncodingProfile) error {
	if err := r.db.WithContext(ctx).Save(profile).Error; err != nil {
		return fmt.Errorf("updating encoding profile: %w", err)
	}
	return nil
}

// Delete deletes a profile by ID.
func (r *profileRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.EncodingProfile{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting encoding profile: %w", err)
	}
	return nil
}

// Ensure profileRepo implements EncodingProfileRepository at compile time.
var _ EncodingProfileRepository = (*profileRepo)(nil)
