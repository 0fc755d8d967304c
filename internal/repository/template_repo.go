package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// templateRepo implements PipelineTemplateRepository using GORM.
type templateRepo struct {
	db *gorm.DB
}

// NewPipelineTemplateRepository creates a new PipelineTemplateRepository.
func NewPipelineTemplateRepository(db *gorm.DB) *templateRepo {
	return &templateRepo{db: db}
}

// Create creates a new template.
func (r *templateRepo) Create(ctx context.Context, template *models.PipelineTemplate) error {
	if err := r.db.WithContext(ctx).Create(template).Error; err != nil {
		return fmt.Errorf("creating pipeline template: %w", err)
	}
	return nil
}

// GetByID retrieves a template by ID.
func (r *templateRepo) GetByID(ctx context.Context, id models.ULID) (*models.PipelineTemplate, error) {
	var template models.PipelineTemplate
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&template).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting pipeline template by ID: %w", err)
	}
	return &template, nil
}

// GetByName retrieves a template by name.
func (r *templateRepo) GetByName(ctx context.Context, name string) (*models.PipelineTemplate, error) {
	var template models.PipelineTemplate
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&template).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting pipeline template by name: %w", err)
	}
	return &template, nil
}

// GetAll retrieves all templates.
func (r *templateRepo) GetAll(ctx context.Context) ([]*models.PipelineTemplate, error) {
	var templates []*models.PipelineTemplate
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("getting all pipeline templates: %w", err)
	}
	return templates, nil
}

// GetDefault retrieves the default template for a media kind.
func (r *templateRepo) GetDefault(ctx context.Context, kind models.MediaKind) (*models.PipelineTemplate, error) {
	var template models.PipelineTemplate
	if err := r.db.WithContext(ctx).
		Where("media_kind = ? AND is_default = ?", kind, true).
		First(&template).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting default pipeline template: %w", err)
	}
	return &template, nil
}

// Upsert creates the template or updates the existing one with its name.
func (r *templateRepo) Upsert(ctx context.Context, template *models.PipelineTemplate) error {
	existing, err := r.GetByName(ctx, template.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.Create(ctx, template)
	}

	existing.MediaKind = template.MediaKind
	existing.IsDefault = template.IsDefault
	existing.Steps = template.Steps
	if err := r.Update(ctx, existing); err != nil {
		return err
	}
	*template = *existing
	return nil
}

// Update updates an existing template.
func (r *templateRepo) Update(ctx context.Context, template *models.PipelineTemplate) error {
	if err := r.db.WithContext(ctx).Save(template).Error; err != nil {
		return fmt.Errorf("updating pipeline template: %w", err)
	}
	return nil
}

// Delete deletes a template by ID.
func (r *templateRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PipelineTemplate{}).Error; err != nil {
		return fmt.Errorf("deleting pipeline template: %w", err)
	}
	return nil
}

// Ensure templateRepo implements PipelineTemplateRepository at compile time.
var _ PipelineTemplateRepository = (*templateRepo)(nil)
