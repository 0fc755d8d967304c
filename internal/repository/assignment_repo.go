package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// assignmentRepo implements EncoderAssignmentRepository using GORM.
type assignmentRepo struct {
	db *gorm.DB
}

// NewEncoderAssignmentRepository creates a new EncoderAssignmentRepository.
func NewEncoderAssignmentRepository(db *gorm.DB) *assignmentRepo {
	return &assignmentRepo{db: db}
}

// Create creates a new assignment.
func (r *assignmentRepo) Create(ctx context.Context, assignment *models.EncoderAssignment) error {
	if err := r.db.WithContext(ctx).Create(assignment).Error; err != nil {
		return fmt.Errorf("creating encoder assignment: %w", err)
	}
	return nil
}

// GetByID retrieves an assignment by ID.
func (r *assignmentRepo) GetByID(ctx context.Context, id models.ULID) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting assignment by ID: %w", err)
	}
	return &assignment, nil
}

// GetByJobID retrieves an assignment by its public job id.
func (r *assignmentRepo) GetByJobID(ctx context.Context, jobID string) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting assignment by job ID: %w", err)
	}
	return &assignment, nil
}

// GetActiveByInputPath retrieves the pending or encoding assignment that owns
// the given input path.
func (r *assignmentRepo) GetActiveByInputPath(ctx context.Context, inputPath string) (*models.EncoderAssignment, error) {
	var assignment models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("input_path = ? AND status IN (?, ?)",
			inputPath, models.AssignmentStatusPending, models.AssignmentStatusEncoding).
		First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active assignment by input path: %w", err)
	}
	return &assignment, nil
}

// GetPending retrieves pending assignments oldest first.
func (r *assignmentRepo) GetPending(ctx context.Context) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.AssignmentStatusPending).
		Order("created_at ASC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting pending assignments: %w", err)
	}
	return assignments, nil
}

// GetEncoding retrieves all assignments currently encoding.
func (r *assignmentRepo) GetEncoding(ctx context.Context) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.AssignmentStatusEncoding).
		Order("assigned_at ASC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting encoding assignments: %w", err)
	}
	return assignments, nil
}

// GetActiveByEncoderID retrieves active assignments owned by an encoder.
func (r *assignmentRepo) GetActiveByEncoderID(ctx context.Context, encoderID string) ([]*models.EncoderAssignment, error) {
	var assignments []*models.EncoderAssignment
	if err := r.db.WithContext(ctx).
		Where("encoder_id = ? AND status IN (?, ?)",
			encoderID, models.AssignmentStatusPending, models.AssignmentStatusEncoding).
		Order("assigned_at ASC").
		Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("getting active assignments by encoder ID: %w", err)
	}
	return assignments, nil
}

// Update updates an existing assignment.
func (r *assignmentRepo) Update(ctx context.Context, assignment *models.EncoderAssignment) error {
	if err := r.db.WithContext(ctx).Save(assignment).Error; err != nil {
		return fmt.Errorf("updating encoder assignment: %w", err)
	}
	return nil
}

// CountByStatus returns assignment counts grouped by status.
// List retrieves assignments newest first with pagination, optionally
// narrowed to one status.
func (r *assignmentRepo) List(ctx context.Context, status models.AssignmentStatus, offset, limit int) ([]*models.EncoderAssignment, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.EncoderAssignment{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting assignments: %w", err)
	}

	var assignments []*models.EncoderAssignment
	if err := query.Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&assignments).Error; err != nil {
		return nil, 0, fmt.Errorf("listing assignments: %w", err)
	}
	return assignments, total, nil
}

func (r *assignmentRepo) CountByStatus(ctx context.Context) (map[models.AssignmentStatus]int64, error) {
	type row struct {
		Status models.AssignmentStatus
		Count  int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.EncoderAssignment{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting assignments by status: %w", err)
	}

	counts := make(map[models.AssignmentStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Ensure assignmentRepo implements EncoderAssignmentRepository at compile time.
var _ EncoderAssignmentRepository = (*assignmentRepo)(nil)
