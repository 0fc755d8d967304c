package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// executionRepo implements PipelineExecutionRepository using GORM.
type executionRepo struct {
	db *gorm.DB
}

// NewPipelineExecutionRepository creates a new PipelineExecutionRepository.
func NewPipelineExecutionRepository(db *gorm.DB) *executionRepo {
	return &executionRepo{db: db}
}

// Create creates a new execution.
func (r *executionRepo) Create(ctx context.Context, execution *models.PipelineExecution) error {
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		return fmt.Errorf("creating pipeline execution: %w", err)
	}
	return nil
}

// GetByID retrieves an execution by ID.
func (r *executionRepo) GetByID(ctx context.Context, id models.ULID) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting pipeline execution by ID: %w", err)
	}
	return &execution, nil
}

// GetActiveByRequestID retrieves running and paused executions of a request.
func (r *executionRepo) GetActiveByRequestID(ctx context.Context, requestID models.ULID) ([]*models.PipelineExecution, error) {
	var executions []*models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("request_id = ? AND status IN (?, ?)",
			requestID, models.ExecutionStatusRunning, models.ExecutionStatusPaused).
		Order("created_at ASC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("getting active executions by request ID: %w", err)
	}
	return executions, nil
}

// GetActiveRoot retrieves the request's active root execution.
func (r *executionRepo) GetActiveRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("request_id = ? AND item_id IS NULL AND status IN (?, ?)",
			requestID, models.ExecutionStatusRunning, models.ExecutionStatusPaused).
		First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active root execution: %w", err)
	}
	return &execution, nil
}

// GetByItemID retrieves the active branch execution scoped to an item.
func (r *executionRepo) GetByItemID(ctx context.Context, itemID models.ULID) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("item_id = ? AND status IN (?, ?)",
			itemID, models.ExecutionStatusRunning, models.ExecutionStatusPaused).
		First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting execution by item ID: %w", err)
	}
	return &execution, nil
}

// GetByCorrelationID retrieves the paused execution waiting on the given id.
func (r *executionRepo) GetByCorrelationID(ctx context.Context, correlationID string) (*models.PipelineExecution, error) {
	var execution models.PipelineExecution
	if err := r.db.WithContext(ctx).
		Where("correlation_id = ? AND status = ?", correlationID, models.ExecutionStatusPaused).
		First(&execution).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting execution by correlation ID: %w", err)
	}
	return &execution, nil
}

// GetByStatus retrieves all executions in the given status.
func (r *executionRepo) GetByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.PipelineExecution, error) {
	var executions []*models.PipelineExecution
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("getting executions by status: %w", err)
	}
	return executions, nil
}

// CountActive returns the number of running executions.
func (r *executionRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PipelineExecution{}).
		Where("status = ?", models.ExecutionStatusRunning).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting active executions: %w", err)
	}
	return count, nil
}

// Update updates an existing execution.
func (r *executionRepo) Update(ctx context.Context, execution *models.PipelineExecution) error {
	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		return fmt.Errorf("updating pipeline execution: %w", err)
	}
	return nil
}

// Ensure executionRepo implements PipelineExecutionRepository at compile time.
var _ PipelineExecutionRepository = (*executionRepo)(nil)
