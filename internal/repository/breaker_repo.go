package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// breakerRepo implements CircuitBreakerRepository using GORM.
type breakerRepo struct {
	db *gorm.DB
}

// NewCircuitBreakerRepository creates a new CircuitBreakerRepository.
func NewCircuitBreakerRepository(db *gorm.DB) *breakerRepo {
	return &breakerRepo{db: db}
}

// GetByService retrieves the breaker row for a service.
func (r *breakerRepo) GetByService(ctx context.Context, service string) (*models.CircuitBreakerState, error) {
	var state models.CircuitBreakerState
	if err := r.db.WithContext(ctx).Where("service = ?", service).First(&state).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting breaker state by service: %w", err)
	}
	return &state, nil
}

// GetAll retrieves all breaker rows.
func (r *breakerRepo) GetAll(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	var states []*models.CircuitBreakerState
	if err := r.db.WithContext(ctx).Order("service ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("getting all breaker states: %w", err)
	}
	return states, nil
}

// Save creates or updates the breaker row for its service.
func (r *breakerRepo) Save(ctx context.Context, state *models.CircuitBreakerState) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "failures", "successes", "last_failure_at", "opens_until", "updated_at",
		}),
	}).Create(state).Error; err != nil {
		return fmt.Errorf("saving breaker state: %w", err)
	}
	return nil
}

// Ensure breakerRepo implements CircuitBreakerRepository at compile time.
var _ CircuitBreakerRepository = (*breakerRepo)(nil)
