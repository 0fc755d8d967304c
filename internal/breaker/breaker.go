// Package breaker guards calls to external collaborators (indexer, torrent
// client, storage servers, webhooks) with a persisted circuit breaker per
// service. State survives restarts so a flapping collaborator stays fenced
// off across process lifetimes.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Breaker tracks per-service circuit state. The in-memory map is the working
// set; every state change is written through to the repository.
type Breaker struct {
	mu     sync.Mutex
	states map[string]*models.CircuitBreakerState

	repo   repository.CircuitBreakerRepository
	cfg    config.BreakerConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a circuit breaker backed by the given repository.
func New(repo repository.CircuitBreakerRepository, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		states: make(map[string]*models.CircuitBreakerState),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With("component", "breaker"),
		now:    time.Now,
	}
}

// Load restores persisted breaker rows. Called once at startup.
func (b *Breaker) Load(ctx context.Context) error {
	rows, err := b.repo.GetAll(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, row := range rows {
		b.states[row.Service] = row
	}
	b.logger.Debug("breaker states loaded", "services", len(rows))
	return nil
}

// IsAvailable reports whether calls to the service may proceed. An open
// breaker whose cooldown has elapsed moves to half-open and admits probes.
func (b *Breaker) IsAvailable(ctx context.Context, service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked(service)
	switch state.State {
	case models.BreakerStateClosed, models.BreakerStateHalfOpen:
		return true
	case models.BreakerStateOpen:
		if state.OpensUntil != nil && !b.now().Before(*state.OpensUntil) {
			state.State = models.BreakerStateHalfOpen
			state.Successes = 0
			b.saveLocked(ctx, state)
			b.logger.Info("breaker half-open", "service", service)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful call. Closed breakers reset their failure
// count; half-open breakers close after enough consecutive probe successes.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked(service)
	switch state.State {
	case models.BreakerStateClosed:
		if state.Failures != 0 {
			state.Failures = 0
			b.saveLocked(ctx, state)
		}
	case models.BreakerStateHalfOpen:
		state.Successes++
		if state.Successes >= b.cfg.SuccessThreshold {
			state.State = models.BreakerStateClosed
			state.Failures = 0
			state.Successes = 0
			state.OpensUntil = nil
			b.logger.Info("breaker closed", "service", service)
		}
		b.saveLocked(ctx, state)
	}
}

// RecordFailure notes a failed call. A half-open breaker reopens at once; a
// closed breaker opens when the failure threshold is reached.
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked(service)
	now := b.now()
	state.LastFailureAt = &now

	switch state.State {
	case models.BreakerStateHalfOpen:
		b.openLocked(state)
	case models.BreakerStateClosed:
		state.Failures++
		if state.Failures >= b.cfg.FailureThreshold {
			b.openLocked(state)
		}
	}
	b.saveLocked(ctx, state)
}

// Execute runs fn under the service's breaker: it fails fast when the
// breaker is open and records the outcome otherwise. Context cancellation is
// not held against the service.
func (b *Breaker) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	if !b.IsAvailable(ctx, service) {
		return apperrors.New(apperrors.KindExternalUnavailable, "%s unavailable, circuit open", service)
	}

	err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		b.RecordFailure(ctx, service)
		return err
	}

	b.RecordSuccess(ctx, service)
	return nil
}

// States returns a snapshot of every tracked breaker for the health endpoint.
func (b *Breaker) States() []models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]models.CircuitBreakerState, 0, len(b.states))
	for _, state := range b.states {
		snapshot = append(snapshot, *state)
	}
	return snapshot
}

// stateLocked returns the tracked state for a service, creating a closed one
// on first sight. Caller holds b.mu.
func (b *Breaker) stateLocked(service string) *models.CircuitBreakerState {
	if state, ok := b.states[service]; ok {
		return state
	}
	state := &models.CircuitBreakerState{
		Service: service,
		State:   models.BreakerStateClosed,
	}
	b.states[service] = state
	return state
}

// openLocked trips the breaker and schedules the half-open probe window.
func (b *Breaker) openLocked(state *models.CircuitBreakerState) {
	opensUntil := b.now().Add(b.cfg.HalfOpenAfter)
	state.State = models.BreakerStateOpen
	state.OpensUntil = &opensUntil
	state.Successes = 0
	b.logger.Warn("breaker open",
		"service", state.Service,
		"failures", state.Failures,
		"opens_until", opensUntil)
}

// saveLocked persists the state row, logging on failure. The in-memory state
// stays authoritative when the write misses.
func (b *Breaker) saveLocked(ctx context.Context, state *models.CircuitBreakerState) {
	if err := b.repo.Save(ctx, state); err != nil {
		b.logger.Error("persisting breaker state failed",
			"service", state.Service,
			"error", err)
	}
}
