package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// ActivityPage is one page of the activity feed.
type ActivityPage struct {
	Entries []*models.ActivityLog `json:"entries"`
	Total   int64                 `json:"total"`
	Offset  int                   `json:"offset"`
	Limit   int                   `json:"limit"`
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// ActivityService exposes the audit trail: appends from components that sit
// outside the orchestrator (scheduler tasks, dispatch events) and paged reads
// for the API.
type ActivityService struct {
	repo   repository.ActivityLogRepository
	logger *slog.Logger
}

// NewActivityService creates a new activity service.
func NewActivityService(repo repository.ActivityLogRepository, logger *slog.Logger) *ActivityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityService{
		repo:   repo,
		logger: logger.With("component", "activity"),
	}
}

// Append records one audit entry. Failures are logged, never returned: the
// trail must not break the operation it documents.
func (s *ActivityService) Append(ctx context.Context, level models.ActivityLevel, event, message string, requestID, itemID *models.ULID, fields map[string]any) {
	entry := &models.ActivityLog{
		RequestID: requestID,
		ItemID:    itemID,
		Level:     level,
		Event:     event,
		Message:   message,
		Fields:    fields,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Warn("writing activity entry",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// List returns one page of the feed, newest first. Offset and limit are
// clamped to sane values so callers can pass raw query parameters.
func (s *ActivityService) List(ctx context.Context, filter repository.ActivityFilter, offset, limit int) (*ActivityPage, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	entries, total, err := s.repo.List(ctx, filter, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}

	return &ActivityPage{
		Entries: entries,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
	}, nil
}

// Prune deletes entries older than maxAge and reports how many went. A zero
// or negative maxAge disables pruning.
func (s *ActivityService) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning activity: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("pruned activity entries",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}
