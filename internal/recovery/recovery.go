// Package recovery contains the periodic reconcilers that repair state the
// happy path lost track of: downloads that finished while nobody was
// watching, encoder jobs whose completion callback never landed, and items
// wedged between statuses. Sweeps swallow per-row errors and keep going; a
// row that cannot be repaired now is seen again next interval.
package recovery

import (
	"context"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// Control is the orchestrator surface workers repair state through. Item
// status writes stay funneled through the orchestrator's single writer.
type Control interface {
	// TransitionItem moves an item to a new status, applying the patch
	// atomically.
	TransitionItem(ctx context.Context, itemID models.ULID, to models.ProcessingStatus, patch pipeline.ItemPatch) (*models.ProcessingItem, error)

	// ResetItem routes a wedged active item back to pending through the
	// failure edge and relaunches the request's root execution.
	ResetItem(ctx context.Context, itemID models.ULID, reason string, clearContext bool) error

	// FinishDownload completes a download row and resumes any execution
	// parked on it. Idempotent.
	FinishDownload(ctx context.Context, downloadID models.ULID, savePath string) error
}

// Resumer kicks an execution parked on a correlation id. Implemented by the
// pipeline executor.
type Resumer interface {
	ResumeByCorrelation(ctx context.Context, correlationID string) (bool, error)
}

// JobCanceller aborts a remote encode. Implemented by the dispatcher.
type JobCanceller interface {
	CancelJob(ctx context.Context, jobID, reason string) error
}
