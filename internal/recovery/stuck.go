package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/release"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

const defaultStuckAge = 5 * time.Minute

// StuckItemRecoveryWorker repairs items wedged between statuses. Three
// sub-sweeps: items that sat in found without ever getting a download go back
// to pending; items whose download finished but never moved forward are
// finished from the Download row or reset; episodes that missed their season
// pack are linked to the sibling's download.
type StuckItemRecoveryWorker struct {
	items     repository.ProcessingItemRepository
	requests  repository.RequestRepository
	downloads repository.DownloadRepository
	control   Control
	stuckAge  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStuckItemRecoveryWorker creates the worker.
func NewStuckItemRecoveryWorker(
	items repository.ProcessingItemRepository,
	requests repository.RequestRepository,
	downloads repository.DownloadRepository,
	control Control,
	cfg config.RecoveryConfig,
	logger *slog.Logger,
) *StuckItemRecoveryWorker {
	stuckAge := cfg.StuckAge
	if stuckAge <= 0 {
		stuckAge = defaultStuckAge
	}
	return &StuckItemRecoveryWorker{
		items:     items,
		requests:  requests,
		downloads: downloads,
		control:   control,
		stuckAge:  stuckAge,
		logger:    logger.With("component", "stuck_recovery"),
		now:       time.Now,
	}
}

// Run executes the three sub-sweeps. Row-level failures are logged and the
// sweep continues; only listing failures surface to the scheduler.
func (w *StuckItemRecoveryWorker) Run(ctx context.Context) error {
	cutoff := w.now().Add(-w.stuckAge)

	var firstErr error
	if err := w.resetStalledFound(ctx, cutoff); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.finishStalledDownloads(ctx, cutoff); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.linkSeasonStragglers(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// resetStalledFound sends items that sat in found without a download back to
// pending for a fresh search.
func (w *StuckItemRecoveryWorker) resetStalledFound(ctx context.Context, cutoff time.Time) error {
	items, err := w.items.GetStuck(ctx, models.ProcessingStatusFound, cutoff)
	if err != nil {
		return fmt.Errorf("listing stalled found items: %w", err)
	}

	for _, item := range items {
		if item.DownloadID != nil {
			continue
		}
		active, err := w.ownerActive(ctx, item)
		if err != nil {
			w.logger.Warn("loading request", "item_id", item.ID, "error", err)
			continue
		}
		if !active {
			continue
		}
		if err := w.control.ResetItem(ctx, item.ID, "stalled in found without a download", true); err != nil {
			w.logger.Warn("resetting stalled item", "item_id", item.ID, "error", err)
			continue
		}
		w.logger.Info("stalled item reset",
			"item_id", item.ID,
			"request_id", item.RequestID,
			"was", string(models.ProcessingStatusFound))
	}
	return nil
}

// finishStalledDownloads repairs items whose download hit 100% but whose
// forward transition never happened.
func (w *StuckItemRecoveryWorker) finishStalledDownloads(ctx context.Context, cutoff time.Time) error {
	items, err := w.items.GetStuck(ctx, models.ProcessingStatusDownloading, cutoff)
	if err != nil {
		return fmt.Errorf("listing stalled downloading items: %w", err)
	}

	for _, item := range items {
		active, err := w.ownerActive(ctx, item)
		if err != nil {
			w.logger.Warn("loading request", "item_id", item.ID, "error", err)
			continue
		}
		if !active {
			continue
		}
		if err := w.repairDownloading(ctx, item); err != nil {
			w.logger.Warn("repairing stalled download", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func (w *StuckItemRecoveryWorker) repairDownloading(ctx context.Context, item *models.ProcessingItem) error {
	var row *models.Download
	if item.DownloadID != nil {
		var err error
		row, err = w.downloads.GetByID(ctx, *item.DownloadID)
		if err != nil {
			return err
		}
	}
	if row == nil {
		// Linkage broke; start the item over.
		return w.control.ResetItem(ctx, item.ID, "downloading without a download row", true)
	}
	if !row.IsComplete() {
		// Still moving, or at least the row says so. The poller owns it.
		return nil
	}
	if row.SavePath == "" {
		return w.control.ResetItem(ctx, item.ID, "download finished without a save path", true)
	}

	sourcePath, size, err := w.locateFor(item, row.SavePath)
	if err != nil {
		return w.control.ResetItem(ctx, item.ID,
			fmt.Sprintf("finished download has no usable file: %v", err), true)
	}

	completedAt := w.now()
	if row.CompletedAt != nil {
		completedAt = *row.CompletedAt
	}
	if _, err := w.control.TransitionItem(ctx, item.ID, models.ProcessingStatusDownloaded, pipeline.ItemPatch{
		SourceFilePath: &sourcePath,
		Context: &models.StepContext{Download: &models.DownloadContext{
			TorrentHash:    row.TorrentHash,
			SourceFilePath: sourcePath,
			SavePath:       row.SavePath,
			SizeBytes:      size,
			CompletedAt:    completedAt,
		}},
	}); err != nil {
		return err
	}
	w.logger.Info("stalled download finished",
		"item_id", item.ID,
		"download_id", row.ID)

	return w.control.FinishDownload(ctx, row.ID, row.SavePath)
}

// linkSeasonStragglers attaches episodes that missed their season pack. When
// a restart lands between the download step's batch transitions, part of a
// season rides the download and the rest never got linked.
func (w *StuckItemRecoveryWorker) linkSeasonStragglers(ctx context.Context) error {
	var candidates []*models.ProcessingItem
	for _, status := range []models.ProcessingStatus{
		models.ProcessingStatusPending,
		models.ProcessingStatusFound,
	} {
		items, err := w.items.GetByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s items: %w", status, err)
		}
		candidates = append(candidates, items...)
	}

	byRequest := make(map[models.ULID][]*models.ProcessingItem)
	for _, item := range candidates {
		if item.Type != models.ItemTypeEpisode || item.DownloadID != nil {
			continue
		}
		if item.SkipUntil != nil && item.SkipUntil.After(w.now()) {
			continue
		}
		byRequest[item.RequestID] = append(byRequest[item.RequestID], item)
	}

	for requestID, stragglers := range byRequest {
		request, err := w.requests.GetByID(ctx, requestID)
		if err != nil {
			w.logger.Warn("loading request", "request_id", requestID, "error", err)
			continue
		}
		if request == nil || request.Status.IsTerminal() {
			continue
		}

		siblings, err := w.items.GetByRequestID(ctx, requestID)
		if err != nil {
			w.logger.Warn("loading siblings", "request_id", requestID, "error", err)
			continue
		}

		// First linked sibling per season wins.
		shared := make(map[int]models.ULID)
		for _, sib := range siblings {
			if sib.DownloadID == nil || sib.Status == models.ProcessingStatusCancelled {
				continue
			}
			if _, ok := shared[sib.Season]; !ok {
				shared[sib.Season] = *sib.DownloadID
			}
		}

		for _, item := range stragglers {
			downloadID, ok := shared[item.Season]
			if !ok {
				continue
			}
			id := downloadID
			if _, err := w.control.TransitionItem(ctx, item.ID, models.ProcessingStatusDownloading, pipeline.ItemPatch{
				DownloadID: &id,
			}); err != nil {
				w.logger.Warn("linking straggler",
					"item_id", item.ID,
					"download_id", id,
					"error", err)
				continue
			}
			w.logger.Info("straggler linked to season download",
				"item_id", item.ID,
				"season", item.Season,
				"download_id", id)
		}
	}
	return nil
}

func (w *StuckItemRecoveryWorker) ownerActive(ctx context.Context, item *models.ProcessingItem) (bool, error) {
	request, err := w.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return false, err
	}
	return request != nil && !request.Status.IsTerminal(), nil
}

func (w *StuckItemRecoveryWorker) locateFor(item *models.ProcessingItem, savePath string) (string, int64, error) {
	if item.Type == models.ItemTypeEpisode {
		return release.LocateEpisode(savePath, item.Season, item.Episode)
	}
	return release.LocateMovie(savePath)
}
