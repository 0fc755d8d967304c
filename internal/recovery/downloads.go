package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/release"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// DownloadRecoveryWorker finds items stuck in downloading whose torrent
// already finished: the completion callback was lost across a restart and no
// execution is watching the row anymore. Torrents are matched by hash when
// the item still references a Download row, by normalized release name
// otherwise.
type DownloadRecoveryWorker struct {
	items     repository.ProcessingItemRepository
	requests  repository.RequestRepository
	downloads repository.DownloadRepository
	torrents  steps.TorrentClient
	breaker   *breaker.Breaker
	control   Control
	logger    *slog.Logger
	now       func() time.Time
}

// NewDownloadRecoveryWorker creates the worker.
func NewDownloadRecoveryWorker(
	items repository.ProcessingItemRepository,
	requests repository.RequestRepository,
	downloads repository.DownloadRepository,
	torrents steps.TorrentClient,
	breaker *breaker.Breaker,
	control Control,
	logger *slog.Logger,
) *DownloadRecoveryWorker {
	return &DownloadRecoveryWorker{
		items:     items,
		requests:  requests,
		downloads: downloads,
		torrents:  torrents,
		breaker:   breaker,
		control:   control,
		logger:    logger.With("component", "download_recovery"),
		now:       time.Now,
	}
}

// Run sweeps every downloading item once against the client's completed list.
func (w *DownloadRecoveryWorker) Run(ctx context.Context) error {
	items, err := w.items.GetByStatus(ctx, models.ProcessingStatusDownloading)
	if err != nil {
		return fmt.Errorf("listing downloading items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	var completed []steps.Torrent
	err = w.breaker.Execute(ctx, "torrent_client", func(ctx context.Context) error {
		var inner error
		completed, inner = w.torrents.ListCompleted(ctx)
		return inner
	})
	if err != nil {
		return fmt.Errorf("listing completed torrents: %w", err)
	}
	if len(completed) == 0 {
		return nil
	}

	for _, item := range items {
		if err := w.recover(ctx, item, completed); err != nil {
			w.logger.Warn("recovering download",
				"item_id", item.ID,
				"request_id", item.RequestID,
				"error", err)
		}
	}
	return nil
}

func (w *DownloadRecoveryWorker) recover(ctx context.Context, item *models.ProcessingItem, completed []steps.Torrent) error {
	request, err := w.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return err
	}
	if request == nil || request.Status.IsTerminal() {
		return nil
	}

	torrent := w.match(ctx, item, request, completed)
	if torrent == nil {
		return nil
	}

	sourcePath, size, err := w.locate(item, torrent.SavePath)
	if err != nil {
		return fmt.Errorf("locating media under %s: %w", torrent.SavePath, err)
	}

	row, err := w.ensureRow(ctx, torrent)
	if err != nil {
		return err
	}

	completedAt := torrent.CompletedAt
	if completedAt.IsZero() {
		completedAt = w.now()
	}
	downloadID := row.ID
	if _, err := w.control.TransitionItem(ctx, item.ID, models.ProcessingStatusDownloaded, pipeline.ItemPatch{
		DownloadID:     &downloadID,
		SourceFilePath: &sourcePath,
		Context: &models.StepContext{Download: &models.DownloadContext{
			TorrentHash:    row.TorrentHash,
			SourceFilePath: sourcePath,
			SavePath:       torrent.SavePath,
			SizeBytes:      size,
			CompletedAt:    completedAt,
		}},
	}); err != nil {
		return err
	}

	w.logger.Info("download recovered",
		"item_id", item.ID,
		"request_id", item.RequestID,
		"torrent_hash", row.TorrentHash)

	// Completing the row resumes any execution still parked on it.
	return w.control.FinishDownload(ctx, row.ID, torrent.SavePath)
}

// match prefers the hash of the item's Download row and falls back to
// parsed-name equality: normalized title plus year for movies, plus season
// for episodes.
func (w *DownloadRecoveryWorker) match(ctx context.Context, item *models.ProcessingItem, request *models.Request, completed []steps.Torrent) *steps.Torrent {
	if item.DownloadID != nil {
		row, err := w.downloads.GetByID(ctx, *item.DownloadID)
		if err == nil && row != nil {
			for i := range completed {
				if strings.EqualFold(completed[i].Hash, row.TorrentHash) {
					return &completed[i]
				}
			}
		}
	}
	for i := range completed {
		if release.MatchesMedia(completed[i].Name, request.Kind, request.Title, request.Year, item.Season) {
			return &completed[i]
		}
	}
	return nil
}

func (w *DownloadRecoveryWorker) locate(item *models.ProcessingItem, savePath string) (string, int64, error) {
	if savePath == "" {
		return "", 0, fmt.Errorf("torrent has no save path")
	}
	if item.Type == models.ItemTypeEpisode {
		return release.LocateEpisode(savePath, item.Season, item.Episode)
	}
	return release.LocateMovie(savePath)
}

func (w *DownloadRecoveryWorker) ensureRow(ctx context.Context, torrent *steps.Torrent) (*models.Download, error) {
	hash := strings.ToLower(torrent.Hash)
	row, err := w.downloads.GetByTorrentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	row = &models.Download{
		TorrentHash: hash,
		Title:       torrent.Name,
		Status:      models.DownloadStatusDownloading,
		Progress:    torrent.Progress,
		SavePath:    torrent.SavePath,
	}
	if err := w.downloads.Create(ctx, row); err != nil {
		return nil, err
	}
	w.logger.Info("download row rebuilt from torrent",
		"torrent_hash", hash,
		"name", torrent.Name)
	return row, nil
}
