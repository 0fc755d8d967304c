package steps

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/release"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// DownloadStep fetches the selected release through the torrent client. It
// runs in phases: the first pass adds the torrent and pauses; completion (via
// callback or recovery) resumes the execution and a second pass locates the
// video files inside the finished download. An existing completed download
// adopted by search skips straight to the locate phase.
type DownloadStep struct {
	items     repository.ProcessingItemRepository
	downloads repository.DownloadRepository
	services  Services
	torrents  TorrentClient
	breaker   *breaker.Breaker
	logger    *slog.Logger

	now func() time.Time
}

// NewDownloadStep creates the download step.
func NewDownloadStep(deps Dependencies) *DownloadStep {
	return &DownloadStep{
		items:     deps.Items,
		downloads: deps.Download,
		services:  deps.Services,
		torrents:  deps.Torrents,
		breaker:   deps.Breaker,
		logger:    deps.Logger.With(slog.String("step", "download")),
		now:       time.Now,
	}
}

// Type implements pipeline.Step.
func (d *DownloadStep) Type() models.StepType { return models.StepTypeDownload }

// ValidateConfig implements pipeline.Step. The download step has no config.
func (d *DownloadStep) ValidateConfig(map[string]any) error { return nil }

// Execute implements pipeline.Step.
func (d *DownloadStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	search := state.Context.Search
	if search == nil {
		return pipeline.Failf("no release selected before download"), nil
	}

	if state.Context.Download != nil {
		return d.locateFiles(ctx, state)
	}

	if search.ExistingDownload != nil {
		return d.adoptExisting(ctx, state, search.ExistingDownload)
	}

	if search.SelectedRelease == nil {
		return pipeline.Failf("no release selected before download"), nil
	}
	return d.startDownload(ctx, state, search.SelectedRelease)
}

// startDownload creates the download row, hands the magnet to the client and
// pauses until completion resumes the execution.
func (d *DownloadStep) startDownload(ctx context.Context, state *pipeline.State, selected *models.Release) (*pipeline.StepOutput, error) {
	hash := strings.ToLower(selected.InfoHash)
	if hash == "" {
		hash = parseMagnetHash(selected.MagnetURI)
	}
	if hash == "" {
		return pipeline.Failf("release %q carries no torrent hash", selected.Title), nil
	}

	row, err := d.downloads.GetByTorrentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &models.Download{
			TorrentHash: hash,
			Title:       selected.Title,
			MagnetURI:   selected.MagnetURI,
			Status:      models.DownloadStatusQueued,
		}
		if err := d.downloads.Create(ctx, row); err != nil {
			return nil, err
		}
	}

	if row.IsComplete() {
		// Crash recovery: the torrent finished under an earlier execution.
		d.setDownloadContext(state, row)
		return d.locateFiles(ctx, state)
	}

	err = d.breaker.Execute(ctx, "torrent_client", func(ctx context.Context) error {
		_, addErr := d.torrents.Add(ctx, selected.MagnetURI, selected.Title)
		return addErr
	})
	if err != nil {
		return pipeline.Retryf(0, "adding torrent: %v", err), nil
	}

	if row.Status == models.DownloadStatusQueued {
		row.Status = models.DownloadStatusDownloading
		if err := d.downloads.Update(ctx, row); err != nil {
			return nil, err
		}
	}

	scope, err := scopeItems(ctx, d.items, state, models.ProcessingStatusFound, models.ProcessingStatusDownloading)
	if err != nil {
		return nil, err
	}
	covered := coveredItems(scope, state.Request.Kind, selected.Season, selected.Episode)
	for _, item := range covered {
		if _, err := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusDownloading, pipeline.ItemPatch{
			CurrentStep: strPtr("download"),
			DownloadID:  &row.ID,
		}); err != nil {
			return nil, err
		}
	}
	if err := d.services.SetRequestProgress(ctx, state.Request.ID, 35, "downloading"); err != nil {
		return nil, err
	}

	d.logger.Info("torrent added, waiting for completion",
		slog.String("request_id", state.Request.ID.String()),
		slog.String("hash", hash),
		slog.String("title", selected.Title))
	return pipeline.Pause(pipeline.DownloadCorrelation(row.ID)), nil
}

// adoptExisting records a client-side completed torrent as a finished
// download row and goes straight to locating files.
func (d *DownloadStep) adoptExisting(ctx context.Context, state *pipeline.State, existing *models.ExistingDownload) (*pipeline.StepOutput, error) {
	hash := strings.ToLower(existing.TorrentHash)

	row, err := d.downloads.GetByTorrentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if row == nil {
		now := d.now()
		row = &models.Download{
			TorrentHash: hash,
			Title:       existing.Name,
			Status:      models.DownloadStatusCompleted,
			Progress:    100,
			SavePath:    existing.SavePath,
			CompletedAt: &now,
		}
		if err := d.downloads.Create(ctx, row); err != nil {
			return nil, err
		}
	} else if !row.IsComplete() {
		now := d.now()
		row.Status = models.DownloadStatusCompleted
		row.Progress = 100
		row.SavePath = existing.SavePath
		row.CompletedAt = &now
		if err := d.downloads.Update(ctx, row); err != nil {
			return nil, err
		}
	}

	d.setDownloadContext(state, row)
	return d.locateFiles(ctx, state)
}

// locateFiles finds the concrete video file for every item fed by the
// completed download and advances them to downloaded. Missing files fail
// TV items individually; a movie with no video fails the step outright.
func (d *DownloadStep) locateFiles(ctx context.Context, state *pipeline.State) (*pipeline.StepOutput, error) {
	dl := state.Context.Download

	if dl.SourceFilePath != "" {
		// Second pass after the file was already pinned down.
		return pipeline.Succeed(), nil
	}

	if dl.SavePath == "" {
		if err := d.fillSavePath(ctx, dl); err != nil {
			return pipeline.Retryf(0, "resolving download location: %v", err), nil
		}
		if dl.SavePath == "" {
			return pipeline.Failf("download %s has no save path", dl.TorrentHash), nil
		}
	}

	row, err := d.downloads.GetByTorrentHash(ctx, dl.TorrentHash)
	if err != nil {
		return nil, err
	}

	scope, err := scopeItems(ctx, d.items, state,
		models.ProcessingStatusFound, models.ProcessingStatusDownloading)
	if err != nil {
		return nil, err
	}

	located := 0
	for _, item := range scope {
		if row != nil && item.DownloadID != nil && *item.DownloadID != row.ID {
			continue
		}

		var (
			path string
			size int64
		)
		if item.Episode > 0 {
			path, size, err = release.LocateEpisode(dl.SavePath, item.Season, item.Episode)
		} else {
			path, size, err = release.LocateMovie(dl.SavePath)
		}
		if err != nil {
			if state.Request.IsTV() {
				d.logger.Warn("no video file for item, failing it",
					slog.String("item_id", item.ID.String()),
					slog.String("error", err.Error()))
				if _, terr := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusFailed, pipeline.ItemPatch{
					LastError: strPtr(err.Error()),
				}); terr != nil {
					return nil, terr
				}
				continue
			}
			return pipeline.Failf("locating movie file: %v", err), nil
		}

		itemCtx := models.DownloadContext{
			TorrentHash:    dl.TorrentHash,
			SourceFilePath: path,
			SavePath:       dl.SavePath,
			SizeBytes:      size,
			CompletedAt:    dl.CompletedAt,
		}
		patch := pipeline.ItemPatch{
			CurrentStep:    strPtr("download"),
			SourceFilePath: &path,
			Context:        &models.StepContext{Download: &itemCtx},
		}
		if row != nil {
			patch.DownloadID = &row.ID
		}
		if _, err := d.services.TransitionItem(ctx, item.ID, models.ProcessingStatusDownloaded, patch); err != nil {
			return nil, err
		}
		located++

		if !state.Request.IsTV() {
			// Movie executions carry the file path in the walk context for
			// the encode step.
			state.Context.Download = &itemCtx
		}
	}

	if located == 0 {
		if len(scope) == 0 {
			// Items already advanced by an earlier pass.
			return pipeline.Succeed(), nil
		}
		return pipeline.Failf("no video files located in download %s", dl.TorrentHash), nil
	}

	if err := d.services.SetRequestProgress(ctx, state.Request.ID, 45, "downloaded"); err != nil {
		return nil, err
	}
	d.logger.Info("download content located",
		slog.String("request_id", state.Request.ID.String()),
		slog.String("hash", dl.TorrentHash),
		slog.Int("items", located))
	return pipeline.Succeed(), nil
}

// fillSavePath asks the torrent client where the finished download lives.
func (d *DownloadStep) fillSavePath(ctx context.Context, dl *models.DownloadContext) error {
	return d.breaker.Execute(ctx, "torrent_client", func(ctx context.Context) error {
		torrent, err := d.torrents.Get(ctx, dl.TorrentHash)
		if err != nil {
			return err
		}
		if torrent != nil {
			dl.SavePath = torrent.SavePath
		}
		return nil
	})
}

func (d *DownloadStep) setDownloadContext(state *pipeline.State, row *models.Download) {
	completedAt := d.now()
	if row.CompletedAt != nil {
		completedAt = *row.CompletedAt
	}
	state.Context.Download = &models.DownloadContext{
		TorrentHash: row.TorrentHash,
		SavePath:    row.SavePath,
		CompletedAt: completedAt,
	}
}

// parseMagnetHash pulls the btih info-hash out of a magnet URI.
func parseMagnetHash(magnetURI string) string {
	idx := strings.Index(strings.ToLower(magnetURI), "btih:")
	if idx < 0 {
		return ""
	}
	hash := magnetURI[idx+len("btih:"):]
	if amp := strings.IndexByte(hash, '&'); amp >= 0 {
		hash = hash[:amp]
	}
	return strings.ToLower(strings.TrimSpace(hash))
}

var _ pipeline.Step = (*DownloadStep)(nil)
