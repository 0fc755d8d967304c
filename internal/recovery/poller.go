package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// DownloadPoller resolves the download wait. Executions pause after handing a
// torrent to the client; the poller mirrors client-side progress onto the
// Download rows and finishes rows whose torrent reached 100%, which resumes
// whatever was parked on them.
type DownloadPoller struct {
	downloads repository.DownloadRepository
	torrents  steps.TorrentClient
	breaker   *breaker.Breaker
	control   Control
	logger    *slog.Logger
}

// NewDownloadPoller creates the poller. Registered on the scheduler with the
// recovery.download_poll_interval cadence.
func NewDownloadPoller(
	downloads repository.DownloadRepository,
	torrents steps.TorrentClient,
	breaker *breaker.Breaker,
	control Control,
	logger *slog.Logger,
) *DownloadPoller {
	return &DownloadPoller{
		downloads: downloads,
		torrents:  torrents,
		breaker:   breaker,
		control:   control,
		logger:    logger.With("component", "download_poller"),
	}
}

// Run polls every queued or downloading row once.
func (p *DownloadPoller) Run(ctx context.Context) error {
	rows, err := p.downloads.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active downloads: %w", err)
	}

	for _, row := range rows {
		if err := p.poll(ctx, row); err != nil {
			p.logger.Warn("polling download",
				"download_id", row.ID,
				"torrent_hash", row.TorrentHash,
				"error", err)
		}
	}
	return nil
}

func (p *DownloadPoller) poll(ctx context.Context, row *models.Download) error {
	var torrent *steps.Torrent
	err := p.breaker.Execute(ctx, "torrent_client", func(ctx context.Context) error {
		var inner error
		torrent, inner = p.torrents.Get(ctx, row.TorrentHash)
		return inner
	})
	if err != nil {
		return err
	}
	if torrent == nil {
		// The client no longer knows the torrent. Leave the row alone; the
		// stuck sweep decides what happens to the items riding on it.
		return nil
	}

	if torrent.Progress >= 100 {
		return p.control.FinishDownload(ctx, row.ID, torrent.SavePath)
	}

	changed := false
	if torrent.Progress > row.Progress {
		row.Progress = torrent.Progress
		changed = true
	}
	if row.Status == models.DownloadStatusQueued && torrent.Progress > 0 {
		row.Status = models.DownloadStatusDownloading
		changed = true
	}
	if torrent.SavePath != "" && row.SavePath == "" {
		row.SavePath = torrent.SavePath
		changed = true
	}
	if !changed {
		return nil
	}
	return p.downloads.Update(ctx, row)
}
