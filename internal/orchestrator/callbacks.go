package orchestrator

import (
	"context"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// FinishDownload marks a download row completed and wakes the execution
// parked on it. Called by the torrent poller and the recovery worker; safe to
// call more than once per download.
func (o *Orchestrator) FinishDownload(ctx context.Context, downloadID models.ULID, savePath string) error {
	download, err := o.downloads.GetByID(ctx, downloadID)
	if err != nil {
		return err
	}
	if download == nil {
		return apperrors.New(apperrors.KindNotFound, "download %s not found", downloadID)
	}

	if !download.IsComplete() {
		now := o.now()
		download.Status = models.DownloadStatusCompleted
		download.Progress = 100
		download.CompletedAt = &now
		if savePath != "" {
			download.SavePath = savePath
		}
		if err := o.downloads.Update(ctx, download); err != nil {
			return err
		}
		o.logActivity(ctx, models.ActivityLevelInfo, "download.completed",
			"download finished: "+download.Title, nil, nil,
			map[string]any{"torrent_hash": download.TorrentHash, "save_path": download.SavePath})
	} else if savePath != "" && download.SavePath == "" {
		download.SavePath = savePath
		if err := o.downloads.Update(ctx, download); err != nil {
			return err
		}
	}

	resumed, err := o.resumeCorrelation(ctx, pipeline.DownloadCorrelation(downloadID))
	if err != nil {
		return err
	}
	if !resumed {
		// Nothing parked on this hash right now; the wait step re-checks the
		// row when it next runs, so the completion is not lost.
		o.logger.Debug("download completed with no waiting execution",
			"download_id", downloadID)
	}
	return nil
}

// HandleJobCompleted is the dispatcher's completion callback. The assignment
// row already carries the output files; resuming the parked execution lets
// the encode step read them.
func (o *Orchestrator) HandleJobCompleted(jobID string, assignment *models.EncoderAssignment) {
	ctx := context.Background()
	resumed, err := o.resumeCorrelation(ctx, jobID)
	if err != nil {
		o.logger.Error("resuming execution for completed job",
			"job_id", jobID,
			"error", err)
		return
	}
	if !resumed {
		// Job finished while no execution was parked (restart window). The
		// encoder monitor reconciles the assignment on its next sweep.
		o.logger.Debug("completed job had no waiting execution", "job_id", jobID)
	}
}

// HandleJobFailed is the dispatcher's failure callback. The resumed step
// reads the terminal error from the assignment row.
func (o *Orchestrator) HandleJobFailed(jobID string, errMsg string) {
	ctx := context.Background()
	resumed, err := o.resumeCorrelation(ctx, jobID)
	if err != nil {
		o.logger.Error("resuming execution for failed job",
			"job_id", jobID,
			"error", err)
		return
	}
	if !resumed {
		o.logger.Warn("failed job had no waiting execution",
			"job_id", jobID,
			"job_error", errMsg)
	}
}
