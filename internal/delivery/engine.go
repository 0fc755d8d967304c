package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Engine delivers encoded files to storage servers. It resolves destination
// names, skips files that already landed (crash recovery), records library
// rows and triggers post-delivery scans.
type Engine struct {
	transport Transport
	library   repository.LibraryItemRepository
	scans     ScanTrigger
	timeout   time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewEngine creates a delivery engine. scans may be nil when no server
// defines a scan URL.
func NewEngine(transport Transport, library repository.LibraryItemRepository, scans ScanTrigger, timeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		transport: transport,
		library:   library,
		scans:     scans,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "delivery")),
		now:       time.Now,
	}
}

// Deliver places one encoded file on one storage server. A destination that
// already exists is reported as recovered without moving bytes; the library
// row is refreshed either way.
func (e *Engine) Deliver(ctx context.Context, server config.StorageServerConfig, media Media, file models.EncodedFile, progress func(done, total int64)) (*Result, error) {
	root := server.MoviesRoot
	if media.Kind == models.MediaKindTV {
		root = server.TVRoot
	}
	if root == "" {
		return nil, apperrors.New(apperrors.KindConfig, "server %q has no %s root configured", server.ID, media.Kind)
	}

	dst := DestinationPath(root, media, file)

	exists, err := e.transport.Exists(dst)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindExternalUnavailable, err, "checking %q on server %q", dst, server.ID)
	}
	if exists {
		e.logger.Info("destination already present, recovering delivery",
			slog.String("server_id", server.ID),
			slog.String("path", dst))
		e.recordLibraryItem(ctx, server, media, file, dst)
		return &Result{Destination: dst, Recovered: true}, nil
	}

	transferCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		transferCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	copied, err := e.transport.Transfer(transferCtx, file.Path, dst, progress)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindExternalUnavailable, err, "delivering %q to server %q", file.Path, server.ID)
	}

	e.logger.Info("delivered file",
		slog.String("server_id", server.ID),
		slog.String("path", dst),
		slog.Int64("bytes", copied))

	e.recordLibraryItem(ctx, server, media, file, dst)
	e.triggerScan(ctx, server)

	return &Result{Destination: dst, BytesCopied: copied}, nil
}

// recordLibraryItem upserts the delivered-file row. Failures are logged only:
// the file is already in place and re-delivery recovers the row.
func (e *Engine) recordLibraryItem(ctx context.Context, server config.StorageServerConfig, media Media, file models.EncodedFile, dst string) {
	quality := file.Resolution
	if file.Codec != "" {
		if quality != "" {
			quality += " "
		}
		quality += file.Codec
	}

	now := e.now()
	item := &models.LibraryItem{
		TmdbID:   media.TmdbID,
		Kind:     media.Kind,
		ServerID: server.ID,
		Season:   media.Season,
		Episode:  media.Episode,
		Quality:  quality,
		Path:     dst,
		AddedAt:  now,
		SyncedAt: &now,
	}
	if err := e.library.Upsert(ctx, item); err != nil {
		e.logger.Warn("recording library item failed",
			slog.String("server_id", server.ID),
			slog.String("path", dst),
			slog.String("error", err.Error()))
	}
}

// triggerScan pokes the server's library scanner. Best effort.
func (e *Engine) triggerScan(ctx context.Context, server config.StorageServerConfig) {
	if server.ScanURL == "" || e.scans == nil {
		return
	}
	if err := e.scans.TriggerScan(ctx, server.ScanURL); err != nil {
		e.logger.Warn("library scan trigger failed",
			slog.String("server_id", server.ID),
			slog.String("scan_url", server.ScanURL),
			slog.String("error", err.Error()))
	}
}
