package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
)

func TestPollerMirrorsProgress(t *testing.T) {
	h := newRecoveryHarness(t)
	row := h.seedDownload("aabbcc01", models.DownloadStatusQueued, "", 0)
	h.torrents.put(steps.Torrent{Hash: "aabbcc01", Name: "The.Matrix.1999", SavePath: "/dl/matrix", Progress: 42.5})

	require.NoError(t, h.newPoller().Run(context.Background()))

	got := h.reloadDownload(row)
	assert.Equal(t, models.DownloadStatusDownloading, got.Status)
	assert.InDelta(t, 42.5, got.Progress, 0.001)
	assert.Equal(t, "/dl/matrix", got.SavePath)
	assert.Nil(t, got.CompletedAt)
}

func TestPollerDoesNotRegressProgress(t *testing.T) {
	h := newRecoveryHarness(t)
	row := h.seedDownload("aabbcc02", models.DownloadStatusDownloading, "/dl/matrix", 80)
	// Clients re-verify after restarts and briefly report lower numbers.
	h.torrents.put(steps.Torrent{Hash: "aabbcc02", SavePath: "/dl/matrix", Progress: 61})

	require.NoError(t, h.newPoller().Run(context.Background()))

	got := h.reloadDownload(row)
	assert.InDelta(t, 80, got.Progress, 0.001)
	assert.Equal(t, models.DownloadStatusDownloading, got.Status)
}

func TestPollerFinishesCompletedTorrent(t *testing.T) {
	h := newRecoveryHarness(t)
	row := h.seedDownload("aabbcc03", models.DownloadStatusDownloading, "", 90)
	h.torrents.put(steps.Torrent{Hash: "aabbcc03", SavePath: "/dl/matrix", Progress: 100})

	require.NoError(t, h.newPoller().Run(context.Background()))

	got := h.reloadDownload(row)
	assert.Equal(t, models.DownloadStatusCompleted, got.Status)
	assert.InDelta(t, 100, got.Progress, 0.001)
	assert.Equal(t, "/dl/matrix", got.SavePath)
	require.NotNil(t, got.CompletedAt)

	// Completion pokes whatever execution is parked on the row.
	assert.Contains(t, h.runner.resumedCorrelations(), pipeline.DownloadCorrelation(row.ID))
}

func TestPollerLeavesUnknownTorrent(t *testing.T) {
	h := newRecoveryHarness(t)
	row := h.seedDownload("aabbcc04", models.DownloadStatusQueued, "", 0)

	require.NoError(t, h.newPoller().Run(context.Background()))

	got := h.reloadDownload(row)
	assert.Equal(t, models.DownloadStatusQueued, got.Status)
	assert.Zero(t, got.Progress)
	assert.Empty(t, h.runner.resumedCorrelations())
}

func TestPollerSurvivesClientErrors(t *testing.T) {
	h := newRecoveryHarness(t)
	row := h.seedDownload("aabbcc05", models.DownloadStatusDownloading, "/dl/matrix", 30)
	h.torrents.getErr = fmt.Errorf("client unreachable")

	// Per-row failures are logged, not surfaced; the next tick retries.
	require.NoError(t, h.newPoller().Run(context.Background()))

	got := h.reloadDownload(row)
	assert.InDelta(t, 30, got.Progress, 0.001)
	assert.Equal(t, models.DownloadStatusDownloading, got.Status)
}

func TestPollerSkipsCompletedRows(t *testing.T) {
	h := newRecoveryHarness(t)
	h.seedDownload("aabbcc06", models.DownloadStatusCompleted, "/dl/matrix", 100)

	require.NoError(t, h.newPoller().Run(context.Background()))

	assert.Empty(t, h.torrents.polledHashes())
	assert.Empty(t, h.runner.resumedCorrelations())
}
