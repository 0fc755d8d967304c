package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

func movieParams() CreateRequestParams {
	return CreateRequestParams{
		Kind:            models.MediaKindMovie,
		TmdbID:          603,
		Title:           "The Matrix",
		Year:            1999,
		DeliveryTargets: []string{"srv-1"},
	}
}

func tvParams(episodes ...EpisodeRef) CreateRequestParams {
	return CreateRequestParams{
		Kind:            models.MediaKindTV,
		TmdbID:          95396,
		Title:           "Severance",
		Year:            2022,
		DeliveryTargets: []string{"srv-1", "srv-2"},
		Episodes:        episodes,
	}
}

func TestCreateRequestMovie(t *testing.T) {
	h := newOrchHarness(t)

	req, err := h.orch.CreateRequest(context.Background(), movieParams())
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.RequestStatusPending, req.Status)

	items, err := h.items.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemTypeMovie, items[0].Type)
	assert.Equal(t, "The Matrix", items[0].Title)
	assert.Equal(t, 3, items[0].MaxAttempts)
	assert.Equal(t, models.ProcessingStatusPending, items[0].Status)

	assert.Equal(t, 1, h.runner.rootStartCount())
	assert.Contains(t, h.activityEvents(req), "request.created")
}

func TestCreateRequestTVFansOutEpisodes(t *testing.T) {
	h := newOrchHarness(t)
	future := time.Now().Add(48 * time.Hour)

	req, err := h.orch.CreateRequest(context.Background(), tvParams(
		EpisodeRef{Season: 1, Episode: 1, Title: "Good News About Hell"},
		EpisodeRef{Season: 1, Episode: 2},
		EpisodeRef{Season: 1, Episode: 3, AirsAt: &future},
	))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, req.RequestedSeasons)
	assert.Equal(t, []int{1, 2, 3}, req.RequestedEpisodes)

	items, err := h.items.GetByRequestID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "S01E01 - Good News About Hell", items[0].Title)
	assert.Equal(t, "S01E02", items[1].Title)
	assert.Nil(t, items[0].SkipUntil)

	// The unaired episode is deferred, not searched into the void.
	require.NotNil(t, items[2].SkipUntil)
	assert.WithinDuration(t, future, *items[2].SkipUntil, time.Second)
}

func TestCreateRequestTVMultiSeason(t *testing.T) {
	h := newOrchHarness(t)

	req, err := h.orch.CreateRequest(context.Background(), tvParams(
		EpisodeRef{Season: 2, Episode: 1},
		EpisodeRef{Season: 1, Episode: 9},
	))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, req.RequestedSeasons)
	assert.Empty(t, req.RequestedEpisodes)
}

func TestCreateRequestValidation(t *testing.T) {
	h := newOrchHarness(t)

	noTargets := movieParams()
	noTargets.DeliveryTargets = nil
	_, err := h.orch.CreateRequest(context.Background(), noTargets)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))

	_, err = h.orch.CreateRequest(context.Background(), tvParams())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))

	withEpisodes := movieParams()
	withEpisodes.Episodes = []EpisodeRef{{Season: 1, Episode: 1}}
	_, err = h.orch.CreateRequest(context.Background(), withEpisodes)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestCreateRequestRejectsDuplicate(t *testing.T) {
	h := newOrchHarness(t)

	_, err := h.orch.CreateRequest(context.Background(), movieParams())
	require.NoError(t, err)

	_, err = h.orch.CreateRequest(context.Background(), movieParams())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDuplicateWork))
}

func TestCreateRequestAllowsResubmitAfterTerminal(t *testing.T) {
	h := newOrchHarness(t)

	first, err := h.orch.CreateRequest(context.Background(), movieParams())
	require.NoError(t, err)
	first.MarkCancelled()
	require.NoError(t, h.requests.Update(context.Background(), first))

	_, err = h.orch.CreateRequest(context.Background(), movieParams())
	require.NoError(t, err)
}

func TestCreateRequestStartFailureMarksRequest(t *testing.T) {
	h := newOrchHarness(t)
	h.runner.rootErr = errors.New("executor saturated")

	_, err := h.orch.CreateRequest(context.Background(), movieParams())
	require.Error(t, err)

	failed, err := h.requests.GetByStatus(context.Background(), models.RequestStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "starting pipeline")
}

func TestCancelRequest(t *testing.T) {
	h := newOrchHarness(t)
	req, item := h.seedMovie(models.ProcessingStatusEncoding)
	item.EncodingJobID = "job-9"
	require.NoError(t, h.items.Update(context.Background(), item))
	exec := h.seedExecution(req, nil, models.ExecutionStatusRunning)

	require.NoError(t, h.orch.CancelRequest(context.Background(), req.ID))

	got := h.reloadRequest(req)
	assert.Equal(t, models.RequestStatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.CurrentStep)
	require.NotNil(t, got.CompletedAt)

	reloaded, err := h.executions.GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, reloaded.Status)

	assert.Equal(t, models.ProcessingStatusCancelled, h.reloadItem(item).Status)
	assert.Equal(t, []string{"job-9"}, h.jobs.cancelledJobs())
	assert.Contains(t, h.activityEvents(req), "request.cancelled")
}

func TestCancelRequestLeavesTerminalItems(t *testing.T) {
	h := newOrchHarness(t)
	req, items := h.seedTV(models.ProcessingStatusCompleted, models.ProcessingStatusDownloading)

	require.NoError(t, h.orch.CancelRequest(context.Background(), req.ID))

	assert.Equal(t, models.ProcessingStatusCompleted, h.reloadItem(items[0]).Status)
	assert.Equal(t, models.ProcessingStatusCancelled, h.reloadItem(items[1]).Status)
}

func TestCancelRequestRejectsTerminal(t *testing.T) {
	h := newOrchHarness(t)
	req, _ := h.seedMovie(models.ProcessingStatusCompleted)
	req.MarkCompleted()
	require.NoError(t, h.requests.Update(context.Background(), req))

	err := h.orch.CancelRequest(context.Background(), req.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPreconditionFailed))
}

func TestRetryRequest(t *testing.T) {
	h := newOrchHarness(t)
	req, item := h.seedMovie(models.ProcessingStatusFailed)
	item.Attempts = 3
	item.LastError = "no seeders"
	require.NoError(t, h.items.Update(context.Background(), item))
	req.MarkFailed("no seeders")
	require.NoError(t, h.requests.Update(context.Background(), req))

	require.NoError(t, h.orch.RetryRequest(context.Background(), req.ID))

	got := h.reloadItem(item)
	assert.Equal(t, models.ProcessingStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)

	request := h.reloadRequest(req)
	assert.Equal(t, models.RequestStatusPending, request.Status)
	assert.Empty(t, request.Error)
	assert.Nil(t, request.CompletedAt)
	assert.Equal(t, float64(0), request.Progress)

	assert.Equal(t, 1, h.runner.rootStartCount())
}

func TestRetryRequestRejectsNonFailed(t *testing.T) {
	h := newOrchHarness(t)
	req, _ := h.seedMovie(models.ProcessingStatusDownloading)

	err := h.orch.RetryRequest(context.Background(), req.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPreconditionFailed))
}

func seedQualityParked(h *orchHarness) *models.Request {
	req, _ := h.seedMovie(models.ProcessingStatusSearching)
	req.Status = models.RequestStatusQualityUnavailable
	req.AvailableReleases = []models.Release{
		{Title: "The.Matrix.1999.720p.WEB-DL", Resolution: "720p", MagnetURI: "magnet:?xt=a"},
		{Title: "The.Matrix.1999.480p.DVDRip", Resolution: "480p", MagnetURI: "magnet:?xt=b"},
	}
	if err := h.requests.Update(context.Background(), req); err != nil {
		h.t.Fatalf("seeding parked request: %v", err)
	}
	return req
}

func TestAcceptLowerQuality(t *testing.T) {
	h := newOrchHarness(t)
	h.runner.resumeFound = true
	req := seedQualityParked(h)

	require.NoError(t, h.orch.AcceptLowerQuality(context.Background(), req.ID, 1))

	got := h.reloadRequest(req)
	assert.Equal(t, models.RequestStatusPending, got.Status)
	require.NotNil(t, got.SelectedRelease)
	assert.Equal(t, "480p", got.SelectedRelease.Resolution)
	assert.Empty(t, got.AvailableReleases)

	assert.Equal(t, []string{pipeline.QualityCorrelation(req.ID)}, h.runner.resumedCorrelations())
	assert.Zero(t, h.runner.rootStartCount())
}

func TestAcceptLowerQualityStartsFreshWhenNothingParked(t *testing.T) {
	h := newOrchHarness(t)
	h.runner.resumeFound = false
	req := seedQualityParked(h)

	require.NoError(t, h.orch.AcceptLowerQuality(context.Background(), req.ID, 0))
	assert.Equal(t, 1, h.runner.rootStartCount())
}

func TestAcceptLowerQualityIndexOutOfRange(t *testing.T) {
	h := newOrchHarness(t)
	req := seedQualityParked(h)

	err := h.orch.AcceptLowerQuality(context.Background(), req.ID, 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPreconditionFailed))

	err = h.orch.AcceptLowerQuality(context.Background(), req.ID, -1)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPreconditionFailed))
}

func TestAcceptLowerQualityRequiresParkedState(t *testing.T) {
	h := newOrchHarness(t)
	req, _ := h.seedMovie(models.ProcessingStatusSearching)

	err := h.orch.AcceptLowerQuality(context.Background(), req.ID, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPreconditionFailed))
}
