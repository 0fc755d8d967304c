package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/models"
)

func TestNotificationSendsPayload(t *testing.T) {
	h := newStepHarness(t)
	req, items := h.createTVRequest(1)
	state := h.branchState(req, items[0], models.StepContext{
		Deliver: &models.DeliverContext{DeliveredServers: []string{"srv-1"}},
		Encode:  &models.EncodeContext{JobID: "job-1", CompressionRatio: 0.5},
	})

	cfg := map[string]any{"event": "request.completed"}
	out, err := NewNotificationStep(h.deps).Execute(context.Background(), state, cfg)
	require.NoError(t, err)
	assert.True(t, out.Success)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, "request.completed", h.notifier.events[0])

	require.Len(t, h.notifier.payloads, 1)
	payload := h.notifier.payloads[0]
	assert.Equal(t, req.ID.String(), payload["request_id"])
	assert.Equal(t, "Severance", payload["title"])
	assert.Equal(t, "tv", payload["kind"])
	assert.Equal(t, items[0].ID.String(), payload["item_id"])
	assert.Equal(t, "S01E01", payload["episode"])
	assert.Equal(t, []string{"srv-1"}, payload["delivered_servers"])
	assert.Equal(t, 0.5, payload["compression_ratio"])
}

func TestNotificationDefaultEvent(t *testing.T) {
	h := newStepHarness(t)
	req, _ := h.createMovieRequest()

	out, err := NewNotificationStep(h.deps).Execute(context.Background(), h.rootState(req), nil)
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, "pipeline.event", h.notifier.events[0])
}

func TestNotificationFailureIsSoft(t *testing.T) {
	h := newStepHarness(t)
	h.notifier.err = errors.New("webhook timeout")
	req, _ := h.createMovieRequest()

	out, err := NewNotificationStep(h.deps).Execute(context.Background(), h.rootState(req), nil)
	require.NoError(t, err)
	assert.True(t, out.Success, "notification failures never fail the pipeline")
	assert.Contains(t, out.Data["notify_error"], "webhook timeout")
}

func TestNotificationWithoutNotifierPasses(t *testing.T) {
	h := newStepHarness(t)
	req, _ := h.createMovieRequest()

	deps := h.deps
	deps.Notifier = nil

	out, err := NewNotificationStep(deps).Execute(context.Background(), h.rootState(req), nil)
	require.NoError(t, err)
	assert.True(t, out.Success)
}
