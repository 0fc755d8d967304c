package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

type fakeTasks struct {
	statuses []scheduler.TaskStatus
}

func (f *fakeTasks) Status() []scheduler.TaskStatus {
	return f.statuses
}

type fakeBreakers struct {
	states []models.CircuitBreakerState
}

func (f *fakeBreakers) States() []models.CircuitBreakerState {
	return f.states
}

func TestHealthOK(t *testing.T) {
	h := NewSystemHandler(&fakePinger{}, &fakeTasks{}, &fakeBreakers{}, &fakePool{connected: 2})

	out, err := h.GetHealth(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Body.Status)
	assert.Equal(t, "ok", out.Body.Database)
	assert.Equal(t, 2, out.Body.EncodersConnected)
	assert.NotEmpty(t, out.Body.Version)
	assert.NotEmpty(t, out.Body.Uptime)
	assert.Greater(t, out.Body.System.NumCPU, 0)
	assert.NotEmpty(t, out.Body.System.GoVersion)
}

func TestHealthDegradedOnDatabaseError(t *testing.T) {
	h := NewSystemHandler(&fakePinger{err: errors.New("connection refused")}, nil, nil, nil)

	out, err := h.GetHealth(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "degraded", out.Body.Status)
	assert.Contains(t, out.Body.Database, "connection refused")
}

func TestHealthReportsTasksAndBreakers(t *testing.T) {
	opens := time.Now().Add(time.Minute).UTC()
	tasks := &fakeTasks{statuses: []scheduler.TaskStatus{
		{Name: "encoder-health", Runs: 10},
		{Name: "download-poll", Runs: 4, Failures: 1, LastError: "timeout"},
	}}
	breakers := &fakeBreakers{states: []models.CircuitBreakerState{
		{Service: "indexer", State: models.BreakerStateOpen, Failures: 5, OpensUntil: &opens},
		{Service: "torrent_client", State: models.BreakerStateClosed},
	}}
	h := NewSystemHandler(&fakePinger{}, tasks, breakers, &fakePool{})

	out, err := h.GetHealth(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out.Body.Tasks, 2)
	assert.Equal(t, "encoder-health", out.Body.Tasks[0].Name)

	require.Len(t, out.Body.Breakers, 2)
	assert.Equal(t, "indexer", out.Body.Breakers[0].Service)
	assert.Equal(t, "open", out.Body.Breakers[0].State)
	assert.Equal(t, 5, out.Body.Breakers[0].Failures)
	assert.True(t, out.Body.Breakers[0].OpensUntil.Equal(opens))
	assert.True(t, out.Body.Breakers[1].OpensUntil.IsZero())
}

func TestVersion(t *testing.T) {
	h := NewSystemHandler(nil, nil, nil, nil)

	out, err := h.GetVersion(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Body.Version)
	assert.NotEmpty(t, out.Body.GoVersion)
}
