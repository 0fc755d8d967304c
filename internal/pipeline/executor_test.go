package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// callLog records step executions across the shared registry, in order.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) append(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

// recordingStep replays a scripted output sequence, repeating the last
// entry, and captures the state it saw on each call.
type recordingStep struct {
	typ models.StepType
	log *callLog

	mu       sync.Mutex
	calls    int
	outputs  []*StepOutput
	err      error
	items    []*models.ProcessingItem
	contexts []models.StepContext
}

func (s *recordingStep) Type() models.StepType { return s.typ }

func (s *recordingStep) ValidateConfig(map[string]any) error { return nil }

func (s *recordingStep) Execute(_ context.Context, state *State, _ map[string]any) (*StepOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.items = append(s.items, state.Item)
	s.contexts = append(s.contexts, state.Context.Clone())
	if s.log != nil {
		s.log.append(string(s.typ))
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.outputs) == 0 {
		return Succeed(), nil
	}
	idx := s.calls - 1
	if idx >= len(s.outputs) {
		idx = len(s.outputs) - 1
	}
	return s.outputs[idx], nil
}

func (s *recordingStep) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeHooks counts lifecycle callbacks and scripts the retry verdict.
type fakeHooks struct {
	mu         sync.Mutex
	finished   []models.ExecutionStatus
	retries    []string
	retryDelay time.Duration
	retryOK    bool
}

func (h *fakeHooks) ExecutionFinished(_ context.Context, execution *models.PipelineExecution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, execution.Status)
}

func (h *fakeHooks) ExecutionRetry(_ context.Context, _ *models.PipelineExecution, stepName, _ string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, stepName)
	return h.retryDelay, h.retryOK
}

func (h *fakeHooks) finishedStatuses() []models.ExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ExecutionStatus, len(h.finished))
	copy(out, h.finished)
	return out
}

func (h *fakeHooks) retriedSteps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.retries))
	copy(out, h.retries)
	return out
}

type executorHarness struct {
	executor   *Executor
	registry   *Registry
	hooks      *fakeHooks
	log        *callLog
	executions repository.PipelineExecutionRepository
	templates  repository.PipelineTemplateRepository
	requests   repository.RequestRepository
	items      repository.ProcessingItemRepository
}

func newExecutorHarness(t *testing.T, steps ...Step) *executorHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.PipelineTemplate{},
		&models.PipelineExecution{},
	))

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := NewRegistry()
	for _, s := range steps {
		registry.Register(s)
	}

	hooks := &fakeHooks{retryDelay: 5 * time.Millisecond, retryOK: true}

	cfg := config.PipelineConfig{
		MaxActiveExecutions: 4,
		MaxAttempts:         3,
		RetryBackoffBase:    time.Millisecond,
		TVContinuationDelay: time.Millisecond,
	}

	h := &executorHarness{
		registry:   registry,
		hooks:      hooks,
		executions: repository.NewPipelineExecutionRepository(db),
		templates:  repository.NewPipelineTemplateRepository(db),
		requests:   repository.NewRequestRepository(db),
		items:      repository.NewProcessingItemRepository(db),
	}
	h.executor = New(cfg, registry, h.executions, h.templates, h.requests, h.items, hooks, log)
	t.Cleanup(h.executor.Stop)
	return h
}

func (h *executorHarness) createRequest(t *testing.T, kind models.MediaKind) *models.Request {
	t.Helper()
	req := &models.Request{
		Kind:            kind,
		TmdbID:          603,
		Title:           "The Matrix",
		Year:            1999,
		DeliveryTargets: []string{"srv-1"},
	}
	require.NoError(t, h.requests.Create(context.Background(), req))
	return req
}

func (h *executorHarness) createTemplate(t *testing.T, name string, kind models.MediaKind, steps []models.StepDefinition) *models.PipelineTemplate {
	t.Helper()
	tmpl := &models.PipelineTemplate{Name: name, MediaKind: kind, IsDefault: true, Steps: steps}
	require.NoError(t, h.templates.Create(context.Background(), tmpl))
	return tmpl
}

func (h *executorHarness) reload(t *testing.T, id models.ULID) *models.PipelineExecution {
	t.Helper()
	exec, err := h.executions.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, exec)
	return exec
}

func (h *executorHarness) waitForStatus(t *testing.T, id models.ULID, want models.ExecutionStatus) *models.PipelineExecution {
	t.Helper()
	var exec *models.PipelineExecution
	require.Eventually(t, func() bool {
		loaded, err := h.executions.GetByID(context.Background(), id)
		if err != nil || loaded == nil {
			return false
		}
		exec = loaded
		return exec.Status == want
	}, waitFor, tick, "execution never reached %s", want)
	return exec
}

func linearSteps(types ...models.StepType) []models.StepDefinition {
	out := make([]models.StepDefinition, len(types))
	for i, typ := range types {
		out[i] = models.StepDefinition{Type: typ, Name: string(typ)}
	}
	return out
}

func TestExecutorWalksTemplateToCompletion(t *testing.T) {
	log := &callLog{}
	search := &recordingStep{typ: models.StepTypeSearch, log: log}
	download := &recordingStep{typ: models.StepTypeDownload, log: log}
	h := newExecutorHarness(t, search, download)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie,
		linearSteps(models.StepTypeSearch, models.StepTypeDownload))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, exec)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"search", "download"}, log.snapshot())
	assert.Equal(t, 2, final.CurrentStep)
	assert.NotNil(t, final.FinishedAt)
	assert.False(t, final.IsBranch())

	// The finished hook fires after the status lands.
	require.Eventually(t, func() bool {
		statuses := h.hooks.finishedStatuses()
		return len(statuses) == 1 && statuses[0] == models.ExecutionStatusCompleted
	}, waitFor, tick)
}

func TestExecutorStartRootIdempotentWhileActive(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Pause("approval:block")},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	first, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)
	h.waitForStatus(t, first.ID, models.ExecutionStatusPaused)

	second, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, search.callCount())
}

func TestExecutorStartRootWithoutTemplate(t *testing.T) {
	h := newExecutorHarness(t)
	req := h.createRequest(t, models.MediaKindTV)

	_, err := h.executor.StartRoot(context.Background(), req.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestExecutorStartRootUnknownRequest(t *testing.T) {
	h := newExecutorHarness(t)

	_, err := h.executor.StartRoot(context.Background(), models.NewULID())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestExecutorConditionSkipsSubtree(t *testing.T) {
	log := &callLog{}
	search := &recordingStep{typ: models.StepTypeSearch, log: log}
	download := &recordingStep{typ: models.StepTypeDownload, log: log}
	deliver := &recordingStep{typ: models.StepTypeDeliver, log: log}
	h := newExecutorHarness(t, search, download, deliver)

	req := h.createRequest(t, models.MediaKindMovie)
	steps := []models.StepDefinition{
		{
			Type: models.StepTypeSearch,
			Name: "search",
			Condition: &models.StepCondition{
				Clauses: []models.ConditionClause{
					{Path: "extra.mode", Operator: "==", Value: "full"},
				},
			},
			Children: []models.StepDefinition{
				{Type: models.StepTypeDownload, Name: "download"},
			},
		},
		{Type: models.StepTypeDeliver, Name: "deliver"},
	}
	h.createTemplate(t, "movie-default", models.MediaKindMovie, steps)

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"deliver"}, log.snapshot())
	assert.Zero(t, search.callCount())
	assert.Zero(t, download.callCount())
}

func TestExecutorJumpToNamedStep(t *testing.T) {
	log := &callLog{}
	next := "deliver"
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		log:     log,
		outputs: []*StepOutput{{Success: true, NextStep: &next}},
	}
	download := &recordingStep{typ: models.StepTypeDownload, log: log}
	deliver := &recordingStep{typ: models.StepTypeDeliver, log: log}
	h := newExecutorHarness(t, search, download, deliver)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie,
		linearSteps(models.StepTypeSearch, models.StepTypeDownload, models.StepTypeDeliver))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"search", "deliver"}, log.snapshot())
	assert.Zero(t, download.callCount())
}

func TestExecutorEndWalk(t *testing.T) {
	log := &callLog{}
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		log:     log,
		outputs: []*StepOutput{{Success: true, NextStep: EndWalk()}},
	}
	download := &recordingStep{typ: models.StepTypeDownload, log: log}
	h := newExecutorHarness(t, search, download)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie,
		linearSteps(models.StepTypeSearch, models.StepTypeDownload))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"search"}, log.snapshot())
	assert.Zero(t, download.callCount())
}

func TestExecutorUnknownJumpFails(t *testing.T) {
	next := "nowhere"
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{{Success: true, NextStep: &next}},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Contains(t, final.Error, "nowhere")
}

func TestExecutorStepErrorFailsExecution(t *testing.T) {
	search := &recordingStep{typ: models.StepTypeSearch, err: errors.New("database gone")}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Contains(t, final.Error, "database gone")
	require.Eventually(t, func() bool {
		statuses := h.hooks.finishedStatuses()
		return len(statuses) == 1 && statuses[0] == models.ExecutionStatusFailed
	}, waitFor, tick)
}

func TestExecutorDomainFailureFailsExecution(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Failf("no usable release")},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Contains(t, final.Error, "no usable release")
}

func TestExecutorUnregisteredStepFails(t *testing.T) {
	h := newExecutorHarness(t)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Contains(t, final.Error, "no step registered")
}

func TestExecutorBudgetedRetryResumesAfterDelay(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Retryf(0, "indexer unavailable"), Succeed()},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, 2, search.callCount())
	assert.Equal(t, []string{"search"}, h.hooks.retriedSteps())
}

func TestExecutorRetryExhaustedFails(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Retryf(0, "indexer unavailable")},
	}
	h := newExecutorHarness(t, search)
	h.hooks.retryOK = false

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusFailed)
	assert.Contains(t, final.Error, "attempts exhausted")
	assert.Equal(t, 1, search.callCount())
}

func TestExecutorCadenceRetryLeavesBudgetAlone(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Retryf(5*time.Millisecond, "nothing published yet"), Succeed()},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, 2, search.callCount())
	assert.Empty(t, h.hooks.retriedSteps(), "cadence retries must not consume attempts")
}

func TestExecutorPauseAndResumeByCorrelation(t *testing.T) {
	search := &recordingStep{
		typ:     models.StepTypeSearch,
		outputs: []*StepOutput{Pause("approval:abc123"), Succeed()},
	}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)

	paused := h.waitForStatus(t, exec.ID, models.ExecutionStatusPaused)
	assert.Equal(t, "approval:abc123", paused.CorrelationID)
	assert.Equal(t, 0, paused.CurrentStep, "pause must not advance the walk")

	found, err := h.executor.ResumeByCorrelation(context.Background(), "approval:abc123")
	require.NoError(t, err)
	assert.True(t, found)

	final := h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)
	assert.Empty(t, final.CorrelationID)
	assert.Equal(t, 2, search.callCount(), "paused step runs again on resume")
}

func TestExecutorResumeByCorrelationMiss(t *testing.T) {
	h := newExecutorHarness(t)

	found, err := h.executor.ResumeByCorrelation(context.Background(), "approval:nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecutorResumeTerminalIsNoop(t *testing.T) {
	search := &recordingStep{typ: models.StepTypeSearch}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	exec, err := h.executor.StartRoot(context.Background(), req.ID)
	require.NoError(t, err)
	h.waitForStatus(t, exec.ID, models.ExecutionStatusCompleted)

	require.NoError(t, h.executor.Resume(context.Background(), exec.ID))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.ExecutionStatusCompleted, h.reload(t, exec.ID).Status)
	assert.Equal(t, 1, search.callCount())
}

func TestExecutorStartBranchEntersAtEncode(t *testing.T) {
	log := &callLog{}
	approval := &recordingStep{typ: models.StepTypeApproval, log: log}
	search := &recordingStep{typ: models.StepTypeSearch, log: log}
	download := &recordingStep{typ: models.StepTypeDownload, log: log}
	encode := &recordingStep{typ: models.StepTypeEncode, log: log}
	deliver := &recordingStep{typ: models.StepTypeDeliver, log: log}
	h := newExecutorHarness(t, approval, search, download, encode, deliver)

	req := h.createRequest(t, models.MediaKindTV)
	tmpl := h.createTemplate(t, "tv-default", models.MediaKindTV, linearSteps(
		models.StepTypeApproval,
		models.StepTypeSearch,
		models.StepTypeDownload,
		models.StepTypeEncode,
		models.StepTypeDeliver,
	))

	item := &models.ProcessingItem{
		RequestID: req.ID,
		Type:      models.ItemTypeEpisode,
		Season:    1,
		Episode:   4,
		Status:    models.ProcessingStatusDownloaded,
		StepContext: models.StepContext{
			Download: &models.DownloadContext{
				TorrentHash:    "cafebabe",
				SourceFilePath: "/data/downloads/show/s01e04.mkv",
			},
		},
	}
	require.NoError(t, h.items.Create(context.Background(), item))

	parent := &models.PipelineExecution{
		RequestID:  req.ID,
		TemplateID: tmpl.ID,
		Status:     models.ExecutionStatusRunning,
		Context: models.StepContext{
			Search: &models.SearchContext{
				SelectedRelease: &models.Release{Title: "Show S01 1080p", Resolution: "1080p"},
			},
			Encode:  &models.EncodeContext{JobID: "stale"},
			Deliver: &models.DeliverContext{DeliveredServers: []string{"stale"}},
		},
	}
	require.NoError(t, h.executions.Create(context.Background(), parent))

	started, err := h.executor.StartBranches(context.Background(), parent, []*models.ProcessingItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	branch, err := h.executions.GetByItemID(context.Background(), item.ID)
	require.NoError(t, err)
	require.NotNil(t, branch)

	final := h.waitForStatus(t, branch.ID, models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"encode", "deliver"}, log.snapshot())
	assert.True(t, final.IsBranch())
	require.NotNil(t, final.ParentExecutionID)
	assert.Equal(t, parent.ID, *final.ParentExecutionID)

	// The branch saw the item and a seed context carrying the parent's search
	// result and the item's own download, with stale encode state dropped.
	encode.mu.Lock()
	require.Len(t, encode.items, 1)
	require.NotNil(t, encode.items[0])
	assert.Equal(t, item.ID, encode.items[0].ID)
	seen := encode.contexts[0]
	encode.mu.Unlock()
	require.NotNil(t, seen.Search)
	assert.Equal(t, "Show S01 1080p", seen.Search.SelectedRelease.Title)
	require.NotNil(t, seen.Download)
	assert.Equal(t, "cafebabe", seen.Download.TorrentHash)
	assert.Nil(t, seen.Encode)
	assert.Nil(t, seen.Deliver)

	// Starting the same item again reuses the finished walk's row only while
	// active; after completion a second branch may start. While paused or
	// running it must coalesce.
	again, err := h.executor.StartBranch(context.Background(), tmpl.ID, parent, item, models.StepContext{})
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestExecutorStartBranchIdempotentWhileActive(t *testing.T) {
	encode := &recordingStep{
		typ:     models.StepTypeEncode,
		outputs: []*StepOutput{Pause("job-1")},
	}
	h := newExecutorHarness(t, encode)

	req := h.createRequest(t, models.MediaKindTV)
	tmpl := h.createTemplate(t, "tv-default", models.MediaKindTV, linearSteps(models.StepTypeEncode))

	item := &models.ProcessingItem{
		RequestID: req.ID,
		Type:      models.ItemTypeEpisode,
		Season:    1,
		Episode:   1,
	}
	require.NoError(t, h.items.Create(context.Background(), item))

	first, err := h.executor.StartBranch(context.Background(), tmpl.ID, nil, item, models.StepContext{})
	require.NoError(t, err)
	h.waitForStatus(t, first.ID, models.ExecutionStatusPaused)

	second, err := h.executor.StartBranch(context.Background(), tmpl.ID, nil, item, models.StepContext{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, encode.callCount())
}

func TestExecutorStartBranchNeedsEncodeStep(t *testing.T) {
	search := &recordingStep{typ: models.StepTypeSearch}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindTV)
	tmpl := h.createTemplate(t, "tv-default", models.MediaKindTV, linearSteps(models.StepTypeSearch))

	item := &models.ProcessingItem{RequestID: req.ID, Type: models.ItemTypeEpisode, Season: 1, Episode: 1}
	require.NoError(t, h.items.Create(context.Background(), item))

	_, err := h.executor.StartBranch(context.Background(), tmpl.ID, nil, item, models.StepContext{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}

func TestExecutorRecoverInFlight(t *testing.T) {
	search := &recordingStep{typ: models.StepTypeSearch}
	h := newExecutorHarness(t, search)

	req := h.createRequest(t, models.MediaKindMovie)
	tmpl := h.createTemplate(t, "movie-default", models.MediaKindMovie, linearSteps(models.StepTypeSearch))

	running := &models.PipelineExecution{RequestID: req.ID, TemplateID: tmpl.ID, Status: models.ExecutionStatusRunning}
	require.NoError(t, h.executions.Create(context.Background(), running))

	retryWait := &models.PipelineExecution{RequestID: req.ID, TemplateID: tmpl.ID, Status: models.ExecutionStatusRunning}
	require.NoError(t, h.executions.Create(context.Background(), retryWait))
	retryWait.MarkPaused(RetryCorrelation(retryWait.ID))
	require.NoError(t, h.executions.Update(context.Background(), retryWait))

	approvalWait := &models.PipelineExecution{RequestID: req.ID, TemplateID: tmpl.ID, Status: models.ExecutionStatusRunning}
	require.NoError(t, h.executions.Create(context.Background(), approvalWait))
	approvalWait.MarkPaused(ApprovalCorrelation("gate-1"))
	require.NoError(t, h.executions.Update(context.Background(), approvalWait))

	require.NoError(t, h.executor.RecoverInFlight(context.Background()))

	h.waitForStatus(t, running.ID, models.ExecutionStatusCompleted)
	h.waitForStatus(t, retryWait.ID, models.ExecutionStatusCompleted)

	// Callback waits stay parked.
	time.Sleep(20 * time.Millisecond)
	reloaded := h.reload(t, approvalWait.ID)
	assert.Equal(t, models.ExecutionStatusPaused, reloaded.Status)
	assert.Equal(t, ApprovalCorrelation("gate-1"), reloaded.CorrelationID)
}
