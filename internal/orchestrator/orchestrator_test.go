package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner records executor calls so tests can assert which executions the
// orchestrator asked for without running real pipelines.
type fakeRunner struct {
	mu             sync.Mutex
	rootStarts     []models.ULID
	templateStarts []models.ULID
	resumes        []string
	resumeFound    bool
	rootErr        error
	templateErr    error
	resumeErr      error
}

func (f *fakeRunner) StartRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rootErr != nil {
		return nil, f.rootErr
	}
	f.rootStarts = append(f.rootStarts, requestID)
	exec := &models.PipelineExecution{RequestID: requestID, Status: models.ExecutionStatusRunning}
	exec.ID = models.NewULID()
	return exec, nil
}

func (f *fakeRunner) StartRootFromTemplate(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.templateErr != nil {
		return nil, f.templateErr
	}
	f.templateStarts = append(f.templateStarts, requestID)
	exec := &models.PipelineExecution{RequestID: requestID, TemplateID: templateID, Status: models.ExecutionStatusRunning}
	exec.ID = models.NewULID()
	return exec, nil
}

func (f *fakeRunner) Resume(ctx context.Context, executionID models.ULID) error {
	return nil
}

func (f *fakeRunner) ResumeByCorrelation(ctx context.Context, correlationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return false, f.resumeErr
	}
	f.resumes = append(f.resumes, correlationID)
	return f.resumeFound, nil
}

func (f *fakeRunner) rootStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rootStarts)
}

func (f *fakeRunner) templateStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.templateStarts)
}

func (f *fakeRunner) resumedCorrelations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumes...)
}

type fakeJobs struct {
	mu        sync.Mutex
	cancelled []string
	reasons   []string
	err       error
}

func (f *fakeJobs) CancelJob(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, jobID)
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeJobs) cancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type orchHarness struct {
	t  *testing.T
	db *gorm.DB

	requests   repository.RequestRepository
	items      repository.ProcessingItemRepository
	executions repository.PipelineExecutionRepository
	downloads  repository.DownloadRepository
	activity   repository.ActivityLogRepository

	runner *fakeRunner
	jobs   *fakeJobs
	bus    *events.Bus
	orch   *Orchestrator
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.PipelineExecution{},
		&models.Download{},
		&models.ActivityLog{},
	))

	h := &orchHarness{
		t:          t,
		db:         db,
		requests:   repository.NewRequestRepository(db),
		items:      repository.NewProcessingItemRepository(db),
		executions: repository.NewPipelineExecutionRepository(db),
		downloads:  repository.NewDownloadRepository(db),
		activity:   repository.NewActivityLogRepository(db),
		runner:     &fakeRunner{},
		jobs:       &fakeJobs{},
		bus:        events.NewBus(testLogger()),
	}

	h.orch = New(
		config.PipelineConfig{
			MaxActiveExecutions: 8,
			MaxAttempts:         3,
			RetryBackoffBase:    time.Second,
			TVContinuationDelay: 20 * time.Millisecond,
		},
		h.requests, h.items, h.executions, h.downloads, h.activity,
		h.bus, testLogger(),
	)
	h.orch.BindExecutor(h.runner)
	h.orch.BindDispatcher(h.jobs)
	t.Cleanup(h.orch.Stop)
	return h
}

// seedMovie persists a processing movie request with its single item.
func (h *orchHarness) seedMovie(status models.ProcessingStatus) (*models.Request, *models.ProcessingItem) {
	h.t.Helper()
	req := &models.Request{
		Kind:            models.MediaKindMovie,
		TmdbID:          603,
		Title:           "The Matrix",
		Year:            1999,
		DeliveryTargets: []string{"srv-1"},
		Status:          models.RequestStatusProcessing,
	}
	require.NoError(h.t, h.requests.Create(context.Background(), req))

	item := &models.ProcessingItem{
		RequestID:   req.ID,
		Type:        models.ItemTypeMovie,
		Title:       "The Matrix",
		Status:      status,
		MaxAttempts: 3,
	}
	require.NoError(h.t, h.items.Create(context.Background(), item))
	return req, item
}

// seedTV persists a processing TV request with episode items in the given
// statuses, one per episode of season 1.
func (h *orchHarness) seedTV(statuses ...models.ProcessingStatus) (*models.Request, []*models.ProcessingItem) {
	h.t.Helper()
	req := &models.Request{
		Kind:             models.MediaKindTV,
		TmdbID:           95396,
		Title:            "Severance",
		Year:             2022,
		RequestedSeasons: []int{1},
		DeliveryTargets:  []string{"srv-1"},
		Status:           models.RequestStatusProcessing,
	}
	require.NoError(h.t, h.requests.Create(context.Background(), req))

	items := make([]*models.ProcessingItem, 0, len(statuses))
	for i, status := range statuses {
		item := &models.ProcessingItem{
			RequestID:   req.ID,
			Type:        models.ItemTypeEpisode,
			Season:      1,
			Episode:     i + 1,
			Title:       fmt.Sprintf("Episode %d", i+1),
			Status:      status,
			MaxAttempts: 3,
		}
		require.NoError(h.t, h.items.Create(context.Background(), item))
		items = append(items, item)
	}
	return req, items
}

// seedExecution persists an execution row for the request, optionally scoped
// to an item.
func (h *orchHarness) seedExecution(req *models.Request, item *models.ProcessingItem, status models.ExecutionStatus) *models.PipelineExecution {
	h.t.Helper()
	exec := &models.PipelineExecution{
		RequestID:  req.ID,
		TemplateID: models.NewULID(),
		Status:     status,
	}
	if item != nil {
		itemID := item.ID
		exec.ItemID = &itemID
	}
	require.NoError(h.t, h.executions.Create(context.Background(), exec))
	return exec
}

func (h *orchHarness) reloadRequest(req *models.Request) *models.Request {
	h.t.Helper()
	got, err := h.requests.GetByID(context.Background(), req.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *orchHarness) reloadItem(item *models.ProcessingItem) *models.ProcessingItem {
	h.t.Helper()
	got, err := h.items.GetByID(context.Background(), item.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *orchHarness) setItemStatus(item *models.ProcessingItem, status models.ProcessingStatus) {
	h.t.Helper()
	item.Status = status
	require.NoError(h.t, h.items.Update(context.Background(), item))
}

// activityEvents returns the audit trail event tags for a request, oldest
// first.
func (h *orchHarness) activityEvents(req *models.Request) []string {
	h.t.Helper()
	requestID := req.ID
	entries, _, err := h.activity.List(context.Background(), repository.ActivityFilter{RequestID: &requestID}, 0, 100)
	require.NoError(h.t, err)
	events := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		events = append(events, entries[i].Event)
	}
	return events
}
