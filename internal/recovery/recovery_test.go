package recovery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/orchestrator"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner satisfies orchestrator.Runner so the harness orchestrator can
// relaunch executions without running real pipelines.
type fakeRunner struct {
	mu         sync.Mutex
	rootStarts []models.ULID
	resumes    []string
}

func (f *fakeRunner) StartRoot(ctx context.Context, requestID models.ULID) (*models.PipelineExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootStarts = append(f.rootStarts, requestID)
	exec := &models.PipelineExecution{RequestID: requestID, Status: models.ExecutionStatusRunning}
	exec.ID = models.NewULID()
	return exec, nil
}

func (f *fakeRunner) StartRootFromTemplate(ctx context.Context, requestID, templateID models.ULID) (*models.PipelineExecution, error) {
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
	f.resumes = append(f.resumes, correlationID)
	return false, nil
}

var _ orchestrator.Runner = (*fakeRunner)(nil)

func (f *fakeRunner) rootStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rootStarts)
}

func (f *fakeRunner) resumedCorrelations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumes...)
}

// fakeResumer is the recovery-side executor stand-in. found controls whether
// a parked execution claims the correlation.
type fakeResumer struct {
	mu      sync.Mutex
	resumes []string
	found   bool
	err     error
}

func (f *fakeResumer) ResumeByCorrelation(ctx context.Context, correlationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.resumes = append(f.resumes, correlationID)
	return f.found, nil
}

func (f *fakeResumer) resumedCorrelations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumes...)
}

type fakeJobs struct {
	mu        sync.Mutex
	cancelled []string
	err       error
}

func (f *fakeJobs) CancelJob(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeJobs) cancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// fakeTorrents is an in-memory steps.TorrentClient.
type fakeTorrents struct {
	mu        sync.Mutex
	byHash    map[string]*steps.Torrent
	completed []steps.Torrent
	gets      []string
	getErr    error
	listErr   error
}

func newFakeTorrents() *fakeTorrents {
	return &fakeTorrents{byHash: make(map[string]*steps.Torrent)}
}

func (f *fakeTorrents) Add(ctx context.Context, magnetURI, title string) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeTorrents) Get(ctx context.Context, hash string) (*steps.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, hash)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if t, ok := f.byHash[hash]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeTorrents) ListCompleted(ctx context.Context) ([]steps.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]steps.Torrent(nil), f.completed...), nil
}

func (f *fakeTorrents) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byHash, hash)
	return nil
}

func (f *fakeTorrents) put(t steps.Torrent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := t
	f.byHash[t.Hash] = &copied
}

func (f *fakeTorrents) putCompleted(t steps.Torrent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Progress == 0 {
		t.Progress = 100
	}
	f.completed = append(f.completed, t)
}

func (f *fakeTorrents) polledHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

var _ steps.TorrentClient = (*fakeTorrents)(nil)

// recoveryHarness wires real repositories and a real orchestrator (as
// Control) around the workers under test.
type recoveryHarness struct {
	t  *testing.T
	db *gorm.DB

	requests    repository.RequestRepository
	items       repository.ProcessingItemRepository
	executions  repository.PipelineExecutionRepository
	downloads   repository.DownloadRepository
	activity    repository.ActivityLogRepository
	assignments repository.EncoderAssignmentRepository
	profiles    repository.EncodingProfileRepository

	runner   *fakeRunner
	jobs     *fakeJobs
	torrents *fakeTorrents
	resumer  *fakeResumer
	breaker  *breaker.Breaker
	orch     *orchestrator.Orchestrator
}

func newRecoveryHarness(t *testing.T) *recoveryHarness {
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
		&models.EncoderAssignment{},
		&models.EncodingProfile{},
		&models.CircuitBreakerState{},
	))

	h := &recoveryHarness{
		t:           t,
		db:          db,
		requests:    repository.NewRequestRepository(db),
		items:       repository.NewProcessingItemRepository(db),
		executions:  repository.NewPipelineExecutionRepository(db),
		downloads:   repository.NewDownloadRepository(db),
		activity:    repository.NewActivityLogRepository(db),
		assignments: repository.NewEncoderAssignmentRepository(db),
		profiles:    repository.NewEncodingProfileRepository(db),
		runner:      &fakeRunner{},
		jobs:        &fakeJobs{},
		torrents:    newFakeTorrents(),
		resumer:     &fakeResumer{},
	}

	h.breaker = breaker.New(
		repository.NewCircuitBreakerRepository(db),
		config.BreakerConfig{FailureThreshold: 5, HalfOpenAfter: time.Minute, SuccessThreshold: 1},
		testLogger(),
	)

	h.orch = orchestrator.New(
		config.PipelineConfig{
			MaxActiveExecutions: 8,
			MaxAttempts:         3,
			RetryBackoffBase:    time.Second,
			TVContinuationDelay: 20 * time.Millisecond,
		},
		h.requests, h.items, h.executions, h.downloads, h.activity,
		events.NewBus(testLogger()), testLogger(),
	)
	h.orch.BindExecutor(h.runner)
	h.orch.BindDispatcher(h.jobs)
	t.Cleanup(h.orch.Stop)
	return h
}

func (h *recoveryHarness) seedMovie(status models.ProcessingStatus) (*models.Request, *models.ProcessingItem) {
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

func (h *recoveryHarness) seedTV(statuses ...models.ProcessingStatus) (*models.Request, []*models.ProcessingItem) {
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

func (h *recoveryHarness) seedDownload(hash string, status models.DownloadStatus, savePath string, progress float64) *models.Download {
	h.t.Helper()
	row := &models.Download{
		TorrentHash: hash,
		Title:       "seed download",
		Status:      status,
		Progress:    progress,
		SavePath:    savePath,
	}
	require.NoError(h.t, h.downloads.Create(context.Background(), row))
	return row
}

func (h *recoveryHarness) seedProfile(name, encoder string, isDefault bool) *models.EncodingProfile {
	h.t.Helper()
	profile := &models.EncodingProfile{
		Name:               name,
		VideoEncoder:       encoder,
		VideoMaxResolution: "1080p",
		IsDefault:          isDefault,
	}
	require.NoError(h.t, h.profiles.Create(context.Background(), profile))
	return profile
}

func (h *recoveryHarness) seedAssignment(jobID string, status models.AssignmentStatus, mutate func(*models.EncoderAssignment)) *models.EncoderAssignment {
	h.t.Helper()
	assignment := &models.EncoderAssignment{
		JobID:      jobID,
		InputPath:  "/data/in/" + jobID + ".mkv",
		OutputPath: "/data/out/" + jobID + ".mkv",
		Status:     status,
	}
	if mutate != nil {
		mutate(assignment)
	}
	require.NoError(h.t, h.assignments.Create(context.Background(), assignment))
	return assignment
}

// linkDownload attaches a download row to an item the way the download step
// would, without running it.
func (h *recoveryHarness) linkDownload(item *models.ProcessingItem, row *models.Download) {
	h.t.Helper()
	id := row.ID
	item.DownloadID = &id
	require.NoError(h.t, h.items.Update(context.Background(), item))
}

func (h *recoveryHarness) reloadRequest(req *models.Request) *models.Request {
	h.t.Helper()
	got, err := h.requests.GetByID(context.Background(), req.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *recoveryHarness) reloadItem(item *models.ProcessingItem) *models.ProcessingItem {
	h.t.Helper()
	got, err := h.items.GetByID(context.Background(), item.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *recoveryHarness) reloadDownload(row *models.Download) *models.Download {
	h.t.Helper()
	got, err := h.downloads.GetByID(context.Background(), row.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *recoveryHarness) setItemStatus(item *models.ProcessingItem, status models.ProcessingStatus) {
	h.t.Helper()
	item.Status = status
	require.NoError(h.t, h.items.Update(context.Background(), item))
}

func (h *recoveryHarness) newPoller() *DownloadPoller {
	return NewDownloadPoller(h.downloads, h.torrents, h.breaker, h.orch, testLogger())
}

func (h *recoveryHarness) newDownloadRecovery() *DownloadRecoveryWorker {
	return NewDownloadRecoveryWorker(h.items, h.requests, h.downloads, h.torrents, h.breaker, h.orch, testLogger())
}

func (h *recoveryHarness) newEncoderMonitor() *EncoderMonitorWorker {
	return NewEncoderMonitorWorker(h.items, h.requests, h.assignments, h.profiles, h.orch, h.resumer, h.jobs, testLogger())
}

func (h *recoveryHarness) newStuckRecovery() *StuckItemRecoveryWorker {
	return NewStuckItemRecoveryWorker(h.items, h.requests, h.downloads, h.orch,
		config.RecoveryConfig{StuckAge: 5 * time.Minute}, testLogger())
}

// writeVideo creates a real file so the locate helpers have something to
// find. Returns the absolute path.
func writeVideo(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0o644))
	return path
}
