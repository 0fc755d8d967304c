package steps

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

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/delivery"
	"github.com/jmylchreest/fetcharr/internal/dispatch"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeServices applies transitions straight onto the item rows so steps that
// re-read scope see their own writes, and records every call for assertions.
type fakeServices struct {
	items    repository.ProcessingItemRepository
	requests repository.RequestRepository

	mu            sync.Mutex
	transitions   []string // "<episode-or-movie>:<status>"
	progress      []float64
	stepLabels    []string
	selected      []*models.Release
	qualityAlts   [][]models.Release
	transitionErr error
}

func (f *fakeServices) TransitionItem(ctx context.Context, itemID models.ULID, to models.ProcessingStatus, patch pipeline.ItemPatch) (*models.ProcessingItem, error) {
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	item, err := f.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("item %s not found", itemID)
	}

	item.Status = to
	if patch.CurrentStep != nil {
		item.CurrentStep = *patch.CurrentStep
	}
	if patch.Progress != nil {
		item.Progress = *patch.Progress
	}
	if patch.LastError != nil {
		item.LastError = *patch.LastError
	}
	if patch.Attempts != nil {
		item.Attempts = *patch.Attempts
	}
	if patch.DownloadID != nil {
		item.DownloadID = patch.DownloadID
	}
	if patch.EncodingJobID != nil {
		item.EncodingJobID = *patch.EncodingJobID
	}
	if patch.SourceFilePath != nil {
		item.SourceFilePath = *patch.SourceFilePath
	}
	if patch.Context != nil {
		item.StepContext.Merge(*patch.Context)
	}
	if err := f.items.Update(ctx, item); err != nil {
		return nil, err
	}

	key := item.EpisodeCode()
	if key == "" {
		key = "movie"
	}
	f.mu.Lock()
	f.transitions = append(f.transitions, fmt.Sprintf("%s:%s", key, to))
	f.mu.Unlock()
	return item, nil
}

func (f *fakeServices) SetRequestProgress(ctx context.Context, requestID models.ULID, progress float64, currentStep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
	f.stepLabels = append(f.stepLabels, currentStep)
	return nil
}

func (f *fakeServices) SetSelectedRelease(ctx context.Context, requestID models.ULID, release *models.Release) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, release)
	return nil
}

func (f *fakeServices) MarkQualityUnavailable(ctx context.Context, requestID models.ULID, alternatives []models.Release) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualityAlts = append(f.qualityAlts, alternatives)
	return nil
}

func (f *fakeServices) transitionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transitions...)
}

func (f *fakeServices) lastStepLabel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stepLabels) == 0 {
		return ""
	}
	return f.stepLabels[len(f.stepLabels)-1]
}

type fakeIndexer struct {
	releases []models.Release
	err      error
	queries  []SearchQuery
}

func (f *fakeIndexer) Search(ctx context.Context, query SearchQuery) ([]models.Release, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.releases, nil
}

type fakeTorrents struct {
	completed []Torrent
	byHash    map[string]*Torrent
	added     []string
	addErr    error
	listErr   error
	getErr    error
	removed   []string
}

func (f *fakeTorrents) Add(ctx context.Context, magnetURI, title string) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, magnetURI)
	return "", nil
}

func (f *fakeTorrents) Get(ctx context.Context, hash string) (*Torrent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.byHash[hash], nil
}

func (f *fakeTorrents) ListCompleted(ctx context.Context) ([]Torrent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.completed, nil
}

func (f *fakeTorrents) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	f.removed = append(f.removed, hash)
	return nil
}

type fakeEncoder struct {
	queued  []dispatch.QueueJobParams
	nextID  int
	err     error
	lastJob string
}

func (f *fakeEncoder) QueueJob(ctx context.Context, params dispatch.QueueJobParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.nextID++
	f.lastJob = fmt.Sprintf("job-%d", f.nextID)
	f.queued = append(f.queued, params)
	return f.lastJob, nil
}

type deliverCall struct {
	serverID string
	season   int
	episode  int
}

type fakeDeliverer struct {
	errs      map[string]error
	recovered map[string]bool
	calls     []deliverCall
}

func (f *fakeDeliverer) Deliver(ctx context.Context, server config.StorageServerConfig, media delivery.Media, file models.EncodedFile, progress func(done, total int64)) (*delivery.Result, error) {
	f.calls = append(f.calls, deliverCall{serverID: server.ID, season: media.Season, episode: media.Episode})
	if err := f.errs[server.ID]; err != nil {
		return nil, err
	}
	if progress != nil {
		progress(512, 1024)
		progress(1024, 1024)
	}
	root := server.MoviesRoot
	if media.Kind == models.MediaKindTV {
		root = server.TVRoot
	}
	return &delivery.Result{
		Destination: delivery.DestinationPath(root, media, file),
		Recovered:   f.recovered[server.ID],
		BytesCopied: 1024,
	}, nil
}

type fakeNotifier struct {
	events   []string
	payloads []map[string]any
	err      error
}

func (f *fakeNotifier) Send(ctx context.Context, event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	if m, ok := payload.(map[string]any); ok {
		f.payloads = append(f.payloads, m)
	}
	return nil
}

type fakeBranches struct {
	calls [][]*models.ProcessingItem
	err   error
}

func (f *fakeBranches) StartBranches(ctx context.Context, parent *models.PipelineExecution, items []*models.ProcessingItem) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, items)
	return len(items), nil
}

type stepHarness struct {
	t  *testing.T
	db *gorm.DB

	items       repository.ProcessingItemRepository
	downloads   repository.DownloadRepository
	profiles    repository.EncodingProfileRepository
	assignments repository.EncoderAssignmentRepository
	requests    repository.RequestRepository

	services  *fakeServices
	indexer   *fakeIndexer
	torrents  *fakeTorrents
	encoder   *fakeEncoder
	deliverer *fakeDeliverer
	notifier  *fakeNotifier
	branches  *fakeBranches

	deps Dependencies
}

func newStepHarness(t *testing.T) *stepHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.Download{},
		&models.EncodingProfile{},
		&models.EncoderAssignment{},
		&models.CircuitBreakerState{},
	))

	h := &stepHarness{
		t:           t,
		db:          db,
		items:       repository.NewProcessingItemRepository(db),
		downloads:   repository.NewDownloadRepository(db),
		profiles:    repository.NewEncodingProfileRepository(db),
		assignments: repository.NewEncoderAssignmentRepository(db),
		requests:    repository.NewRequestRepository(db),
		indexer:     &fakeIndexer{},
		torrents:    &fakeTorrents{byHash: map[string]*Torrent{}},
		encoder:     &fakeEncoder{},
		deliverer:   &fakeDeliverer{errs: map[string]error{}, recovered: map[string]bool{}},
		notifier:    &fakeNotifier{},
		branches:    &fakeBranches{},
	}
	h.services = &fakeServices{items: h.items, requests: h.requests}

	brk := breaker.New(
		repository.NewCircuitBreakerRepository(db),
		config.BreakerConfig{FailureThreshold: 5, HalfOpenAfter: time.Minute, SuccessThreshold: 1},
		testLogger(),
	)

	h.deps = Dependencies{
		Items:       h.items,
		Download:    h.downloads,
		Profiles:    h.profiles,
		Assignments: h.assignments,
		Services:    h.services,
		Branches:    h.branches,
		Indexer:     h.indexer,
		Torrents:    h.torrents,
		Encoder:     h.encoder,
		Deliver:     h.deliverer,
		Notifier:    h.notifier,
		Breaker:     brk,
		SearchCfg: config.SearchConfig{
			RetryDelay:      15 * time.Minute,
			MaxReleaseSize:  config.ByteSize(40 << 30),
			SizeBandPercent: 30,
		},
		DeliveryCfg: config.DeliveryConfig{
			RequireAllServersSuccess: true,
			Timeout:                  time.Minute,
			Servers: []config.StorageServerConfig{
				{ID: "srv-1", Name: "main", MoviesRoot: "/data/movies", TVRoot: "/data/tv", MinResolution: "1080p", PreferredCodec: "hevc"},
				{ID: "srv-2", Name: "backup", MoviesRoot: "/backup/movies", TVRoot: "/backup/tv", MinResolution: "720p"},
			},
		},
		EncodeOutputDir: t.TempDir(),
		Logger:          testLogger(),
	}
	return h
}

// createMovieRequest seeds a request with its single movie item.
func (h *stepHarness) createMovieRequest(targets ...string) (*models.Request, *models.ProcessingItem) {
	h.t.Helper()
	if len(targets) == 0 {
		targets = []string{"srv-1"}
	}
	req := &models.Request{
		Kind:            models.MediaKindMovie,
		TmdbID:          603,
		Title:           "The Matrix",
		Year:            1999,
		DeliveryTargets: targets,
		Status:          models.RequestStatusProcessing,
	}
	require.NoError(h.t, h.requests.Create(context.Background(), req))

	item := &models.ProcessingItem{
		RequestID:   req.ID,
		Type:        models.ItemTypeMovie,
		Title:       "The Matrix",
		Status:      models.ProcessingStatusPending,
		MaxAttempts: 3,
	}
	require.NoError(h.t, h.items.Create(context.Background(), item))
	return req, item
}

// createTVRequest seeds a request with pending episode items S01E01..E0n.
func (h *stepHarness) createTVRequest(episodes int, targets ...string) (*models.Request, []*models.ProcessingItem) {
	h.t.Helper()
	if len(targets) == 0 {
		targets = []string{"srv-1"}
	}
	req := &models.Request{
		Kind:             models.MediaKindTV,
		TmdbID:           95396,
		Title:            "Severance",
		Year:             2022,
		RequestedSeasons: []int{1},
		DeliveryTargets:  targets,
		Status:           models.RequestStatusProcessing,
	}
	require.NoError(h.t, h.requests.Create(context.Background(), req))

	items := make([]*models.ProcessingItem, 0, episodes)
	for e := 1; e <= episodes; e++ {
		item := &models.ProcessingItem{
			RequestID:   req.ID,
			Type:        models.ItemTypeEpisode,
			Season:      1,
			Episode:     e,
			Title:       fmt.Sprintf("Episode %d", e),
			Status:      models.ProcessingStatusPending,
			MaxAttempts: 3,
		}
		require.NoError(h.t, h.items.Create(context.Background(), item))
		items = append(items, item)
	}
	return req, items
}

// rootState builds the executor state for a root execution.
func (h *stepHarness) rootState(req *models.Request) *pipeline.State {
	exec := &models.PipelineExecution{
		RequestID: req.ID,
		Status:    models.ExecutionStatusRunning,
	}
	exec.ID = models.NewULID()
	return &pipeline.State{
		Execution: exec,
		Request:   req,
		Context:   &exec.Context,
	}
}

// branchState builds the executor state for a per-item branch execution.
func (h *stepHarness) branchState(req *models.Request, item *models.ProcessingItem, seed models.StepContext) *pipeline.State {
	itemID := item.ID
	exec := &models.PipelineExecution{
		RequestID: req.ID,
		ItemID:    &itemID,
		Status:    models.ExecutionStatusRunning,
		Context:   seed,
	}
	exec.ID = models.NewULID()
	return &pipeline.State{
		Execution: exec,
		Request:   req,
		Item:      item,
		Context:   &exec.Context,
	}
}

func (h *stepHarness) reloadItem(item *models.ProcessingItem) *models.ProcessingItem {
	h.t.Helper()
	got, err := h.items.GetByID(context.Background(), item.ID)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func (h *stepHarness) setItemStatus(item *models.ProcessingItem, status models.ProcessingStatus) {
	h.t.Helper()
	item.Status = status
	require.NoError(h.t, h.items.Update(context.Background(), item))
}

func (h *stepHarness) seedDefaultProfile() *models.EncodingProfile {
	h.t.Helper()
	profile := &models.EncodingProfile{
		Name:               "default",
		VideoEncoder:       "hevc_nvenc",
		VideoQuality:       23,
		VideoMaxResolution: "1080p",
		AudioEncoder:       "copy",
		Container:          "mkv",
		IsDefault:          true,
	}
	require.NoError(h.t, h.profiles.Create(context.Background(), profile))
	return profile
}

// matrixRelease builds an indexer result whose codec arrives only as a title
// token, the way real indexers report it; Partition's enrichment canonifies.
func matrixRelease(resolution, codecToken string, seeders int) models.Release {
	return models.Release{
		Title:      fmt.Sprintf("The.Matrix.1999.%s.%s.WEB-DL", resolution, codecToken),
		Indexer:    "test-indexer",
		InfoHash:   "CAFEBABECAFEBABECAFEBABECAFEBABECAFEBABE",
		MagnetURI:  "magnet:?xt=urn:btih:cafebabecafebabecafebabecafebabecafebabe&dn=matrix",
		Resolution: resolution,
		Seeders:    seeders,
		SizeBytes:  8 << 30,
	}
}
