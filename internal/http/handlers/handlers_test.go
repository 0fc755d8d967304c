package handlers

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Request{},
		&models.ProcessingItem{},
		&models.EncoderAssignment{},
		&models.ActivityLog{},
	))
	return db
}

// statusOf extracts the HTTP status a handler error would answer with.
func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.ErrorAs(t, err, &se)
	return se.GetStatus()
}

// fakeRequestControl records orchestrator calls made by the request handlers.
type fakeRequestControl struct {
	mu        sync.Mutex
	created   []orchestrator.CreateRequestParams
	cancelled []models.ULID
	retried   []models.ULID
	accepted  map[models.ULID]int
	err       error
}

func newFakeRequestControl() *fakeRequestControl {
	return &fakeRequestControl{accepted: make(map[models.ULID]int)}
}

func (f *fakeRequestControl) CreateRequest(ctx context.Context, params orchestrator.CreateRequestParams) (*models.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, params)
	req := &models.Request{
		Kind:            params.Kind,
		TmdbID:          params.TmdbID,
		Title:           params.Title,
		Year:            params.Year,
		DeliveryTargets: params.DeliveryTargets,
		Status:          models.RequestStatusPending,
	}
	req.ID = models.NewULID()
	return req, nil
}

func (f *fakeRequestControl) CancelRequest(ctx context.Context, requestID models.ULID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

func (f *fakeRequestControl) RetryRequest(ctx context.Context, requestID models.ULID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.retried = append(f.retried, requestID)
	return nil
}

func (f *fakeRequestControl) AcceptLowerQuality(ctx context.Context, requestID models.ULID, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.accepted[requestID] = index
	return nil
}

// fakeItemControl records orchestrator calls made by the item handlers.
type fakeItemControl struct {
	mu         sync.Mutex
	retried    []models.ULID
	cancelled  []models.ULID
	approvals  map[models.ULID]bool
	overridden map[models.ULID]models.Release
	err        error
}

func newFakeItemControl() *fakeItemControl {
	return &fakeItemControl{
		approvals:  make(map[models.ULID]bool),
		overridden: make(map[models.ULID]models.Release),
	}
}

func (f *fakeItemControl) RetryItem(ctx context.Context, itemID models.ULID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.retried = append(f.retried, itemID)
	return nil
}

func (f *fakeItemControl) CancelItem(ctx context.Context, itemID models.ULID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, itemID)
	return nil
}

func (f *fakeItemControl) ApproveDiscoveredItem(ctx context.Context, itemID models.ULID, approve bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.approvals[itemID] = approve
	return nil
}

func (f *fakeItemControl) OverrideDiscoveredRelease(ctx context.Context, itemID models.ULID, release models.Release) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.overridden[itemID] = release
	return nil
}

// fakePool is a static encoder fleet view.
type fakePool struct {
	encoders  []*models.RemoteEncoder
	connected int
	err       error
}

func (f *fakePool) Encoders(ctx context.Context) ([]*models.RemoteEncoder, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.encoders, nil
}

func (f *fakePool) ConnectedCount() int {
	return f.connected
}
