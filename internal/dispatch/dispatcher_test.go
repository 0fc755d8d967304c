package dispatch

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

	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

// fakeConn records everything the dispatcher sends to a worker.
type fakeConn struct {
	mu       sync.Mutex
	sent     []any
	closed   bool
	failSend bool
}

func (c *fakeConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test:0" }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// assigns returns every job:assign the worker received, in order.
func (c *fakeConn) assigns() []*protocol.JobAssign {
	var out []*protocol.JobAssign
	for _, msg := range c.messages() {
		if assign, ok := msg.(*protocol.JobAssign); ok {
			out = append(out, assign)
		}
	}
	return out
}

func (c *fakeConn) cancels() []*protocol.JobCancel {
	var out []*protocol.JobCancel
	for _, msg := range c.messages() {
		if cancel, ok := msg.(*protocol.JobCancel); ok {
			out = append(out, cancel)
		}
	}
	return out
}

type dispatchHarness struct {
	dispatcher  *Dispatcher
	assignments repository.EncoderAssignmentRepository
	encoders    repository.RemoteEncoderRepository
	bus         *events.Bus
	profileID   models.ULID
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.RemoteEncoder{},
		&models.EncoderAssignment{},
		&models.EncodingProfile{},
	))

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(log)
	assignments := repository.NewEncoderAssignmentRepository(db)
	encoders := repository.NewRemoteEncoderRepository(db)
	profiles := repository.NewEncodingProfileRepository(db)

	cfg := config.DispatchConfig{
		HeartbeatCheckInterval: 30 * time.Second,
		HeartbeatTimeout:       90 * time.Second,
		JobStallTimeout:        120 * time.Second,
		ProgressWriteInterval:  5 * time.Second,
		ProgressFlushInterval:  2 * time.Second,
		ReconnectDelay:         5 * time.Second,
		MaxAttempts:            3,
		PathMappings: []config.PathMapping{
			{ServerPrefix: "/data", RemotePrefix: "/mnt/fetcharr"},
		},
	}

	d := New(cfg, assignments, encoders, profiles, bus, log)
	d.inputExists = func(string) bool { return true }

	profile := &models.EncodingProfile{Name: "default-hevc", VideoEncoder: "hevc_nvenc", VideoQuality: 23, IsDefault: true}
	require.NoError(t, profiles.Create(context.Background(), profile))

	return &dispatchHarness{
		dispatcher:  d,
		assignments: assignments,
		encoders:    encoders,
		bus:         bus,
		profileID:   profile.ID,
	}
}

func (h *dispatchHarness) connect(t *testing.T, encoderID string, maxConcurrent int) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	err := h.dispatcher.handleRegister(context.Background(), conn, &protocol.Register{
		Type:          protocol.TypeRegister,
		EncoderID:     encoderID,
		MaxConcurrent: maxConcurrent,
		Hostname:      encoderID + "-host",
		Version:       "1.2.3",
	})
	require.NoError(t, err)
	return conn
}

func (h *dispatchHarness) queue(t *testing.T, inputPath string) string {
	t.Helper()
	jobID, err := h.dispatcher.QueueJob(context.Background(), QueueJobParams{
		InputPath:  inputPath,
		OutputPath: inputPath + ".out.mkv",
		ProfileID:  h.profileID,
		ItemID:     models.NewULID(),
		RequestID:  models.NewULID(),
	})
	require.NoError(t, err)
	return jobID
}

func (h *dispatchHarness) assignment(t *testing.T, jobID string) *models.EncoderAssignment {
	t.Helper()
	assignment, err := h.assignments.GetByJobID(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	return assignment
}

func (h *dispatchHarness) encoder(t *testing.T, encoderID string) *models.RemoteEncoder {
	t.Helper()
	encoder, err := h.encoders.GetByEncoderID(context.Background(), encoderID)
	require.NoError(t, err)
	require.NotNil(t, encoder)
	return encoder
}

func TestDispatcher_RegisterUpsertsEncoderAndAcks(t *testing.T) {
	h := newDispatchHarness(t)

	conn := h.connect(t, "gpu-01", 2)

	encoder := h.encoder(t, "gpu-01")
	assert.Equal(t, models.EncoderStatusIdle, encoder.Status)
	assert.Equal(t, 2, encoder.MaxConcurrent)
	assert.Equal(t, "gpu-01-host", encoder.Hostname)
	assert.NotNil(t, encoder.LastHeartbeat)

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	_, ok := msgs[0].(*protocol.Registered)
	assert.True(t, ok, "first reply is the registration ack")
	assert.True(t, h.dispatcher.registry.Connected("gpu-01"))
	assert.Equal(t, 1, h.dispatcher.ConnectedCount())
}

func TestDispatcher_QueueJobAssignsToConnectedEncoder(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)

	jobID := h.queue(t, "/data/downloads/show.mkv")

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusEncoding, assignment.Status)
	assert.Equal(t, "gpu-01", assignment.EncoderID)
	require.NotNil(t, assignment.StartedAt)

	assigns := conn.assigns()
	require.Len(t, assigns, 1)
	assert.Equal(t, jobID, assigns[0].JobID)
	assert.Equal(t, "/mnt/fetcharr/downloads/show.mkv", assigns[0].InputPath, "paths are translated for the worker")
	assert.Equal(t, "hevc_nvenc", assigns[0].Profile.VideoEncoder)
	assert.Equal(t, h.profileID.String(), assigns[0].ProfileID)

	encoder := h.encoder(t, "gpu-01")
	assert.Equal(t, 1, encoder.CurrentJobs)
	assert.Equal(t, models.EncoderStatusEncoding, encoder.Status)
}

func TestDispatcher_QueueJobCoalescesDuplicateInput(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)

	first := h.queue(t, "/data/downloads/show.mkv")
	second := h.queue(t, "/data/downloads/show.mkv")

	assert.Equal(t, first, second, "same input path coalesces onto one job")

	counts, err := h.assignments.CountByStatus(context.Background())
	require.NoError(t, err)
	var total int64
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, int64(1), total, "exactly one assignment row exists")
}

func TestDispatcher_CoalescedJobEventsReachAllCallers(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	ctx := context.Background()

	itemA, itemB := models.NewULID(), models.NewULID()
	first, err := h.dispatcher.QueueJob(ctx, QueueJobParams{
		InputPath:  "/data/downloads/show.mkv",
		OutputPath: "/data/downloads/show.mkv.out.mkv",
		ProfileID:  h.profileID,
		ItemID:     itemA,
		RequestID:  models.NewULID(),
	})
	require.NoError(t, err)
	second, err := h.dispatcher.QueueJob(ctx, QueueJobParams{
		InputPath:  "/data/downloads/show.mkv",
		OutputPath: "/data/downloads/show.mkv.out.mkv",
		ProfileID:  h.profileID,
		ItemID:     itemB,
		RequestID:  models.NewULID(),
	})
	require.NoError(t, err)
	require.Equal(t, first, second)

	sub := h.bus.Subscribe(events.TypeJobProgress)
	defer h.bus.Unsubscribe(sub.ID)

	h.dispatcher.handleProgress(ctx, &protocol.JobProgress{JobID: first, Progress: 40})

	seen := map[models.ULID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.Events:
			require.NotNil(t, event.ItemID)
			seen[*event.ItemID] = true
		default:
			t.Fatal("expected one progress event per queueing caller")
		}
	}
	assert.True(t, seen[itemA], "first caller's item hears about progress")
	assert.True(t, seen[itemB], "second caller's item hears about progress")
}

func TestDispatcher_EncoderSelectionPrefersSpareCapacityThenCompletions(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()
	h.connect(t, "small", 1)
	h.connect(t, "big", 4)

	jobID := h.queue(t, "/data/a.mkv")
	assert.Equal(t, "big", h.assignment(t, jobID).EncoderID, "most spare capacity wins")

	// Level the field: both now have equal spare capacity, but veteran has
	// more lifetime completions.
	veteran := h.encoder(t, "small")
	veteran.TotalCompleted = 50
	require.NoError(t, h.encoders.Update(ctx, veteran))
	big := h.encoder(t, "big")
	big.TotalCompleted = 10
	big.CurrentJobs = 3
	require.NoError(t, h.encoders.Update(ctx, big))

	jobID = h.queue(t, "/data/b.mkv")
	assert.Equal(t, "small", h.assignment(t, jobID).EncoderID, "completions break capacity ties")
}

func TestDispatcher_FullPoolStillQueuesAgainstConnectedEncoder(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 1)

	first := h.queue(t, "/data/a.mkv")
	assert.Equal(t, models.AssignmentStatusEncoding, h.assignment(t, first).Status)

	second := h.queue(t, "/data/b.mkv")
	assignment := h.assignment(t, second)
	assert.Equal(t, models.AssignmentStatusPending, assignment.Status, "no capacity, so the job waits")
	assert.Equal(t, "gpu-01", assignment.EncoderID, "but it queues against the connected worker")
}

func TestDispatcher_SweepWaitsForInputFile(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)

	h.dispatcher.inputExists = func(string) bool { return false }
	jobID := h.queue(t, "/data/still-downloading.mkv")

	assert.Equal(t, models.AssignmentStatusPending, h.assignment(t, jobID).Status)
	assert.Empty(t, conn.assigns(), "nothing is sent while the input is missing")

	h.dispatcher.inputExists = func(string) bool { return true }
	h.dispatcher.Sweep(context.Background())

	assert.Equal(t, models.AssignmentStatusEncoding, h.assignment(t, jobID).Status)
	assert.Len(t, conn.assigns(), 1)
}

func TestDispatcher_RegisterUnblocksQueuedJobs(t *testing.T) {
	h := newDispatchHarness(t)

	jobID := h.queue(t, "/data/a.mkv")
	assert.Equal(t, models.AssignmentStatusPending, h.assignment(t, jobID).Status)
	assert.Empty(t, h.assignment(t, jobID).EncoderID)

	conn := h.connect(t, "gpu-01", 2)

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusEncoding, assignment.Status, "registration sweeps the queue")
	assert.Equal(t, "gpu-01", assignment.EncoderID)
	assert.Len(t, conn.assigns(), 1)
}

func TestDispatcher_ProgressCachedThrottledAndBroadcast(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	sub := h.bus.Subscribe(events.TypeJobProgress)
	defer h.bus.Unsubscribe(sub.ID)

	fps := 48.0
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{
		JobID: jobID, Progress: 10, FPS: &fps, ETASeconds: 600,
	})
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{
		JobID: jobID, Progress: 12, FPS: &fps, ETASeconds: 590,
	})

	// First frame persisted, second throttled.
	assignment := h.assignment(t, jobID)
	assert.InDelta(t, 10.0, assignment.Progress, 0.001)

	// The cache and the bus both carry the latest value.
	entry, ok := h.dispatcher.JobProgress(jobID)
	require.True(t, ok)
	assert.InDelta(t, 12.0, entry.Progress, 0.001)
	assert.Len(t, sub.Events, 2, "every frame is broadcast")

	event := <-sub.Events
	assert.Equal(t, jobID, event.JobID)
	require.NotNil(t, event.ItemID)
	require.NotNil(t, event.RequestID)

	// The flush task picks up the throttled value once it is stale enough.
	h.dispatcher.progress.now = func() time.Time { return time.Now().Add(6 * time.Second) }
	h.dispatcher.FlushProgress(context.Background())
	assert.InDelta(t, 12.0, h.assignment(t, jobID).Progress, 0.001)
}

func TestDispatcher_CompleteResolvesJob(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	var completedJob string
	var completedAssignment *models.EncoderAssignment
	h.dispatcher.SetCallbacks(
		func(jobID string, assignment *models.EncoderAssignment) {
			completedJob = jobID
			completedAssignment = assignment
		},
		func(string, string) { t.Fatal("failure callback must not fire") },
	)

	h.dispatcher.handleComplete(context.Background(), &protocol.JobComplete{
		JobID: jobID, OutputSize: 1 << 30, CompressionRatio: 0.45, DurationSeconds: 900,
	})

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusCompleted, assignment.Status)
	assert.InDelta(t, 100.0, assignment.Progress, 0.001)
	assert.Equal(t, int64(1<<30), assignment.OutputSize)
	assert.InDelta(t, 0.45, assignment.CompressionRatio, 0.001)
	require.NotNil(t, assignment.CompletedAt)

	encoder := h.encoder(t, "gpu-01")
	assert.Equal(t, int64(1), encoder.TotalCompleted)
	assert.Equal(t, 0, encoder.CurrentJobs)
	assert.Equal(t, models.EncoderStatusIdle, encoder.Status)

	assert.Equal(t, jobID, completedJob)
	require.NotNil(t, completedAssignment)
	_, cached := h.dispatcher.JobProgress(jobID)
	assert.False(t, cached, "progress cache is cleaned up")
}

func TestDispatcher_RetriableFailureRequeuesAndReassigns(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	h.dispatcher.handleFailed(context.Background(), &protocol.JobFailed{
		JobID: jobID, Error: "encoder crashed", Retriable: true,
	})

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusEncoding, assignment.Status, "requeued and immediately reassigned")
	assert.Equal(t, 2, assignment.Attempt)
	assert.Len(t, conn.assigns(), 2, "the worker received the job again")

	encoder := h.encoder(t, "gpu-01")
	assert.Equal(t, int64(0), encoder.TotalFailed, "retriable failures are not charged")
}

func TestDispatcher_InputNotFoundTrustsServerSideCheck(t *testing.T) {
	t.Run("truly absent fails for good", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.connect(t, "gpu-01", 2)
		jobID := h.queue(t, "/data/a.mkv")

		var failedErr string
		h.dispatcher.SetCallbacks(nil, func(_, errMsg string) { failedErr = errMsg })

		h.dispatcher.inputExists = func(string) bool { return false }
		h.dispatcher.handleFailed(context.Background(), &protocol.JobFailed{
			JobID: jobID, Error: "input file not found", Retriable: true,
		})

		assignment := h.assignment(t, jobID)
		assert.Equal(t, models.AssignmentStatusFailed, assignment.Status)
		assert.Contains(t, failedErr, "input file not found")
		assert.Equal(t, int64(1), h.encoder(t, "gpu-01").TotalFailed)
	})

	t.Run("present on server stays retriable", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.connect(t, "gpu-01", 2)
		jobID := h.queue(t, "/data/a.mkv")

		h.dispatcher.handleFailed(context.Background(), &protocol.JobFailed{
			JobID: jobID, Error: "input file not found", Retriable: true,
		})

		assignment := h.assignment(t, jobID)
		assert.Equal(t, 2, assignment.Attempt)
		assert.NotEqual(t, models.AssignmentStatusFailed, assignment.Status)
	})
}

func TestDispatcher_ExhaustedAttemptsFail(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	var failedJob string
	h.dispatcher.SetCallbacks(nil, func(jobID, _ string) { failedJob = jobID })

	for i := 0; i < 3; i++ {
		h.dispatcher.handleFailed(context.Background(), &protocol.JobFailed{
			JobID: jobID, Error: "flaky filter graph", Retriable: true,
		})
	}

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusFailed, assignment.Status)
	assert.Equal(t, 3, assignment.Attempt, "attempts stop at the budget")
	assert.Equal(t, "flaky filter graph", assignment.Error)
	assert.Equal(t, jobID, failedJob)
}

func TestDispatcher_DisconnectWithoutProgressKeepsAttempt(t *testing.T) {
	h := newDispatchHarness(t)
	connA := h.connect(t, "gpu-a", 2)
	h.connect(t, "gpu-b", 2)

	jobID := h.queue(t, "/data/a.mkv")
	require.Equal(t, "gpu-a", h.assignment(t, jobID).EncoderID, "gpu-a registered first and ties break on equal stats")

	h.dispatcher.handleDisconnect(context.Background(), "gpu-a", connA)

	offline := h.encoder(t, "gpu-a")
	assert.Equal(t, models.EncoderStatusOffline, offline.Status)
	assert.Equal(t, 0, offline.CurrentJobs)

	assignment := h.assignment(t, jobID)
	assert.Equal(t, "gpu-b", assignment.EncoderID, "the surviving worker takes over")
	assert.Equal(t, models.AssignmentStatusEncoding, assignment.Status)
	assert.Equal(t, 1, assignment.Attempt, "a job that never progressed keeps its budget")
}

func TestDispatcher_DisconnectMidEncodeConsumesAttempt(t *testing.T) {
	h := newDispatchHarness(t)
	connA := h.connect(t, "gpu-a", 2)
	h.connect(t, "gpu-b", 2)

	jobID := h.queue(t, "/data/a.mkv")
	require.Equal(t, "gpu-a", h.assignment(t, jobID).EncoderID)

	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 30})
	h.dispatcher.handleDisconnect(context.Background(), "gpu-a", connA)

	assignment := h.assignment(t, jobID)
	assert.Equal(t, 2, assignment.Attempt, "losing a worker mid-encode consumes an attempt")
	assert.Equal(t, "gpu-b", assignment.EncoderID)
	assert.Equal(t, models.AssignmentStatusEncoding, assignment.Status,
		"the trailing sweep hands the job to the surviving worker")
}

func TestDispatcher_DisconnectFailsProgressedJobsWithNoAttemptsLeft(t *testing.T) {
	h := newDispatchHarness(t)
	connA := h.connect(t, "gpu-a", 2)

	jobID := h.queue(t, "/data/a.mkv")
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 70})

	assignment := h.assignment(t, jobID)
	assignment.Attempt = assignment.MaxAttempts
	require.NoError(t, h.assignments.Update(context.Background(), assignment))

	var failedErr string
	h.dispatcher.SetCallbacks(nil, func(_, errMsg string) { failedErr = errMsg })

	h.dispatcher.handleDisconnect(context.Background(), "gpu-a", connA)

	assert.Equal(t, models.AssignmentStatusFailed, h.assignment(t, jobID).Status)
	assert.Contains(t, failedErr, "encoder disconnected")
}

func TestDispatcher_StallWithoutProgressKeepsAttempt(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	// The worker reported zero progress, then went quiet past the timeout.
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 0})
	h.dispatcher.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	h.dispatcher.CheckHealth(context.Background())

	// The trailing sweep hands the requeued job straight back out, so the
	// observable trace is a cancel followed by a second assign.
	assignment := h.assignment(t, jobID)
	assert.Equal(t, 1, assignment.Attempt, "a job that never progressed keeps its budget")
	require.Len(t, conn.cancels(), 1)
	assert.Equal(t, jobID, conn.cancels()[0].JobID)
	assert.Equal(t, "stalled", conn.cancels()[0].Reason)
	assert.Len(t, conn.assigns(), 2)
}

func TestDispatcher_MidFlightStallConsumesAttempt(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 55})
	h.dispatcher.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	h.dispatcher.CheckHealth(context.Background())

	// The sweep inside stall handling reassigns immediately, so look at the
	// attempt counter rather than the status.
	assert.Equal(t, 2, h.assignment(t, jobID).Attempt, "a mid-flight stall consumes an attempt")
}

func TestDispatcher_StallWithoutCacheUsesDoubleBudget(t *testing.T) {
	h := newDispatchHarness(t)
	h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	// Simulate a restart: the cache is empty but the row says encoding.
	h.dispatcher.progress.Remove(jobID)

	h.dispatcher.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	h.dispatcher.CheckHealth(context.Background())
	assert.Equal(t, models.AssignmentStatusEncoding, h.assignment(t, jobID).Status,
		"within the doubled budget the job is left alone")

	h.dispatcher.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	h.dispatcher.CheckHealth(context.Background())
	assignment := h.assignment(t, jobID)
	assert.Equal(t, 1, assignment.Attempt)
	assert.NotEqual(t, "", assignment.EncoderID)
}

func TestDispatcher_HeartbeatTimeoutForcesDisconnect(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	h.dispatcher.registry.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	h.dispatcher.CheckHealth(context.Background())

	assert.True(t, conn.isClosed())
	assert.False(t, h.dispatcher.registry.Connected("gpu-01"))
	assert.Equal(t, models.EncoderStatusOffline, h.encoder(t, "gpu-01").Status)
	assert.Equal(t, models.AssignmentStatusPending, h.assignment(t, jobID).Status,
		"the orphaned job is requeued")
}

func TestDispatcher_HeartbeatRefreshesRowAndPongs(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 4)

	h.dispatcher.handleHeartbeat(context.Background(), &protocol.Heartbeat{
		EncoderID: "gpu-01", CurrentJobs: 3, State: protocol.WorkerStateEncoding,
	})

	encoder := h.encoder(t, "gpu-01")
	assert.Equal(t, 3, encoder.CurrentJobs)
	assert.Equal(t, models.EncoderStatusEncoding, encoder.Status)

	msgs := conn.messages()
	pong, ok := msgs[len(msgs)-1].(*protocol.Pong)
	require.True(t, ok)
	assert.NotZero(t, pong.Timestamp)
}

func TestDispatcher_CancelJobTellsWorkerAndRejects(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	var failedErr string
	h.dispatcher.SetCallbacks(nil, func(_, errMsg string) { failedErr = errMsg })

	require.NoError(t, h.dispatcher.CancelJob(context.Background(), jobID, "user cancelled request"))

	require.Len(t, conn.cancels(), 1)
	assert.Equal(t, "user cancelled request", conn.cancels()[0].Reason)

	assignment := h.assignment(t, jobID)
	assert.Equal(t, models.AssignmentStatusCancelled, assignment.Status)
	assert.Contains(t, failedErr, "cancelled")
	assert.Equal(t, 0, h.encoder(t, "gpu-01").CurrentJobs)

	// Cancelling again is a no-op.
	require.NoError(t, h.dispatcher.CancelJob(context.Background(), jobID, "again"))
}

func TestDispatcher_ShutdownFlushesAndBroadcastsReconnectDelay(t *testing.T) {
	h := newDispatchHarness(t)
	conn := h.connect(t, "gpu-01", 2)
	jobID := h.queue(t, "/data/a.mkv")

	// Leave a throttled value dirty in the cache.
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 20})
	h.dispatcher.handleProgress(context.Background(), &protocol.JobProgress{JobID: jobID, Progress: 33})

	h.dispatcher.Shutdown(context.Background())

	assert.InDelta(t, 33.0, h.assignment(t, jobID).Progress, 0.001, "dirty progress is flushed")

	var shutdown *protocol.ServerShutdown
	for _, msg := range conn.messages() {
		if s, ok := msg.(*protocol.ServerShutdown); ok {
			shutdown = s
		}
	}
	require.NotNil(t, shutdown)
	assert.Equal(t, int64(5000), shutdown.ReconnectDelayMs)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.dispatcher.ConnectedCount())
}

func TestDispatcher_StartupMarksAllEncodersOffline(t *testing.T) {
	h := newDispatchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.encoders.Upsert(ctx, &models.RemoteEncoder{
		EncoderID: "stale", Status: models.EncoderStatusEncoding, CurrentJobs: 2, MaxConcurrent: 2,
	}))

	require.NoError(t, h.dispatcher.Startup(ctx))

	assert.Equal(t, models.EncoderStatusOffline, h.encoder(t, "stale").Status)
}
