// Package dispatch owns the remote encoder pool: worker connections, job
// assignment, throttled progress persistence, and recovery from worker
// failures, disconnects and stalls.
//
// The in-memory connection table is authoritative while the process runs;
// encoder and assignment rows are the reconciliation source across restarts.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/events"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

// errInputNotFound is the worker-reported error that triggers a server-side
// re-check before the failure is treated as retriable.
const errInputNotFound = "input file not found"

// QueueJobParams describes one transcoding job.
type QueueJobParams struct {
	InputPath  string
	OutputPath string
	ProfileID  models.ULID

	// ItemID and RequestID tie emitted events back to the pipeline. They are
	// not persisted on the assignment; the item row carries the job id.
	ItemID    models.ULID
	RequestID models.ULID
}

// jobMeta ties a queued job back to one caller's item. Coalesced jobs carry
// one entry per caller.
type jobMeta struct {
	itemID    models.ULID
	requestID models.ULID
}

// Dispatcher coordinates the encoder pool. All mutation of encoder rows and
// assignment rows flows through here; the HTTP layer only reads.
type Dispatcher struct {
	cfg         config.DispatchConfig
	assignments repository.EncoderAssignmentRepository
	encoders    repository.RemoteEncoderRepository
	profiles    repository.EncodingProfileRepository
	registry    *registry
	translator  *PathTranslator
	progress    *progressCache
	bus         *events.Bus
	logger      *slog.Logger

	// enqueueMu makes the read-before-insert in QueueJob atomic, upholding
	// the one-active-assignment-per-input-path rule.
	enqueueMu sync.Mutex

	// sweepMu serializes assignment sweeps. Callers queue rather than skip,
	// so a sweep triggered by new work always observes that work.
	sweepMu sync.Mutex

	metaMu sync.Mutex
	meta   map[string][]jobMeta

	cbMu           sync.Mutex
	onJobCompleted func(jobID string, assignment *models.EncoderAssignment)
	onJobFailed    func(jobID string, errMsg string)

	// inputExists is stubbed in tests; production stats the filesystem.
	inputExists func(path string) bool
	now         func() time.Time
}

// New creates a dispatcher. Callbacks are wired separately via SetCallbacks
// because the pipeline layer is constructed after the dispatcher.
func New(
	cfg config.DispatchConfig,
	assignments repository.EncoderAssignmentRepository,
	encoders repository.RemoteEncoderRepository,
	profiles repository.EncodingProfileRepository,
	bus *events.Bus,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		assignments: assignments,
		encoders:    encoders,
		profiles:    profiles,
		registry:    newRegistry(logger),
		translator:  NewPathTranslator(cfg.PathMappings),
		progress:    newProgressCache(cfg.ProgressWriteInterval),
		bus:         bus,
		logger:      logger.With("component", "dispatcher"),
		meta:        make(map[string][]jobMeta),
		inputExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		now: time.Now,
	}
}

// SetCallbacks wires the pipeline-side completion handlers. onCompleted
// receives the finished assignment; onFailed receives the terminal error.
func (d *Dispatcher) SetCallbacks(
	onCompleted func(jobID string, assignment *models.EncoderAssignment),
	onFailed func(jobID string, errMsg string),
) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onJobCompleted = onCompleted
	d.onJobFailed = onFailed
}

func (d *Dispatcher) completedCallback() func(string, *models.EncoderAssignment) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	return d.onJobCompleted
}

func (d *Dispatcher) failedCallback() func(string, string) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	return d.onJobFailed
}

// Startup resets encoder rows to offline: no connection can exist yet, so
// whatever the previous process recorded is stale until workers re-register.
func (d *Dispatcher) Startup(ctx context.Context) error {
	if err := d.encoders.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("marking encoders offline: %w", err)
	}
	return nil
}

// QueueJob enqueues a transcode and returns its job id. Enqueuing an input
// path that already has an active assignment coalesces onto that job instead
// of creating a duplicate; callers waiting on the returned id all resolve
// when the one job finishes.
func (d *Dispatcher) QueueJob(ctx context.Context, params QueueJobParams) (string, error) {
	if params.InputPath == "" || params.OutputPath == "" {
		return "", apperrors.New(apperrors.KindPreconditionFailed, "input and output paths are required")
	}

	d.enqueueMu.Lock()
	defer d.enqueueMu.Unlock()

	existing, err := d.assignments.GetActiveByInputPath(ctx, params.InputPath)
	if err != nil {
		return "", fmt.Errorf("checking for active assignment: %w", err)
	}
	if existing != nil {
		// The coalescing caller's item still needs the job's events.
		d.rememberJob(existing.JobID, params.ItemID, params.RequestID)
		d.logger.Info("input path already queued, coalescing onto existing job",
			"job_id", existing.JobID, "input_path", params.InputPath)
		return existing.JobID, nil
	}

	assignment := &models.EncoderAssignment{
		JobID:       uuid.NewString(),
		EncoderID:   d.pickEncoder(ctx, ""),
		InputPath:   params.InputPath,
		OutputPath:  params.OutputPath,
		ProfileID:   params.ProfileID,
		Status:      models.AssignmentStatusPending,
		Attempt:     1,
		MaxAttempts: d.cfg.MaxAttempts,
	}
	if err := d.assignments.Create(ctx, assignment); err != nil {
		return "", fmt.Errorf("creating encoder assignment: %w", err)
	}

	d.rememberJob(assignment.JobID, params.ItemID, params.RequestID)
	d.publishAssignment(assignment)
	d.logger.Info("job queued",
		"job_id", assignment.JobID,
		"input_path", params.InputPath,
		"encoder_id", assignment.EncoderID)

	d.Sweep(ctx)
	return assignment.JobID, nil
}

// Sweep tries to advance every pending assignment one move, oldest first.
// An assignment is sent to a worker only once its input file is visible on
// the controller filesystem; until then it stays pending, since the download
// may still be settling.
func (d *Dispatcher) Sweep(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	pending, err := d.assignments.GetPending(ctx)
	if err != nil {
		d.logger.Error("listing pending assignments", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	rows, err := d.encoders.GetAll(ctx)
	if err != nil {
		d.logger.Error("listing encoders", "error", err)
		return
	}
	// Capacity view over connected encoders; assignJob mutates it so later
	// assignments in this sweep see the load added by earlier ones.
	pool := make(map[string]*models.RemoteEncoder, len(rows))
	for _, enc := range rows {
		if d.registry.Connected(enc.EncoderID) {
			pool[enc.EncoderID] = enc
		}
	}
	if len(pool) == 0 {
		d.logger.Debug("no connected encoders, leaving assignments pending", "pending", len(pending))
		return
	}

	for _, assignment := range pending {
		owner := pool[assignment.EncoderID]
		if owner == nil || owner.SpareCapacity() == 0 {
			owner = pickFromPool(pool)
			if owner == nil {
				// Every connected encoder is full; later assignments cannot
				// do better, but keep scanning in case one already has a
				// connected owner with room (it does not, by construction).
				break
			}
		}
		if !d.inputExists(assignment.InputPath) {
			d.logger.Debug("input not on disk yet, leaving pending",
				"job_id", assignment.JobID, "input_path", assignment.InputPath)
			continue
		}
		if err := d.assignJob(ctx, assignment, owner); err != nil {
			d.logger.Warn("assigning job",
				"job_id", assignment.JobID, "encoder_id", owner.EncoderID, "error", err)
		}
	}
}

// pickFromPool returns the encoder with the most spare capacity, breaking
// ties by lifetime completions. Nil when every encoder is full.
func pickFromPool(pool map[string]*models.RemoteEncoder) *models.RemoteEncoder {
	var best *models.RemoteEncoder
	for _, enc := range pool {
		if enc.SpareCapacity() == 0 {
			continue
		}
		if best == nil ||
			enc.SpareCapacity() > best.SpareCapacity() ||
			(enc.SpareCapacity() == best.SpareCapacity() && enc.TotalCompleted > best.TotalCompleted) {
			best = enc
		}
	}
	return best
}

// pickEncoder selects an owner for a job outside a sweep: the connected
// encoder with the most spare capacity, ties broken by lifetime completions.
// When every connected encoder is full it returns an arbitrary connected one
// so the job queues against a worker that will free up; "" when none is
// connected. exclude removes one encoder from consideration when any other
// candidate exists.
func (d *Dispatcher) pickEncoder(ctx context.Context, exclude string) string {
	rows, err := d.encoders.GetAll(ctx)
	if err != nil {
		d.logger.Error("listing encoders for selection", "error", err)
		return ""
	}

	var best, fallback *models.RemoteEncoder
	for _, enc := range rows {
		if enc.EncoderID == exclude || !d.registry.Connected(enc.EncoderID) {
			continue
		}
		if fallback == nil {
			fallback = enc
		}
		if enc.SpareCapacity() == 0 {
			continue
		}
		if best == nil ||
			enc.SpareCapacity() > best.SpareCapacity() ||
			(enc.SpareCapacity() == best.SpareCapacity() && enc.TotalCompleted > best.TotalCompleted) {
			best = enc
		}
	}
	if best != nil {
		return best.EncoderID
	}
	if fallback != nil {
		return fallback.EncoderID
	}
	return ""
}

// assignJob sends one pending assignment to an encoder and records the new
// load on both the row and the in-memory pool entry.
func (d *Dispatcher) assignJob(ctx context.Context, assignment *models.EncoderAssignment, encoder *models.RemoteEncoder) error {
	profile, err := d.profiles.GetByID(ctx, assignment.ProfileID)
	if err != nil {
		return fmt.Errorf("loading encoding profile: %w", err)
	}
	if profile == nil {
		// Nothing can ever assign this job; fail it rather than bounce it
		// through the sweep forever.
		d.failAssignment(ctx, assignment, "encoding profile not found")
		return nil
	}

	msg := &protocol.JobAssign{
		Type:       protocol.TypeJobAssign,
		JobID:      assignment.JobID,
		InputPath:  d.translator.ToRemote(assignment.InputPath),
		OutputPath: d.translator.ToRemote(assignment.OutputPath),
		ProfileID:  assignment.ProfileID.String(),
		Profile:    profileMessage(profile),
	}
	if err := d.registry.Send(encoder.EncoderID, msg); err != nil {
		return fmt.Errorf("sending job assignment: %w", err)
	}

	assignment.MarkAssigned(encoder.EncoderID)
	if err := d.assignments.Update(ctx, assignment); err != nil {
		return fmt.Errorf("persisting assignment: %w", err)
	}

	encoder.CurrentJobs++
	encoder.Status = models.EncoderStatusEncoding
	if err := d.encoders.Update(ctx, encoder); err != nil {
		d.logger.Error("persisting encoder load", "encoder_id", encoder.EncoderID, "error", err)
	}

	d.publishAssignment(assignment)
	d.logger.Info("job assigned",
		"job_id", assignment.JobID,
		"encoder_id", encoder.EncoderID,
		"input_path", msg.InputPath,
		"attempt", assignment.Attempt)
	return nil
}

// CancelJob aborts a job on behalf of the pipeline. The remote worker is
// told to abandon it; waiters on the job are rejected.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, reason string) error {
	assignment, err := d.assignments.GetByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading assignment: %w", err)
	}
	if assignment == nil {
		return apperrors.New(apperrors.KindNotFound, "no assignment for job %s", jobID)
	}
	if assignment.Status.IsTerminal() {
		return nil
	}

	if assignment.Status == models.AssignmentStatusEncoding && assignment.EncoderID != "" {
		cancel := &protocol.JobCancel{Type: protocol.TypeJobCancel, JobID: jobID, Reason: reason}
		if err := d.registry.Send(assignment.EncoderID, cancel); err != nil {
			d.logger.Warn("sending job cancel", "job_id", jobID, "encoder_id", assignment.EncoderID, "error", err)
		}
		d.creditEncoder(ctx, assignment.EncoderID, 0, 0)
	}

	assignment.MarkCancelled(reason)
	if err := d.assignments.Update(ctx, assignment); err != nil {
		return fmt.Errorf("persisting cancelled assignment: %w", err)
	}
	d.progress.Remove(jobID)
	d.publishAssignment(assignment)
	if cb := d.failedCallback(); cb != nil {
		cb(jobID, "cancelled: "+reason)
	}
	d.forgetJob(jobID)
	d.logger.Info("job cancelled", "job_id", jobID, "reason", reason)
	return nil
}

// handleRegister processes the first frame of a new worker connection.
func (d *Dispatcher) handleRegister(ctx context.Context, conn workerConn, msg *protocol.Register) error {
	if msg.EncoderID == "" {
		return apperrors.New(apperrors.KindPreconditionFailed, "register without encoderId")
	}

	encoder, err := d.encoders.GetByEncoderID(ctx, msg.EncoderID)
	if err != nil {
		return fmt.Errorf("loading encoder row: %w", err)
	}
	if encoder == nil {
		encoder = &models.RemoteEncoder{EncoderID: msg.EncoderID}
	}
	encoder.GPUDevice = msg.GPUDevice
	encoder.MaxConcurrent = msg.MaxConcurrent
	encoder.CurrentJobs = msg.CurrentJobs
	encoder.Hostname = msg.Hostname
	encoder.Version = msg.Version
	if msg.CurrentJobs > 0 {
		encoder.Status = models.EncoderStatusEncoding
	} else {
		encoder.Status = models.EncoderStatusIdle
	}
	now := d.now()
	encoder.LastHeartbeat = &now
	if err := d.encoders.Upsert(ctx, encoder); err != nil {
		return fmt.Errorf("upserting encoder row: %w", err)
	}

	d.registry.Attach(msg.EncoderID, conn)
	if err := d.registry.Send(msg.EncoderID, &protocol.Registered{Type: protocol.TypeRegistered}); err != nil {
		d.logger.Warn("sending registered ack", "encoder_id", msg.EncoderID, "error", err)
	}
	d.bus.Publish(events.Event{Type: events.TypeEncoderConnected, Payload: encoder})

	// A fresh worker may unblock the whole queue.
	d.Sweep(ctx)
	return nil
}

// handleHeartbeat refreshes liveness and occupancy and answers pong.
func (d *Dispatcher) handleHeartbeat(ctx context.Context, msg *protocol.Heartbeat) {
	d.registry.Touch(msg.EncoderID)

	encoder, err := d.encoders.GetByEncoderID(ctx, msg.EncoderID)
	if err != nil {
		d.logger.Error("loading encoder for heartbeat", "encoder_id", msg.EncoderID, "error", err)
	} else if encoder != nil {
		encoder.CurrentJobs = msg.CurrentJobs
		if msg.State == protocol.WorkerStateEncoding {
			encoder.Status = models.EncoderStatusEncoding
		} else {
			encoder.Status = models.EncoderStatusIdle
		}
		now := d.now()
		encoder.LastHeartbeat = &now
		if err := d.encoders.Update(ctx, encoder); err != nil {
			d.logger.Error("persisting heartbeat", "encoder_id", msg.EncoderID, "error", err)
		}
	}

	pong := &protocol.Pong{Type: protocol.TypePong, Timestamp: d.now().UnixMilli()}
	if err := d.registry.Send(msg.EncoderID, pong); err != nil {
		d.logger.Warn("sending pong", "encoder_id", msg.EncoderID, "error", err)
	}
}

// handleAccepted records that a worker picked up an assigned job.
func (d *Dispatcher) handleAccepted(ctx context.Context, msg *protocol.JobAccepted) {
	assignment, err := d.assignments.GetByJobID(ctx, msg.JobID)
	if err != nil || assignment == nil {
		d.logger.Warn("job accepted for unknown assignment", "job_id", msg.JobID, "error", err)
		return
	}
	if assignment.EncoderID != msg.EncoderID {
		d.logger.Warn("job accepted by unexpected encoder",
			"job_id", msg.JobID, "expected", assignment.EncoderID, "actual", msg.EncoderID)
	}
	d.logger.Debug("job accepted", "job_id", msg.JobID, "encoder_id", msg.EncoderID)
}

// handleProgress caches a progress frame, emits an event unconditionally and
// persists when the per-job write budget allows.
func (d *Dispatcher) handleProgress(ctx context.Context, msg *protocol.JobProgress) {
	var fps, speed float64
	if msg.FPS != nil {
		fps = *msg.FPS
	}
	if msg.Speed != nil {
		speed = *msg.Speed
	}

	entry, writeDue := d.progress.Update(msg.JobID, msg.Progress, fps, speed, msg.ETASeconds)
	d.publishProgress(msg.JobID, entry)
	if writeDue {
		d.persistProgress(ctx, entry)
	}
}

// persistProgress writes one cached progress value to the assignment row.
// Failures are logged, never propagated; the cache stays authoritative.
func (d *Dispatcher) persistProgress(ctx context.Context, entry ProgressEntry) {
	assignment, err := d.assignments.GetByJobID(ctx, entry.JobID)
	if err != nil {
		d.logger.Error("loading assignment for progress write", "job_id", entry.JobID, "error", err)
		return
	}
	if assignment == nil || assignment.Status != models.AssignmentStatusEncoding {
		// Late frame after a terminal transition; nothing to record.
		return
	}
	assignment.Progress = entry.Progress
	assignment.FPS = entry.FPS
	assignment.Speed = entry.Speed
	assignment.ETASeconds = entry.ETASeconds
	if err := d.assignments.Update(ctx, assignment); err != nil {
		d.logger.Error("persisting progress", "job_id", entry.JobID, "error", err)
	}
}

// FlushProgress persists dirty cache entries that missed their per-frame
// write window. Registered as a short-cadence scheduler task.
func (d *Dispatcher) FlushProgress(ctx context.Context) {
	for _, entry := range d.progress.FlushDue() {
		d.persistProgress(ctx, entry)
	}
}

// handleComplete finishes an assignment and hands the result to the pipeline.
func (d *Dispatcher) handleComplete(ctx context.Context, msg *protocol.JobComplete) {
	assignment, err := d.assignments.GetByJobID(ctx, msg.JobID)
	if err != nil || assignment == nil {
		d.logger.Warn("job complete for unknown assignment", "job_id", msg.JobID, "error", err)
		return
	}
	if assignment.Status.IsTerminal() {
		return
	}

	assignment.MarkCompleted(msg.OutputSize, msg.CompressionRatio, msg.DurationSeconds)
	if err := d.assignments.Update(ctx, assignment); err != nil {
		d.logger.Error("persisting completed assignment", "job_id", msg.JobID, "error", err)
	}
	d.creditEncoder(ctx, assignment.EncoderID, 1, 0)
	d.progress.Remove(msg.JobID)
	d.publishAssignment(assignment)
	d.logger.Info("job completed",
		"job_id", msg.JobID,
		"encoder_id", assignment.EncoderID,
		"output_size", msg.OutputSize,
		"compression_ratio", msg.CompressionRatio)

	if cb := d.completedCallback(); cb != nil {
		cb(assignment.JobID, assignment)
	}
	d.forgetJob(msg.JobID)
	d.Sweep(ctx)
}

// handleFailed applies the retry policy to a worker-reported failure.
func (d *Dispatcher) handleFailed(ctx context.Context, msg *protocol.JobFailed) {
	assignment, err := d.assignments.GetByJobID(ctx, msg.JobID)
	if err != nil || assignment == nil {
		d.logger.Warn("job failed for unknown assignment", "job_id", msg.JobID, "error", err)
		return
	}
	if assignment.Status.IsTerminal() {
		return
	}

	retriable := msg.Retriable
	if retriable && strings.Contains(msg.Error, errInputNotFound) {
		// The worker cannot tell a missing file from a missing mount. The
		// controller-side view decides.
		if !d.inputExists(assignment.InputPath) {
			retriable = false
		}
	}

	if retriable && assignment.HasAttemptsLeft() {
		owner := assignment.EncoderID
		assignment.Attempt++
		assignment.MarkRequeued()
		assignment.EncoderID = d.pickEncoder(ctx, "")
		if err := d.assignments.Update(ctx, assignment); err != nil {
			d.logger.Error("persisting requeued assignment", "job_id", msg.JobID, "error", err)
		}
		d.creditEncoder(ctx, owner, 0, 0)
		d.progress.Remove(msg.JobID)
		d.publishAssignment(assignment)
		d.logger.Warn("job failed, requeued",
			"job_id", msg.JobID,
			"error", msg.Error,
			"attempt", assignment.Attempt,
			"max_attempts", assignment.MaxAttempts)
		d.Sweep(ctx)
		return
	}

	d.creditEncoder(ctx, assignment.EncoderID, 0, 1)
	d.failAssignment(ctx, assignment, msg.Error)
	d.logger.Error("job failed",
		"job_id", msg.JobID,
		"error", msg.Error,
		"retriable", msg.Retriable,
		"attempt", assignment.Attempt)
	d.Sweep(ctx)
}

// failAssignment finishes an assignment as failed and rejects its waiters.
// Encoder accounting is the caller's business.
func (d *Dispatcher) failAssignment(ctx context.Context, assignment *models.EncoderAssignment, errMsg string) {
	assignment.MarkFailed(errMsg)
	if err := d.assignments.Update(ctx, assignment); err != nil {
		d.logger.Error("persisting failed assignment", "job_id", assignment.JobID, "error", err)
	}
	d.progress.Remove(assignment.JobID)
	d.publishAssignment(assignment)
	if cb := d.failedCallback(); cb != nil {
		cb(assignment.JobID, errMsg)
	}
	d.forgetJob(assignment.JobID)
}

// handleDisconnect runs when a worker connection ends, from the read loop or
// a forced termination. Only the call that actually removes the registered
// connection performs recovery, so the two paths never double-handle.
func (d *Dispatcher) handleDisconnect(ctx context.Context, encoderID string, conn workerConn) {
	if !d.registry.Detach(encoderID, conn) {
		return
	}
	_ = conn.Close()
	d.logger.Info("encoder disconnected", "encoder_id", encoderID)

	if encoder, err := d.encoders.GetByEncoderID(ctx, encoderID); err != nil {
		d.logger.Error("loading encoder for disconnect", "encoder_id", encoderID, "error", err)
	} else if encoder != nil {
		encoder.Status = models.EncoderStatusOffline
		encoder.CurrentJobs = 0
		if err := d.encoders.Update(ctx, encoder); err != nil {
			d.logger.Error("persisting offline encoder", "encoder_id", encoderID, "error", err)
		}
	}

	d.recoverAssignments(ctx, encoderID)
	d.bus.Publish(events.Event{
		Type:    events.TypeEncoderDisconnected,
		Payload: map[string]string{"encoder_id": encoderID},
	})
	d.Sweep(ctx)
}

// recoverAssignments requeues or fails every active assignment owned by a
// disconnected encoder. A job that never reported progress requeues for
// free; a job that was mid-encode consumes one attempt, same as a mid-flight
// stall, so a flapping worker cannot recycle the same job forever.
func (d *Dispatcher) recoverAssignments(ctx context.Context, encoderID string) {
	owned, err := d.assignments.GetActiveByEncoderID(ctx, encoderID)
	if err != nil {
		d.logger.Error("listing assignments for disconnected encoder", "encoder_id", encoderID, "error", err)
		return
	}

	for _, assignment := range owned {
		if assignment.Status == models.AssignmentStatusPending {
			// Provisional owner only; hand it back to the pool.
			assignment.EncoderID = d.pickEncoder(ctx, encoderID)
			if err := d.assignments.Update(ctx, assignment); err != nil {
				d.logger.Error("reowning pending assignment", "job_id", assignment.JobID, "error", err)
			}
			continue
		}

		everProgressed := assignment.Progress > 0
		if entry, ok := d.progress.Get(assignment.JobID); ok && entry.Progress > 0 {
			everProgressed = true
		}
		d.progress.Remove(assignment.JobID)

		if everProgressed {
			if !assignment.HasAttemptsLeft() {
				d.failAssignment(ctx, assignment, "encoder disconnected with no attempts left")
				d.logger.Error("job failed after encoder disconnect",
					"job_id", assignment.JobID, "encoder_id", encoderID)
				continue
			}
			assignment.Attempt++
		}

		assignment.MarkRequeued()
		assignment.EncoderID = d.pickEncoder(ctx, encoderID)
		if err := d.assignments.Update(ctx, assignment); err != nil {
			d.logger.Error("requeuing assignment", "job_id", assignment.JobID, "error", err)
		}
		d.publishAssignment(assignment)
		d.logger.Warn("job requeued after encoder disconnect",
			"job_id", assignment.JobID,
			"encoder_id", encoderID,
			"new_encoder_id", assignment.EncoderID,
			"attempt", assignment.Attempt)
	}
}

// CheckHealth enforces heartbeat and stall timeouts. Registered as a
// scheduler task at the heartbeat check interval.
func (d *Dispatcher) CheckHealth(ctx context.Context) {
	for _, encoderID := range d.registry.Stale(d.cfg.HeartbeatTimeout) {
		d.logger.Warn("encoder heartbeat timed out, forcing disconnect", "encoder_id", encoderID)
		if conn, ok := d.registry.Get(encoderID); ok {
			d.handleDisconnect(ctx, encoderID, conn)
		}
	}

	encoding, err := d.assignments.GetEncoding(ctx)
	if err != nil {
		d.logger.Error("listing encoding assignments", "error", err)
		return
	}
	now := d.now()
	for _, assignment := range encoding {
		stalled, everProgressed := d.stallState(assignment, now)
		if stalled {
			d.handleStall(ctx, assignment, everProgressed)
		}
	}
}

// stallState decides whether an encoding assignment has stalled and whether
// it ever reported real progress. A job with a live cache entry stalls when
// no frame arrived within the stall timeout; a job with no cache entry at
// all (worker never reported, or the controller restarted) gets twice that
// budget measured from its start time.
func (d *Dispatcher) stallState(assignment *models.EncoderAssignment, now time.Time) (stalled, everProgressed bool) {
	if entry, ok := d.progress.Get(assignment.JobID); ok {
		return now.Sub(entry.LastProgressAt) > d.cfg.JobStallTimeout, entry.Progress > 0
	}
	if assignment.StartedAt == nil {
		return false, assignment.Progress > 0
	}
	return now.Sub(*assignment.StartedAt) > 2*d.cfg.JobStallTimeout, assignment.Progress > 0
}

// handleStall cancels the remote copy of a stalled job and requeues it. A
// job that never progressed does not consume a retry attempt: the stall is
// evidence of a pool or mount problem, not a bad job. A job that stalled
// mid-flight consumes one, and fails once the budget is spent.
func (d *Dispatcher) handleStall(ctx context.Context, assignment *models.EncoderAssignment, everProgressed bool) {
	d.logger.Warn("job stalled",
		"job_id", assignment.JobID,
		"encoder_id", assignment.EncoderID,
		"progress", assignment.Progress,
		"ever_progressed", everProgressed)

	if assignment.EncoderID != "" {
		cancel := &protocol.JobCancel{Type: protocol.TypeJobCancel, JobID: assignment.JobID, Reason: "stalled"}
		if err := d.registry.Send(assignment.EncoderID, cancel); err != nil {
			d.logger.Warn("cancelling stalled job on worker",
				"job_id", assignment.JobID, "encoder_id", assignment.EncoderID, "error", err)
		}
		d.creditEncoder(ctx, assignment.EncoderID, 0, 0)
	}
	d.progress.Remove(assignment.JobID)

	if everProgressed {
		if !assignment.HasAttemptsLeft() {
			d.failAssignment(ctx, assignment, "stalled with no attempts left")
			return
		}
		assignment.Attempt++
	}

	assignment.MarkRequeued()
	if err := d.assignments.Update(ctx, assignment); err != nil {
		d.logger.Error("persisting requeued stalled assignment", "job_id", assignment.JobID, "error", err)
	}
	d.publishAssignment(assignment)
	d.Sweep(ctx)
}

// creditEncoder releases one job slot on an encoder and applies lifetime
// counters. A no-op for jobs that never had an owner.
func (d *Dispatcher) creditEncoder(ctx context.Context, encoderID string, completed, failed int64) {
	if encoderID == "" {
		return
	}
	encoder, err := d.encoders.GetByEncoderID(ctx, encoderID)
	if err != nil {
		d.logger.Error("loading encoder for accounting", "encoder_id", encoderID, "error", err)
		return
	}
	if encoder == nil {
		return
	}
	encoder.TotalCompleted += completed
	encoder.TotalFailed += failed
	if encoder.CurrentJobs > 0 {
		encoder.CurrentJobs--
	}
	if encoder.CurrentJobs == 0 && encoder.Status == models.EncoderStatusEncoding {
		encoder.Status = models.EncoderStatusIdle
	}
	if err := d.encoders.Update(ctx, encoder); err != nil {
		d.logger.Error("persisting encoder accounting", "encoder_id", encoderID, "error", err)
	}
}

// Shutdown flushes progress, tells every worker when to reconnect and closes
// the connections. In-flight assignments stay encoding; stall detection
// requeues them if their worker does not return in time.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	for _, entry := range d.progress.FlushAll() {
		d.persistProgress(ctx, entry)
	}
	d.registry.Broadcast(&protocol.ServerShutdown{
		Type:             protocol.TypeServerShutdown,
		ReconnectDelayMs: d.cfg.ReconnectDelay.Milliseconds(),
	})
	d.registry.CloseAll()
	d.logger.Info("dispatcher shut down")
}

// Encoders returns the persisted encoder rows for the API.
func (d *Dispatcher) Encoders(ctx context.Context) ([]*models.RemoteEncoder, error) {
	return d.encoders.GetAll(ctx)
}

// ConnectedCount returns the number of live worker connections.
func (d *Dispatcher) ConnectedCount() int {
	return d.registry.Count()
}

// JobProgress returns the cached live progress for a job, if any.
func (d *Dispatcher) JobProgress(jobID string) (ProgressEntry, bool) {
	return d.progress.Get(jobID)
}

func (d *Dispatcher) rememberJob(jobID string, itemID, requestID models.ULID) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	for _, meta := range d.meta[jobID] {
		if meta.itemID == itemID && meta.requestID == requestID {
			return
		}
	}
	d.meta[jobID] = append(d.meta[jobID], jobMeta{itemID: itemID, requestID: requestID})
}

func (d *Dispatcher) lookupJob(jobID string) []jobMeta {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	return append([]jobMeta(nil), d.meta[jobID]...)
}

func (d *Dispatcher) forgetJob(jobID string) {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	delete(d.meta, jobID)
}

func (d *Dispatcher) publishAssignment(assignment *models.EncoderAssignment) {
	d.publishForJob(events.Event{
		Type:    events.TypeAssignmentUpdated,
		JobID:   assignment.JobID,
		Payload: assignment,
	})
}

func (d *Dispatcher) publishProgress(jobID string, entry ProgressEntry) {
	d.publishForJob(events.Event{
		Type:    events.TypeJobProgress,
		JobID:   jobID,
		Payload: entry,
	})
}

// publishForJob emits the event once per caller attached to the job, so a
// coalesced job's updates reach every item that enqueued it.
func (d *Dispatcher) publishForJob(event events.Event) {
	metas := d.lookupJob(event.JobID)
	if len(metas) == 0 {
		d.bus.Publish(event)
		return
	}
	for _, meta := range metas {
		itemID, requestID := meta.itemID, meta.requestID
		tagged := event
		tagged.ItemID = &itemID
		tagged.RequestID = &requestID
		d.bus.Publish(tagged)
	}
}

// profileMessage converts a stored profile into its wire form.
func profileMessage(p *models.EncodingProfile) protocol.Profile {
	return protocol.Profile{
		ID:                 p.ID.String(),
		Name:               p.Name,
		VideoEncoder:       p.VideoEncoder,
		VideoQuality:       p.VideoQuality,
		VideoMaxResolution: p.VideoMaxResolution,
		VideoMaxBitrate:    p.VideoMaxBitrate,
		HWAccel:            p.HWAccel,
		HWDevice:           p.HWDevice,
		VideoFlags:         p.VideoFlags,
		AudioEncoder:       p.AudioEncoder,
		AudioFlags:         p.AudioFlags,
		SubtitlesMode:      string(p.SubtitlesMode),
		Container:          p.Container,
	}
}
