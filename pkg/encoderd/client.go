// Package encoderd implements the worker side of the encoder dispatch
// protocol: a reconnecting WebSocket client that registers with the
// controller, runs assigned transcode jobs and streams their progress back.
package encoderd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmylchreest/fetcharr/pkg/encoderd/protocol"
)

// Options configures a Client. Zero values get sane defaults from
// normalize.
type Options struct {
	// ControllerURL is the WebSocket endpoint, e.g.
	// "ws://controller:8080/ws/encoders".
	ControllerURL string

	// EncoderID is the stable worker identity. Defaults to the hostname.
	EncoderID string

	// GPUDevice names the encode hardware advertised at registration.
	GPUDevice string

	// MaxConcurrent caps simultaneous jobs.
	MaxConcurrent int

	Hostname string
	Version  string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (o *Options) normalize() error {
	if o.ControllerURL == "" {
		return errors.New("controller URL is required")
	}
	if o.Hostname == "" {
		o.Hostname, _ = os.Hostname()
	}
	if o.EncoderID == "" {
		o.EncoderID = o.Hostname
	}
	if o.EncoderID == "" {
		return errors.New("encoder id is required")
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 60 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return nil
}

// shutdownError carries the reconnect delay announced by server:shutdown.
type shutdownError struct {
	delay time.Duration
}

func (e *shutdownError) Error() string {
	return fmt.Sprintf("server shutting down, reconnect in %s", e.delay)
}

// Client is a worker connection to the controller. Run owns the connection
// lifecycle including reconnection; jobs run on their own goroutines and
// survive within a session only.
type Client struct {
	opts   Options
	runner Runner
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
	jobWG  sync.WaitGroup
}

// NewClient creates a client. The runner executes assigned jobs.
func NewClient(opts Options, runner Runner, logger *slog.Logger) (*Client, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		runner: runner,
		logger: logger.With("component", "encoderd", "encoder_id", opts.EncoderID),
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on connection loss. A server-announced shutdown delay
// overrides the backoff for that one reconnect.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.ReconnectDelay

	for {
		sessionStart := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that held for a while resets the backoff.
		if time.Since(sessionStart) > time.Minute {
			delay = c.opts.ReconnectDelay
		}

		wait := delay
		var shutdown *shutdownError
		if errors.As(err, &shutdown) && shutdown.delay > 0 {
			wait = shutdown.delay
		} else {
			delay = min(delay*2, c.opts.ReconnectMaxDelay)
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connect-register-serve cycle. It returns when the
// connection drops, the server announces shutdown, or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(sessionCtx, c.opts.DialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.ControllerURL, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.opts.ControllerURL, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	defer func() {
		cancel()
		conn.Close()
		c.cancelAllJobs()
		c.jobWG.Wait()
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
	}()

	if err := c.send(&protocol.Register{
		Type:          protocol.TypeRegister,
		EncoderID:     c.opts.EncoderID,
		GPUDevice:     c.opts.GPUDevice,
		MaxConcurrent: c.opts.MaxConcurrent,
		CurrentJobs:   c.jobCount(),
		Hostname:      c.opts.Hostname,
		Version:       c.opts.Version,
	}); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	go c.heartbeatLoop(sessionCtx)

	// Unblock ReadMessage when the context goes away mid-read.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		msgType, msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame",
				slog.String("type", msgType),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Registered:
			c.logger.Info("registered with controller")
		case *protocol.Pong:
			// Liveness confirmed, nothing to do.
		case *protocol.JobAssign:
			c.handleAssign(sessionCtx, m)
		case *protocol.JobCancel:
			c.handleCancel(m)
		case *protocol.ServerShutdown:
			return &shutdownError{delay: time.Duration(m.ReconnectDelayMs) * time.Millisecond}
		default:
			c.logger.Debug("ignoring message", slog.String("type", msgType))
		}
	}
}

// heartbeatLoop refreshes controller-side liveness for this worker.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := protocol.WorkerStateIdle
			jobs := c.jobCount()
			if jobs > 0 {
				state = protocol.WorkerStateEncoding
			}
			if err := c.send(&protocol.Heartbeat{
				Type:        protocol.TypeHeartbeat,
				EncoderID:   c.opts.EncoderID,
				CurrentJobs: jobs,
				State:       state,
			}); err != nil {
				c.logger.Warn("heartbeat send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleAssign acknowledges a job and runs it on its own goroutine.
func (c *Client) handleAssign(ctx context.Context, assign *protocol.JobAssign) {
	jobCtx, cancel := context.WithCancel(ctx)

	c.jobsMu.Lock()
	if _, exists := c.jobs[assign.JobID]; exists {
		c.jobsMu.Unlock()
		cancel()
		c.logger.Warn("duplicate assignment ignored", slog.String("job_id", assign.JobID))
		return
	}
	c.jobs[assign.JobID] = cancel
	c.jobsMu.Unlock()

	if err := c.send(&protocol.JobAccepted{
		Type:      protocol.TypeJobAccepted,
		JobID:     assign.JobID,
		EncoderID: c.opts.EncoderID,
	}); err != nil {
		c.logger.Warn("job accept send failed", slog.String("error", err.Error()))
	}

	c.jobWG.Add(1)
	go func() {
		defer c.jobWG.Done()
		defer c.finishJob(assign.JobID)
		c.runJob(jobCtx, assign)
	}()
}

// runJob executes one assignment and reports its outcome.
func (c *Client) runJob(ctx context.Context, assign *protocol.JobAssign) {
	job := Job{
		ID:         assign.JobID,
		InputPath:  assign.InputPath,
		OutputPath: assign.OutputPath,
		Profile:    assign.Profile,
	}

	log := c.logger.With(slog.String("job_id", job.ID))
	log.Info("job assigned",
		slog.String("input", job.InputPath),
		slog.String("profile", assign.Profile.Name),
	)

	var lastReport time.Time
	result, err := c.runner.Run(ctx, job, func(p Progress) {
		// The controller throttles its own persistence; one report per
		// second keeps the wire quiet without losing responsiveness.
		if time.Since(lastReport) < time.Second && p.Percent < 100 {
			return
		}
		lastReport = time.Now()
		c.reportProgress(job.ID, p)
	})

	switch {
	case err == nil:
		ratio := 0.0
		if result.InputSize > 0 {
			ratio = float64(result.OutputSize) / float64(result.InputSize)
		}
		log.Info("job complete",
			slog.Int64("output_size", result.OutputSize),
			slog.Float64("compression_ratio", ratio),
		)
		if sendErr := c.send(&protocol.JobComplete{
			Type:             protocol.TypeJobComplete,
			JobID:            job.ID,
			OutputSize:       result.OutputSize,
			CompressionRatio: ratio,
			DurationSeconds:  result.DurationSeconds,
		}); sendErr != nil {
			log.Warn("job complete send failed", slog.String("error", sendErr.Error()))
		}

	case errors.Is(err, context.Canceled):
		// Either the controller cancelled the job or the session died;
		// no report is owed in either case.
		log.Info("job cancelled")

	default:
		log.Error("job failed", slog.String("error", err.Error()))
		if sendErr := c.send(&protocol.JobFailed{
			Type:      protocol.TypeJobFailed,
			JobID:     job.ID,
			Error:     err.Error(),
			Retriable: true,
		}); sendErr != nil {
			log.Warn("job failed send failed", slog.String("error", sendErr.Error()))
		}
	}
}

func (c *Client) reportProgress(jobID string, p Progress) {
	msg := &protocol.JobProgress{
		Type:        protocol.TypeJobProgress,
		JobID:       jobID,
		Progress:    p.Percent,
		ETASeconds:  p.ETASeconds,
		Frame:       p.Frame,
		Bitrate:     p.Bitrate,
		TotalSize:   p.TotalSize,
		ElapsedTime: p.Elapsed.Seconds(),
	}
	if p.FPS > 0 {
		fps := p.FPS
		msg.FPS = &fps
	}
	if p.Speed > 0 {
		speed := p.Speed
		msg.Speed = &speed
	}
	if err := c.send(msg); err != nil {
		c.logger.Debug("progress send failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) handleCancel(cancelMsg *protocol.JobCancel) {
	c.jobsMu.Lock()
	cancel, ok := c.jobs[cancelMsg.JobID]
	c.jobsMu.Unlock()

	if !ok {
		c.logger.Debug("cancel for unknown job", slog.String("job_id", cancelMsg.JobID))
		return
	}
	c.logger.Info("cancelling job",
		slog.String("job_id", cancelMsg.JobID),
		slog.String("reason", cancelMsg.Reason),
	)
	cancel()
}

func (c *Client) finishJob(jobID string) {
	c.jobsMu.Lock()
	if cancel, ok := c.jobs[jobID]; ok {
		cancel()
		delete(c.jobs, jobID)
	}
	c.jobsMu.Unlock()
}

func (c *Client) cancelAllJobs() {
	c.jobsMu.Lock()
	for _, cancel := range c.jobs {
		cancel()
	}
	c.jobsMu.Unlock()
}

func (c *Client) jobCount() int {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return len(c.jobs)
}

// send serializes one message onto the connection. Writes are mutex-guarded
// because progress, heartbeat and job outcomes race on send.
func (c *Client) send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
