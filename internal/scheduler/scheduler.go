// Package scheduler runs the controller's periodic background tasks: the
// assignment sweep, progress flush, encoder health check, recovery workers
// and cron-scheduled maintenance. Each task runs on its own goroutine with
// panic isolation, and the scheduler keeps a per-task heartbeat that the
// health endpoint reports.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/fetcharr/pkg/format"
)

// TaskFn is one unit of periodic work. A returned error is recorded on the
// task's heartbeat and logged; it does not stop the schedule.
type TaskFn func(ctx context.Context) error

// Task describes an interval-driven task.
type Task struct {
	// Name uniquely identifies the task in logs and on the health endpoint.
	Name string

	// Interval is the base period between runs.
	Interval time.Duration

	// Jitter adds up to this much random delay to every period, spreading
	// load when several instances share external services.
	Jitter time.Duration

	// RunImmediately fires the first run at start instead of one period in.
	RunImmediately bool

	// Fn is the work.
	Fn TaskFn
}

// TaskStatus is the heartbeat snapshot of one task.
type TaskStatus struct {
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
}

type cronTask struct {
	name     string
	schedule cron.Schedule
	fn       TaskFn
}

// Scheduler owns the periodic task set. Tasks are registered before Start;
// Stop cancels every loop and waits for in-flight runs to return.
type Scheduler struct {
	mu        sync.RWMutex
	tasks     []Task
	cronTasks []cronTask
	status    map[string]*TaskStatus

	logger *slog.Logger
	parser cron.Parser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{
		status: make(map[string]*TaskStatus),
		logger: slog.Default(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger.With("component", "scheduler")
	return s
}

// Register adds an interval task. Must be called before Start.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Fn == nil {
		return fmt.Errorf("task %q has no function", task.Name)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %q has no interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	if _, exists := s.status[task.Name]; exists {
		return fmt.Errorf("task %q already registered", task.Name)
	}

	s.tasks = append(s.tasks, task)
	s.status[task.Name] = &TaskStatus{Name: task.Name}
	return nil
}

// RegisterCron adds a cron-scheduled task. Must be called before Start.
func (s *Scheduler) RegisterCron(name, expr string, fn TaskFn) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %q has no function", name)
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("task %q has invalid cron expression %q: %w", name, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	if _, exists := s.status[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}

	s.cronTasks = append(s.cronTasks, cronTask{name: name, schedule: schedule, fn: fn})
	s.status[name] = &TaskStatus{Name: name}
	s.logger.Debug("cron task registered",
		slog.String("task", name),
		slog.String("schedule", format.CronDescription(expr)))
	return nil
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runIntervalLoop(task)
	}
	for _, task := range s.cronTasks {
		s.wg.Add(1)
		go s.runCronLoop(task)
	}

	s.logger.Info("scheduler started",
		slog.Int("interval_tasks", len(s.tasks)),
		slog.Int("cron_tasks", len(s.cronTasks)))
	return nil
}

// Stop cancels all task loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Status returns a heartbeat snapshot of every task, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		statuses = append(statuses, *st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// runIntervalLoop drives one interval task until the scheduler stops.
func (s *Scheduler) runIntervalLoop(task Task) {
	defer s.wg.Done()

	if task.RunImmediately {
		s.runOnce(task.Name, task.Fn)
	}

	timer := time.NewTimer(s.nextDelay(task))
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.runOnce(task.Name, task.Fn)
			timer.Reset(s.nextDelay(task))
		}
	}
}

// runCronLoop drives one cron task until the scheduler stops.
func (s *Scheduler) runCronLoop(task cronTask) {
	defer s.wg.Done()

	for {
		next := task.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(task.name, task.fn)
		}
	}
}

// nextDelay returns the task period plus its random jitter share.
func (s *Scheduler) nextDelay(task Task) time.Duration {
	delay := task.Interval
	if task.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(task.Jitter)))
	}
	return delay
}

// runOnce executes a task with panic isolation and records its heartbeat.
func (s *Scheduler) runOnce(name string, fn TaskFn) {
	started := time.Now()

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("task panicked: %v", r)
			}
		}()
		runErr = fn(s.ctx)
	}()

	duration := time.Since(started)

	s.mu.Lock()
	st := s.status[name]
	st.LastRun = started
	st.LastDuration = duration
	st.Runs++
	if runErr != nil {
		st.LastError = runErr.Error()
		st.Failures++
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("task run failed",
			slog.String("task", name),
			slog.Duration("duration", duration),
			slog.Any("error", runErr))
		return
	}
	s.logger.Debug("task run finished",
		slog.String("task", name),
		slog.Duration("duration", duration))
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}
