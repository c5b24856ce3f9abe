// Package scheduler drains a FIFO queue of pending jobs into a bounded pool
// of running jobs.
//
// A single loop goroutine owns every job transition: it checks running jobs,
// removes the terminal ones, and starts at most one pending job per tick while
// fewer than the maximum are running. Completion is only observable through
// worker exit status and channel messages, so the loop polls; Submit wakes it
// early so new work does not wait out the poll interval.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// Defaults.
const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxRunning   = 6
)

// ErrStopped fails jobs still queued or running when the scheduler stops.
var ErrStopped = errors.New("scheduler stopped")

// Admission can hold back pending jobs even when a slot is free.
type Admission interface {
	Admit(running int) bool
}

// Stats is a snapshot of the scheduler.
type Stats struct {
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	MaxRunning int    `json:"max_running"`
	Started    uint64 `json:"started"`
	Finished   uint64 `json:"finished"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how long the loop sleeps between ticks.
// A zero or negative value is replaced with the default (3s).
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithMaxRunning sets the bound on concurrently running jobs.
func WithMaxRunning(n int) Option {
	return func(s *Scheduler) { s.maxRunning = n }
}

// WithAdmission installs an admission guard consulted before each start.
func WithAdmission(a Admission) Option {
	return func(s *Scheduler) { s.admission = a }
}

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler runs jobs with bounded concurrency.
type Scheduler struct {
	pollInterval time.Duration
	admission    Admission
	logger       *logging.Logger

	mu         sync.Mutex
	pending    []job.Job
	running    []job.Job
	maxRunning int
	started    uint64
	finished   uint64

	wake chan struct{}

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Scheduler. Call Start to run its loop.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		pollInterval: DefaultPollInterval,
		maxRunning:   DefaultMaxRunning,
		logger:       logging.NopLogger(),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.maxRunning < 1 {
		s.maxRunning = 1
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	return s
}

// Submit queues a job and wakes the loop.
func (s *Scheduler) Submit(j job.Job) {
	s.mu.Lock()
	s.pending = append(s.pending, j)
	depth := len(s.pending)
	s.mu.Unlock()

	s.logger.Debug("job queued", "job_id", j.ID(), "job_kind", j.Kind(), "pipeline_id", j.PipelineID(), "pending", depth)
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetMaxRunning changes the bound. Values below 1 are raised to 1. Jobs
// already running are not stopped when the bound shrinks.
func (s *Scheduler) SetMaxRunning(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	old := s.maxRunning
	s.maxRunning = n
	s.mu.Unlock()

	if old != n {
		s.logger.Info("max running jobs changed", "old", old, "new", n)
		s.notify()
	}
}

// MaxRunning returns the current bound.
func (s *Scheduler) MaxRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

// Stats returns a snapshot of queue depth and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:    len(s.pending),
		Running:    len(s.running),
		MaxRunning: s.maxRunning,
		Started:    s.started,
		Finished:   s.finished,
	}
}

// Start runs the loop in a background goroutine until ctx ends or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() { s.Run(ctx) })
	return nil
}

// Stop ends the loop and fails every job still queued or running, killing
// their workers, so each of them still emits its terminal event.
// It is safe to call multiple times.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	leftover := append(slices.Clone(s.running), s.pending...)
	s.running = nil
	s.pending = nil
	s.mu.Unlock()

	for _, j := range leftover {
		j.Fail(ErrStopped)
	}
	if len(leftover) > 0 {
		s.logger.Warn("scheduler stopped with unfinished jobs", "count", len(leftover))
	}
}

// Run executes the loop on the calling goroutine until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.Tick() {
			continue
		}
		timer.Reset(s.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// Tick runs one loop iteration: check running jobs, then start at most one
// pending job. It reports whether another start is possible right away.
// Tick must not be called concurrently with Run.
func (s *Scheduler) Tick() bool {
	s.mu.Lock()
	running := slices.Clone(s.running)
	s.mu.Unlock()

	var done []job.Job
	for _, j := range running {
		if s.check(j) {
			done = append(done, j)
		}
	}

	s.mu.Lock()
	if len(done) > 0 {
		s.running = slices.DeleteFunc(s.running, func(j job.Job) bool {
			return slices.Contains(done, j)
		})
		s.finished += uint64(len(done))
	}
	free := len(s.running) < s.maxRunning && len(s.pending) > 0
	count := len(s.running)
	s.mu.Unlock()

	if !free {
		return false
	}
	if s.admission != nil && !s.admission.Admit(count) {
		return false
	}

	s.mu.Lock()
	if len(s.pending) == 0 || len(s.running) >= s.maxRunning {
		s.mu.Unlock()
		return false
	}
	next := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	// The slot is reserved before Start so the bound holds while it runs.
	s.running = append(s.running, next)
	s.mu.Unlock()

	ok := s.start(next)

	s.mu.Lock()
	if ok {
		s.started++
	} else {
		s.running = slices.DeleteFunc(s.running, func(j job.Job) bool { return j == next })
		s.finished++
	}
	again := len(s.running) < s.maxRunning && len(s.pending) > 0
	s.mu.Unlock()
	return again
}

// check polls a job, converting a panic into a job failure.
func (s *Scheduler) check(j job.Job) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job check panicked", "job_id", j.ID(), "job_kind", j.Kind(), "panic", fmt.Sprint(r))
			s.fail(j, fmt.Errorf("internal error: %v", r))
			done = true
		}
	}()
	return j.Check()
}

// start launches a job and reports whether it is now running.
func (s *Scheduler) start(j job.Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job start panicked", "job_id", j.ID(), "job_kind", j.Kind(), "panic", fmt.Sprint(r))
			s.fail(j, fmt.Errorf("internal error: %v", r))
			ok = false
		}
	}()
	if err := j.Start(); err != nil {
		s.logger.Error("job failed to start", "job_id", j.ID(), "job_kind", j.Kind(), "error", err)
		return false
	}
	return true
}

func (s *Scheduler) fail(j job.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job failure handling panicked", "job_id", j.ID(), "panic", fmt.Sprint(r))
		}
	}()
	j.Fail(err)
}
