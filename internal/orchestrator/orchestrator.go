package orchestrator

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/scheduler"
	"github.com/Iron-Ham/pipesearch/internal/session"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// KindGenerator is the worker command key of the generator process.
const KindGenerator = "generator"

// Defaults.
const (
	DefaultTuneTopK = 5

	// generatorBudgetFraction of the search timeout is handed to the
	// generator, leaving the rest for scoring stragglers and tuning.
	generatorBudgetFraction = 0.85

	defaultReceiveTimeout = 3 * time.Second
)

// Config holds the orchestrator settings.
type Config struct {
	// OutputDir holds one directory per session.
	OutputDir string
	// RuntimeDir receives training artifacts and fitted pipelines.
	RuntimeDir string
	// MaxRunning bounds concurrently running jobs.
	MaxRunning   int
	PollInterval time.Duration
	// Workers bounds concurrently running orchestration tasks. Zero uses
	// the CPU count.
	Workers int
	// TuneTopK is how many top pipelines are tuned after a search.
	TuneTopK int
	// ReceiveTimeout is how long the generator loop waits for a message
	// before re-checking the stop flag and deadline.
	ReceiveTimeout time.Duration
	// Grace overrides the worker SIGTERM to SIGKILL window.
	Grace time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = logger }
}

// WithBus shares an existing event bus.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithConstructor replaces the template constructor.
func WithConstructor(c Constructor) Option {
	return func(o *Orchestrator) { o.constructor = c }
}

// WithStoreRef tells workers how to reach the store.
func WithStoreRef(ref job.StoreRef) Option {
	return func(o *Orchestrator) { o.storeRef = ref }
}

// WithAdmission installs a scheduler admission guard.
func WithAdmission(a scheduler.Admission) Option {
	return func(o *Orchestrator) { o.admission = a }
}

// Orchestrator owns the job scheduler, the session registry and the event
// bus, and drives generator processes for pipeline searches.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	launcher    job.Launcher
	bus         *event.Bus
	log         *logging.Logger
	constructor Constructor
	storeRef    job.StoreRef
	admission   scheduler.Admission

	scheduler *scheduler.Scheduler
	registry  *session.Registry
	executor  *executor
	env       *job.Env

	mu      sync.Mutex
	started bool
}

var _ session.Tuner = (*Orchestrator)(nil)

// New creates an Orchestrator. Call Start before submitting work.
func New(cfg Config, st store.Store, launcher job.Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		launcher: launcher,
		registry: session.NewRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(event.WithLogger(o.log))
	}
	if o.constructor == nil {
		o.constructor = TemplateConstructor{Store: st}
	}
	if o.cfg.Workers <= 0 {
		o.cfg.Workers = runtime.NumCPU()
	}
	if o.cfg.TuneTopK < 0 {
		o.cfg.TuneTopK = 0
	}
	if o.cfg.ReceiveTimeout <= 0 {
		o.cfg.ReceiveTimeout = defaultReceiveTimeout
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(o.log),
		scheduler.WithPollInterval(cfg.PollInterval),
	}
	if cfg.MaxRunning > 0 {
		schedOpts = append(schedOpts, scheduler.WithMaxRunning(cfg.MaxRunning))
	}
	if o.admission != nil {
		schedOpts = append(schedOpts, scheduler.WithAdmission(o.admission))
	}
	o.scheduler = scheduler.New(schedOpts...)
	o.executor = newExecutor(o.cfg.Workers, o.log)
	o.env = &job.Env{
		Launcher:   launcher,
		Bus:        o.bus,
		Store:      st,
		StoreRef:   o.storeRef,
		RuntimeDir: cfg.RuntimeDir,
		RunsDir:    filepath.Join(cfg.OutputDir, session.RunsDir),
		Logger:     o.log,
		Grace:      cfg.Grace,
	}
	return o
}

// Start runs the scheduler loop and the task executor.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if err := o.scheduler.Start(ctx); err != nil {
		return err
	}
	o.executor.start()
	o.started = true
	o.log.Info("orchestrator started",
		"max_running", o.scheduler.MaxRunning(),
		"workers", o.cfg.Workers,
		"output_dir", o.cfg.OutputDir,
	)
	return nil
}

// Shutdown closes every session, stops orchestration tasks and fails the
// jobs still queued or running.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.registry.List() {
		s.Stop()
	}
	o.executor.stop()
	o.scheduler.Stop()
	for _, s := range o.registry.List() {
		o.registry.Remove(s.ID())
		s.Close()
	}
	o.log.Info("orchestrator stopped")
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Store returns the persisted store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Stats returns the scheduler snapshot.
func (o *Orchestrator) Stats() scheduler.Stats { return o.scheduler.Stats() }

// PendingTasks returns orchestration tasks waiting for a pool slot.
func (o *Orchestrator) PendingTasks() int { return o.executor.pending() }

// SetMaxRunning changes the running job bound at runtime.
func (o *Orchestrator) SetMaxRunning(n int) { o.scheduler.SetMaxRunning(n) }

// NewSession opens a session for prob.
func (o *Orchestrator) NewSession(prob *problem.Problem) (*session.Session, error) {
	if prob != nil {
		if err := prob.Validate(); err != nil {
			return nil, err
		}
	}
	s, err := session.New(session.Config{
		Problem:   prob,
		OutputDir: o.cfg.OutputDir,
		Bus:       o.bus,
		Store:     o.store,
		Tuner:     o,
		Logger:    o.log,
	})
	if err != nil {
		return nil, err
	}
	if err := o.registry.Add(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Session returns a registered session.
func (o *Orchestrator) Session(id string) (*session.Session, error) {
	return o.registry.Get(id)
}

// Sessions returns the status of every registered session.
func (o *Orchestrator) Sessions() []session.Status {
	list := o.registry.List()
	out := make([]session.Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	return out
}

// StopSession asks a session's search to wind down.
func (o *Orchestrator) StopSession(id string) error {
	s, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// CloseSession stops and unregisters a session.
func (o *Orchestrator) CloseSession(id string) error {
	s, ok := o.registry.Remove(id)
	if !ok {
		return errors.NewNotFoundError("session", id)
	}
	s.Close()
	return nil
}

// SubmitTuning implements session.Tuner.
func (o *Orchestrator) SubmitTuning(s *session.Session, req job.TuneRequest) {
	j := job.NewTune(o.env, req, s, job.Options{SessionID: s.ID(), RunsDir: s.Layout().Runs()})
	o.scheduler.Submit(j)
}
