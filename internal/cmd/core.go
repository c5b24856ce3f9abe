package cmd

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/scaling"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// Version is set at build time.
var Version = "dev"

// core is the wired orchestrator shared by serve and search.
type core struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *store.GormStore
	monitor *scaling.Monitor
	bus     *event.Bus
	orch    *orchestrator.Orchestrator
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(logging.Options{
		Dir:        cfg.Paths.ResolveLogDir(),
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

// maxRunning resolves the configured job bound, 0 meaning one per CPU.
func maxRunning(cfg *config.Config) int {
	if cfg.Scheduler.MaxRunning > 0 {
		return cfg.Scheduler.MaxRunning
	}
	return scaling.DefaultMaxRunning()
}

// startCore opens the store, starts the memory monitor and the
// orchestrator. Close releases everything in reverse order.
func startCore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*core, error) {
	dsn := cfg.ResolveDSN()
	gs, err := store.Open(store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var st store.Store = gs
	if ttl := cfg.Store.CacheTTL(); ttl > 0 {
		st = store.NewCachedStore(gs, ttl)
	}

	monitor := scaling.NewMonitor(
		scaling.NewPolicy(scaling.WithMaxMemoryPercent(cfg.Scheduler.MaxMemoryPercent)),
		scaling.WithLogger(logger),
	)
	monitor.Start(ctx)

	bus := event.NewBus(event.WithLogger(logger))
	orch := orchestrator.New(orchestrator.Config{
		OutputDir:      cfg.Paths.ResolveOutputDir(),
		RuntimeDir:     cfg.Paths.ResolveRuntimeDir(),
		MaxRunning:     maxRunning(cfg),
		PollInterval:   cfg.Scheduler.PollInterval(),
		Workers:        cfg.Search.Workers,
		TuneTopK:       cfg.Search.TuneTopK,
		ReceiveTimeout: cfg.Search.ReceiveTimeout(),
		Grace:          cfg.Scheduler.Grace(),
	}, st, job.Commands(cfg.Commands()),
		orchestrator.WithLogger(logger),
		orchestrator.WithBus(bus),
		orchestrator.WithStoreRef(job.StoreRef{Driver: cfg.Store.Driver, DSN: dsn}),
		orchestrator.WithAdmission(monitor),
	)
	if err := orch.Start(ctx); err != nil {
		monitor.Stop()
		_ = gs.Close()
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}

	return &core{
		cfg:     cfg,
		logger:  logger,
		store:   gs,
		monitor: monitor,
		bus:     bus,
		orch:    orch,
	}, nil
}

// Close stops the orchestrator, the monitor and the store.
func (r *core) Close() {
	r.orch.Shutdown()
	r.monitor.Stop()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", "error", err)
	}
}
