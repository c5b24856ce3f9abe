package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Iron-Ham/pipesearch/internal/logging"
)

const defaultSampleInterval = 2 * time.Second

// Probe reads host memory.
type Probe func(ctx context.Context) (Sample, error)

// HostProbe reads virtual memory statistics through gopsutil.
func HostProbe(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{UsedPercent: vm.UsedPercent, Available: vm.Available, Time: time.Now()}, nil
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithProbe replaces the host memory probe.
func WithProbe(p Probe) MonitorOption {
	return func(m *Monitor) { m.probe = p }
}

// WithSampleInterval sets how often memory is sampled.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithLogger sets the logger used to report hold and release transitions.
func WithLogger(l *logging.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// Monitor samples host memory in the background and answers admission
// queries from the latest sample, so the scheduler loop never blocks on a
// system call.
type Monitor struct {
	policy   *Policy
	probe    Probe
	interval time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	sample   Sample
	holding  bool
	cancel   context.CancelFunc
	handlers []func(Decision)
}

// NewMonitor creates a Monitor applying policy.
func NewMonitor(policy *Policy, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		policy:   policy,
		probe:    HostProbe,
		interval: defaultSampleInterval,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnDecision registers a callback invoked when admission flips between
// admit and hold.
func (m *Monitor) OnDecision(handler func(Decision)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Refresh takes one sample now.
func (m *Monitor) Refresh(ctx context.Context) {
	s, err := m.probe(ctx)
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
		return
	}
	m.mu.Lock()
	m.sample = s
	m.mu.Unlock()
}

// Sample returns the latest sample.
func (m *Monitor) Sample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample
}

// Admit reports whether one more job may start while running jobs are
// active.
func (m *Monitor) Admit(running int) bool {
	m.mu.Lock()
	d := m.policy.Evaluate(m.sample, running)
	hold := d.Action == ActionHold
	changed := hold != m.holding
	m.holding = hold
	handlers := make([]func(Decision), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if changed {
		if hold {
			m.logger.Warn("holding pending jobs", "reason", d.Reason, "running", running)
		} else {
			m.logger.Info("admitting pending jobs", "reason", d.Reason, "running", running)
		}
		for _, h := range handlers {
			h(d)
		}
	}
	return !hold
}

// Start samples memory until the context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Stop cancels the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
