package scaling

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Default policy values.
const (
	defaultMaxMemoryPercent = 90.0
	defaultMinAvailable     = 0
	defaultMinRunning       = 1

	// FallbackMaxRunning is used when the CPU count cannot be read.
	FallbackMaxRunning = 6
)

// DefaultMaxRunning returns the default bound on concurrent jobs: one per
// logical CPU, capped at FallbackMaxRunning.
func DefaultMaxRunning() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return FallbackMaxRunning
	}
	return min(n, FallbackMaxRunning)
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxMemoryPercent holds new jobs while host memory use is at or above
// pct percent. Zero disables the check.
func WithMaxMemoryPercent(pct float64) Option {
	return func(p *Policy) { p.maxMemoryPercent = pct }
}

// WithMinAvailable holds new jobs while fewer than n bytes are available.
func WithMinAvailable(n uint64) Option {
	return func(p *Policy) { p.minAvailable = n }
}

// WithMinRunning always admits while fewer than n jobs run, so a loaded
// host slows a search down instead of stalling it.
func WithMinRunning(n int) Option {
	return func(p *Policy) { p.minRunning = n }
}

// Policy defines the admission rules.
// It is safe for concurrent use.
type Policy struct {
	mu               sync.Mutex
	maxMemoryPercent float64
	minAvailable     uint64
	minRunning       int
}

// NewPolicy creates a Policy with the given options.
// Unset options use defaults.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		maxMemoryPercent: defaultMaxMemoryPercent,
		minAvailable:     defaultMinAvailable,
		minRunning:       defaultMinRunning,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate decides whether one more job may start given the latest sample
// and the number of running jobs. A zero sample always admits.
func (p *Policy) Evaluate(s Sample, running int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if running < p.minRunning {
		return Decision{Action: ActionAdmit, Reason: fmt.Sprintf("%d running is below the floor of %d", running, p.minRunning)}
	}
	if s.Time.IsZero() {
		return Decision{Action: ActionAdmit, Reason: "no memory sample yet"}
	}
	if p.maxMemoryPercent > 0 && s.UsedPercent >= p.maxMemoryPercent {
		return Decision{
			Action: ActionHold,
			Reason: fmt.Sprintf("memory use %.1f%% at or above %.1f%%", s.UsedPercent, p.maxMemoryPercent),
		}
	}
	if p.minAvailable > 0 && s.Available < p.minAvailable {
		return Decision{
			Action: ActionHold,
			Reason: fmt.Sprintf("%d bytes available, %d reserved", s.Available, p.minAvailable),
		}
	}
	return Decision{Action: ActionAdmit, Reason: "memory within limits"}
}
