package scaling

import (
	"testing"
	"time"
)

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy()
	if p.maxMemoryPercent != defaultMaxMemoryPercent {
		t.Errorf("maxMemoryPercent = %v, want %v", p.maxMemoryPercent, defaultMaxMemoryPercent)
	}
	if p.minAvailable != defaultMinAvailable {
		t.Errorf("minAvailable = %d, want %d", p.minAvailable, defaultMinAvailable)
	}
	if p.minRunning != defaultMinRunning {
		t.Errorf("minRunning = %d, want %d", p.minRunning, defaultMinRunning)
	}
}

func TestNewPolicy_Options(t *testing.T) {
	p := NewPolicy(
		WithMaxMemoryPercent(75),
		WithMinAvailable(1<<30),
		WithMinRunning(2),
	)
	if p.maxMemoryPercent != 75 {
		t.Errorf("maxMemoryPercent = %v, want 75", p.maxMemoryPercent)
	}
	if p.minAvailable != 1<<30 {
		t.Errorf("minAvailable = %d, want %d", p.minAvailable, 1<<30)
	}
	if p.minRunning != 2 {
		t.Errorf("minRunning = %d, want 2", p.minRunning)
	}
}

func TestPolicy_Evaluate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		sample     Sample
		running    int
		options    []Option
		wantAction Action
	}{
		{
			name:       "admit below floor even under pressure",
			sample:     Sample{UsedPercent: 99, Time: now},
			running:    0,
			wantAction: ActionAdmit,
		},
		{
			name:       "admit without a sample",
			sample:     Sample{},
			running:    4,
			wantAction: ActionAdmit,
		},
		{
			name:       "hold at memory ceiling",
			sample:     Sample{UsedPercent: 90, Time: now},
			running:    3,
			wantAction: ActionHold,
		},
		{
			name:       "admit under memory ceiling",
			sample:     Sample{UsedPercent: 60, Time: now},
			running:    3,
			wantAction: ActionAdmit,
		},
		{
			name:       "ceiling disabled",
			sample:     Sample{UsedPercent: 99, Time: now},
			running:    3,
			options:    []Option{WithMaxMemoryPercent(0)},
			wantAction: ActionAdmit,
		},
		{
			name:       "hold when reserved memory is not available",
			sample:     Sample{UsedPercent: 50, Available: 512, Time: now},
			running:    1,
			options:    []Option{WithMinAvailable(1024)},
			wantAction: ActionHold,
		},
		{
			name:       "raised floor admits",
			sample:     Sample{UsedPercent: 95, Time: now},
			running:    2,
			options:    []Option{WithMinRunning(3)},
			wantAction: ActionAdmit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.options...)
			d := p.Evaluate(tt.sample, tt.running)

			if d.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q (reason %q)", d.Action, tt.wantAction, d.Reason)
			}
			if d.Reason == "" {
				t.Error("Reason should not be empty")
			}
		})
	}
}

func TestDefaultMaxRunning(t *testing.T) {
	n := DefaultMaxRunning()
	if n < 1 || n > FallbackMaxRunning {
		t.Errorf("DefaultMaxRunning() = %d, want 1..%d", n, FallbackMaxRunning)
	}
}

func TestAction_String(t *testing.T) {
	if ActionHold.String() != "hold" {
		t.Errorf("ActionHold.String() = %q", ActionHold.String())
	}
}
