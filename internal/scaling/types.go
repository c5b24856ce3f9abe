package scaling

import "time"

// Action represents an admission decision.
type Action string

const (
	// ActionAdmit indicates another job may start.
	ActionAdmit Action = "admit"

	// ActionHold indicates pending jobs should wait for the next tick.
	ActionHold Action = "hold"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// Decision is the result of evaluating the policy against the latest host
// sample and the number of running jobs.
type Decision struct {
	Action Action

	// Reason is a human-readable explanation of the decision.
	Reason string
}

// Sample is a snapshot of host memory.
type Sample struct {
	UsedPercent float64
	Available   uint64
	Time        time.Time
}
