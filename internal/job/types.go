package job

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/store"
	"github.com/Iron-Ham/pipesearch/internal/worker"
)

// State is the lifecycle state of a job.
type State string

const (
	// StatePending indicates the job is queued and has not been started.
	StatePending State = "pending"

	// StateRunning indicates the worker process is alive.
	StateRunning State = "running"

	// StateSuccess indicates the worker exited cleanly and reported what
	// its kind requires.
	StateSuccess State = "success"

	// StateError indicates a launch failure, non-zero exit or protocol
	// violation.
	StateError State = "error"

	// StateTimedOut indicates the worker exceeded its hard timeout.
	StateTimedOut State = "timed_out"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if this state is final.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateError || s == StateTimedOut
}

// ErrInvalidTransition is returned when a job is moved backwards or out of a
// terminal state.
var ErrInvalidTransition = errors.New("invalid job state transition")

func checkTransition(from, to State) error {
	ok := false
	switch from {
	case StatePending:
		ok = to == StateRunning || to == StateError
	case StateRunning:
		ok = to.IsTerminal()
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Job kinds. Event names are the kind joined with a phase.
const (
	KindScoring  = "scoring"
	KindTraining = "training"
	KindTesting  = "testing"
	KindTuning   = "tuning"
)

// Kinds lists every job kind.
func Kinds() []string {
	return []string{KindScoring, KindTraining, KindTesting, KindTuning}
}

// Job is a unit of isolated work backed by one worker process.
//
// Start, Check, Poll and Fail are driven by the scheduler loop; the getters
// are safe to call from any goroutine.
type Job interface {
	ID() string
	Kind() string
	PipelineID() string
	SessionID() string
	State() State
	// Err is the failure that ended the job, nil unless State is Error or
	// TimedOut.
	Err() error

	// Start launches the worker and emits <kind>_start. A launch failure
	// moves the job to Error, emits <kind>_error and is returned.
	Start() error
	// Check drains channel messages into the job, then polls.
	Check() bool
	// Poll reports whether the job is terminal, finalizing it when the
	// worker has exited.
	Poll() bool
	// Fail kills the worker and ends the job with err unless it already
	// ended.
	Fail(err error)
}

// Command is how a worker for one job kind is launched.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Launcher resolves the worker process description for a job kind.
type Launcher func(kind string) (worker.Spec, error)

// Commands builds a Launcher from a per-kind command table.
func Commands(cmds map[string]Command) Launcher {
	return func(kind string) (worker.Spec, error) {
		c, ok := cmds[kind]
		if !ok || c.Path == "" {
			return worker.Spec{}, errors.NewConfigurationError(fmt.Sprintf("no worker command configured for %s", kind)).WithField("workers." + kind)
		}
		return worker.Spec{Command: c.Path, Args: c.Args, Env: c.Env}, nil
	}
}

// StoreRef tells workers which database to read pipelines from.
type StoreRef struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Env is what jobs share: how to launch workers, where to publish events and
// where artifacts land.
type Env struct {
	Launcher Launcher
	Bus      *event.Bus
	// Store records scores reported over the channel. Optional.
	Store    store.Store
	StoreRef StoreRef
	// RuntimeDir is where train and test workers write step artifacts and
	// fitted pipelines.
	RuntimeDir string
	// RunsDir receives per-job run logs unless a job overrides it.
	RunsDir string
	Logger  *logging.Logger
	// Grace overrides the worker SIGTERM to SIGKILL window.
	Grace time.Duration
}

// Defaults.
const (
	ScoreTimeout = 10 * time.Minute

	// drainTimeout bounds the wait for messages still in flight when a
	// worker exits.
	drainTimeout = time.Second

	recordTimeout = 30 * time.Second
)
