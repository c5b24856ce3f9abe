package job

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/worker"
)

// behavior is what distinguishes one job kind from another.
type behavior interface {
	// handle consumes one channel message. An error is a protocol violation.
	handle(msg channel.Message) error
	// succeed runs after a clean exit and returns the events to publish,
	// the terminal one first. An error turns the exit into a failure.
	succeed() ([]event.Event, error)
	// finished runs after the terminal events were published.
	finished(ok bool)
}

// Options are per-job settings shared by every kind.
type Options struct {
	SessionID string
	// RunsDir overrides Env.RunsDir for this job's run log.
	RunsDir string
}

type base struct {
	id         string
	kind       string
	pipelineID string
	sessionID  string
	env        *Env
	params     any
	timeout    time.Duration
	logPath    string
	behavior   behavior
	log        *logging.Logger

	mu        sync.Mutex
	state     State
	err       error
	proc      *worker.Process
	violation error
	ended     bool
}

func newBase(kind, pipelineID string, env *Env, opts Options) *base {
	id := uuid.NewString()
	runs := opts.RunsDir
	if runs == "" {
		runs = env.RunsDir
	}
	var logPath string
	if runs != "" {
		logPath = filepath.Join(runs, id+".log")
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithJob(id, kind).WithPipeline(pipelineID)
	if opts.SessionID != "" {
		logger = logger.WithSession(opts.SessionID)
	}
	return &base{
		id:         id,
		kind:       kind,
		pipelineID: pipelineID,
		sessionID:  opts.SessionID,
		env:        env,
		logPath:    logPath,
		log:        logger,
		state:      StatePending,
	}
}

func (b *base) ID() string         { return b.id }
func (b *base) Kind() string       { return b.kind }
func (b *base) PipelineID() string { return b.pipelineID }
func (b *base) SessionID() string  { return b.sessionID }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) event(phase string) event.JobEvent {
	return event.NewJobEvent(event.Name(b.kind, phase), b.id, b.sessionID, b.pipelineID)
}

func (b *base) publish(events ...event.Event) {
	if b.env.Bus == nil {
		return
	}
	for _, e := range events {
		b.env.Bus.Publish(e)
	}
}

func (b *base) Start() error {
	b.mu.Lock()
	if err := checkTransition(b.state, StateRunning); err != nil {
		b.mu.Unlock()
		return err
	}

	var spec worker.Spec
	var err error
	if b.env.Launcher == nil {
		err = errors.NewConfigurationError("no worker launcher configured")
	} else {
		spec, err = b.env.Launcher(b.kind)
	}
	if err == nil {
		spec.Name = b.kind
		spec.Timeout = b.timeout
		spec.LogPath = b.logPath
		if b.env.Grace > 0 {
			spec.Grace = b.env.Grace
		}
		proc := worker.New(spec)
		if err = proc.Start(b.params); err == nil {
			b.proc = proc
			b.state = StateRunning
			b.mu.Unlock()
			b.log.Info("job started", "pid", proc.Pid(), "timeout", b.timeout.String())
			b.publish(b.event(event.PhaseStart))
			return nil
		}
	}

	var launchErr *errors.LaunchError
	if !errors.As(err, &launchErr) {
		launchErr = errors.NewLaunchError(b.kind, err)
	}
	launchErr = launchErr.WithJobID(b.id)
	b.ended = true
	b.state = StateError
	b.err = launchErr
	b.mu.Unlock()

	b.log.Error("job failed to launch", "error", err)
	ev := b.event(event.PhaseError)
	ev.Error = launchErr.Error()
	b.publish(ev)
	b.behavior.finished(false)
	return launchErr
}

func (b *base) Check() bool {
	b.mu.Lock()
	proc := b.proc
	ended := b.ended
	b.mu.Unlock()
	if ended {
		return true
	}
	if proc != nil {
		b.drain(proc.Channel(), 0)
	}
	return b.Poll()
}

// drain feeds queued messages to the behavior until the channel is empty.
// A positive wait keeps receiving until the channel closes or stays quiet
// that long.
func (b *base) drain(ch *channel.Channel, wait time.Duration) {
	if ch == nil {
		return
	}
	for {
		msg, err := ch.Receive(wait)
		if err != nil {
			return
		}
		if herr := b.behavior.handle(msg); herr != nil {
			b.log.Error("protocol violation", "tag", msg.Tag, "error", herr)
			b.mu.Lock()
			if b.violation == nil {
				b.violation = herr
			}
			b.mu.Unlock()
		}
	}
}

func (b *base) Poll() bool {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return true
	}
	proc := b.proc
	b.mu.Unlock()
	if proc == nil {
		return false
	}

	st := proc.Poll()
	if st.Running {
		return false
	}
	b.drain(proc.Channel(), drainTimeout)
	b.complete(proc, st)
	return true
}

func (b *base) complete(proc *worker.Process, st worker.Status) {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	violation := b.violation
	b.mu.Unlock()

	err := st.Err
	if err == nil {
		err = violation
	}
	var events []event.Event
	if err == nil {
		events, err = b.behavior.succeed()
	}

	state := StateSuccess
	if err != nil {
		state = StateError
		if st.TimedOut {
			state = StateTimedOut
		}
		ev := b.event(event.PhaseError)
		ev.Error = err.Error()
		events = []event.Event{ev}
		b.log.Error("job failed", "exit_code", st.ExitCode, "timed_out", st.TimedOut,
			"duration", st.Duration.String(), "error", err)
	} else {
		b.log.Info("job succeeded", "duration", st.Duration.String())
	}

	b.mu.Lock()
	if terr := checkTransition(b.state, state); terr != nil {
		b.log.Warn("unexpected job transition", "error", terr)
	}
	b.state = state
	b.err = err
	b.mu.Unlock()

	_ = proc.Close()
	b.publish(events...)
	b.behavior.finished(err == nil)
}

func (b *base) Fail(err error) {
	if err == nil {
		err = errors.New("job aborted")
	}
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	proc := b.proc
	b.state = StateError
	b.err = err
	b.mu.Unlock()

	if proc != nil {
		proc.Kill()
		_ = proc.Close()
	}
	b.log.Error("job aborted", "error", err)
	ev := b.event(event.PhaseError)
	ev.Error = err.Error()
	b.publish(ev)
	b.behavior.finished(false)
}

// String identifies the job in logs.
func (b *base) String() string {
	return fmt.Sprintf("%s job %s (pipeline %s)", b.kind, b.id, b.pipelineID)
}
