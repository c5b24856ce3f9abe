package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
)

// Defaults applied to a zero Spec.
const (
	DefaultGrace      = 30 * time.Second
	DefaultStderrTail = 64 * 1024

	// waitDelay bounds how long Wait keeps copying output after the process
	// exited, in case a grandchild still holds the pipes.
	waitDelay = 5 * time.Second
)

// Spec describes a worker process to launch.
type Spec struct {
	// Name labels the process in errors and logs, e.g. "scoring".
	Name    string
	Command string
	Args    []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
	// LogPath receives stdout and stderr. Empty discards them.
	LogPath string
	// Timeout is the hard wall-clock limit. Zero disables it.
	Timeout time.Duration
	// Grace is the delay between SIGTERM and SIGKILL.
	Grace time.Duration
	// StderrTail is how many trailing stderr bytes are kept for error details.
	StderrTail int
}

// Status is a snapshot of a worker process.
type Status struct {
	Running  bool
	ExitCode int
	TimedOut bool
	// Stopped is set when termination was requested through Terminate.
	Stopped  bool
	Stderr   string
	Duration time.Duration
	// Err is nil only for a clean exit with code 0.
	Err error
}

// Success reports a finished process that exited cleanly.
func (s Status) Success() bool {
	return !s.Running && s.Err == nil
}

// ExitError reports a non-zero exit. Its message is the captured stderr.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

// Process supervises one worker process and the message channel attached to it.
// Poll is non-blocking and drives timeout escalation, so a single goroutine
// can supervise many processes.
type Process struct {
	spec Spec
	now  func() time.Time

	mu       sync.Mutex
	cmd      *exec.Cmd
	ep       *channel.Endpoint
	logFile  *os.File
	stderr   *tailBuffer
	started  time.Time
	finished time.Time
	waitErr  error
	termAt   time.Time
	killed   bool
	timedOut bool
	stopped  bool

	done chan struct{}
}

// New creates an unstarted Process.
func New(spec Spec) *Process {
	if spec.Grace <= 0 {
		spec.Grace = DefaultGrace
	}
	if spec.StderrTail <= 0 {
		spec.StderrTail = DefaultStderrTail
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Command)
	}
	return &Process{
		spec:   spec,
		now:    time.Now,
		stderr: newTailBuffer(spec.StderrTail),
		done:   make(chan struct{}),
	}
}

// Spec returns the launch description.
func (p *Process) Spec() Spec {
	return p.spec
}

// Start spawns the process with params JSON-encoded on its stdin and a
// channel attached on descriptors 3 and 4.
func (p *Process) Start(params any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.NewLaunchError(p.spec.Name, fmt.Errorf("already started"))
	}

	bundle, err := json.Marshal(params)
	if err != nil {
		return errors.NewLaunchError(p.spec.Name, fmt.Errorf("encode parameters: %w", err))
	}

	ep, err := channel.NewPipe()
	if err != nil {
		return errors.NewLaunchError(p.spec.Name, err)
	}

	var out io.Writer = io.Discard
	if p.spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.spec.LogPath), 0755); err != nil {
			ep.ReleaseChildFiles()
			_ = ep.Close()
			return errors.NewLaunchError(p.spec.Name, err)
		}
		f, err := os.OpenFile(p.spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			ep.ReleaseChildFiles()
			_ = ep.Close()
			return errors.NewLaunchError(p.spec.Name, err)
		}
		p.logFile = f
		out = f
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = append(append(os.Environ(), p.spec.Env...), channel.EnvChannel+"=1")
	cmd.Stdin = bytes.NewReader(bundle)
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(p.stderr, out)
	cmd.ExtraFiles = ep.ChildFiles
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		ep.ReleaseChildFiles()
		_ = ep.Close()
		if p.logFile != nil {
			_ = p.logFile.Close()
			p.logFile = nil
		}
		return errors.NewLaunchError(p.spec.Name, err)
	}
	ep.ReleaseChildFiles()

	p.cmd = cmd
	p.ep = ep
	p.started = p.now()
	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	p.finished = p.now()
	if p.logFile != nil {
		_ = p.logFile.Close()
		p.logFile = nil
	}
	p.mu.Unlock()

	close(p.done)
}

// Channel returns the message channel to the child, or nil before Start.
func (p *Process) Channel() *channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ep == nil {
		return nil
	}
	return p.ep.Channel
}

// Pid returns the child's process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed once the process has exited and its output is flushed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports the process state without blocking. While running past the
// timeout it sends SIGTERM to the process group, and SIGKILL once the grace
// window has elapsed since termination began.
func (p *Process) Poll() Status {
	select {
	case <-p.done:
		return p.exitStatus()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return Status{Running: false, ExitCode: -1, Err: errors.NewLaunchError(p.spec.Name, fmt.Errorf("not started"))}
	}

	now := p.now()
	if p.spec.Timeout > 0 && !p.timedOut && now.Sub(p.started) > p.spec.Timeout {
		p.timedOut = true
		p.beginTerminationLocked(now)
	}
	if !p.termAt.IsZero() && !p.killed && now.Sub(p.termAt) >= p.spec.Grace {
		p.killed = true
		killProcess(p.cmd)
	}

	return Status{Running: true, Duration: now.Sub(p.started)}
}

func (p *Process) beginTerminationLocked(now time.Time) {
	if !p.termAt.IsZero() {
		return
	}
	p.termAt = now
	terminateProcess(p.cmd)
}

func (p *Process) exitStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		ExitCode: -1,
		TimedOut: p.timedOut,
		Stopped:  p.stopped,
		Stderr:   p.stderr.String(),
		Duration: p.finished.Sub(p.started),
	}
	if p.cmd.ProcessState != nil {
		st.ExitCode = p.cmd.ProcessState.ExitCode()
	}

	switch {
	case p.timedOut:
		st.Err = errors.NewTimeoutError(p.spec.Name, p.spec.Timeout)
	case p.waitErr != nil || st.ExitCode != 0:
		st.Err = &ExitError{Name: p.spec.Name, Code: st.ExitCode, Stderr: st.Stderr}
	}
	return st
}

// Terminate requests a graceful stop. Subsequent Poll calls force-kill the
// process once the grace window has elapsed.
func (p *Process) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.isDone() {
		return
	}
	p.stopped = true
	p.beginTerminationLocked(p.now())
}

// Kill forces the process group to exit immediately.
func (p *Process) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.isDone() || p.killed {
		return
	}
	p.killed = true
	if p.termAt.IsZero() {
		p.termAt = p.now()
	}
	killProcess(p.cmd)
}

func (p *Process) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits, driving timeout escalation. If ctx
// ends first the process is killed and Wait still returns its final status.
func (p *Process) Wait(ctx context.Context) Status {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if st := p.Poll(); !st.Running {
			return st
		}
		select {
		case <-p.done:
		case <-ticker.C:
		case <-ctx.Done():
			p.Kill()
			<-p.done
			return p.exitStatus()
		}
	}
}

// Close releases the channel. It does not stop a running process.
func (p *Process) Close() error {
	p.mu.Lock()
	ep := p.ep
	p.mu.Unlock()
	if ep != nil {
		return ep.Close()
	}
	return nil
}

// ReadParams decodes the parameter bundle a worker receives on stdin.
func ReadParams(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("read worker parameters: %w", err)
	}
	return nil
}
