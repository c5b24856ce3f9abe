package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// ErrExecutorStopped is returned when a task is submitted after shutdown.
var ErrExecutorStopped = errors.New("orchestrator task executor stopped")

// task is one orchestration step such as a generator loop.
type task struct {
	name string
	fn   func(ctx context.Context)
}

// executor runs orchestration tasks on a bounded goroutine pool. Submit
// never blocks: tasks wait in an unbounded FIFO until a pool slot frees up.
type executor struct {
	log  *logging.Logger
	pool *pool.Pool

	mu      sync.Mutex
	queue   []task
	notify  chan struct{}
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newExecutor(size int, logger *logging.Logger) *executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &executor{
		log:    logger,
		pool:   pool.New().WithMaxGoroutines(max(size, 1)),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (e *executor) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	go e.dispatch()
}

// submit queues fn.
func (e *executor) submit(name string, fn func(ctx context.Context)) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	e.queue = append(e.queue, task{name: name, fn: fn})
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *executor) dispatch() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.notify:
			case <-e.ctx.Done():
			}
			continue
		}
		t := e.queue[0]
		e.queue[0] = task{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		// Blocks while every pool goroutine is busy.
		e.pool.Go(func() { e.run(t) })
	}
}

func (e *executor) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("orchestration task panicked",
				"task", t.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t.fn(e.ctx)
}

// pending returns the number of queued tasks not yet handed to the pool.
func (e *executor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// stop cancels running tasks, drops queued ones and waits for the pool.
func (e *executor) stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	dropped := len(e.queue)
	e.queue = nil
	e.mu.Unlock()

	e.cancel()
	if started {
		<-e.done
	}
	e.pool.Wait()
	if dropped > 0 {
		e.log.Warn("dropped queued orchestration tasks", "count", dropped)
	}
}
