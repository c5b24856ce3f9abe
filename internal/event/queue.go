package event

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Queue.Next after Close.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is a scoped subscription that buffers matching events for a
// consumer that blocks on Next. The buffer is unbounded so publishers never
// wait on a slow consumer.
type Queue struct {
	bus    *Bus
	id     string
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	closed bool
}

// SubscribeQueue subscribes a Queue receiving every event accepted by filter.
// A nil filter receives everything. The caller must Close the queue.
func (b *Bus) SubscribeQueue(filter Filter) *Queue {
	q := &Queue{bus: b, notify: make(chan struct{}, 1)}
	if filter == nil {
		filter = func(Event) bool { return true }
	}
	q.id = b.SubscribeFunc(filter, q.push)
	return q
}

func (q *Queue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered event, blocking until one arrives, the
// context ends, or the queue is closed.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close unsubscribes the queue and wakes any blocked Next.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.bus.Unsubscribe(q.id)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
