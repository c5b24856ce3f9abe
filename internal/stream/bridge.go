package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// Topic is the watermill topic carrying encoded bus events.
const Topic = "events"

// Message metadata keys.
const (
	MetaEvent   = "event"
	MetaSession = "session_id"
	MetaOrigin  = "origin"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 256

// ErrClosed is returned when subscribing to a closed bridge.
var ErrClosed = errors.New("stream bridge closed")

// Sink receives every event that originated on this instance.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env event.Envelope, payload []byte) error
}

// Bridge copies events from the synchronous bus onto a watermill pub/sub so
// that network consumers never run inside a bus handler. Events keep their
// publish order: a single pump forwards them and waits for subscriber acks.
type Bridge struct {
	bus      *event.Bus
	pubsub   *gochannel.GoChannel
	logger   *logging.Logger
	instance string
	buffer   int

	mu      sync.Mutex
	queue   *event.Queue
	cancel  context.CancelFunc
	done    chan struct{}
	sinkers sync.WaitGroup
	closed  bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBuffer sets the per-subscriber envelope buffer.
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithInstanceID overrides the generated instance id stamped on local events.
func WithInstanceID(id string) Option {
	return func(b *Bridge) {
		if id != "" {
			b.instance = id
		}
	}
}

// NewBridge creates a bridge for bus. Call Start to begin forwarding.
func NewBridge(bus *event.Bus, logger *logging.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = logging.NopLogger()
	}
	b := &Bridge{
		bus:      bus,
		logger:   logger.With("component", "stream"),
		instance: uuid.NewString(),
		buffer:   DefaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(b.buffer),
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(b.logger))
	return b
}

// InstanceID identifies events that originated on this process.
func (b *Bridge) InstanceID() string {
	return b.instance
}

// Start subscribes to the bus and runs the forwarding pump until Close.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue != nil || b.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.queue = b.bus.SubscribeQueue(nil)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.pump(ctx, b.queue, b.done)
}

func (b *Bridge) pump(ctx context.Context, q *event.Queue, done chan struct{}) {
	defer close(done)
	for {
		e, err := q.Next(ctx)
		if err != nil {
			return
		}
		if err := b.publish(event.Encode(e), b.instance); err != nil {
			b.logger.Warn("failed to forward event", "event", e.EventType(), "error", err)
		}
	}
}

// Inject publishes an envelope that originated elsewhere. Injected events
// reach subscribers but are never handed to sinks.
func (b *Bridge) Inject(env event.Envelope, origin string) error {
	if origin == "" || origin == b.instance {
		return fmt.Errorf("inject: foreign origin required, got %q", origin)
	}
	return b.publish(env, origin)
}

func (b *Bridge) publish(env event.Envelope, origin string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaEvent, env.Event)
	msg.Metadata.Set(MetaSession, env.SessionOf())
	msg.Metadata.Set(MetaOrigin, origin)
	return b.pubsub.Publish(Topic, msg)
}

// Subscribe streams envelopes for one session, or for every session when
// sessionID is empty. The channel closes when ctx ends or the bridge closes.
// A subscriber that falls a full buffer behind loses events rather than
// stalling the others.
func (b *Bridge) Subscribe(ctx context.Context, sessionID string) (<-chan event.Envelope, error) {
	messages, err := b.subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan event.Envelope, b.buffer)
	go func() {
		defer close(out)
		for msg := range messages {
			if sessionID != "" && msg.Metadata.Get(MetaSession) != sessionID {
				msg.Ack()
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Warn("dropping undecodable event", "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- env:
			default:
				b.logger.Warn("subscriber too slow, dropping event", "event", env.Event, "session_id", sessionID)
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Attach hands every locally originated event to sink until ctx ends.
// Messages are acked before delivery so a slow sink only backs up its own
// buffer. Delivery errors are logged and the event is skipped.
func (b *Bridge) Attach(ctx context.Context, sink Sink) error {
	messages, err := b.subscribe(ctx)
	if err != nil {
		return err
	}

	logger := b.logger.With("sink", sink.Name())
	b.sinkers.Go(func() {
		for msg := range messages {
			msg.Ack()
			if msg.Metadata.Get(MetaOrigin) != b.instance {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				continue
			}
			if err := sink.Deliver(ctx, env, msg.Payload); err != nil {
				logger.Warn("sink delivery failed", "event", env.Event, "error", err)
			}
		}
	})
	return nil
}

func (b *Bridge) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return b.pubsub.Subscribe(ctx, Topic)
}

// Close stops forwarding and closes every subscription.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queue, cancel, done := b.queue, b.cancel, b.done
	b.mu.Unlock()

	if queue != nil {
		cancel()
		queue.Close()
		<-done
	}
	err := b.pubsub.Close()
	b.sinkers.Wait()
	return err
}
