package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// streamMaxAge bounds how long the JetStream stream retains events.
const streamMaxAge = 7 * 24 * time.Hour

// NATSSink persists local events to a JetStream stream. Each event is
// published on <prefix>.<event name>, where prefix is the lowercased stream
// name.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNATSSink connects to url and ensures the stream exists.
func NewNATSSink(ctx context.Context, url, streamName string, logger *logging.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name("pipesearch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	prefix := subjectPrefix(streamName)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		// The stream may exist with a config we are not allowed to change.
		logger.Warn("failed to ensure stream", "stream", streamName, "error", err)
	}

	return &NATSSink{nc: nc, js: js, prefix: prefix}, nil
}

// Name implements Sink.
func (n *NATSSink) Name() string {
	return "nats"
}

// Deliver publishes the encoded envelope.
func (n *NATSSink) Deliver(ctx context.Context, env event.Envelope, payload []byte) error {
	subject := Subject(n.prefix, env.Event)
	if _, err := n.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATSSink) Close() error {
	return n.nc.Drain()
}

func subjectPrefix(streamName string) string {
	return strings.ToLower(streamName)
}

// Subject returns the subject an event name is published on.
func Subject(prefix, eventName string) string {
	return prefix + "." + eventName
}
