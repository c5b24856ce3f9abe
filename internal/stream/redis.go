package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// clusterMessage is the payload exchanged between instances on the redis channel.
type clusterMessage struct {
	Origin   string         `json:"origin"`
	Envelope event.Envelope `json:"envelope"`
}

// RedisFanout shares events between instances through a redis pub/sub
// channel. Local events go out through Deliver; events published by other
// instances are injected into the local bridge by Run.
type RedisFanout struct {
	rdb     *redis.Client
	channel string
	bridge  *Bridge
	logger  *logging.Logger
}

// NewRedisFanout connects to the redis server at url.
func NewRedisFanout(url, channel string, bridge *Bridge, logger *logging.Logger) (*RedisFanout, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &RedisFanout{
		rdb:     redis.NewClient(opt),
		channel: channel,
		bridge:  bridge,
		logger:  logger.With("component", "redis_fanout"),
	}, nil
}

// Name implements Sink.
func (r *RedisFanout) Name() string {
	return "redis"
}

// Ping checks the connection.
func (r *RedisFanout) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Deliver publishes a local event for the other instances.
func (r *RedisFanout) Deliver(ctx context.Context, env event.Envelope, _ []byte) error {
	payload, err := encodeCluster(r.bridge.InstanceID(), env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// Run subscribes to the channel and injects remote events until ctx ends.
func (r *RedisFanout) Run(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			origin, env, err := decodeCluster(msg.Payload)
			if err != nil {
				r.logger.Warn("redis message parse error", "error", err)
				continue
			}
			if origin == r.bridge.InstanceID() {
				continue
			}
			if err := r.bridge.Inject(env, origin); err != nil {
				r.logger.Warn("failed to inject remote event", "event", env.Event, "error", err)
			}
		}
	}
}

// Close releases the client.
func (r *RedisFanout) Close() error {
	return r.rdb.Close()
}

func encodeCluster(origin string, env event.Envelope) ([]byte, error) {
	data, err := json.Marshal(clusterMessage{Origin: origin, Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("encode cluster message: %w", err)
	}
	return data, nil
}

func decodeCluster(payload string) (string, event.Envelope, error) {
	var m clusterMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", event.Envelope{}, err
	}
	if m.Origin == "" || m.Envelope.Event == "" {
		return "", event.Envelope{}, fmt.Errorf("incomplete cluster message")
	}
	return m.Origin, m.Envelope, nil
}
