package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker publishes through Redis PUBLISH/SUBSCRIBE so several server
// instances share the same exam topics.
type RedisBroker struct {
	rdb  *redis.Client
	opts Options
	log  zerolog.Logger
}

// NewRedisBroker creates a RedisBroker on top of an existing client.
func NewRedisBroker(rdb *redis.Client, opts Options, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:  rdb,
		opts: opts.normalized(),
		log:  log.With().Str("component", "redis_broker").Logger(),
	}
}

// Publish sends payload to topic. Redis drops it when nobody is subscribed.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub connection on topics and waits for the
// subscription to be confirmed before returning.
func (b *RedisBroker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	ps := b.rdb.Subscribe(ctx, topics...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := newSubscription(topics, b.opts)
	sub.onClose = func() {
		if err := ps.Close(); err != nil {
			b.log.Debug().Err(err).Msg("Close pubsub")
		}
	}

	ch := ps.Channel(redis.WithChannelSize(b.opts.BufferSize))
	go func() {
		for m := range ch {
			sub.deliver(Message{Topic: m.Channel, Payload: []byte(m.Payload)})
		}
	}()

	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
