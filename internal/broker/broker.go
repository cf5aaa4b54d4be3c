// Package broker is the topic-addressed publish/subscribe transport the
// broadcast hub fans out through. Publishing never blocks on slow subscribers:
// each subscription owns a bounded buffer and a drop policy.
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stemsi/exstem-live/internal/config"
)

// Common broker errors.
var (
	ErrBrokerClosed = errors.New("broker closed")
	ErrNoTopics     = errors.New("subscribe requires at least one topic")
)

// Message is one payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker publishes payloads to topics and hands out subscriptions.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// Options configures subscriber buffers.
type Options struct {
	BufferSize int
	DropPolicy config.DropPolicy
}

func (o Options) normalized() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.DropPolicy != config.DropNewest {
		o.DropPolicy = config.DropOldest
	}
	return o
}

// Subscription receives messages for the topics it was created with.
type Subscription struct {
	topics  []string
	ch      chan Message
	policy  config.DropPolicy
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	onClose   func()
}

func newSubscription(topics []string, opts Options) *Subscription {
	return &Subscription{
		topics: topics,
		ch:     make(chan Message, opts.BufferSize),
		policy: opts.DropPolicy,
	}
}

// C returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Topics returns the topics this subscription listens on.
func (s *Subscription) Topics() []string {
	return s.topics
}

// Dropped returns how many messages the buffer has discarded so far.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() error {
	s.shutdown(true)
	return nil
}

// shutdown closes the channel; detach is false when the broker already dropped the subscription.
func (s *Subscription) shutdown(detach bool) {
	s.closeOnce.Do(func() {
		if detach && s.onClose != nil {
			s.onClose()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// deliver enqueues msg without blocking, applying the drop policy when full.
func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
		return
	default:
	}

	if s.policy == config.DropNewest {
		s.dropped.Add(1)
		return
	}

	// drop_oldest: make room by discarding the head, then retry once.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}
