package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker. It backs single-node deployments and tests.
type MemoryBroker struct {
	opts Options

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewMemoryBroker creates a MemoryBroker whose subscriptions use opts.
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:   opts.normalized(),
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers payload to every current subscriber of topic. A topic with
// no subscribers silently discards the payload.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}
	return nil
}

// Subscribe registers a new subscription on topics.
func (b *MemoryBroker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(topics, b.opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	for _, t := range topics {
		set, ok := b.topics[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.topics[t] = set
		}
		set[sub] = struct{}{}
	}
	sub.onClose = func() { b.remove(sub) }
	return sub, nil
}

func (b *MemoryBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.topics {
		if set, ok := b.topics[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.topics, t)
			}
		}
	}
}

// Close closes every open subscription and rejects further use.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, set := range b.topics {
		for s := range set {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				subs = append(subs, s)
			}
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown(false)
	}
	return nil
}
