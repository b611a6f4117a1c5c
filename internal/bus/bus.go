// Package bus provides the in-process publish/subscribe fabric that decouples
// stream consumers from the stream client. Topics are event type names plus
// derived topics such as the merged-record feed; payloads keep the shape of
// the originating event data.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Handler consumes a published payload. Handlers run synchronously on the
// publisher's goroutine; slow handlers stall the event timeline, so UI
// fragments hand off to their own machinery when they need to block.
type Handler func(payload any)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	id    string
	topic string
}

// Topic returns the topic this subscription listens on.
func (s Subscription) Topic() string { return s.topic }

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = eris.New("bus: closed")

type subscriber struct {
	id string
	fn Handler
}

// Bus is a named-topic publish/subscribe dispatcher. The subscriber registry
// is explicit owned data; there is no global listener state.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string][]subscriber
	closed    bool
	published atomic.Uint64
	unrouted  atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscriber)}
}

// Subscribe registers fn for payloads published on topic. Handlers on a
// topic are invoked in subscription order.
func (b *Bus) Subscribe(topic string, fn Handler) (Subscription, error) {
	if fn == nil {
		return Subscription{}, eris.New("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}, ErrClosed
	}

	sub := subscriber{id: uuid.New().String(), fn: fn}
	b.topics[topic] = append(b.topics[topic], sub)
	return Subscription{id: sub.id, topic: topic}, nil
}

// Unsubscribe removes a subscription. Unknown subscriptions are a no-op, so
// teardown paths can unsubscribe unconditionally.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers payload to every handler subscribed to topic, in
// subscription order, on the caller's goroutine. Publishing to a topic
// nobody listens on is a counted no-op. Handlers added during dispatch do
// not see the in-flight payload.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.topics[topic]
	// Snapshot so handlers may (un)subscribe without deadlocking.
	snapshot := make([]subscriber, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		b.unrouted.Add(1)
		return
	}
	b.published.Add(1)

	for _, s := range snapshot {
		s.fn(payload)
	}
}

// Stats reports bus counters and the live subscriber count.
type Stats struct {
	Topics      int    `json:"topics"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Unrouted    uint64 `json:"unrouted"`
}

// Stats returns a point-in-time view of the registry.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Topics:    len(b.topics),
		Published: b.published.Load(),
		Unrouted:  b.unrouted.Load(),
	}
	for _, subs := range b.topics {
		st.Subscribers += len(subs)
	}
	return st
}

// Close drops every subscription and rejects further subscribes. Publish on
// a closed bus is a silent no-op so late stream callbacks cannot panic a
// torn-down session.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.topics = nil
	zap.L().Debug("bus: closed")
}
