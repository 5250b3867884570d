// ABOUTME: In-memory fan-out broadcaster for live stream subscribers
// ABOUTME: Non-blocking publish; a subscriber that cannot keep up is disconnected

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Payload is one JSON object pushed to every live subscriber.
type Payload map[string]any

// EventType returns the payload's event_type field, if set.
func (p Payload) EventType() string {
	s, _ := p["event_type"].(string)
	return s
}

// BroadcastObserver receives broadcaster activity for metrics.
type BroadcastObserver interface {
	SubscriberCount(n int)
	PayloadPublished(eventType string, delivered int)
	SubscriberDropped()
}

// Broadcaster delivers payloads to every live subscriber. Subscribers only see
// payloads published after Subscribe returns; nothing is replayed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Payload // subID -> ch
	bufferSize  int
	observer    BroadcastObserver
	logger      *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize overrides the per-subscriber channel buffer.
func WithBufferSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithBroadcastObserver attaches a metrics observer.
func WithBroadcastObserver(o BroadcastObserver) BroadcasterOption {
	return func(b *Broadcaster) { b.observer = o }
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subscribers: make(map[string]chan Payload),
		bufferSize:  subscriberBufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the subscriber is removed, either through Unsubscribe, ctx cancellation,
// a full buffer, or Close.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Payload, string) {
	subID := uuid.New().String()
	ch := make(chan Payload, b.bufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	n := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "subscribers", n)
	if b.observer != nil {
		b.observer.SubscriberCount(n)
	}

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish enqueues p for every subscriber without blocking. A missing
// event_type is filled in as MESSAGE. Subscribers whose buffer is full are
// removed; the rest still receive the payload.
func (b *Broadcaster) Publish(p Payload) {
	if p == nil {
		p = Payload{}
	}
	if p.EventType() == "" {
		p["event_type"] = string(store.EventTypeMessage)
	}

	var failed []string
	delivered := 0

	// Sends are non-blocking, so they happen under the read lock. That keeps
	// Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	for id, ch := range b.subscribers {
		select {
		case ch <- p:
			delivered++
		default:
			failed = append(failed, id)
		}
	}
	b.mu.RUnlock()

	if b.observer != nil {
		b.observer.PayloadPublished(p.EventType(), delivered)
	}

	for _, id := range failed {
		b.logger.Warn("subscriber buffer full, disconnecting", "sub_id", id)
		if b.observer != nil {
			b.observer.SubscriberDropped()
		}
		b.Unsubscribe(id)
	}
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	ch, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.logger.Debug("subscriber removed", "sub_id", subID, "subscribers", n)
	if b.observer != nil {
		b.observer.SubscriberCount(n)
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber and closes their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.SubscriberCount(0)
	}
	b.logger.Debug("broadcaster closed")
}
