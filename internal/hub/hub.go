// Package hub provides the in-process fan-out of newly stored events to
// connected operator streams (SSE and WebSocket).
//
// Design notes
//
//   - Each subscriber has a dedicated buffered channel of pre-serialized
//     frames. A non-blocking send is used so that a slow or disconnected
//     consumer never applies back-pressure to the ingestion path.
//   - Subscriptions are tracked in a sync.Map keyed by subscription id to
//     allow concurrent reads without a global lock on the hot publish path.
//   - The event is serialized exactly once per publish, regardless of the
//     number of subscribers.
//   - The hub keeps no history: a new subscriber only receives events that
//     arrive after it connects.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
)

// DefaultBufferSize is the per-subscriber channel depth used when the hub is
// constructed with a non-positive buffer size.
const DefaultBufferSize = 1000

// Message is one serialized event frame delivered to subscribers. EventType
// is carried alongside the payload so streaming handlers can name the frame
// (the SSE "event:" field) without re-parsing Data.
type Message struct {
	EventType string
	Data      []byte
}

// Subscription is one registered streaming consumer. It is created by
// Hub.Subscribe and is valid until the subscription's context ends, Cancel
// is called, or the hub is closed.
type Subscription struct {
	id      string
	ch      chan Message
	cancel  func()
	Dropped atomic.Int64 // incremented when the buffer is full

	mu     sync.Mutex // guards ch close against concurrent sends
	closed bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Events returns a receive-only channel of frames. The channel is closed
// when the subscription is cancelled or the hub shuts down.
func (s *Subscription) Events() <-chan Message { return s.ch }

// Cancel removes the subscription from the hub and closes its channel.
// Cancel is idempotent.
func (s *Subscription) Cancel() { s.cancel() }

// trySend enqueues msg without blocking. It reports whether the frame was
// dropped because the buffer is full; a send to an already-closed
// subscription is discarded silently. The mutex makes the send safe against
// a concurrent close: the channel is never closed while a sender holds the
// lock.
func (s *Subscription) trySend(msg Message) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return false
	default:
		return true
	}
}

// close marks the subscription closed and closes its channel. Idempotent
// and safe against concurrent trySend.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub broadcasts persisted events to every active subscription. It is safe
// for concurrent use.
type Hub struct {
	subs   sync.Map // map[string]*Subscription
	subCnt atomic.Int64

	bufSize  int
	logger   *slog.Logger
	counters *metrics.Counters

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Hub. bufSize is the per-subscriber channel depth; pass 0 to
// use DefaultBufferSize. counters may be nil.
func New(logger *slog.Logger, bufSize int, counters *metrics.Counters) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		bufSize:  bufSize,
		logger:   logger,
		counters: counters,
	}
}

// Subscribe registers a new streaming consumer and returns its Subscription.
// The subscription is cancelled automatically when ctx ends; callers that
// outlive their context must call Cancel themselves.
//
// If the hub is already closed, Subscribe returns a subscription whose
// channel is already closed.
func (h *Hub) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Message, h.bufSize),
	}

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			if _, loaded := h.subs.LoadAndDelete(sub.id); loaded {
				h.subCnt.Add(-1)
				if h.counters != nil {
					h.counters.StreamSubscribers.Add(-1)
				}
			}
			sub.close()
		})
	}

	if h.closed.Load() {
		sub.close()
		sub.cancel = func() {}
		return sub
	}

	h.subs.Store(sub.id, sub)
	h.subCnt.Add(1)
	if h.counters != nil {
		h.counters.StreamSubscribers.Add(1)
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.Cancel()
		}()
	}

	return sub
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	return int(h.subCnt.Load())
}

// Publish serializes evt once and delivers the frame to every subscription
// using a non-blocking send. When a subscriber's buffer is full the frame is
// dropped for that subscriber only and its Dropped counter is incremented;
// other subscribers still receive the frame.
func (h *Hub) Publish(evt *event.Event) {
	if h.closed.Load() || evt == nil {
		return
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("hub: marshal event failed",
			slog.String("event_id", evt.EventID),
			slog.Any("error", err),
		)
		return
	}
	msg := Message{EventType: evt.EventType, Data: raw}

	h.subs.Range(func(_, v any) bool {
		sub := v.(*Subscription)
		if sub.trySend(msg) {
			sub.Dropped.Add(1)
			if h.counters != nil {
				h.counters.StreamDropped.Add(1)
			}
			h.logger.Warn("hub: subscriber buffer full, dropping frame",
				slog.String("subscription_id", sub.id),
				slog.String("event_type", evt.EventType),
			)
		}
		return true // continue ranging
	})
}

// Close cancels every subscription and releases internal resources. After
// Close returns, Publish is a no-op and Subscribe returns a closed
// subscription.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.subs.Range(func(_, v any) bool {
			v.(*Subscription).Cancel()
			return true
		})
	})
}
