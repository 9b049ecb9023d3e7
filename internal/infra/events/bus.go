// Package events is the in-process observability bus. Delivery is
// best-effort: a slow subscriber's events are dropped, never block the
// scheduler.
package events

import (
	"sync"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// Bus routes events to subscribers by event type. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[domain.EventType][]chan<- domain.Event
	all         []chan<- domain.Event
	closed      bool
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{subscribers: make(map[domain.EventType][]chan<- domain.Event)}
}

// Subscribe registers a channel for one event type. The caller owns the
// channel and its buffer size; a full channel drops events.
func (b *Bus) Subscribe(t domain.EventType, ch chan<- domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], ch)
}

// SubscribeAll registers a channel for every event type.
func (b *Bus) SubscribeAll(ch chan<- domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, ch)
}

// Publish fans the event out to matching subscribers, dropping on full
// channels. No-op after Close.
func (b *Bus) Publish(evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close stops delivery. Subscriber channels are not closed; their owners
// created them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
