// Package events publishes coordinator lifecycle events to in-process
// subscribers and an append-only audit log. Publishing never blocks the
// scheduler: slow subscribers drop events, and audit writes are plain
// appends.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened to a request.
type Type string

const (
	TypeEnqueued         Type = "enqueued"
	TypeCheckStarted     Type = "check_started"
	TypeCheckCompleted   Type = "check_completed"
	TypeConflictDetected Type = "conflict_detected"
	TypeRequeued         Type = "requeued"
	TypeMergeStarted     Type = "merge_started"
	TypeMerged           Type = "merged"
	TypeMergeFailed      Type = "merge_failed"
	TypeManualRequired   Type = "manual_required"
	TypeCanceled         Type = "canceled"
	TypeCleanup          Type = "cleanup"
)

// Event is one coordinator occurrence.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. A
// subscriber that falls behind loses events rather than stalling the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewBus returns a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{subscribers: make(map[int]chan Event), bufferSize: bufferSize}
}

// Subscribe registers a channel receiving every published event. The
// returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is full; drop rather than stall the scheduler.
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
