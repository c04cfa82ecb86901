package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for frame outcomes. Handlers run synchronously
// on the frame loop, so they must return quickly.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	handler OutcomeHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for every frame outcome, skipped frames
// included. Returns an unsubscribe function
func (b *EventBus) Subscribe(handler OutcomeHandler) func() {
	sub := &eventSubscription{handler: handler}
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an outcome to all subscribers
func (b *EventBus) Publish(outcome *FrameOutcome) {
	if outcome == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Handlers run in place so outcomes arrive in frame order.
	for sub := range b.subscribers {
		sub.handler.OnFrameOutcome(outcome)
	}
}

// Close unsubscribes all subscribers
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.subscribers)
}
