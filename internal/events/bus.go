package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub event bus for status notifications.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks the coordinator: slow subscribers lose events and
// the loss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to ALL topics.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

func newSubscription(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// Unsubscribe removes and closes a subscription returned by Subscribe or SubscribeAll.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Close already closed every channel
	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		if i := indexOf(channels, sub); i >= 0 {
			close(channels[i])
			b.subs[topic] = append(channels[:i], channels[i+1:]...)
			return
		}
	}
	if i := indexOf(b.allSubs, sub); i >= 0 {
		close(b.allSubs[i])
		b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
	}
}

func indexOf(channels []chan Event, sub <-chan Event) int {
	for i, ch := range channels {
		if (<-chan Event)(ch) == sub {
			return i
		}
	}
	return -1
}

// Publish sends an event to all subscribers of the given topic and to every
// SubscribeAll channel. Full channels drop the event for that subscriber.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Don't publish if bus is closed
	if b.closed {
		return
	}

	// Send to topic-specific subscribers
	for _, ch := range b.subs[topic] {
		b.offer(ch, event)
	}

	// Send to all-topic subscribers
	for _, ch := range b.allSubs {
		b.offer(ch, event)
	}
}

func (b *EventBus) offer(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Channel full, drop event (non-blocking)
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were lost to full subscriber buffers.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	// Close all topic-specific subscribers
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	// Close all-topic subscribers
	for _, ch := range b.allSubs {
		close(ch)
	}
}
