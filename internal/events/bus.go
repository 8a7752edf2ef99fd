package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRunQueued is published when a remediation run is admitted.
	EventRunQueued EventType = "run_queued"
	// EventRunFinished is published when a run reaches succeeded, failed or canceled.
	EventRunFinished EventType = "run_finished"
	// EventRunRetried is published when a failed run is rescheduled.
	EventRunRetried EventType = "run_retried"
	// EventRunDeadLettered is published when a run exhausts its attempts.
	EventRunDeadLettered EventType = "run_dead_lettered"
	// EventRollback is published after rollback commands ran for a run.
	EventRollback EventType = "run_rollback"
	// EventIncidentOpened is published when an incident is created or reopened.
	EventIncidentOpened EventType = "incident_opened"
	// EventIncidentEscalated is published by the escalation sweep.
	EventIncidentEscalated EventType = "incident_escalated"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the publishing half of Bus. Engines depend on this so tests
// can pass nil-safe fakes.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     atomic.Uint64
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types. fn runs on one goroutine
// per subscription, so calls for a single subscription are serialized.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				// A panicking subscriber must not take the bus down.
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish sends an event to all subscribers of the given type without
// blocking. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
}
