package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventQuantumChanged is published after a mutating quantum operation.
	EventQuantumChanged EventType = "quantum_changed"
	// EventTaskRegistered is published when a new caller identity enters the registry.
	EventTaskRegistered EventType = "task_registered"
	// EventTaskDrained is published for each registry entry reported at teardown.
	EventTaskDrained EventType = "task_drained"
)

// Event represents a device event.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber owns a
// buffered channel drained by its own goroutine; when the buffer is full
// the event is dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferSize  int
	dropped     atomic.Uint64
	closed      bool
}

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types and returns an
// unsubscribe function. fn runs on a dedicated goroutine; panics in fn are
// recovered.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for event := range sub.ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			removed := false
			for _, t := range types {
				subs := b.subscribers[t]
				for i, s := range subs {
					if s == sub {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						removed = true
						break
					}
				}
			}
			if removed && !b.closed {
				close(sub.ch)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range b.subscribers[eventType] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close stops delivery and waits until every subscriber has handled the
// events already buffered for it.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	seen := make(map[*subscription]struct{})
	for t, subs := range b.subscribers {
		for _, s := range subs {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				close(s.ch)
			}
		}
		delete(b.subscribers, t)
	}
	b.mu.Unlock()

	for s := range seen {
		<-s.done
	}
}
