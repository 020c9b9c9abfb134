// Package eventbus implements the in-process publish/subscribe hub of
// §4.9: the core publishes progress, the (out of scope) UI layer
// consumes it. Grounded on §9's design note — a map from event-type
// identifier to a list of typed handler closures, with disposable
// subscriptions, fanning out on a goroutine so a slow subscriber never
// stalls the publisher (the scheduler, in particular).
package eventbus

import "sync"

// EventType names one of the event kinds in §4.9.
type EventType string

const (
	VersionCheckCompleted EventType = "VersionCheckCompleted"
	UpdateStarted         EventType = "UpdateStarted"
	UpdateProgress        EventType = "UpdateProgress"
	UpdateCompleted       EventType = "UpdateCompleted"
	PackageStatusChanged  EventType = "PackageStatusChanged"
)

// Event is the payload delivered to subscribers. Fields not relevant to
// a given Type are left zero.
type Event struct {
	Type      EventType
	Package   string
	Operation string // UpdateProgress
	Percent   int    // UpdateProgress, 0..100
	Success   bool   // UpdateCompleted
	Error     string // UpdateCompleted
	Status    string // PackageStatusChanged
}

// Handler receives a published Event.
type Handler func(Event)

// Unsubscribe removes a previously registered Handler from the bus.
type Unsubscribe func()

// subscriberQueueSize bounds how far a slow subscriber can lag before
// Publish starts dropping its oldest pending events rather than
// blocking the publisher indefinitely.
const subscriberQueueSize = 256

// Bus is a map from event type to a list of per-subscriber queues,
// guarded by a mutex. The zero value is not ready to use; call New.
type Bus struct {
	mu       sync.Mutex
	handlers map[EventType][]*subscription
	nextID   uint64
}

type subscription struct {
	id     uint64
	queue  chan Event
	closed chan struct{}
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]*subscription)}
}

// Subscribe registers handler for events of the given type and returns a
// disposable handle that removes it. Each subscription gets its own
// goroutine draining a FIFO queue, so events for one update arrive at
// this subscriber in the order Publish was called, independent of how
// other subscribers are doing.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:     b.nextID,
		queue:  make(chan Event, subscriberQueueSize),
		closed: make(chan struct{}),
	}
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	go func() {
		for {
			select {
			case event := <-sub.queue:
				handler(event)
			case <-sub.closed:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				close(s.closed)
				return
			}
		}
	}
}

// Publish fans event out to every subscriber of event.Type without
// blocking the caller: each subscriber has a bounded queue, and a
// subscriber too far behind has its oldest queued event dropped in
// favor of the new one rather than stalling the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		default:
			// Queue full: drop the oldest pending event to make room
			// rather than block the publisher.
			select {
			case <-s.queue:
			default:
			}
			select {
			case s.queue <- event:
			default:
			}
		}
	}
}
