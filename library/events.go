package library

import (
	"context"
	"sync"
	"time"
)

// EventType names a kind of inventory change.
type EventType string

const (
	EventBorrow     EventType = "borrow"
	EventReturn     EventType = "return"
	EventAddCopy    EventType = "addCopy"
	EventRemoveCopy EventType = "removeCopy"
	EventEditBook   EventType = "editBook"
)

// EventPayload carries the ids touched by a change. Display fields are filled
// when the manager already has them at hand.
type EventPayload struct {
	TransactionID string `json:"transaction_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	BookID        string `json:"book_id,omitempty"`
	BookTitle     string `json:"book_title,omitempty"`
}

// Event is broadcast to observers after a mutation has been committed.
type Event struct {
	Type      EventType    `json:"type"`
	Payload   EventPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notifier publishes change events. Publish must not block the caller for
// longer than it takes to hand the event off, and failures are the
// notifier's problem, never the mutation's.
type Notifier interface {
	Publish(ctx context.Context, e Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// Notifiers fans an event out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Publish(ctx context.Context, e Event) {
	for _, n := range ns {
		n.Publish(ctx, e)
	}
}

// Bus is an in-process publish/subscribe hub. Each subscriber owns a buffered
// channel; an event that does not fit is dropped for that subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a handle on a Bus registration.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once

	mu      sync.Mutex
	dropped int
}

// C returns the delivery channel. It is closed by Close or when the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

// Subscribe registers a new observer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every current subscriber without blocking.
func (b *Bus) Publish(_ context.Context, e Event) {
	// Write lock keeps per-subscriber delivery in emission order.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// Close closes every subscription; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}
