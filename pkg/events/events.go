package events

import (
	"sync"
	"time"
)

// EventType represents the type of progress event
type EventType string

const (
	EventProgress EventType = "progress"
	EventMessage  EventType = "message"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one progress update for a long-running operation. Percent is
// meaningful for EventProgress only and is monotonic per operation.
type Event struct {
	Type      EventType
	ClientID  string
	Percent   int
	Message   string
	Timestamp time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Bus distributes progress events to subscribers keyed by an opaque
// client token. Delivery is best-effort: a subscriber with a full
// buffer misses events rather than blocking the producer.
type Bus struct {
	subscribers map[string]map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new progress bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's event distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe registers a channel for events addressed to clientID
func (b *Bus) Subscribe(clientID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	if b.subscribers[clientID] == nil {
		b.subscribers[clientID] = make(map[Subscriber]bool)
	}
	b.subscribers[clientID][sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(clientID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[clientID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, clientID)
		}
	}
	close(sub)
}

// Publish sends an event to subscribers of its client token
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.ClientID] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers for a client
func (b *Bus) SubscriberCount(clientID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[clientID])
}

// Reporter publishes monotonic progress for one operation on behalf of
// one client token. A nil Reporter or one with no bus discards
// everything, so callers never need nil checks.
type Reporter struct {
	bus      *Bus
	clientID string
	mu       sync.Mutex
	last     int
}

// NewReporter creates a reporter for the client token. bus may be nil.
func NewReporter(bus *Bus, clientID string) *Reporter {
	return &Reporter{bus: bus, clientID: clientID}
}

// Progress publishes a percentage, clamped to never move backwards.
func (r *Reporter) Progress(percent int, message string) {
	if r == nil || r.bus == nil || r.clientID == "" {
		return
	}
	r.mu.Lock()
	if percent < r.last {
		percent = r.last
	}
	r.last = percent
	r.mu.Unlock()

	r.bus.Publish(&Event{Type: EventProgress, ClientID: r.clientID, Percent: percent})
	if message != "" {
		r.bus.Publish(&Event{Type: EventMessage, ClientID: r.clientID, Message: message})
	}
}

// Complete publishes the completion marker.
func (r *Reporter) Complete(message string) {
	if r == nil || r.bus == nil || r.clientID == "" {
		return
	}
	r.bus.Publish(&Event{Type: EventComplete, ClientID: r.clientID, Percent: 100, Message: message})
}

// Error publishes the error marker.
func (r *Reporter) Error(message string) {
	if r == nil || r.bus == nil || r.clientID == "" {
		return
	}
	r.bus.Publish(&Event{Type: EventError, ClientID: r.clientID, Message: message})
}
