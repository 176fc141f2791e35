package events

import (
	"log"
	"sync"
	"time"
)

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block; schedule I/O elsewhere.
type Handler func(Event)

// Publisher is the event-emitting interface handed to run components.
// Both Bus and TaggedPublisher satisfy it.
type Publisher interface {
	Publish(Event)
}

// Bus provides typed event distribution across components.
// Publishing is synchronous: every matching subscriber is invoked before
// Publish returns. A panicking subscriber is recovered and logged and
// never prevents other subscribers from seeing the event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	all    map[int]Handler
	byType map[EventType]map[int]Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		all:    make(map[int]Handler),
		byType: make(map[EventType]map[int]Handler),
	}
}

// Subscribe registers a handler for a single event type.
// The returned function removes the subscription.
func (b *Bus) Subscribe(eventType EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[int]Handler)
	}
	b.byType[eventType][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// SubscribeAll registers a handler for every event.
// The returned function removes the subscription.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers the event to all-event subscribers first, then to
// subscribers of the event's type. Stamps the timestamp if unset.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.all)+len(b.byType[e.Type]))
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.all[id]; ok {
			handlers = append(handlers, h)
		}
	}
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.byType[e.Type][id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		dispatch(h, e)
	}
}

// dispatch invokes a single handler, recovering panics so one bad
// subscriber cannot break fan-out.
func dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARN: event subscriber panicked on %s: %v", e.Type, r)
		}
	}()
	h(e)
}

// TaggedPublisher wraps a bus and stamps every event with a fixed run id
// before forwarding, so run components never thread the id themselves.
type TaggedPublisher struct {
	bus   *Bus
	runID string
}

// NewTaggedPublisher creates a publisher scoped to the given run id.
func NewTaggedPublisher(bus *Bus, runID string) *TaggedPublisher {
	return &TaggedPublisher{bus: bus, runID: runID}
}

// RunID returns the run id this publisher stamps.
func (p *TaggedPublisher) RunID() string {
	return p.runID
}

// Publish stamps the run id and forwards to the underlying bus.
func (p *TaggedPublisher) Publish(e Event) {
	e.RunID = p.runID
	p.bus.Publish(e)
}
