package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoistd/hoist/internal/logging"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe hub. Subscribers
// registered for specific types only see those types; subscribers
// registered with no types see everything.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	logger zerolog.Logger
}

type subscription struct {
	types   map[Type]struct{}
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logging.Component("events"),
	}
}

// Subscribe registers a handler for the given event types, or for all
// events if none are given. The returned function removes the
// subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++

	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every matching subscriber before
// returning. A zero Timestamp is filled in with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()

	b.logger.Debug().
		Str("event", string(evt.Type)).
		Str("daemon_id", evt.DaemonID).
		Str("agent_id", evt.AgentID).
		Int("subscribers", len(handlers)).
		Msg("publishing event")

	for _, h := range handlers {
		h(evt)
	}
}
