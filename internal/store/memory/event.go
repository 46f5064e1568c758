package memory

import (
	"context"
	"strconv"

	"github.com/jensholdgaard/chess-knockout/internal/event"
)

// EventStore implements event.Store in memory.
type EventStore struct {
	s *Store
}

func (e *EventStore) Append(_ context.Context, events ...event.Event) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	for _, evt := range events {
		e.s.seq++
		evt.ID = "evt-" + strconv.Itoa(e.s.seq)
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = e.s.clock.Now().UTC()
		}
		evt.Data = append([]byte(nil), evt.Data...)
		e.s.events = append(e.s.events, evt)
	}
	return nil
}

func (e *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	return e.filter(func(evt event.Event) bool { return evt.AggregateID == aggregateID }), nil
}

func (e *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	return e.filter(func(evt event.Event) bool { return evt.Type == eventType }), nil
}

func (e *EventStore) filter(keep func(event.Event) bool) []event.Event {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	var out []event.Event
	for _, evt := range e.s.events {
		if keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}
