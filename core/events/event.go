package events

import "payerx/core/types"

// Event represents a structured state change emitted by a committed transaction.
type Event interface {
	EventType() string
}

// Flattener is implemented by events that can render themselves as a
// wire-friendly types.Event for journals and stream subscribers.
type Flattener interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket streams,
// metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) {
	if f == nil {
		return
	}
	f(evt)
}

// Fanout delivers each event to every wrapped emitter in order.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Flatten renders evt as a types.Event. Events without a flat form produce a
// record carrying only the type.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if f, ok := evt.(Flattener); ok {
		if flat := f.Event(); flat != nil {
			return flat
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
