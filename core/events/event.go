package events

import "archimedes/core/types"

// Event represents a structured state change emitted by the aggregator.
type Event interface {
	EventType() string
}

// Broadcastable is implemented by events that can be flattened into the
// attribute form consumed by indexers.
type Broadcastable interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. indexers, the
// event journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(ev Event) {
	if r == nil || ev == nil {
		return
	}
	r.Events = append(r.Events, ev)
}

// OfType returns the recorded events carrying the supplied type.
func (r *Recorder) OfType(eventType string) []Event {
	if r == nil {
		return nil
	}
	var out []Event
	for _, ev := range r.Events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout forwards every event to each wrapped emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(ev Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}

// Flatten converts an event into its attribute form. Events that do not
// implement Broadcastable are returned with their type only.
func Flatten(ev Event) *types.Event {
	if ev == nil {
		return nil
	}
	if b, ok := ev.(Broadcastable); ok {
		if out := b.Event(); out != nil {
			return out
		}
	}
	return &types.Event{Type: ev.EventType(), Attributes: map[string]string{}}
}
