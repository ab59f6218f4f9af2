package events

import "payoutmgr/core/types"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the journal, RPC).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each wrapped emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Record adapts a plain *types.Event to the Event interface.
type Record struct {
	Evt *types.Event
}

// EventType satisfies the Event interface.
func (r Record) EventType() string {
	if r.Evt == nil {
		return ""
	}
	return r.Evt.Type
}

// Event satisfies the Event interface.
func (r Record) Event() *types.Event { return r.Evt }
