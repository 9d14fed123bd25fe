package events

import (
	"sync"

	"sharemarket/core/types"
)

// Event represents a structured state change emitted by the marketplace.
type Event interface {
	EventType() string
}

// Payload is implemented by events that expose their canonical attribute map.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

type record struct {
	evt *types.Event
}

func (r record) EventType() string {
	if r.evt == nil {
		return ""
	}
	return r.evt.Type
}

func (r record) Event() *types.Event { return r.evt }

// Wrap adapts a canonical event payload to the Payload interface.
func Wrap(evt *types.Event) Payload { return record{evt: evt} }

// Multi fans a single event out to several emitters in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder keeps every emitted event in memory. It is safe for concurrent use
// and primarily intended for tests and short-lived tooling.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, payload.Event().Clone())
	r.mu.Unlock()
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the recorded events by type.
func (r *Recorder) OfType(eventType string) []*types.Event {
	all := r.Events()
	out := make([]*types.Event, 0, len(all))
	for _, evt := range all {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
