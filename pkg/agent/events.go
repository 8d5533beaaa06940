package agent

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind identifies an activity event type.
type EventKind string

const (
	EventRunStart  EventKind = "run_start"
	EventTurnStart EventKind = "turn_start"
	EventThought   EventKind = "thought"
	EventText      EventKind = "text"
	EventToolStart EventKind = "tool_start"
	EventToolEnd   EventKind = "tool_end"
	EventRecovery  EventKind = "recovery"
	EventError     EventKind = "error"
	EventRunEnd    EventKind = "run_end"
)

// Event is a structured activity record emitted during a run, for UI and
// telemetry consumption. Best effort: sinks never affect control flow.
type Event struct {
	ID   string
	Time time.Time
	Kind EventKind
	Turn int

	Text     string // fragment text, error message, or terminal reason
	CallID   string
	ToolName string
	Status   string
}

// EventSink receives activity events. May be nil.
type EventSink func(Event)

func (e *Executor) emit(event Event) {
	if e.events == nil {
		return
	}
	event.ID = ulid.Make().String()
	event.Time = time.Now()
	e.events(event)
}
