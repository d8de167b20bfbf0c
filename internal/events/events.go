// Package events defines the messages pushed to a client while a program runs.
//
// Lifecycle events (execution_start, execution_complete, error) are built by
// the service. Everything else (frame, stdout, compile_error, ...) comes from
// the sandboxed engine as one JSON object per line and is forwarded verbatim.
package events

import (
	"encoding/json"
	"errors"
	"sync"
)

// Event types produced by the service or the sandboxed engine.
const (
	TypeRegistered        = "registered"
	TypeExecutionStart    = "execution_start"
	TypeExecutionComplete = "execution_complete"
	TypeFrame             = "frame"
	TypeStdout            = "stdout"
	TypeCompileError      = "compile_error"
	TypeError             = "error"
)

// Event is one message for a session channel.
//
// Events decoded from the sandbox keep their original bytes in raw so fields
// the service does not know about (call stacks, heap graphs) reach the client
// untouched.
type Event struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Message     string `json:"message,omitempty"`
	Output      string `json:"output,omitempty"`

	raw json.RawMessage
}

// Raw reports the original record bytes for events decoded from the sandbox.
func (e Event) Raw() json.RawMessage {
	return e.raw
}

// MarshalJSON writes raw records verbatim and synthesized events field by field.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

// FromRecord wraps a decoded sandbox record. The known fields are copied out
// for logging and routing; raw is what gets sent.
func FromRecord(raw []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, err
	}
	if fields == nil {
		return Event{}, errNotObject
	}

	ev := Event{raw: append(json.RawMessage(nil), raw...)}
	stringField(fields, "type", &ev.Type)
	stringField(fields, "executionId", &ev.ExecutionID)
	stringField(fields, "message", &ev.Message)
	stringField(fields, "output", &ev.Output)
	return ev, nil
}

var errNotObject = errors.New("record is not a JSON object")

// stringField copies fields[key] into dst when it holds a JSON string.
func stringField(fields map[string]json.RawMessage, key string, dst *string) {
	if v, ok := fields[key]; ok {
		_ = json.Unmarshal(v, dst)
	}
}

// Registered acknowledges a channel registration.
func Registered(sessionID string) Event {
	return Event{Type: TypeRegistered, SessionID: sessionID}
}

// ExecutionStart opens a run's event sequence.
func ExecutionStart(runID string) Event {
	return Event{Type: TypeExecutionStart, ExecutionID: runID}
}

// ExecutionComplete closes a run that finished normally.
func ExecutionComplete(runID string) Event {
	return Event{Type: TypeExecutionComplete, ExecutionID: runID}
}

// Error closes a run that failed, or reports a problem on a channel.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// RunError closes run runID after a failure. The run id marks it as the
// service's terminal event once it has crossed the wire.
func RunError(runID, message string) Event {
	return Event{Type: TypeError, ExecutionID: runID, Message: message}
}

// Ends reports whether ev, as received by a client, closes run runID.
// Engine error records carry no run id and never match.
func (e Event) Ends(runID string) bool {
	if runID == "" || e.ExecutionID != runID {
		return false
	}
	return e.Type == TypeExecutionComplete || e.Type == TypeError
}

// IsTerminal reports whether ev ends a run's sequence.
func (e Event) IsTerminal() bool {
	return e.Type == TypeExecutionComplete || (e.Type == TypeError && len(e.raw) == 0)
}

// Sink receives the events of one run in emission order.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Collector is a Sink that keeps everything it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Publish(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Types returns the type of every collected event, in order.
func (c *Collector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}
