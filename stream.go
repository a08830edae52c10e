package steward

import "encoding/json"

// EventType identifies the kind of streaming event.
type EventType string

const (
	// EventText carries assistant narration or shell output.
	EventText EventType = "text"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart EventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult EventType = "tool-call-result"
	// EventStdinRequest signals the persistent shell is waiting for input.
	EventStdinRequest EventType = "stdin-request"
	// EventNotification carries an out-of-band message from the sandbox.
	EventNotification EventType = "notification"
	// EventReturnedFile carries a file surfaced from the sandbox.
	EventReturnedFile EventType = "returned-file"
	// EventResult is the terminal response to a non-streaming command.
	EventResult EventType = "result"
	// EventError reports a failure of the current operation.
	EventError EventType = "error"
)

// Event is a typed event emitted while a session streams. Adapters render
// events to wire JSON; the session and shell layers only ever produce
// these, never transport frames.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// Name is the tool or helper name (tool events), or the filename
	// (returned-file events).
	Name string `json:"name,omitempty"`
	// Content carries text, a tool result, a notification body, or a
	// stdin prompt depending on Type.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Data carries raw file bytes (returned-file only).
	Data []byte `json:"data,omitempty"`
}

// TextEvent wraps a narration or output fragment.
func TextEvent(s string) Event {
	return Event{Type: EventText, Content: s}
}

// StdinRequestEvent wraps a prompt the shell is blocked on.
func StdinRequestEvent(prompt string) Event {
	return Event{Type: EventStdinRequest, Content: prompt}
}

// ReturnedFileEvent wraps a file drained from a sandbox return queue.
func ReturnedFileEvent(name string, data []byte) Event {
	return Event{Type: EventReturnedFile, Name: name, Data: data}
}
