package alter

import "encoding/json"

// EventType identifies the kind of event emitted during an agent run.
type EventType string

const (
	// EventThinking carries the model's reasoning text for one turn.
	EventThinking EventType = "thinking"
	// EventText carries the model's visible answer text for one turn.
	EventText EventType = "text"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult EventType = "tool_result"
	// EventStuckWarning signals the stuck detector flagged the run.
	EventStuckWarning EventType = "stuck_warning"
	// EventHeartbeat signals liveness while a slow tool batch is in flight.
	EventHeartbeat EventType = "heartbeat"
	// EventError is terminal: the run failed with Content as the reason.
	EventError EventType = "error"
	// EventDone is terminal: the run finished with Content as the summary.
	EventDone EventType = "done"
)

// Event is a typed progress event pushed onto the channel passed to
// Agent.RunStream. Within one run events are totally ordered; a tool_call
// always precedes its matching tool_result; exactly one of done or error
// closes the sequence.
type Event struct {
	Type EventType `json:"type"`
	// Name is the tool name (tool_call, tool_result) or empty.
	Name string `json:"name,omitempty"`
	// Content carries the text payload: model text, warning, error reason,
	// or final summary depending on Type.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool_call only).
	Args json.RawMessage `json:"args,omitempty"`
	// Result carries the shaped tool outcome (tool_result only).
	Result *Result `json:"result,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
