// Package push defines the wire envelope delivered to connected users.
package push

type EventType string

const (
	EventTypeStreamStart     EventType = "stream_start"
	EventTypeStreamChunk     EventType = "stream_chunk"
	EventTypeThinkingChunk   EventType = "thinking_chunk"
	EventTypeToolStart       EventType = "tool_start"
	EventTypeToolResult      EventType = "tool_result"
	EventTypeStreamEnd       EventType = "stream_end"
	EventTypeStreamError     EventType = "stream_error"
	EventTypeComponentUpdate EventType = "component_update"
	EventTypeScene           EventType = "scene"
	EventTypeChart           EventType = "chart"
)

// Event is a single delivery to a user's channel. Fields beyond Type and
// SessionID are populated per event type and omitted otherwise.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Content   any       `json:"content,omitempty"`

	// Tool events.
	Tool      string `json:"tool,omitempty"`
	ToolInput any    `json:"tool_input,omitempty"`

	// Component updates.
	ComponentID string `json:"component_id,omitempty"`
	Append      bool   `json:"append,omitempty"`

	// Errors.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientMessageType enumerates messages a connected client may send.
type ClientMessageType string

const (
	ClientMessageTypePing ClientMessageType = "ping"
)

type ClientEnvelope struct {
	Type ClientMessageType `json:"type"`
}
