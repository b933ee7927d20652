package stream

import "strings"

// EventKind is the top-level discriminant of a gateway push event.
type EventKind string

const (
	EventKindChat  EventKind = "chat"
	EventKindAgent EventKind = "agent"
	EventKindTick  EventKind = "tick"
)

// State is the lifecycle state carried by a chat event payload.
type State string

const (
	StateDelta   State = "delta"
	StateFinal   State = "final"
	StateError   State = "error"
	StateAborted State = "aborted"
)

// Event is one push event from the gateway connection.
type Event struct {
	Event   EventKind `json:"event"`
	Payload Payload   `json:"payload"`
}

// Payload carries the run-scoped body of a chat or agent event. Seq is a
// pointer because absent and zero are different things for ordering.
type Payload struct {
	RunID        string         `json:"runId,omitempty"`
	State        State          `json:"state,omitempty"`
	Seq          *int64         `json:"seq,omitempty"`
	Message      *Message       `json:"message,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Stream       string         `json:"stream,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Message is the cumulative message snapshot inside a delta or final event.
type Message struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of a message snapshot. Only "text" blocks
// contribute to the reconstructed text; tool blocks ride along untouched.
type ContentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

const blockSeparator = "\n\n"

// textOf concatenates all text blocks in order with a double-newline join.
// Applying the same rule to deltas and finals keeps each accepted snapshot
// a prefix of the next.
func (m *Message) textOf() string {
	if m == nil {
		return ""
	}
	var parts []string
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, blockSeparator)
}

// toolResults returns the tool_result blocks of a snapshot, if any.
func (m *Message) toolResults() []ContentBlock {
	if m == nil {
		return nil
	}
	var results []ContentBlock
	for _, block := range m.Content {
		if block.Type == "tool_result" {
			results = append(results, block)
		}
	}
	return results
}

// lifecyclePhase extracts the phase of an agent lifecycle event.
func (p Payload) lifecyclePhase() string {
	if p.Stream != "lifecycle" {
		return ""
	}
	phase, _ := p.Data["phase"].(string)
	return phase
}
