// Package lineproto translates the agent subprocess's newline-delimited JSON
// stream into delivered chat turns. The Parser turns raw lines into typed
// ParsedEvents; the Translator dispatches them to persistence, push, and the
// chart/research collaborators.
package lineproto

// Kind is the closed set of parsed event variants. Dispatch switches over
// Kind exhaustively so a new variant is a compile-visible addition, not a
// silently ignored string.
type Kind string

const (
	KindTextChunk               Kind = "text_chunk"
	KindThinkingChunk           Kind = "thinking_chunk"
	KindToolStart               Kind = "tool_start"
	KindToolResult              Kind = "tool_result"
	KindComponentUpdateDetected Kind = "component_update_detected"
	KindSceneDetected           Kind = "scene_detected"
	KindChartDetected           Kind = "chart_detected"
	KindResearchDetected        Kind = "research_detected"
	KindSessionID               Kind = "session_id"
	KindParseError              Kind = "parse_error"
	KindMessageStop             Kind = "message_stop"
	KindStreamComplete          Kind = "stream_complete"
)

// ParsedEvent is one typed event produced from a raw protocol line. It is
// created fresh per line, never mutated, and consumed exactly once by the
// translator's dispatch. Only the fields for its Kind are populated.
type ParsedEvent struct {
	Kind Kind

	// Text and thinking chunks.
	Content string

	// Tool events.
	ToolName    string
	ToolUseID   string
	ToolInput   map[string]any
	Result      string // raw tool result text
	CleanResult string // pre-cleaned variant; preferred when set
	IsError     bool
	NonText     bool // result payload was not text and must pass unscanned

	// Detected side-channel payloads.
	Payload map[string]any

	// Agent-assigned conversation id.
	AgentSessionID string

	// Parse errors.
	RawLine string
}
