package lineproto

import (
	"encoding/json"

	"github.com/sherlock-ai/relay/internal/marker"
)

// Parser converts raw NDJSON lines from the agent subprocess into
// ParsedEvents. It keeps just enough state across lines to resolve tool
// names for tool results; one Parser serves one agent turn.
type Parser struct {
	toolNames map[string]string // tool_use_id -> tool name
}

func NewParser() *Parser {
	return &Parser{toolNames: make(map[string]string)}
}

// envelope is the outer shape of every protocol line.
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// ParseLine parses a single protocol line into zero or more events. An
// unparseable line yields a single PARSE_ERROR event carrying the raw line;
// recognized-but-irrelevant lines yield nothing.
func (p *Parser) ParseLine(line []byte) []ParsedEvent {
	if len(line) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return []ParsedEvent{{Kind: KindParseError, RawLine: string(line)}}
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" && env.SessionID != "" {
			return []ParsedEvent{{Kind: KindSessionID, AgentSessionID: env.SessionID}}
		}
		return nil

	case "stream_event":
		return p.parseStreamEvent(env.Event, line)

	case "user":
		return p.parseUserMessage(env.Message)

	case "assistant":
		return p.parseAssistantMessage(env.Message)

	case "result":
		return []ParsedEvent{{Kind: KindStreamComplete}}

	default:
		return nil
	}
}

// parseStreamEvent unwraps the inner streaming event carried by a
// stream_event envelope.
func (p *Parser) parseStreamEvent(raw json.RawMessage, line []byte) []ParsedEvent {
	if len(raw) == 0 {
		return nil
	}

	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			Thinking string `json:"thinking,omitempty"`
		} `json:"delta"`
		ContentBlock struct {
			Type  string         `json:"type"`
			ID    string         `json:"id,omitempty"`
			Name  string         `json:"name,omitempty"`
			Input map[string]any `json:"input,omitempty"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return []ParsedEvent{{Kind: KindParseError, RawLine: string(line)}}
	}

	switch inner.Type {
	case "content_block_delta":
		switch inner.Delta.Type {
		case "text_delta":
			if inner.Delta.Text == "" {
				return nil
			}
			return []ParsedEvent{{Kind: KindTextChunk, Content: inner.Delta.Text}}
		case "thinking_delta":
			if inner.Delta.Thinking == "" {
				return nil
			}
			return []ParsedEvent{{Kind: KindThinkingChunk, Content: inner.Delta.Thinking}}
		}
		return nil

	case "content_block_start":
		if inner.ContentBlock.Type != "tool_use" {
			return nil
		}
		if inner.ContentBlock.ID != "" {
			p.toolNames[inner.ContentBlock.ID] = inner.ContentBlock.Name
		}
		return []ParsedEvent{{
			Kind:      KindToolStart,
			ToolName:  inner.ContentBlock.Name,
			ToolUseID: inner.ContentBlock.ID,
			ToolInput: inner.ContentBlock.Input,
		}}

	case "message_stop":
		return []ParsedEvent{{Kind: KindMessageStop}}

	default:
		return nil
	}
}

// parseUserMessage extracts tool results. The protocol reports them as user
// messages whose content blocks are tool_result entries.
func (p *Parser) parseUserMessage(raw json.RawMessage) []ParsedEvent {
	if len(raw) == 0 {
		return nil
	}

	var msg struct {
		Role    string `json:"role"`
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Role != "user" {
		return nil
	}

	var events []ParsedEvent
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		ev := ParsedEvent{
			Kind:      KindToolResult,
			ToolUseID: block.ToolUseID,
			ToolName:  p.toolNames[block.ToolUseID],
			IsError:   block.IsError,
		}
		text, ok := resultText(block.Content)
		if ok {
			ev.Result = text
		} else {
			ev.Result = string(block.Content)
			ev.NonText = true
		}
		events = append(events, ev)
	}
	return events
}

// resultText flattens a tool result body to text. Bodies are either a bare
// string or a list of typed blocks; anything else is a non-text payload.
func resultText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}
	text := ""
	for _, b := range blocks {
		if b.Type != "text" {
			return "", false
		}
		if text != "" {
			text += "\n"
		}
		text += b.Text
	}
	return text, true
}

// parseAssistantMessage scans full assistant snapshots for side-channel
// markers. The snapshot's prose already streamed as deltas, so only the
// detected payloads become events here.
func (p *Parser) parseAssistantMessage(raw json.RawMessage) []ParsedEvent {
	if len(raw) == 0 {
		return nil
	}

	var msg struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Role != "assistant" {
		return nil
	}

	var events []ParsedEvent
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		for _, m := range marker.FindAll(block.Text) {
			if !m.Valid {
				continue
			}
			if kind, ok := detectedKind(m.Kind); ok {
				events = append(events, ParsedEvent{Kind: kind, Payload: m.Data})
			}
		}
	}
	return events
}

func detectedKind(k marker.Kind) (Kind, bool) {
	switch k {
	case marker.KindChart:
		return KindChartDetected, true
	case marker.KindScene:
		return KindSceneDetected, true
	case marker.KindComponentUpdate:
		return KindComponentUpdateDetected, true
	case marker.KindResearch:
		return KindResearchDetected, true
	default:
		return "", false
	}
}
