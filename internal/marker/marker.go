// Package marker recognizes tagged side-channel payloads embedded in agent
// text. A marker is a span of the form [SHERLOCK_<KIND>:v1]<json>[/SHERLOCK_<KIND>]
// carrying a structured payload for a dedicated handler. The extractor
// dispatches every well-formed marker and strips all recognized spans so the
// surrounding prose can be delivered unchanged.
package marker

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Kind identifies the marker tag.
type Kind string

const (
	KindChart           Kind = "CHART"
	KindScene           Kind = "SCENE"
	KindComponentUpdate Kind = "COMPONENT_UPDATE"
	KindResearch        Kind = "RESEARCH"
)

// payloadKey returns the handler payload key for this kind.
func (k Kind) payloadKey() string {
	switch k {
	case KindChart:
		return "chart_data"
	case KindScene:
		return "scene_data"
	case KindComponentUpdate:
		return "update_data"
	case KindResearch:
		return "research_data"
	default:
		return "data"
	}
}

var patterns = map[Kind]*regexp.Regexp{
	KindChart:           regexp.MustCompile(`(?s)\[SHERLOCK_CHART:v1\](.*?)\[/SHERLOCK_CHART\]`),
	KindScene:           regexp.MustCompile(`(?s)\[SHERLOCK_SCENE:v1\](.*?)\[/SHERLOCK_SCENE\]`),
	KindComponentUpdate: regexp.MustCompile(`(?s)\[SHERLOCK_COMPONENT_UPDATE:v1\](.*?)\[/SHERLOCK_COMPONENT_UPDATE\]`),
	KindResearch:        regexp.MustCompile(`(?s)\[SHERLOCK_RESEARCH:v1\](.*?)\[/SHERLOCK_RESEARCH\]`),
}

// Match is one recognized marker span within a text.
type Match struct {
	Kind  Kind
	Start int
	End   int
	Body  string
	Data  map[string]any // parsed JSON body, nil when invalid
	Valid bool
}

// FindAll scans text for every marker span of every kind, in document order.
// Malformed JSON bodies are returned with Valid == false so callers can skip
// dispatch without losing the span bounds for stripping.
func FindAll(text string) []Match {
	if text == "" || !strings.Contains(text, "[SHERLOCK_") {
		return nil
	}

	var matches []Match
	for kind, pattern := range patterns {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			body := text[loc[2]:loc[3]]
			m := Match{Kind: kind, Start: loc[0], End: loc[1], Body: body}
			var data map[string]any
			if err := json.Unmarshal([]byte(body), &data); err == nil {
				m.Data = data
				m.Valid = true
			}
			matches = append(matches, m)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Strip removes every recognized marker span from text, preserving the
// surrounding prose.
func Strip(text string) string {
	return removeSpans(text, FindAll(text))
}

func removeSpans(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range matches {
		if m.Start < prev {
			continue // overlapping span already consumed
		}
		b.WriteString(text[prev:m.Start])
		prev = m.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Handler receives the parsed body of one marker. The payload carries the
// body under a tag-specific key (chart_data, scene_data, update_data,
// research_data) alongside the session id.
type Handler interface {
	HandleMarker(ctx context.Context, payload map[string]any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload map[string]any) error

func (f HandlerFunc) HandleMarker(ctx context.Context, payload map[string]any) error {
	return f(ctx, payload)
}

// Source describes where a text came from, which decides whether it is
// scanned at all.
type Source struct {
	SessionID string
	ToolName  string // originating tool, empty at stream finalization
	IsError   bool   // error results pass through unscanned
}

// Extractor scans text at the tool-result and stream-finalization
// boundaries. A nil Extractor passes all text through unmodified.
type Extractor struct {
	log      zerolog.Logger
	handlers map[Kind]Handler
}

// New creates an Extractor dispatching to the given handlers. Kinds without
// a handler are still stripped, just never dispatched.
func New(logger zerolog.Logger, handlers map[Kind]Handler) *Extractor {
	return &Extractor{log: logger, handlers: handlers}
}

// Clean scans text for markers, dispatches each well-formed one to its
// handler on a detached goroutine, and returns the text with every
// recognized span removed. Error results and results from the read-only
// "Read" tool pass through unscanned: their content is user data, not
// agent-authored instructions. Non-text tool payloads must not be routed
// here at all.
func (e *Extractor) Clean(ctx context.Context, src Source, text string) string {
	if e == nil {
		return text
	}
	if src.IsError || strings.EqualFold(src.ToolName, "read") {
		return text
	}

	matches := FindAll(text)
	if len(matches) == 0 {
		return text
	}

	for _, m := range matches {
		if !m.Valid {
			e.log.Warn().
				Str("kind", string(m.Kind)).
				Str("session_id", src.SessionID).
				Msg("marker body is not valid JSON, skipping dispatch")
			continue
		}
		e.dispatch(ctx, src.SessionID, m)
	}

	return removeSpans(text, matches)
}

// dispatch hands one marker to its handler without ever letting a handler
// failure reach the delivery path.
func (e *Extractor) dispatch(ctx context.Context, sessionID string, m Match) {
	handler, ok := e.handlers[m.Kind]
	if !ok {
		return
	}

	payload := map[string]any{
		m.Kind.payloadKey(): m.Data,
		"session_id":        sessionID,
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("kind", string(m.Kind)).
					Any("panic", r).
					Msg("marker handler panicked")
			}
		}()
		if err := handler.HandleMarker(detached, payload); err != nil {
			e.log.Error().
				Err(err).
				Str("kind", string(m.Kind)).
				Str("session_id", sessionID).
				Msg("marker handler failed")
		}
	}()
}
