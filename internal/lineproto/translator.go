package lineproto

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/charts"
	"github.com/sherlock-ai/relay/internal/marker"
	"github.com/sherlock-ai/relay/internal/research"
	"github.com/sherlock-ai/relay/internal/storage"
	pushTypes "github.com/sherlock-ai/relay/pkg/push"
)

// Session is the routing identity of one subprocess-backed turn.
type Session struct {
	ID         string
	CustomerID string
}

// Pusher delivers an event to a user's channel.
type Pusher interface {
	PushToUser(userID string, ev pushTypes.Event, sessionScoped bool) error
}

// Namer names a session out of band after a completed turn.
type Namer interface {
	NameSession(ctx context.Context, sessionID, content string) error
}

// Translator consumes the ParsedEvents of one agent turn and drives
// delivery: exactly-once stream start, chunk and tool pushes, side-channel
// dispatch, and durable finalization. One Translator serves one turn.
type Translator struct {
	log     zerolog.Logger
	session Session

	pusher          Pusher
	stores          storage.Opener
	markers         *marker.Extractor
	chartHandler    charts.Handler
	researchHandler research.Handler
	namer           Namer

	// namePolicy decides whether to schedule session naming after finalize.
	// The default names sessions whose final content is non-empty; the
	// namer itself checks for an existing title.
	namePolicy func(sessionID, finalText string) bool

	streamStarted bool
	content       strings.Builder
}

// Config carries the translator's collaborators. Pusher and Stores are
// required; the rest degrade to no-ops when absent.
type Config struct {
	Session         Session
	Pusher          Pusher
	Stores          storage.Opener
	Markers         *marker.Extractor
	ChartHandler    charts.Handler
	ResearchHandler research.Handler
	Namer           Namer
	NamePolicy      func(sessionID, finalText string) bool
}

func NewTranslator(logger zerolog.Logger, cfg Config) *Translator {
	policy := cfg.NamePolicy
	if policy == nil {
		policy = func(_, finalText string) bool { return strings.TrimSpace(finalText) != "" }
	}
	return &Translator{
		log:             logger.With().Str("session_id", cfg.Session.ID).Logger(),
		session:         cfg.Session,
		pusher:          cfg.Pusher,
		stores:          cfg.Stores,
		markers:         cfg.Markers,
		chartHandler:    cfg.ChartHandler,
		researchHandler: cfg.ResearchHandler,
		namer:           cfg.Namer,
		namePolicy:      policy,
	}
}

// Emit dispatches one parsed event. It never returns an error and never
// panics on malformed payloads: protocol and handler failures are logged at
// the smallest granularity and the stream moves on.
func (t *Translator) Emit(ctx context.Context, ev ParsedEvent) {
	switch ev.Kind {
	case KindTextChunk:
		t.ensureStarted(ctx)
		t.handleTextChunk(ctx, ev.Content)

	case KindThinkingChunk:
		t.ensureStarted(ctx)
		t.handleThinkingChunk(ctx, ev.Content)

	case KindToolStart:
		t.ensureStarted(ctx)
		t.handleToolStart(ctx, ev.ToolName, ev.ToolInput)

	case KindToolResult:
		t.handleToolResult(ctx, ev)

	case KindComponentUpdateDetected:
		t.handleComponentUpdate(ctx, ev.Payload)

	case KindSceneDetected:
		t.handleScene(ctx, ev.Payload)

	case KindChartDetected:
		t.handleChart(ctx, ev.Payload)

	case KindResearchDetected:
		t.handleResearch(ctx, ev.Payload)

	case KindSessionID:
		t.handleAgentSessionID(ctx, ev.AgentSessionID)

	case KindParseError:
		t.log.Warn().Str("line", ev.RawLine).Msg("unparseable protocol line")

	case KindMessageStop, KindStreamComplete:
		// Lifecycle completion is driven externally via Finalize.

	default:
		t.log.Warn().Str("kind", string(ev.Kind)).Msg("unhandled parsed event kind")
	}
}

// ensureStarted emits stream start exactly once, whichever event kind
// arrives first.
func (t *Translator) ensureStarted(ctx context.Context) {
	if t.streamStarted {
		return
	}
	t.streamStarted = true
	t.push(pushTypes.Event{Type: pushTypes.EventTypeStreamStart, SessionID: t.session.ID})
}

func (t *Translator) handleTextChunk(ctx context.Context, text string) {
	t.content.WriteString(text)
	t.push(pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, SessionID: t.session.ID, Content: text})
}

func (t *Translator) handleThinkingChunk(ctx context.Context, text string) {
	t.push(pushTypes.Event{Type: pushTypes.EventTypeThinkingChunk, SessionID: t.session.ID, Content: text})
}

func (t *Translator) handleToolStart(ctx context.Context, tool string, input map[string]any) {
	t.push(pushTypes.Event{Type: pushTypes.EventTypeToolStart, SessionID: t.session.ID, Tool: tool, ToolInput: input})
}

// handleToolResult scans the result for markers unless the payload is
// non-text; the extractor itself passes error results and the read-only
// Read tool through unscanned.
func (t *Translator) handleToolResult(ctx context.Context, ev ParsedEvent) {
	result := ev.Result
	if ev.CleanResult != "" {
		result = ev.CleanResult
	}

	if !ev.NonText {
		result = t.markers.Clean(ctx, marker.Source{
			SessionID: t.session.ID,
			ToolName:  ev.ToolName,
			IsError:   ev.IsError,
		}, result)
	}

	t.push(pushTypes.Event{Type: pushTypes.EventTypeToolResult, SessionID: t.session.ID, Tool: ev.ToolName, Content: result})
}

func (t *Translator) handleComponentUpdate(ctx context.Context, payload map[string]any) {
	componentID, _ := payload["component_id"].(string)
	content, _ := payload["content"].(string)
	if componentID == "" || content == "" {
		t.log.Warn().Msg("component update missing component_id or content, skipping")
		return
	}
	appendFlag, _ := payload["append"].(bool)

	t.push(pushTypes.Event{
		Type:        pushTypes.EventTypeComponentUpdate,
		SessionID:   t.session.ID,
		ComponentID: componentID,
		Content:     content,
		Append:      appendFlag,
	})
}

func (t *Translator) handleScene(ctx context.Context, payload map[string]any) {
	sceneID, _ := payload["scene_id"].(string)
	components, _ := payload["components"].([]any)
	if sceneID == "" || len(components) == 0 {
		t.log.Warn().Msg("scene missing scene_id or components, skipping")
		return
	}

	t.push(pushTypes.Event{Type: pushTypes.EventTypeScene, SessionID: t.session.ID, Content: payload})
}

func (t *Translator) handleChart(ctx context.Context, payload map[string]any) {
	req := charts.FromPayload(t.session.ID, payload)
	if err := req.Validate(); err != nil {
		t.log.Warn().Err(err).Msg("invalid chart payload, skipping")
		return
	}
	if t.chartHandler == nil {
		return
	}
	if err := t.chartHandler.GenerateChart(ctx, req); err != nil {
		t.log.Error().Err(err).Str("chart_id", req.ChartID).Msg("chart generation failed")
	}
}

func (t *Translator) handleResearch(ctx context.Context, payload map[string]any) {
	if t.researchHandler == nil {
		return
	}
	req := research.Request{SessionID: t.session.ID, Payload: payload}
	if err := t.researchHandler.ExecuteResearch(ctx, req); err != nil {
		t.log.Error().Err(err).Msg("research execution failed")
	}
}

// handleAgentSessionID persists the agent-assigned conversation id through a
// freshly acquired handle; turns can run long enough that a handle held from
// stream start would be stale.
func (t *Translator) handleAgentSessionID(ctx context.Context, agentSessionID string) {
	if agentSessionID == "" {
		return
	}

	store, release, err := t.stores.Open(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to open store for agent session id")
		return
	}
	defer release()

	if err := store.UpdateSessionAgentID(ctx, t.session.ID, agentSessionID); err != nil {
		t.log.Error().Err(err).Msg("failed to persist agent session id")
	}
}

// Finalize completes the turn. finalText must be the full accumulated
// content with raw marker spans still present: a downstream consumer
// extracts auxiliary fields from tag boundaries in the persisted record's
// source text, so stripping happens here, not upstream. An empty finalText
// falls back to the translator's own accumulation.
func (t *Translator) Finalize(ctx context.Context, finalText string) {
	t.ensureStarted(ctx)

	text := finalText
	if text == "" {
		text = t.content.String()
	}

	t.finishStream(ctx, text)

	// The namer sees stripped prose only; a turn that opens with a marker
	// block must not leak tag syntax into the derived title.
	nameText := marker.Strip(text)
	if t.namer != nil && t.namePolicy(t.session.ID, nameText) {
		detached := context.WithoutCancel(ctx)
		go func() {
			if err := t.namer.NameSession(detached, t.session.ID, nameText); err != nil {
				t.log.Error().Err(err).Msg("session naming failed")
			}
		}()
	}
}

// EmitError finalizes a failed turn. The user gets a structured error push
// whether or not the stream ever started, and the persisted transcript gets
// a visibly prefixed final message so the failure survives reconnects.
func (t *Translator) EmitError(ctx context.Context, code, message string) {
	t.push(pushTypes.Event{
		Type:      pushTypes.EventTypeStreamError,
		SessionID: t.session.ID,
		Code:      code,
		Message:   message,
	})

	t.finishStream(ctx, fmt.Sprintf("⚠️ %s", message))
}

// finishStream is the stream-end path: clean markers, push stream_end, and
// persist the final assistant message.
func (t *Translator) finishStream(ctx context.Context, text string) {
	cleaned := t.markers.Clean(ctx, marker.Source{SessionID: t.session.ID}, text)

	t.push(pushTypes.Event{Type: pushTypes.EventTypeStreamEnd, SessionID: t.session.ID, Content: cleaned})

	store, release, err := t.stores.Open(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to open store for final message")
		return
	}
	defer release()

	if _, err := store.CreateMessage(ctx, t.session.ID, "assistant", cleaned); err != nil {
		t.log.Error().Err(err).Msg("failed to persist final message")
	}
}

func (t *Translator) push(ev pushTypes.Event) {
	if err := t.pusher.PushToUser(t.session.CustomerID, ev, true); err != nil {
		t.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("push delivery failed")
	}
}
