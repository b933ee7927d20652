// Package stream owns the per-run state of every in-flight agent turn fed by
// the gateway's push connection. The Manager demultiplexes events by run id,
// enforces sequence ordering, diffs cumulative snapshots into incremental
// chunks, and reconciles orphaned or steered turns.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStaleTimeout bounds how long a run may sit idle before the sweep
// force-completes it.
const DefaultStaleTimeout = 600 * time.Second

// Commander issues outbound commands to the agent gateway.
type Commander interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type abortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// streamContext is the per-run state; owned by the Manager, never handed out.
type streamContext struct {
	userID     string
	sessionID  string
	runID      string
	sessionKey string

	started    bool
	textBuffer string
	totalText  string
	seq        int64
	hasSeq     bool
	toolsSeen  int

	callbacks    Callbacks
	lastActivity time.Time
}

// Manager is the lifecycle multiplexer. All state transitions go through its
// methods; the streams table is the only shared mutable resource and the
// mutex is never held across a callback or gateway call.
type Manager struct {
	log       zerolog.Logger
	commander Commander

	mu        sync.Mutex
	streams   map[string]*streamContext
	lastSweep time.Time

	staleTimeout time.Duration
	now          func() time.Time
}

// NewManager creates a Manager issuing commands through commander.
func NewManager(logger zerolog.Logger, commander Commander) *Manager {
	return &Manager{
		log:          logger,
		commander:    commander,
		streams:      make(map[string]*streamContext),
		staleTimeout: DefaultStaleTimeout,
		now:          time.Now,
	}
}

// SetStaleTimeout overrides the idle threshold used by the stale sweep.
func (m *Manager) SetStaleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.staleTimeout = d
	}
}

// SendMessage issues a chat.send command and, on success, registers a fresh
// run for the reply stream. A failed send registers nothing and returns the
// gateway error unchanged.
func (m *Manager) SendMessage(ctx context.Context, userID, sessionID, sessionKey, message string, callbacks Callbacks) (string, error) {
	runID := uuid.NewString()

	_, err := m.commander.Request(ctx, "chat.send", sendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	if callbacks == nil {
		callbacks = NopCallbacks{}
	}

	m.mu.Lock()
	m.streams[runID] = &streamContext{
		userID:       userID,
		sessionID:    sessionID,
		runID:        runID,
		sessionKey:   sessionKey,
		callbacks:    callbacks,
		lastActivity: m.now(),
	}
	m.mu.Unlock()

	return runID, nil
}

// Abort requests cancellation of a run. Best effort: it reports false for
// unknown runs and for gateway failures, and does not remove the context —
// the terminal event (or the stale sweep) does that.
func (m *Manager) Abort(ctx context.Context, runID string) bool {
	m.mu.Lock()
	sc, ok := m.streams[runID]
	var sessionKey string
	if ok {
		sessionKey = sc.sessionKey
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if _, err := m.commander.Request(ctx, "chat.abort", abortParams{SessionKey: sessionKey, RunID: runID}); err != nil {
		m.log.Warn().Err(err).Str("run_id", runID).Msg("abort command failed")
		return false
	}
	return true
}

// HandleEvent routes one push event. Unknown event kinds, chat events
// without a run id, and events for unknown runs are ignored without logging.
// Every event also arms the throttled stale sweep.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) {
	m.maybeSweepStale(ctx)

	switch ev.Event {
	case EventKindChat:
		m.handleChatEvent(ctx, ev.Payload)
	case EventKindAgent:
		if ev.Payload.lifecyclePhase() == "steered" {
			m.handleSteered(ev.Payload.RunID)
		}
	case EventKindTick:
		// Maintenance signal; the sweep above is all it drives.
	default:
		// Unknown top-level kind.
	}
}

func (m *Manager) handleChatEvent(ctx context.Context, p Payload) {
	if p.RunID == "" {
		return
	}

	switch p.State {
	case StateDelta:
		m.applyDelta(ctx, p)
	case StateFinal:
		m.applyFinal(ctx, p)
	case StateError:
		msg := p.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		m.finishWithError(ctx, p.RunID, msg)
	case StateAborted:
		m.finishWithError(ctx, p.RunID, "Request was aborted")
	default:
		// Unknown state.
	}
}

// applyDelta folds one cumulative snapshot into the run. The seq gate comes
// first: a stale snapshot has no observable effect at all. Snapshots are
// cumulative, so tool_result blocks already dispatched from an earlier
// snapshot must not fire again; toolsSeen tracks the dispatched prefix and
// only blocks beyond it reach the callback.
func (m *Manager) applyDelta(ctx context.Context, p Payload) {
	toolResults := p.Message.toolResults()
	candidate := p.Message.textOf()

	m.mu.Lock()
	sc, ok := m.streams[p.RunID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if p.Seq != nil {
		if sc.hasSeq && *p.Seq <= sc.seq {
			m.mu.Unlock()
			return
		}
		sc.seq = *p.Seq
		sc.hasSeq = true
	}

	callbacks := sc.callbacks
	sessionID := sc.sessionID
	sc.lastActivity = m.now()

	var newTools []ContentBlock
	if len(toolResults) > sc.toolsSeen {
		newTools = toolResults[sc.toolsSeen:]
		sc.toolsSeen = len(toolResults)
	}

	var firstText bool
	var incremental string
	if candidate != "" {
		firstText = !sc.started
		sc.started = true

		if strings.HasPrefix(candidate, sc.textBuffer) {
			incremental = candidate[len(sc.textBuffer):]
		} else {
			// Snapshot diverged from the buffer; deliver it whole rather
			// than guessing a suffix.
			incremental = candidate
		}
		sc.textBuffer = candidate
		sc.totalText = candidate
	}
	m.mu.Unlock()

	if firstText {
		callbacks.OnStreamStart(ctx, sessionID)
	}
	if incremental != "" {
		callbacks.OnTextChunk(ctx, incremental)
	}
	for _, tr := range newTools {
		callbacks.OnToolResult(ctx, tr.Name, tr.Content)
	}
}

// applyFinal finishes a run. A final for a never-started run is an orphaned
// or steered turn: the context is dropped with no callbacks at all, whatever
// the payload carries. For a started run the final payload's text is
// authoritative over the running buffer.
func (m *Manager) applyFinal(ctx context.Context, p Payload) {
	m.mu.Lock()
	sc, ok := m.streams[p.RunID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.streams, p.RunID)
	started := sc.started
	callbacks := sc.callbacks
	sessionID := sc.sessionID
	m.mu.Unlock()

	if !started {
		return
	}
	callbacks.OnStreamEnd(ctx, sessionID, p.RunID, p.Message.textOf())
}

func (m *Manager) finishWithError(ctx context.Context, runID, message string) {
	m.mu.Lock()
	sc, ok := m.streams[runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.streams, runID)
	callbacks := sc.callbacks
	m.mu.Unlock()

	callbacks.OnError(ctx, message)
}

// handleSteered removes every sibling of the steering run: contexts sharing
// its session key that never started. The started context for the run itself
// and all other sessions' contexts are untouched.
func (m *Manager) handleSteered(runID string) {
	if runID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.streams[runID]
	if !ok {
		return
	}
	for id, other := range m.streams {
		if id == runID || other.sessionKey != sc.sessionKey || other.started {
			continue
		}
		delete(m.streams, id)
		m.log.Debug().Str("run_id", id).Str("steering_run_id", runID).Msg("removed steered sibling run")
	}
}

// ForceCompleteStream ends a run without a terminal event. Never-started
// runs are dropped silently (the orphan rule); started runs get a stream end
// carrying whatever text accumulated.
func (m *Manager) ForceCompleteStream(ctx context.Context, runID, reason string) bool {
	m.mu.Lock()
	sc, ok := m.streams[runID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.streams, runID)
	started := sc.started
	callbacks := sc.callbacks
	sessionID := sc.sessionID
	totalText := sc.totalText
	m.mu.Unlock()

	m.log.Info().Str("run_id", runID).Str("reason", reason).Bool("started", started).Msg("force completing stream")

	if started {
		callbacks.OnStreamEnd(ctx, sessionID, runID, totalText)
	}
	return true
}

// CleanupStream unconditionally removes a run; unknown ids are a no-op.
func (m *Manager) CleanupStream(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, runID)
}

// CleanupAllStreams removes every run and returns the removed ids.
func (m *Manager) CleanupAllStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.streams = make(map[string]*streamContext)
	return ids
}

// CleanupStaleStreams force-completes every run idle longer than timeout and
// returns the affected ids.
func (m *Manager) CleanupStaleStreams(ctx context.Context, timeout time.Duration) []string {
	cutoff := m.now().Add(-timeout)

	m.mu.Lock()
	var stale []string
	for id, sc := range m.streams {
		if sc.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.ForceCompleteStream(ctx, id, "stale timeout")
	}
	return stale
}

// maybeSweepStale runs the stale sweep at most once per stale-timeout
// interval regardless of how often events arrive.
func (m *Manager) maybeSweepStale(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastSweep) < m.staleTimeout {
		m.mu.Unlock()
		return
	}
	m.lastSweep = now
	timeout := m.staleTimeout
	m.mu.Unlock()

	m.CleanupStaleStreams(ctx, timeout)
}

// ActiveRuns reports the run ids currently registered.
func (m *Manager) ActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}
