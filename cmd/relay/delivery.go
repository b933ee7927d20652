package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/marker"
	"github.com/sherlock-ai/relay/internal/storage"
	pushTypes "github.com/sherlock-ai/relay/pkg/push"
)

// userPusher is the slice of the hub the delivery bridges need.
type userPusher interface {
	PushToUser(userID string, ev pushTypes.Event, sessionScoped bool) error
}

// delivery bridges one run's stream callbacks to the push hub and the
// message store. Stream-end text arrives raw; markers are cleaned here
// before anything reaches a client or disk.
type delivery struct {
	log     zerolog.Logger
	hub     userPusher
	stores  storage.Opener
	markers *marker.Extractor

	userID    string
	sessionID string
}

func (d *delivery) OnStreamStart(ctx context.Context, sessionID string) {
	d.push(pushTypes.Event{Type: pushTypes.EventTypeStreamStart, SessionID: sessionID})
}

func (d *delivery) OnTextChunk(ctx context.Context, text string) {
	d.push(pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, SessionID: d.sessionID, Content: text})
}

func (d *delivery) OnToolResult(ctx context.Context, tool, result string) {
	clean := d.markers.Clean(ctx, marker.Source{SessionID: d.sessionID, ToolName: tool}, result)
	d.push(pushTypes.Event{Type: pushTypes.EventTypeToolResult, SessionID: d.sessionID, Tool: tool, Content: clean})
}

func (d *delivery) OnStreamEnd(ctx context.Context, sessionID, runID, finalText string) {
	clean := d.markers.Clean(ctx, marker.Source{SessionID: sessionID}, finalText)
	d.push(pushTypes.Event{Type: pushTypes.EventTypeStreamEnd, SessionID: sessionID, RunID: runID, Content: clean})
	d.persist(ctx, clean)
}

func (d *delivery) OnError(ctx context.Context, message string) {
	d.push(pushTypes.Event{Type: pushTypes.EventTypeStreamError, SessionID: d.sessionID, Message: message})
	d.persist(ctx, "⚠️ "+message)
}

func (d *delivery) push(ev pushTypes.Event) {
	if err := d.hub.PushToUser(d.userID, ev, true); err != nil {
		d.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("push failed")
	}
}

func (d *delivery) persist(ctx context.Context, content string) {
	store, release, err := d.stores.Open(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to open store for final message")
		return
	}
	defer release()

	if _, err := store.CreateMessage(ctx, d.sessionID, "assistant", content); err != nil {
		d.log.Error().Err(err).Str("session_id", d.sessionID).Msg("failed to persist final message")
	}
}
