package stream

import "context"

// Callbacks receives the per-run lifecycle of one agent turn. Implementations
// are supplied by the caller at send time; panics inside a callback propagate
// to the event-handling caller rather than being swallowed here, so callers
// wanting isolation wrap their own callbacks.
//
// Embed NopCallbacks to implement only the methods you care about.
type Callbacks interface {
	OnStreamStart(ctx context.Context, sessionID string)
	OnTextChunk(ctx context.Context, text string)
	OnToolResult(ctx context.Context, tool, result string)
	OnStreamEnd(ctx context.Context, sessionID, runID, finalText string)
	OnError(ctx context.Context, message string)
}

// NopCallbacks is the do-nothing default implementation of Callbacks.
type NopCallbacks struct{}

func (NopCallbacks) OnStreamStart(context.Context, string) {}

func (NopCallbacks) OnTextChunk(context.Context, string) {}

func (NopCallbacks) OnToolResult(context.Context, string, string) {}

func (NopCallbacks) OnStreamEnd(context.Context, string, string, string) {}

func (NopCallbacks) OnError(context.Context, string) {}
