package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/storage"
)

const maxTitleRunes = 80

// sessionNamer titles untitled sessions from the first completed turn. The
// title is the first non-empty line of the final content, truncated.
type sessionNamer struct {
	log    zerolog.Logger
	stores storage.Opener
}

func (n *sessionNamer) NameSession(ctx context.Context, sessionID, content string) error {
	store, release, err := n.stores.Open(ctx)
	if err != nil {
		return err
	}
	defer release()

	session, err := store.GetSession(ctx, sessionID)
	if err == nil && session.Title != "" {
		return nil
	}

	title := deriveTitle(content)
	if title == "" {
		return nil
	}

	if err := store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		return err
	}
	n.log.Debug().Str("session_id", sessionID).Str("title", title).Msg("session named")
	return nil
}

func deriveTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimLeft(line, "#*- ")
		runes := []rune(line)
		if len(runes) > maxTitleRunes {
			return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
		}
		return line
	}
	return ""
}
