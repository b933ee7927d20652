// Package research defines the research collaborator consumed by the
// delivery pipeline.
package research

import "context"

// Request is the research payload exactly as the agent supplied it.
type Request struct {
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
}

// Handler executes a research request out of band.
type Handler interface {
	ExecuteResearch(ctx context.Context, req Request) error
}
