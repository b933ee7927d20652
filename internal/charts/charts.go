// Package charts defines the chart-generation collaborator consumed by the
// delivery pipeline. Rendering and semantic validation of chart content
// live with the handler, not here.
package charts

import (
	"context"
	"errors"
)

var ErrNoChartSource = errors.New("chart request needs one of data, data_query, or diagram_source")

// Request carries every chart field the agent supplied. Unset fields stay
// zero; the handler decides what each combination means.
type Request struct {
	SessionID     string         `json:"session_id"`
	ChartID       string         `json:"chart_id,omitempty"`
	ChartType     string         `json:"chart_type,omitempty"`
	Title         string         `json:"title,omitempty"`
	Subtitle      string         `json:"subtitle,omitempty"`
	Data          any            `json:"data,omitempty"`
	DataQuery     map[string]any `json:"data_query,omitempty"`
	DiagramSource string         `json:"diagram_source,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// Validate rejects requests with no renderable source at all.
func (r Request) Validate() error {
	if r.Data == nil && len(r.DataQuery) == 0 && r.DiagramSource == "" {
		return ErrNoChartSource
	}
	return nil
}

// FromPayload builds a Request from a detected chart payload, preserving
// every field present.
func FromPayload(sessionID string, payload map[string]any) Request {
	req := Request{SessionID: sessionID}
	if v, ok := payload["chart_id"].(string); ok {
		req.ChartID = v
	}
	if v, ok := payload["chart_type"].(string); ok {
		req.ChartType = v
	}
	if v, ok := payload["title"].(string); ok {
		req.Title = v
	}
	if v, ok := payload["subtitle"].(string); ok {
		req.Subtitle = v
	}
	if v, ok := payload["data"]; ok {
		req.Data = v
	}
	if v, ok := payload["data_query"].(map[string]any); ok {
		req.DataQuery = v
	}
	if v, ok := payload["diagram_source"].(string); ok {
		req.DiagramSource = v
	}
	if v, ok := payload["options"].(map[string]any); ok {
		req.Options = v
	}
	return req
}

// Handler generates a chart from a validated request.
type Handler interface {
	GenerateChart(ctx context.Context, req Request) error
}
