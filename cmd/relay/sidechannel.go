package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/charts"
	"github.com/sherlock-ai/relay/internal/research"
	"github.com/sherlock-ai/relay/internal/storage"
	pushTypes "github.com/sherlock-ai/relay/pkg/push"
)

// sidechannel routes extracted chart, scene, component-update and research
// payloads to the session owner's channel. Session ownership comes from the
// stored session record.
type sidechannel struct {
	log    zerolog.Logger
	hub    userPusher
	stores storage.Opener
}

func (s *sidechannel) GenerateChart(ctx context.Context, req charts.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return s.pushToOwner(ctx, req.SessionID, pushTypes.Event{
		Type:        pushTypes.EventTypeChart,
		SessionID:   req.SessionID,
		ComponentID: req.ChartID,
		Content:     req,
	})
}

// ExecuteResearch records the request; a downstream research service is the
// eventual consumer.
func (s *sidechannel) ExecuteResearch(ctx context.Context, req research.Request) error {
	s.log.Info().Str("session_id", req.SessionID).Msg("research request received")
	return nil
}

// PushScene delivers a full scene payload.
func (s *sidechannel) PushScene(ctx context.Context, sessionID string, payload map[string]any) error {
	return s.pushToOwner(ctx, sessionID, pushTypes.Event{
		Type:      pushTypes.EventTypeScene,
		SessionID: sessionID,
		Content:   payload,
	})
}

// PushComponentUpdate delivers a single component patch.
func (s *sidechannel) PushComponentUpdate(ctx context.Context, sessionID, componentID string, content any, appendFlag bool) error {
	return s.pushToOwner(ctx, sessionID, pushTypes.Event{
		Type:        pushTypes.EventTypeComponentUpdate,
		SessionID:   sessionID,
		ComponentID: componentID,
		Content:     content,
		Append:      appendFlag,
	})
}

// handleChartMarker unwraps an extracted chart payload and runs it through
// the chart path.
func (s *sidechannel) handleChartMarker(ctx context.Context, payload map[string]any) error {
	sessionID, _ := payload["session_id"].(string)
	data, _ := payload["chart_data"].(map[string]any)
	if data == nil {
		return fmt.Errorf("chart marker without chart_data")
	}
	return s.GenerateChart(ctx, charts.FromPayload(sessionID, data))
}

func (s *sidechannel) handleSceneMarker(ctx context.Context, payload map[string]any) error {
	sessionID, _ := payload["session_id"].(string)
	data, _ := payload["scene_data"].(map[string]any)
	if data == nil {
		return fmt.Errorf("scene marker without scene_data")
	}
	return s.PushScene(ctx, sessionID, data)
}

func (s *sidechannel) handleComponentMarker(ctx context.Context, payload map[string]any) error {
	sessionID, _ := payload["session_id"].(string)
	data, _ := payload["update_data"].(map[string]any)
	if data == nil {
		return fmt.Errorf("component update marker without update_data")
	}
	componentID, _ := data["component_id"].(string)
	if componentID == "" {
		return fmt.Errorf("component update marker without component_id")
	}
	appendFlag, _ := data["append"].(bool)
	return s.PushComponentUpdate(ctx, sessionID, componentID, data["content"], appendFlag)
}

func (s *sidechannel) handleResearchMarker(ctx context.Context, payload map[string]any) error {
	sessionID, _ := payload["session_id"].(string)
	data, _ := payload["research_data"].(map[string]any)
	if data == nil {
		return fmt.Errorf("research marker without research_data")
	}
	return s.ExecuteResearch(ctx, research.Request{SessionID: sessionID, Payload: data})
}

func (s *sidechannel) pushToOwner(ctx context.Context, sessionID string, ev pushTypes.Event) error {
	store, release, err := s.stores.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	session, err := store.GetSession(ctx, sessionID)
	release()
	if err != nil {
		return fmt.Errorf("failed to resolve session owner: %w", err)
	}
	if session.CustomerID == "" {
		s.log.Debug().Str("session_id", sessionID).Msg("session has no owner, dropping side-channel event")
		return nil
	}
	return s.hub.PushToUser(session.CustomerID, ev, true)
}
