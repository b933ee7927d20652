package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/marker"
	"github.com/sherlock-ai/relay/internal/storage"
	"github.com/sherlock-ai/relay/internal/stream"
)

type api struct {
	log     zerolog.Logger
	manager *stream.Manager
	hub     userPusher
	stores  storage.Opener
	markers *marker.Extractor
}

type sendMessageRequest struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	Message    string `json:"message"`
}

func (a *api) routes(r chi.Router) {
	r.Post("/api/messages", a.handleSendMessage)
	r.Post("/api/runs/{runID}/abort", a.handleAbort)
	r.Post("/api/runs/{runID}/complete", a.handleForceComplete)
}

func (a *api) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id, session_id and message are required")
		return
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = req.SessionID
	}

	cb := &delivery{
		log:       a.log,
		hub:       a.hub,
		stores:    a.stores,
		markers:   a.markers,
		userID:    req.UserID,
		sessionID: req.SessionID,
	}

	runID, err := a.manager.SendMessage(r.Context(), req.UserID, req.SessionID, sessionKey, req.Message, cb)
	if err != nil {
		a.log.Error().Err(err).Str("session_id", req.SessionID).Msg("send message failed")
		writeError(w, http.StatusBadGateway, "failed to dispatch message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (a *api) handleAbort(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	aborted := a.manager.Abort(r.Context(), runID)
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (a *api) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	completed := a.manager.ForceCompleteStream(r.Context(), runID, "forced via api")
	writeJSON(w, http.StatusOK, map[string]bool{"completed": completed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
