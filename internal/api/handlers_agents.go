package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/portfolio-sync/internal/errors"
)

// handleListAgents handles GET /api/wallets/{wallet}/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	view := session.View()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents":   session.Agents(),
		"selected": view.Agent,
		"status":   view.AgentStatus,
	})
}

// handleSelectAgent handles POST /api/wallets/{wallet}/agents/{id}/select
func (s *Server) handleSelectAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "select", func(session Session, ctx context.Context, id string) error {
		return session.SelectAgent(ctx, id)
	})
}

// handlePauseAgent handles POST /api/wallets/{wallet}/agents/{id}/pause
func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "pause", func(session Session, ctx context.Context, id string) error {
		return session.PauseAgent(ctx, id)
	})
}

// handleResumeAgent handles POST /api/wallets/{wallet}/agents/{id}/resume
func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "resume", func(session Session, ctx context.Context, id string) error {
		return session.ResumeAgent(ctx, id)
	})
}

// handleDeleteAgent handles DELETE /api/wallets/{wallet}/agents/{id}
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "delete", func(session Session, ctx context.Context, id string) error {
		return session.DeleteAgent(ctx, id)
	})
}

// agentAction runs an agent operation. A backend write failure still answers
// 200 because the local change has been applied; backendSynced reports it.
func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, action string, op func(Session, context.Context, string) error) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["id"]

	err := op(session, r.Context(), agentID)
	synced := true
	if err != nil {
		if apperrors.CategoryOf(err) != apperrors.CategoryWriteFailure {
			respondAppError(w, err)
			return
		}
		FromRequest(r).WithError(err).WithField("agent", agentID).Warn("Agent " + action + " not confirmed by backend")
		synced = false
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"action":        action,
		"agentId":       agentID,
		"backendSynced": synced,
		"view":          session.View(),
	})
}
