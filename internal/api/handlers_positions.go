package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ClosePositionRequest is the close body
type ClosePositionRequest struct {
	Percentage float64 `json:"percentage"`
}

// handleClosePosition handles POST /api/wallets/{wallet}/positions/{id}/close
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	var req ClosePositionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := session.ClosePosition(r.Context(), mux.Vars(r)["id"], req.Percentage)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": result,
		"view":   session.View(),
	})
}
