package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/portfolio-sync/internal/chain"
	"github.com/portfolio-sync/internal/engine"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

// sessionFor resolves the {wallet} path variable, writing the error response
// itself when it cannot
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (Session, bool) {
	wallet := mux.Vars(r)["wallet"]
	if !chain.ValidAddress(wallet) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid wallet address", map[string]interface{}{"wallet": wallet})
		return nil, false
	}
	session, ok := s.sessions.Lookup(wallet)
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Wallet is not tracked", map[string]interface{}{"wallet": wallet})
		return nil, false
	}
	return session, true
}

// handleListWallets handles GET /api/wallets
func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"wallets": s.sessions.Wallets()})
}

// handleGetPortfolio handles GET /api/wallets/{wallet}/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, session.View())
}

// handleRefresh handles POST /api/wallets/{wallet}/refresh?force=true
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "force must be a boolean", nil)
			return
		}
		force = parsed
	}

	outcome, err := session.Refresh(r.Context(), force)
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusOK
	if outcome == engine.RefreshSkipped || outcome == engine.RefreshRevalidating {
		status = http.StatusAccepted
	}
	respondJSON(w, status, map[string]interface{}{
		"outcome": outcome,
		"view":    session.View(),
	})
}

// handleGetTransactions handles GET /api/wallets/{wallet}/transactions?limit=N
func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer", nil)
			return
		}
		limit = min(parsed, maxTransactionLimit)
	}

	txs := session.Transactions()
	if len(txs) > limit {
		txs = txs[:limit]
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// handleGetHistory handles GET /api/wallets/{wallet}/history
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	history, err := session.History(r.Context())
	if err != nil {
		FromRequest(r).WithError(err).Error("Failed to read history")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to read history", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}
