// Package api provides the local HTTP API over the wallet sessions.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portfolio-sync/internal/circuitbreaker"
	"github.com/portfolio-sync/internal/engine"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/models"
)

// Session is the per-wallet surface the handlers drive
type Session interface {
	View() models.View
	Refresh(ctx context.Context, force bool) (engine.RefreshOutcome, error)
	Agents() []models.Agent
	SelectAgent(ctx context.Context, agentID string) error
	PauseAgent(ctx context.Context, agentID string) error
	ResumeAgent(ctx context.Context, agentID string) error
	DeleteAgent(ctx context.Context, agentID string) error
	ClosePosition(ctx context.Context, positionID string, percentage float64) (*engine.CloseResult, error)
	Transactions() []models.Transaction
	History(ctx context.Context) ([]models.HistoryEntry, error)
}

// Registry resolves wallets to sessions
type Registry interface {
	Lookup(wallet string) (Session, bool)
	Wallets() []string
}

// CoordinatorRegistry exposes an engine.Coordinator as a Registry
type CoordinatorRegistry struct {
	*engine.Coordinator
}

// Lookup implements Registry
func (r CoordinatorRegistry) Lookup(wallet string) (Session, bool) {
	s, ok := r.Session(wallet)
	if !ok {
		return nil, false
	}
	return s, true
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	sessions   Registry
	breakers   *circuitbreaker.Manager
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ClientRPS       int // Requests per second per client
}

// NewServer creates a new API server instance. breakers may be nil.
func NewServer(config *ServerConfig, sessions Registry, breakers *circuitbreaker.Manager) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		sessions: sessions,
		breakers: breakers,
		config:   config,
		logger:   logging.GetGlobalLogger().ForComponent("api"),
	}

	s.setupRouter()

	return s
}

// Handler returns the configured router. CORS wraps the router because mux
// only runs Use middleware on matched routes, and preflights match none.
func (s *Server) Handler() http.Handler {
	return CORSMiddleware(s.router)
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.ClientRPS)

	// order matters
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Wallet endpoints
	api.HandleFunc("/wallets", s.handleListWallets).Methods("GET")
	api.HandleFunc("/wallets/{wallet}/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/wallets/{wallet}/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/wallets/{wallet}/transactions", s.handleGetTransactions).Methods("GET")
	api.HandleFunc("/wallets/{wallet}/history", s.handleGetHistory).Methods("GET")

	// Agent endpoints
	api.HandleFunc("/wallets/{wallet}/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/wallets/{wallet}/agents/{id}/select", s.handleSelectAgent).Methods("POST")
	api.HandleFunc("/wallets/{wallet}/agents/{id}/pause", s.handlePauseAgent).Methods("POST")
	api.HandleFunc("/wallets/{wallet}/agents/{id}/resume", s.handleResumeAgent).Methods("POST")
	api.HandleFunc("/wallets/{wallet}/agents/{id}", s.handleDeleteAgent).Methods("DELETE")

	// Position endpoints
	api.HandleFunc("/wallets/{wallet}/positions/{id}/close", s.handleClosePosition).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "portfolio-sync",
		"wallets": len(s.sessions.Wallets()),
	}
	if s.breakers != nil {
		body["breakers"] = s.breakers.States()
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
