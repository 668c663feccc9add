// Package main provides the entry point for the portfolio sync engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-sync/internal/agents"
	"github.com/portfolio-sync/internal/aggregator"
	"github.com/portfolio-sync/internal/api"
	"github.com/portfolio-sync/internal/backend"
	"github.com/portfolio-sync/internal/chain"
	"github.com/portfolio-sync/internal/circuitbreaker"
	"github.com/portfolio-sync/internal/config"
	"github.com/portfolio-sync/internal/engine"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/models"
	"github.com/portfolio-sync/internal/ratelimit"
	"github.com/portfolio-sync/internal/realtime"
	"github.com/portfolio-sync/internal/retry"
	"github.com/portfolio-sync/internal/storage"
)

func main() {
	fmt.Println("Portfolio Sync Engine")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":   cfg.Logging.Level,
		"format":  cfg.Logging.Format,
		"wallets": len(cfg.Wallets),
	}).Info("Structured logging initialized")

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	cacheService := storage.NewCacheService(redis, cfg.Sync.HistoryLimit)
	backendClient := backend.NewClient(cfg.Backend)
	breakers := circuitbreaker.NewManager()

	// On-chain reads are optional; without an RPC endpoint the on-chain tier is skipped
	var chainReader aggregator.ChainReader
	if cfg.Chain.RPCURL != "" {
		reader, err := chain.DialWith(cfg.Chain.RPCURL, rpcBudget(cfg, redis))
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to RPC, on-chain tier disabled")
		} else {
			defer reader.Close()
			chainReader = reader
			logger.WithField("rpc", cfg.Chain.RPCURL).Info("Chain reader initialized")
		}
	}

	agg := aggregator.New(backendClient, chainReader, aggregator.ConfigFrom(cfg), breakers)
	coordinator := engine.NewCoordinator(cfg.Sync.RefreshInterval)
	dialer := realtime.NewWebsocketDialer(10 * time.Second)

	for _, wallet := range cfg.Wallets {
		session := engine.NewSession(wallet, engine.Deps{
			Aggregator: agg,
			Directory:  agents.NewDirectory(wallet, backendClient, cacheService),
			Closer:     backendClient,
			History:    cacheService,
			Renderer:   logRenderer(logger.ForWallet(wallet)),
		})

		var channel *realtime.Channel
		if cfg.Realtime.URL != "" {
			channel = realtime.NewChannel(wallet, cfg.Realtime.URL, dialer, session).WithPolicy(reconnectPolicy(cfg.Realtime))
		}
		coordinator.Add(session, channel)
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ClientRPS:       cfg.Server.ClientRPS,
	}
	server := api.NewServer(serverConfig, api.CoordinatorRegistry{Coordinator: coordinator}, breakers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncDone := make(chan error, 1)
	go func() { syncDone <- coordinator.Run(ctx) }()

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := <-syncDone; err != nil {
		logger.WithError(err).Error("Sync coordinator stopped with error")
	}

	logger.Info("Server exited")
}

// rpcBudget returns a wrapper that charges RPC reads against the shared CU
// budget, or nil when budgeting is disabled
func rpcBudget(cfg *config.Config, redis *storage.RedisCache) func(chain.Backend) (chain.Backend, error) {
	if cfg.Chain.CUBudget <= 0 {
		return nil
	}
	return func(client chain.Backend) (chain.Backend, error) {
		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetConfig{
			Redis:          redis.Client(),
			TotalBudget:    cfg.Chain.CUBudget,
			ReservedBudget: cfg.Chain.CUReserved,
		})
		if err != nil {
			return nil, err
		}
		return ratelimit.NewBackend(client, tracker, ratelimit.NewCostRegistry(nil), cfg.Chain.CUMaxWait)
	}
}

// logRenderer logs a one-line summary of every rendered view
// reconnectPolicy applies the configured retry budget to the default schedule
func reconnectPolicy(cfg config.RealtimeConfig) retry.Policy {
	policy := retry.ReconnectPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	policy.InitialDelay = cfg.RetryInitial
	policy.MaxDelay = cfg.RetryMax
	return policy
}

func logRenderer(logger *logging.Logger) engine.Renderer {
	return engine.RendererFunc(func(view models.View) {
		fields := map[string]interface{}{
			"state":         view.State,
			"display_total": view.DisplayTotal,
			"agent_status":  view.AgentStatus,
			"badge":         view.Risk.Badge,
			"channel":       view.ChannelState,
			"refreshing":    view.Refreshing,
		}
		if view.Snapshot != nil {
			fields["tier"] = view.Snapshot.SourceTier
			fields["version"] = view.Snapshot.Version
			fields["positions"] = len(view.Snapshot.Positions)
		}
		logger.WithFields(fields).Debug("View rendered")
	})
}
