// Package main provides a one-shot snapshot command: it resolves a wallet's
// agents, runs a single forced aggregation and prints the resulting view.
//
// Usage: snapshot <wallet> [cache]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/portfolio-sync/internal/agents"
	"github.com/portfolio-sync/internal/aggregator"
	"github.com/portfolio-sync/internal/backend"
	"github.com/portfolio-sync/internal/chain"
	"github.com/portfolio-sync/internal/circuitbreaker"
	"github.com/portfolio-sync/internal/config"
	"github.com/portfolio-sync/internal/engine"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/storage"
)

func main() {
	if len(os.Args) < 2 || !chain.ValidAddress(os.Args[1]) {
		fmt.Fprintln(os.Stderr, "usage: snapshot <wallet> [cache]")
		os.Exit(2)
	}
	wallet := os.Args[1]
	force := !(len(os.Args) > 2 && os.Args[2] == "cache")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().ForWallet(wallet)

	redis, err := storage.NewRedisCache(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	cacheService := storage.NewCacheService(redis, cfg.Sync.HistoryLimit)
	backendClient := backend.NewClient(cfg.Backend)

	var chainReader aggregator.ChainReader
	if cfg.Chain.RPCURL != "" {
		reader, err := chain.Dial(cfg.Chain.RPCURL)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to RPC, on-chain tier disabled")
		} else {
			defer reader.Close()
			chainReader = reader
		}
	}

	session := engine.NewSession(wallet, engine.Deps{
		Aggregator: aggregator.New(backendClient, chainReader, aggregator.ConfigFrom(cfg), circuitbreaker.NewManager()),
		Directory:  agents.NewDirectory(wallet, backendClient, cacheService),
		Closer:     backendClient,
		History:    cacheService,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	outcome, err := session.Refresh(ctx, force)
	if err != nil {
		logger.WithError(err).Fatal("Refresh failed")
	}
	session.Wait()
	logger.WithField("outcome", outcome).Info("Snapshot complete")

	for _, rr := range session.LastRepairs() {
		if rr.Err != nil {
			logger.WithError(rr.Err).WithField("agent", rr.AgentID).Warn("Agent repair push failed")
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(session.View()); err != nil {
		logger.WithError(err).Fatal("Failed to encode view")
	}
}
