// Package aggregator produces portfolio snapshots from a three-tier fallback
// chain: the backend's pre-aggregated fast snapshot, direct on-chain reads
// plus the position ledger, and finally the ledger alone.
//
// LP-style positions are merged into every tier using their own valuation.
// Each tier runs behind its own circuit breaker.
package aggregator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/portfolio-sync/internal/backend"
	"github.com/portfolio-sync/internal/circuitbreaker"
	"github.com/portfolio-sync/internal/config"
	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/models"
)

// Backend is the read half of the backend-of-record
type Backend interface {
	FastSnapshot(ctx context.Context, wallet string, force bool) (*backend.FastSnapshotResponse, error)
	PositionLedger(ctx context.Context, wallet string) (*backend.LedgerResponse, error)
	LPPositions(ctx context.Context, wallet string) (*backend.LPResponse, error)
	TokenPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// ChainReader reads balances directly from the chain
type ChainReader interface {
	NativeBalance(ctx context.Context, owner string) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, token, owner string, decimals int32) (decimal.Decimal, error)
}

// Config tunes the on-chain tier
type Config struct {
	PrimaryAsset     config.TokenConfig
	WrappedNative    config.TokenConfig
	NativeSymbol     string
	AuxTokens        []config.TokenConfig
	DustThresholdUSD float64
}

// ConfigFrom builds aggregator settings from application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		PrimaryAsset:     cfg.Chain.PrimaryAsset,
		WrappedNative:    cfg.Chain.WrappedNative,
		NativeSymbol:     cfg.Chain.NativeSymbol,
		AuxTokens:        cfg.Chain.AuxTokens,
		DustThresholdUSD: cfg.Sync.DustThresholdUSD,
	}
}

// Options controls one aggregation
type Options struct {
	// Force bypasses the fast tier's server-side cache
	Force bool
	// AgentAddress is the selected agent's address, used by the on-chain tier.
	// When empty the address last resolved by the fast tier is used.
	AgentAddress string
}

// PositionSet is the result of a targeted position re-fetch
type PositionSet struct {
	Positions []models.Position
	// AvgAPY is the ledger's summary APY, or -1 if the ledger did not report one
	AvgAPY float64
}

// Aggregator runs the tier chain
type Aggregator struct {
	backend  Backend
	chain    ChainReader
	cfg      Config
	breakers *circuitbreaker.Manager
	refetch  singleflight.Group
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	resolved map[string]string // wallet -> agent address reported by the fast tier
}

// New creates an aggregator. chain may be nil when no RPC endpoint is configured.
func New(b Backend, chain ChainReader, cfg Config, breakers *circuitbreaker.Manager) *Aggregator {
	if breakers == nil {
		breakers = circuitbreaker.NewManager()
	}
	return &Aggregator{
		backend:  b,
		chain:    chain,
		cfg:      cfg,
		breakers: breakers,
		logger:   logging.GetGlobalLogger().ForComponent("aggregator"),
		now:      time.Now,
		resolved: make(map[string]string),
	}
}

// Aggregate runs every tier in order and returns the first that succeeds.
// When all fail the error is Exhausted.
func (a *Aggregator) Aggregate(ctx context.Context, wallet string, opts Options) (*models.PortfolioSnapshot, error) {
	snap, err := a.FastTier(ctx, wallet, opts)
	if err == nil {
		return snap, nil
	}
	if !apperrors.IsFallthrough(err) {
		return nil, err
	}
	if snap, err = a.FallbackTiers(ctx, wallet, opts); err != nil {
		return nil, err
	}
	return snap, nil
}

// FastTier runs only the fast snapshot tier
func (a *Aggregator) FastTier(ctx context.Context, wallet string, opts Options) (*models.PortfolioSnapshot, error) {
	return a.runTier(ctx, models.TierFastSnapshot, wallet, func() (*models.PortfolioSnapshot, error) {
		return a.fastSnapshot(ctx, wallet, opts.Force)
	})
}

// FallbackTiers runs the on-chain tier, then the ledger-only tier when no
// agent address can be resolved or the chain cannot be read
func (a *Aggregator) FallbackTiers(ctx context.Context, wallet string, opts Options) (*models.PortfolioSnapshot, error) {
	var last error
	address := opts.AgentAddress
	if address == "" {
		address = a.resolvedAddress(wallet)
	}
	if address != "" && a.chain != nil {
		snap, err := a.runTier(ctx, models.TierOnChain, wallet, func() (*models.PortfolioSnapshot, error) {
			return a.onChain(ctx, wallet, address)
		})
		if err == nil {
			return snap, nil
		}
		if !apperrors.IsFallthrough(err) {
			return nil, err
		}
		last = err
	}

	snap, err := a.runTier(ctx, models.TierLedgerOnly, wallet, func() (*models.PortfolioSnapshot, error) {
		return a.ledgerOnly(ctx, wallet)
	})
	if err == nil {
		return snap, nil
	}
	if last == nil || !apperrors.IsFallthrough(err) {
		last = err
	}

	metrics.RecordExhausted()
	return nil, apperrors.Exhausted(wallet, last)
}

// Positions re-fetches the ledger and LP positions. Concurrent calls for the
// same wallet share one request.
func (a *Aggregator) Positions(ctx context.Context, wallet string) (*PositionSet, error) {
	v, err, _ := a.refetch.Do(strings.ToLower(wallet), func() (interface{}, error) {
		ledger, err := a.backend.PositionLedger(ctx, wallet)
		if err != nil {
			return nil, apperrors.SourceUnavailable("position_ledger", err)
		}
		set := &PositionSet{
			Positions: mapper.Positions(mapper.SourceLedger, ledger.Positions),
			AvgAPY:    ledgerAPY(ledger),
		}
		set.Positions = mergePositions(set.Positions, a.lpPositions(ctx, wallet))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PositionSet), nil
}

// runTier executes one tier behind its breaker. Incomplete answers do not
// count against the breaker.
func (a *Aggregator) runTier(ctx context.Context, tier models.SourceTier, wallet string, fn func() (*models.PortfolioSnapshot, error)) (*models.PortfolioSnapshot, error) {
	var snap *models.PortfolioSnapshot
	var tierErr error

	err := a.breakers.Get(string(tier)).Execute(func() error {
		snap, tierErr = fn()
		if apperrors.CategoryOf(tierErr) == apperrors.CategoryIncompleteData {
			return nil
		}
		return tierErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.RecordTier(string(tier), metrics.OutcomeSkipped)
		return nil, apperrors.SourceUnavailable(string(tier), err)
	}

	log := a.logger.ForWallet(wallet).WithField("tier", tier)
	if tierErr != nil {
		outcome := metrics.OutcomeUnavailable
		if apperrors.CategoryOf(tierErr) == apperrors.CategoryIncompleteData {
			outcome = metrics.OutcomeIncomplete
		}
		metrics.RecordTier(string(tier), outcome)
		log.WithError(tierErr).WithField("category", apperrors.CategoryOf(tierErr)).Warn("Tier failed, falling through")
		return nil, tierErr
	}

	metrics.RecordTier(string(tier), metrics.OutcomeSuccess)
	snap.Wallet = wallet
	snap.SourceTier = tier
	snap.FetchedAt = a.now().UTC()
	log.WithFields(map[string]interface{}{
		"total":     snap.TotalValue,
		"holdings":  len(snap.Holdings),
		"positions": len(snap.Positions),
	}).Debug("Tier produced snapshot")
	return snap, nil
}

func (a *Aggregator) fastSnapshot(ctx context.Context, wallet string, force bool) (*models.PortfolioSnapshot, error) {
	resp, err := a.backend.FastSnapshot(ctx, wallet, force)
	if err != nil {
		return nil, apperrors.SourceUnavailable(string(models.TierFastSnapshot), err)
	}
	if strings.TrimSpace(resp.AgentAddress) == "" {
		return nil, apperrors.IncompleteData(string(models.TierFastSnapshot), "no agent address")
	}
	a.rememberAddress(wallet, strings.TrimSpace(resp.AgentAddress))

	holdings := mapper.Holdings(mapper.SourceFast, resp.Holdings)
	positions := mapper.Positions(mapper.SourceFast, resp.Positions)
	if len(holdings) == 0 && len(positions) == 0 {
		return nil, apperrors.IncompleteData(string(models.TierFastSnapshot), "zero holdings and zero positions")
	}

	snap := &models.PortfolioSnapshot{
		AgentAddress: resp.AgentAddress,
		Holdings:     holdings,
		Positions:    mergePositions(positions, a.lpPositions(ctx, wallet)),
	}
	snap.Finalize(-1)
	return snap, nil
}

func (a *Aggregator) rememberAddress(wallet, address string) {
	a.mu.Lock()
	a.resolved[strings.ToLower(wallet)] = address
	a.mu.Unlock()
}

func (a *Aggregator) resolvedAddress(wallet string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolved[strings.ToLower(wallet)]
}

func (a *Aggregator) onChain(ctx context.Context, wallet, agentAddress string) (*models.PortfolioSnapshot, error) {
	tier := string(models.TierOnChain)
	primary := a.cfg.PrimaryAsset

	idle, err := a.chain.TokenBalance(ctx, primary.Address, agentAddress, primary.Decimals)
	if err != nil {
		return nil, apperrors.SourceUnavailable(tier, err)
	}

	var holdings []models.Holding
	if idle.IsPositive() {
		value, _ := idle.Float64()
		holdings = append(holdings, models.Holding{
			Asset:   primary.Symbol,
			Balance: value,
			Value:   value,
			Label:   primary.Symbol + " (idle)",
		})
	}
	holdings = append(holdings, a.secondaryHoldings(ctx, agentAddress)...)

	avgAPY := -1.0
	var positions []models.Position
	if ledger, err := a.backend.PositionLedger(ctx, wallet); err != nil {
		a.logger.ForWallet(wallet).WithError(err).Warn("Position ledger unavailable, invested value omitted")
	} else {
		positions = mapper.Positions(mapper.SourceLedger, ledger.Positions)
		avgAPY = ledgerAPY(ledger)
	}

	snap := &models.PortfolioSnapshot{
		AgentAddress: agentAddress,
		Holdings:     nonNilHoldings(holdings),
		Positions:    mergePositions(positions, a.lpPositions(ctx, wallet)),
	}
	snap.Finalize(avgAPY)
	return snap, nil
}

func (a *Aggregator) ledgerOnly(ctx context.Context, wallet string) (*models.PortfolioSnapshot, error) {
	ledger, err := a.backend.PositionLedger(ctx, wallet)
	if err != nil {
		return nil, apperrors.SourceUnavailable(string(models.TierLedgerOnly), err)
	}

	snap := &models.PortfolioSnapshot{
		Holdings:  []models.Holding{},
		Positions: mergePositions(mapper.Positions(mapper.SourceLedger, ledger.Positions), a.lpPositions(ctx, wallet)),
	}
	snap.Finalize(ledgerAPY(ledger))
	return snap, nil
}

// lpPositions is best effort: a failure leaves the tier's own positions intact
func (a *Aggregator) lpPositions(ctx context.Context, wallet string) []models.Position {
	resp, err := a.backend.LPPositions(ctx, wallet)
	if err != nil {
		a.logger.ForWallet(wallet).WithError(err).Warn("LP positions unavailable")
		return nil
	}
	return mapper.Positions(mapper.SourceLP, resp.Positions)
}

// mergePositions appends extra positions whose ids are not already present
func mergePositions(base, extra []models.Position) []models.Position {
	out := make([]models.Position, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]models.Position{base, extra} {
		for _, p := range list {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}

func ledgerAPY(ledger *backend.LedgerResponse) float64 {
	if ledger == nil || ledger.Summary.AvgAPY == nil || *ledger.Summary.AvgAPY < 0 {
		return -1
	}
	return *ledger.Summary.AvgAPY
}

func nonNilHoldings(h []models.Holding) []models.Holding {
	if h == nil {
		return []models.Holding{}
	}
	return h
}
