package models

import (
	"math"
	"time"
)

// SourceTier identifies which fallback tier produced a snapshot
type SourceTier string

const (
	TierFastSnapshot SourceTier = "fast_snapshot"
	TierOnChain      SourceTier = "on_chain"
	TierLedgerOnly   SourceTier = "ledger_only"
	TierNone         SourceTier = "none"
)

// IL risk severities carried on positions
const (
	ILRiskNone   = "None"
	ILRiskLow    = "Low"
	ILRiskMedium = "Medium"
	ILRiskHigh   = "High"
)

// Holding is a fungible balance (idle wallet or agent balance)
type Holding struct {
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance"`
	Value   float64 `json:"value"`
	Label   string  `json:"label"`
}

// Position is a non-fungible yield position, single-sided or dual-token LP
type Position struct {
	ID             string  `json:"id"`
	Protocol       string  `json:"protocol"`
	PoolName       string  `json:"poolName"`
	DepositedValue float64 `json:"depositedValue"`
	CurrentValue   float64 `json:"currentValue"`
	PnL            float64 `json:"pnl"`
	APY            float64 `json:"apy"`
	IsDual         bool    `json:"isDual"`
	Token0         string  `json:"token0,omitempty"`
	Token1         string  `json:"token1,omitempty"`
	ILRisk         string  `json:"ilRisk,omitempty"`
	APYSpike       bool    `json:"apySpike,omitempty"`
	Source         string  `json:"source,omitempty"` // ledger, lp, fast
}

// PortfolioSnapshot is the atomic unit produced by one aggregation pass
type PortfolioSnapshot struct {
	Wallet       string     `json:"wallet"`
	AgentAddress string     `json:"agentAddress,omitempty"`
	TotalValue   float64    `json:"totalValue"`
	TotalPnL     float64    `json:"totalPnL"`
	Holdings     []Holding  `json:"holdings"`
	Positions    []Position `json:"positions"`
	AvgAPY       float64    `json:"avgApy"`
	SourceTier   SourceTier `json:"sourceTier"`
	Version      uint64     `json:"version"`
	FetchedAt    time.Time  `json:"fetchedAt"`
}

// SnapshotTolerance bounds float drift when checking the total invariant
const SnapshotTolerance = 1e-6

// Finalize recomputes the derived totals so TotalValue equals the sum of holding
// values plus position current values. avgAPY < 0 means "derive from positions".
func (s *PortfolioSnapshot) Finalize(avgAPY float64) {
	var total, pnl, weighted, invested float64
	for _, h := range s.Holdings {
		total += h.Value
	}
	for _, p := range s.Positions {
		total += p.CurrentValue
		pnl += p.PnL
		if p.CurrentValue > 0 {
			weighted += p.APY * p.CurrentValue
			invested += p.CurrentValue
		}
	}
	s.TotalValue = total
	s.TotalPnL = pnl

	switch {
	case avgAPY >= 0:
		s.AvgAPY = avgAPY
	case invested > 0:
		s.AvgAPY = weighted / invested
	default:
		s.AvgAPY = 0
	}
}

// Consistent reports whether the total invariant holds
func (s *PortfolioSnapshot) Consistent() bool {
	var sum float64
	for _, h := range s.Holdings {
		sum += h.Value
	}
	for _, p := range s.Positions {
		sum += p.CurrentValue
	}
	return math.Abs(sum-s.TotalValue) <= SnapshotTolerance*math.Max(1, math.Abs(sum))
}

// Clone returns a deep copy so patches never mutate a published snapshot
func (s *PortfolioSnapshot) Clone() *PortfolioSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Holdings = append([]Holding(nil), s.Holdings...)
	out.Positions = append([]Position(nil), s.Positions...)
	return &out
}

// EmptySnapshot is the explicit empty state
func EmptySnapshot(wallet string) *PortfolioSnapshot {
	return &PortfolioSnapshot{
		Wallet:     wallet,
		Holdings:   []Holding{},
		Positions:  []Position{},
		SourceTier: TierNone,
		FetchedAt:  time.Now().UTC(),
	}
}
