// Package risk derives allocation buckets and risk indicators from a snapshot
// and the selected agent's configuration. Nothing here is persisted.
package risk

import (
	"sort"
	"strconv"

	"github.com/portfolio-sync/internal/models"
)

const (
	// AllocationDustUSD is the minimum value for an allocation bucket
	AllocationDustUSD = 0.10
	// DefaultStopLossPercent applies when stop loss is enabled without a threshold
	DefaultStopLossPercent = 15.0
)

// Indicator values
const (
	StatusActive = "Active"
	StatusOff    = "Off"
	StatusOK     = "OK"
	StatusPaused = "PAUSED"
	StatusNone   = "None"
	APYSpike     = "Spike Detected!"

	BadgeHigh    = "High"
	BadgeMedium  = "Medium"
	BadgeLow     = "Low"
	BadgeNoAgent = "No Agent"
)

// Bucket kinds
const (
	BucketHolding  = "holding"
	BucketPosition = "position"
)

var ilRank = map[string]int{
	models.ILRiskLow:    1,
	models.ILRiskMedium: 2,
	models.ILRiskHigh:   3,
}

// Allocation returns one bucket per holding and position worth more than the
// dust threshold, largest first. Percentages are of the bucket sum.
func Allocation(snap *models.PortfolioSnapshot) []models.AllocationBucket {
	buckets := []models.AllocationBucket{}
	if snap == nil {
		return buckets
	}

	var sum float64
	for _, h := range snap.Holdings {
		if h.Value > AllocationDustUSD {
			buckets = append(buckets, models.AllocationBucket{Label: h.Label, Kind: BucketHolding, Value: h.Value})
			sum += h.Value
		}
	}
	for _, p := range snap.Positions {
		if p.CurrentValue > AllocationDustUSD {
			buckets = append(buckets, models.AllocationBucket{Label: positionLabel(p), Kind: BucketPosition, Value: p.CurrentValue})
			sum += p.CurrentValue
		}
	}
	if sum <= 0 {
		return buckets
	}
	for i := range buckets {
		buckets[i].Percentage = buckets[i].Value / sum * 100
	}
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Value > buckets[j].Value })
	return buckets
}

// Indicators derives the risk indicator set. A nil agent yields the
// "No Agent" badge.
func Indicators(snap *models.PortfolioSnapshot, agent *models.Agent) models.RiskIndicatorSet {
	if agent == nil {
		return models.RiskIndicatorSet{
			ILRisk:          StatusNone,
			StopLoss:        StatusOff,
			VolatilityGuard: StatusOff,
			APYAlert:        StatusNone,
			Badge:           BadgeNoAgent,
		}
	}

	set := models.RiskIndicatorSet{
		ILRisk:          ilStatus(snap, agent.ProConfig),
		StopLoss:        stopLossStatus(agent.ProConfig),
		VolatilityGuard: volatilityStatus(agent),
		APYAlert:        apyAlert(snap),
	}

	switch {
	case set.ILRisk == models.ILRiskHigh || agent.Paused():
		set.Badge = BadgeHigh
	case set.ILRisk == models.ILRiskMedium || set.ILRisk == StatusActive:
		set.Badge = BadgeMedium
	default:
		set.Badge = BadgeLow
	}
	return set
}

func ilStatus(snap *models.PortfolioSnapshot, cfg models.ProConfig) string {
	if cfg.PoolType == models.PoolTypeDual || cfg.PoolType == models.PoolTypeAll || !cfg.AvoidIL {
		return StatusActive
	}
	if snap == nil {
		return StatusNone
	}
	worst, rank := "", 0
	for _, p := range snap.Positions {
		if r, ok := ilRank[p.ILRisk]; ok && r > rank {
			worst, rank = p.ILRisk, r
		}
	}
	if worst == "" {
		return StatusNone
	}
	return worst
}

func stopLossStatus(cfg models.ProConfig) string {
	if !cfg.StopLossEnabled {
		return StatusOff
	}
	pct := cfg.StopLossPercent
	if pct <= 0 {
		pct = DefaultStopLossPercent
	}
	return strconv.FormatFloat(pct, 'f', -1, 64) + "% Active"
}

func volatilityStatus(agent *models.Agent) string {
	switch {
	case agent.Paused():
		return StatusPaused
	case agent.ProConfig.VolatilityGuard:
		return StatusOK
	default:
		return StatusOff
	}
}

func apyAlert(snap *models.PortfolioSnapshot) string {
	if snap == nil {
		return StatusNone
	}
	for _, p := range snap.Positions {
		if p.APYSpike {
			return APYSpike
		}
	}
	return StatusNone
}

func positionLabel(p models.Position) string {
	switch {
	case p.Protocol != "" && p.PoolName != "":
		return p.Protocol + " " + p.PoolName
	case p.PoolName != "":
		return p.PoolName
	case p.Protocol != "":
		return p.Protocol
	default:
		return p.ID
	}
}
