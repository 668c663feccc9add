package models

import "time"

// Pool types an agent can be configured for
const (
	PoolTypeSingle = "single"
	PoolTypeDual   = "dual"
	PoolTypeAll    = "all"
)

// ProConfig is the agent's strategy configuration as stored by the backend
type ProConfig struct {
	PoolType           string   `json:"poolType"`
	AvoidIL            bool     `json:"avoidIL"`
	StopLossEnabled    bool     `json:"stopLossEnabled"`
	StopLossPercent    float64  `json:"stopLossPercent,omitempty"`
	VolatilityGuard    bool     `json:"volatilityGuard"`
	APYSpikeAlert      bool     `json:"apySpikeAlert"`
	MaxAllocationPct   float64  `json:"maxAllocationPct,omitempty"`
	RebalanceThreshold float64  `json:"rebalanceThreshold,omitempty"`
	PreferredProtocols []string `json:"preferredProtocols,omitempty"`
}

// Agent is a delegated, wallet-owned automated position manager
type Agent struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	Preset     string     `json:"preset"`
	ProConfig  ProConfig  `json:"proConfig"`
	DeployedAt time.Time  `json:"deployedAt"`
	PausedAt   *time.Time `json:"pausedAt,omitempty"`
}

// Paused reports whether the agent has been paused by its owner
func (a *Agent) Paused() bool {
	return a != nil && !a.IsActive && a.PausedAt != nil
}

// Status is the displayed agent status
func (a *Agent) Status() string {
	switch {
	case a == nil:
		return "none"
	case a.IsActive:
		return "active"
	case a.PausedAt != nil:
		return "paused"
	default:
		return "inactive"
	}
}
