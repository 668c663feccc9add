package models

// AllocationBucket is one chart-ready allocation slice
type AllocationBucket struct {
	Label      string  `json:"label"`
	Kind       string  `json:"kind"` // holding or position
	Value      float64 `json:"value"`
	Percentage float64 `json:"percentage"`
}

// RiskIndicatorSet is derived from the latest snapshot and agent config; never persisted
type RiskIndicatorSet struct {
	ILRisk          string `json:"ilRisk"`
	StopLoss        string `json:"stopLoss"`
	VolatilityGuard string `json:"volatilityGuard"`
	APYAlert        string `json:"apyAlert"`
	Badge           string `json:"badge"`
}

// ViewState describes what the rendering layer should paint
type ViewState string

const (
	ViewLoading ViewState = "loading"
	ViewReady   ViewState = "ready"
	ViewEmpty   ViewState = "empty"
	ViewNoAgent ViewState = "no_agent"
)

// View is the presentation-ready projection handed to the renderer
type View struct {
	Wallet       string             `json:"wallet"`
	State        ViewState          `json:"state"`
	Agent        *Agent             `json:"agent,omitempty"`
	AgentStatus  string             `json:"agentStatus"`
	Snapshot     *PortfolioSnapshot `json:"snapshot"`
	DisplayTotal float64            `json:"displayTotal"`
	Allocation   []AllocationBucket `json:"allocation"`
	Risk         RiskIndicatorSet   `json:"risk"`
	ChannelState string             `json:"channelState"`
	Refreshing   bool               `json:"refreshing"`
}
