package ratelimit

import "sync"

// DefaultCUCost is charged for methods the registry does not know
const DefaultCUCost = 20

// RPC methods issued by the on-chain tier and their CU costs
const (
	MethodEthGetBalance = "eth_getBalance"
	MethodEthCall       = "eth_call"

	CostEthGetBalance = 19
	CostEthCall       = 26
)

// CostRegistry maps RPC methods to their CU costs.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry creates a registry with the default costs plus overrides.
// Non-positive overrides are ignored.
func NewCostRegistry(overrides map[string]int) *CostRegistry {
	costs := map[string]int{
		MethodEthGetBalance: CostEthGetBalance,
		MethodEthCall:       CostEthCall,
	}
	for method, cost := range overrides {
		if cost > 0 {
			costs[method] = cost
		}
	}
	return &CostRegistry{costs: costs, defaultCost: DefaultCUCost}
}

// Cost returns the CU cost for an RPC method
func (r *CostRegistry) Cost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// SetCost overrides a method's cost
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}
