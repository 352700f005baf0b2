package ratelimit

import (
	"sync"
)

// DefaultCost is charged for routes without an explicit cost.
const DefaultCost = 1

// Route names charged above the default. Writes lock rows and fan out
// claims, so they cost more than reads.
const (
	RouteActivate     = "activate"
	RouteUpgrade      = "upgrade"
	RouteClaimReward  = "claim_reward"
	RouteTransferBcc  = "transfer_bcc"
	RouteWithdraw     = "withdraw"
	RouteReleaseBcc   = "release_bcc"
	RouteRegister     = "register"
	RouteMatrixLayer  = "matrix_layer"
	RouteMatrixStats  = "matrix_stats"
	RouteSweepRewards = "sweep_rewards"
)

// CostRegistry maps route names to their cost and pool.
// It is safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	writes      map[string]bool
	defaultCost int
}

// CostRegistryConfig holds configuration for the registry.
type CostRegistryConfig struct {
	// DefaultCost is the cost of unknown routes. Zero uses DefaultCost.
	DefaultCost int

	// Overrides replace the built-in costs.
	Overrides map[string]int
}

// NewCostRegistry creates a registry with the built-in route costs.
// A nil cfg uses the defaults.
func NewCostRegistry(cfg *CostRegistryConfig) *CostRegistry {
	costs := map[string]int{
		RouteActivate:     20,
		RouteUpgrade:      20,
		RouteClaimReward:  5,
		RouteTransferBcc:  5,
		RouteWithdraw:     5,
		RouteReleaseBcc:   5,
		RouteRegister:     3,
		RouteMatrixLayer:  2,
		RouteMatrixStats:  2,
		RouteSweepRewards: 50,
	}
	writes := map[string]bool{
		RouteActivate:     true,
		RouteUpgrade:      true,
		RouteClaimReward:  true,
		RouteTransferBcc:  true,
		RouteWithdraw:     true,
		RouteReleaseBcc:   true,
		RouteRegister:     true,
		RouteSweepRewards: true,
	}

	defaultCost := DefaultCost
	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for route, cost := range cfg.Overrides {
			if cost > 0 {
				costs[route] = cost
			}
		}
	}

	return &CostRegistry{costs: costs, writes: writes, defaultCost: defaultCost}
}

// Cost returns the cost and pool priority of a route.
func (r *CostRegistry) Cost(route string) (int, Priority) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cost, ok := r.costs[route]
	if !ok {
		cost = r.defaultCost
	}
	if r.writes[route] {
		return cost, PriorityHigh
	}
	return cost, PriorityLow
}

// SetCost updates a route's cost. Non-positive costs are ignored.
func (r *CostRegistry) SetCost(route string, cost int) {
	if cost <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.costs[route] = cost
}
