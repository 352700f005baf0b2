package service

import (
	"github.com/jonboulle/clockwork"

	"github.com/matrix-engine/internal/balance"
	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/levels"
	"github.com/matrix-engine/internal/matrix"
	"github.com/matrix-engine/internal/rewards"
)

// Stores are the persistence backends the service is assembled from. The
// memory store and the Postgres repositories both satisfy them.
type Stores struct {
	Members    ledger.Store
	Placements matrix.Store
	Balances   balance.Store
	Claims     rewards.Store
	Queue      RetryQueue

	// Optional
	StatsCache matrix.StatsCache
	Locker     rewards.Locker
	Activity   ActivityRecorder
}

// RewardsConfig maps the configuration onto the reward components.
func RewardsConfig(cfg *config.Config) rewards.Config {
	rc := rewards.DefaultConfig()
	rc.ClaimWindow = cfg.Rewards.ClaimWindow
	rc.MaxLayers = cfg.Rewards.MaxLayers
	rc.RollupPolicy = cfg.Rewards.RollupPolicy
	rc.LayerPercent = cfg.Rewards.LayerPercent
	rc.BccLayerBonus = cfg.Rewards.BccLayerBonus
	rc.BatchSize = cfg.Worker.BatchSize
	rc.Concurrency = cfg.Worker.SweepConcurrency
	return rc
}

// Build wires the domain components over st and returns the service.
func Build(cfg *config.Config, st Stores, clock clockwork.Clock) *MembershipService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	members := ledger.NewLedger(st.Members, cfg.Balance.InitialActivationBcc, ledger.WithClock(clock))
	validator := levels.NewValidator(members, levels.DefaultRequirements(cfg.Rewards.Level2DirectReferrals))
	engine := matrix.NewEngine(st.Placements, members, st.StatsCache, matrix.Config{
		MaxDepth:         cfg.Matrix.MaxDepth,
		PlacementRetries: cfg.Matrix.PlacementRetries,
		StatsTTL:         cfg.Matrix.StatsTTL,
	}, clock)
	balances := balance.NewLedger(st.Balances, members, clock)

	rc := RewardsConfig(cfg)
	distributor := rewards.NewDistributor(st.Claims, engine, members, rc, clock)
	lifecycle := rewards.NewLifecycle(st.Claims, engine, members, balances, balance.ClaimCredit, rc, clock)
	if st.Locker != nil {
		lifecycle = lifecycle.WithLocker(st.Locker, cfg.Worker.SweepLockTTL)
	}

	return NewMembershipService(Components{
		Ledger:      members,
		Validator:   validator,
		Matrix:      engine,
		Balances:    balances,
		Distributor: distributor,
		Lifecycle:   lifecycle,
		Queue:       st.Queue,
		Activity:    st.Activity,
	}, QueueConfig{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Worker.RetryBaseDelay,
	}, clock)
}

// Matrix exposes the placement engine to the background jobs.
func (s *MembershipService) Matrix() *matrix.Engine {
	return s.matrix
}
