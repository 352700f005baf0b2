// Package bootstrap opens the configured backends and assembles the
// membership service for the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matrix-engine/internal/circuitbreaker"
	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/ratelimit"
	"github.com/matrix-engine/internal/service"
	"github.com/matrix-engine/internal/storage"
	"github.com/matrix-engine/internal/storage/memory"
	"github.com/matrix-engine/internal/worker"
)

// statsLookback is how far back the refresh job looks for roots that gained
// members. The consistency audit looks further back.
const (
	statsLookback       = 24 * time.Hour
	consistencyLookback = 7 * 24 * time.Hour
)

// Runtime holds the open backends and the service built on them.
type Runtime struct {
	Config  *config.Config
	Service *service.MembershipService
	Clock   clockwork.Clock

	// Nil when the backend is disabled
	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB

	// Checks are named readiness probes for /health
	Checks map[string]func(ctx context.Context) error

	logger *logging.Logger
}

// Open connects to every enabled backend and builds the service. On error
// the backends opened so far are closed.
func Open(ctx context.Context, cfg *config.Config) (rt *Runtime, err error) {
	rt = &Runtime{
		Config: cfg,
		Clock:  clockwork.NewRealClock(),
		Checks: make(map[string]func(ctx context.Context) error),
		logger: logging.Named("bootstrap"),
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	var stores service.Stores
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		rt.logger.Warn("Using in-memory storage; state is lost on restart")
		mem := memory.New(ledger.DefaultTiers(cfg.Balance.TierSize, cfg.Balance.TierCount))
		stores = service.Stores{
			Members:    mem,
			Placements: mem,
			Balances:   mem,
			Claims:     mem,
			Queue:      mem,
			Locker:     memory.NewLocker(),
			Activity:   mem,
		}

	default:
		rt.logger.Info("Connecting to Postgres...")
		if rt.Postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres); err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		rt.Checks["postgres"] = rt.Postgres.Ping
		stores = service.Stores{
			Members:    storage.NewMemberRepository(rt.Postgres),
			Placements: storage.NewPlacementRepository(rt.Postgres),
			Balances:   storage.NewBalanceRepository(rt.Postgres),
			Claims:     storage.NewClaimRepository(rt.Postgres),
			Queue:      storage.NewQueueRepository(rt.Postgres),
		}
	}

	if cfg.Database.Redis.Enabled {
		rt.logger.Info("Connecting to Redis...")
		if rt.Redis, err = storage.NewRedisCache(&cfg.Database.Redis); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		rt.Checks["redis"] = rt.Redis.Ping
		stores.StatsCache = rt.Redis
		stores.Locker = rt.Redis
	}

	if cfg.Database.ClickHouse.Enabled {
		rt.logger.Info("Connecting to ClickHouse...")
		if rt.ClickHouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		rt.Checks["clickhouse"] = rt.ClickHouse.Ping
		breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("clickhouse_activity"))
		rt.Checks["clickhouse_breaker"] = breaker.Check
		stores.Activity = service.GuardActivity(storage.NewActivityRepository(rt.ClickHouse), breaker)
	}

	rt.Service = service.Build(cfg, stores, rt.Clock)
	rt.logger.WithFields(map[string]interface{}{
		"driver":     cfg.Storage.Driver,
		"redis":      rt.Redis != nil,
		"clickhouse": rt.ClickHouse != nil,
	}).Info("Membership service initialized")
	return rt, nil
}

// Budget returns the cluster-wide request budget, or nil without Redis.
func (rt *Runtime) Budget() (*ratelimit.BudgetTracker, error) {
	if rt.Redis == nil {
		return nil, nil
	}
	return ratelimit.NewBudgetTracker(&ratelimit.BudgetConfig{
		Redis:          rt.Redis.Client(),
		TotalBudget:    rt.Config.RateLimit.GlobalBudget,
		ReservedBudget: rt.Config.RateLimit.ReservedBudget,
		WindowSize:     rt.Config.RateLimit.BudgetWindow,
		KeyTTL:         2 * rt.Config.RateLimit.BudgetWindow,
		Clock:          rt.Clock,
	})
}

// Scheduler registers the background jobs on their configured schedules.
func (rt *Runtime) Scheduler() (*worker.Scheduler, error) {
	wc := rt.Config.Worker
	s := worker.NewScheduler(rt.Clock, 0)

	jobs := []struct {
		spec string
		job  worker.Job
	}{
		{wc.SweepSchedule, worker.NewExpirySweeper(rt.Service)},
		{wc.RetrySchedule, worker.NewDistributionRetrier(rt.Service, wc.BatchSize)},
		{wc.RefreshSchedule, worker.NewStatsRefresher(rt.Service.Matrix(), statsLookback, wc.BatchSize, wc.SweepConcurrency, rt.Clock)},
		{wc.ConsistencySchedule, worker.NewConsistencyChecker(rt.Service.Matrix(), consistencyLookback, wc.BatchSize, rt.Clock)},
	}
	for _, j := range jobs {
		if err := s.Add(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases every open backend.
func (rt *Runtime) Close() {
	if rt.ClickHouse != nil {
		if err := rt.ClickHouse.Close(); err != nil {
			rt.logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
}
