package worker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/matrix"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/rewards"
	"github.com/matrix-engine/internal/service"
)

// RewardSweeper runs the expiry sweep
type RewardSweeper interface {
	ProcessExpiredRewards(ctx context.Context) (*rewards.SweepResult, error)
}

// ExpirySweeper expires pending claims past their window and rolls them up
type ExpirySweeper struct {
	sweeper RewardSweeper
	logger  *logging.Logger
}

// NewExpirySweeper creates the sweep job
func NewExpirySweeper(sweeper RewardSweeper) *ExpirySweeper {
	return &ExpirySweeper{sweeper: sweeper, logger: logging.Named("expiry_sweeper")}
}

// Name implements Job
func (j *ExpirySweeper) Name() string { return "expiry_sweep" }

// Run implements Job
func (j *ExpirySweeper) Run(ctx context.Context) error {
	res, err := j.sweeper.ProcessExpiredRewards(ctx)
	if err != nil {
		return err
	}
	if res.Processed > 0 || res.Failed > 0 {
		j.logger.WithFields(map[string]interface{}{
			"processed": res.Processed,
			"rolled_up": res.RolledUp,
			"burned":    res.Burned,
			"skipped":   res.Skipped,
			"failed":    res.Failed,
		}).Info("Expired rewards processed")
	}
	return nil
}

// QueueProcessor drains the distribution retry queue
type QueueProcessor interface {
	ProcessRetryQueue(ctx context.Context, limit int) (*service.QueueResult, error)
}

// DistributionRetrier re-runs reward distributions that failed inside an
// activation or upgrade
type DistributionRetrier struct {
	queue     QueueProcessor
	batchSize int
	logger    *logging.Logger
}

// NewDistributionRetrier creates the retry job
func NewDistributionRetrier(queue QueueProcessor, batchSize int) *DistributionRetrier {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DistributionRetrier{queue: queue, batchSize: batchSize, logger: logging.Named("distribution_retrier")}
}

// Name implements Job
func (j *DistributionRetrier) Name() string { return "distribution_retry" }

// Run implements Job
func (j *DistributionRetrier) Run(ctx context.Context) error {
	res, err := j.queue.ProcessRetryQueue(ctx, j.batchSize)
	if res != nil && res.Processed > 0 {
		log := j.logger.WithFields(map[string]interface{}{
			"processed": res.Processed,
			"succeeded": res.Succeeded,
			"retrying":  res.Retrying,
			"dead":      res.Dead,
		})
		if res.Dead > 0 {
			log.Error("Reward distributions abandoned after max attempts")
		} else {
			log.Info("Reward distribution queue drained")
		}
	}
	return err
}

// StatsSource is the matrix read model the refresher rebuilds
type StatsSource interface {
	RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error)
	RefreshStats(ctx context.Context, root string) (*models.MatrixStats, error)
}

// StatsRefresher rebuilds cached matrix stats of roots that gained members
// recently
type StatsRefresher struct {
	source      StatsSource
	lookback    time.Duration
	limit       int
	concurrency int
	clock       clockwork.Clock
	logger      *logging.Logger
}

// NewStatsRefresher creates the refresh job. Roots with placements in the
// last lookback are refreshed.
func NewStatsRefresher(source StatsSource, lookback time.Duration, limit, concurrency int, clock clockwork.Clock) *StatsRefresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if limit <= 0 {
		limit = 500
	}
	return &StatsRefresher{
		source:      source,
		lookback:    lookback,
		limit:       limit,
		concurrency: concurrency,
		clock:       clock,
		logger:      logging.Named("stats_refresher"),
	}
}

// Name implements Job
func (j *StatsRefresher) Name() string { return "stats_refresh" }

// Run implements Job
func (j *StatsRefresher) Run(ctx context.Context) error {
	roots, err := j.source.RecentRoots(ctx, j.clock.Now().Add(-j.lookback), j.limit)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			_, err := j.source.RefreshStats(gctx, root)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	j.logger.WithField("roots", len(roots)).Debug("Matrix stats refreshed")
	return nil
}

// ConsistencySource compares cached matrix stats with placements
type ConsistencySource interface {
	RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error)
	CheckStatsConsistency(ctx context.Context, root string) (*matrix.ConsistencyResult, error)
}

// ConsistencyChecker audits the cached stats of recently active roots and
// drops entries that no longer match the placements
type ConsistencyChecker struct {
	source   ConsistencySource
	lookback time.Duration
	limit    int
	clock    clockwork.Clock
	logger   *logging.Logger
}

// NewConsistencyChecker creates the audit job
func NewConsistencyChecker(source ConsistencySource, lookback time.Duration, limit int, clock clockwork.Clock) *ConsistencyChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit <= 0 {
		limit = 500
	}
	return &ConsistencyChecker{
		source:   source,
		lookback: lookback,
		limit:    limit,
		clock:    clock,
		logger:   logging.Named("consistency_checker"),
	}
}

// Name implements Job
func (j *ConsistencyChecker) Name() string { return "stats_consistency" }

// Run implements Job. Per-root failures are logged and the audit continues.
func (j *ConsistencyChecker) Run(ctx context.Context) error {
	roots, err := j.source.RecentRoots(ctx, j.clock.Now().Add(-j.lookback), j.limit)
	if err != nil {
		return err
	}

	checked, inconsistent, failed := 0, 0, 0
	for _, root := range roots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := j.source.CheckStatsConsistency(ctx, root)
		if err != nil {
			failed++
			j.logger.WithField("root", root).WithError(err).Warn("Consistency check failed")
			continue
		}
		checked++
		if !res.Consistent {
			inconsistent++
		}
	}

	if inconsistent > 0 || failed > 0 {
		j.logger.WithFields(map[string]interface{}{
			"checked":      checked,
			"inconsistent": inconsistent,
			"failed":       failed,
		}).Warn("Matrix stats consistency check found problems")
	}
	return nil
}
