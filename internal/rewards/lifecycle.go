package rewards

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/metrics"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// CreditGuard wraps a balance mutation with the ledger's bucket checks
type CreditGuard interface {
	Guard(fn models.BalanceMutation) models.BalanceMutation
}

// CreditFunc builds the balance mutation paying out a claim
type CreditFunc func(c *models.RewardClaim) models.BalanceMutation

// Locker serializes sweeps across workers. Release is a no-op when the
// lock was not acquired.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

const sweepLockKey = "reward_sweep"

// SweepResult summarizes one processExpiredRewards run
type SweepResult struct {
	Processed int  `json:"processed"`
	RolledUp  int  `json:"rolledUp"`
	Burned    int  `json:"burned"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Locked    bool `json:"locked"`
}

// Lifecycle resolves claims: user claims inside the window and the expiry
// sweep after it
type Lifecycle struct {
	store   Store
	upline  UplineWalker
	members MemberReader
	guard   CreditGuard
	credit  CreditFunc
	locker  Locker
	lockTTL time.Duration
	cfg     Config
	clock   clockwork.Clock
	logger  *logging.Logger
}

// NewLifecycle creates a lifecycle manager. locker may be nil.
func NewLifecycle(store Store, upline UplineWalker, members MemberReader, guard CreditGuard, credit CreditFunc, cfg Config, clock clockwork.Clock) *Lifecycle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Lifecycle{
		store:   store,
		upline:  upline,
		members: members,
		guard:   guard,
		credit:  credit,
		cfg:     cfg,
		clock:   clock,
		logger:  logging.Named("lifecycle"),
	}
}

// WithLocker guards sweeps with a distributed lock held for at most ttl.
func (l *Lifecycle) WithLocker(locker Locker, ttl time.Duration) *Lifecycle {
	l.locker = locker
	l.lockTTL = ttl
	return l
}

// GetClaim returns a claim or ClaimNotFound.
func (l *Lifecycle) GetClaim(ctx context.Context, id string) (*models.RewardClaim, error) {
	c, err := l.store.GetClaim(ctx, id)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ClaimNotFound(id)
		}
		return nil, apperrors.NewDatabaseError("get claim", err)
	}
	return c, nil
}

// ListClaims lists a recipient's claims, optionally filtered by status.
func (l *Lifecycle) ListClaims(ctx context.Context, wallet string, status types.ClaimStatus, limit int) ([]*models.RewardClaim, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.NewInvalidParameterError("status", "unknown claim status "+string(status))
	}
	cs, err := l.store.ListClaims(ctx, wallet, status, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list claims", err)
	}
	return cs, nil
}

// ClaimReward resolves a pending claim for its recipient and credits the
// reward in the same transaction.
func (l *Lifecycle) ClaimReward(ctx context.Context, id, wallet string) (*models.RewardClaim, *models.Balance, error) {
	c, err := l.GetClaim(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := l.clock.Now().UTC()
	if err := checkClaimable(c, wallet, now); err != nil {
		return nil, nil, err
	}

	claimed, bal, err := l.store.MarkClaimed(ctx, id, wallet, now, l.guard.Guard(l.credit(c)))
	if err != nil {
		if stderrors.Is(err, apperrors.ErrStaleState) {
			// Lost to the sweep or a concurrent claim: report the winner.
			if cur, gerr := l.GetClaim(ctx, id); gerr == nil {
				if cerr := checkClaimable(cur, wallet, now); cerr != nil {
					return nil, nil, cerr
				}
			}
			return nil, nil, apperrors.AlreadyResolved(id, types.ClaimClaimed)
		}
		var catErr *apperrors.CategorizedError
		if stderrors.As(err, &catErr) {
			return nil, nil, err
		}
		return nil, nil, apperrors.NewDatabaseError("claim reward", err)
	}

	metrics.RewardClaimsResolvedTotal.WithLabelValues(string(types.ClaimClaimed)).Inc()
	l.logger.WithFields(map[string]interface{}{
		"claim_id": id,
		"wallet":   wallet,
		"amount":   c.RewardAmount.String(),
		"type":     string(c.RewardType),
	}).Info("Reward claimed")
	return claimed, bal, nil
}

func checkClaimable(c *models.RewardClaim, wallet string, now time.Time) error {
	if c.RootWallet != wallet {
		return apperrors.Unauthorized("claim belongs to another wallet")
	}
	if c.Status != types.ClaimPending {
		return apperrors.AlreadyResolved(c.ID, c.Status)
	}
	if !now.Before(c.ExpiresAt) {
		return apperrors.WindowExpired(c.ID)
	}
	return nil
}

// ProcessExpiredRewards expires every due pending claim and rolls each one
// up to the nearest eligible ancestor of its recipient, or burns it when
// there is none. Concurrent runs are safe: each claim is resolved by a
// conditional update, so a claim is rolled up at most once.
func (l *Lifecycle) ProcessExpiredRewards(ctx context.Context) (*SweepResult, error) {
	start := l.clock.Now()
	defer func() { metrics.SweepDuration.Observe(l.clock.Since(start).Seconds()) }()

	result := &SweepResult{}
	if l.locker != nil {
		release, ok, err := l.locker.TryLock(ctx, sweepLockKey, l.lockTTL)
		if err != nil {
			l.logger.WithError(err).Warn("Sweep lock unavailable, sweeping without it")
		} else if !ok {
			result.Locked = true
			return result, nil
		} else {
			defer release()
		}
	}

	var rolledUp, burned, skipped, failed atomic.Int64
	for {
		now := l.clock.Now().UTC()
		due, err := l.store.ListDuePending(ctx, now, l.cfg.BatchSize)
		if err != nil {
			return result, apperrors.NewDatabaseError("list due claims", err)
		}
		if len(due) == 0 {
			break
		}

		before := rolledUp.Load() + burned.Load()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.Concurrency)
		for _, c := range due {
			c := c
			g.Go(func() error {
				outcome, err := l.expireOne(gctx, c, now)
				switch {
				case err != nil:
					failed.Add(1)
					l.logger.WithError(err).WithField("claim_id", c.ID).Error("Failed to expire claim")
				case outcome == types.ClaimRolledUp:
					rolledUp.Add(1)
				case outcome == types.ClaimExpired:
					burned.Add(1)
				default:
					skipped.Add(1)
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		result.Processed += len(due)

		// Stop when a batch made no progress so failing rows are not retried
		// in a tight loop; the next scheduled run picks them up.
		if rolledUp.Load()+burned.Load() == before || len(due) < l.cfg.BatchSize {
			break
		}
	}

	result.RolledUp = int(rolledUp.Load())
	result.Burned = int(burned.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())
	if result.Processed > 0 {
		l.logger.WithFields(map[string]interface{}{
			"processed": result.Processed,
			"rolled_up": result.RolledUp,
			"burned":    result.Burned,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
		}).Info("Expired rewards processed")
	}
	return result, nil
}

// expireOne returns the claim's final status, or "" when another writer
// resolved it first.
func (l *Lifecycle) expireOne(ctx context.Context, c *models.RewardClaim, now time.Time) (types.ClaimStatus, error) {
	target, err := l.rollupTarget(ctx, c)
	if err != nil {
		return "", err
	}

	var next *models.Rollup
	if target != "" {
		fromID := c.ID
		claim := &models.RewardClaim{
			ID:                     uuid.NewString(),
			RootWallet:             target,
			TriggeringMemberWallet: c.TriggeringMemberWallet,
			TriggerTxHash:          c.TriggerTxHash,
			NFTLevel:               c.NFTLevel,
			Layer:                  c.Layer,
			RewardType:             c.RewardType,
			RewardAmount:           c.RewardAmount,
			Status:                 types.ClaimPending,
			CreatedAt:              now,
			ExpiresAt:              now.Add(l.cfg.ClaimWindow),
			RolledUpFromClaimID:    &fromID,
		}
		next = &models.Rollup{
			Claim: claim,
			Record: &models.RewardRollup{
				ID:         uuid.NewString(),
				ClaimID:    c.ID,
				FromWallet: c.RootWallet,
				ToWallet:   target,
				NewClaimID: claim.ID,
				Reason:     types.RollupPendingExpired,
				CreatedAt:  now,
			},
		}
	}

	updated, err := l.store.ExpireClaim(ctx, c.ID, now, next)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrStaleState) {
			return "", nil
		}
		return "", err
	}

	metrics.RewardClaimsResolvedTotal.WithLabelValues(string(updated.Status)).Inc()
	fields := map[string]interface{}{"claim_id": c.ID, "from": c.RootWallet, "status": string(updated.Status)}
	if target != "" {
		fields["to"] = target
	}
	l.logger.WithFields(fields).Debug("Claim expired")
	return updated.Status, nil
}

// rollupTarget walks up from the claim's recipient for the nearest ancestor
// passing the configured rollup policy.
func (l *Lifecycle) rollupTarget(ctx context.Context, c *models.RewardClaim) (string, error) {
	upline, err := l.upline.GetUpline(ctx, c.RootWallet, l.cfg.MaxLayers)
	if err != nil {
		return "", err
	}
	if len(upline) == 0 {
		return "", nil
	}
	members, err := l.members.GetMembers(ctx, upline)
	if err != nil {
		return "", err
	}
	for _, w := range upline {
		if rollupEligible(l.cfg.RollupPolicy, members[w], c.NFTLevel) {
			return w, nil
		}
	}
	return "", nil
}
