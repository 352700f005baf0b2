package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/matrix-engine/internal/balance"
	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/levels"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/matrix"
	"github.com/matrix-engine/internal/metrics"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/retry"
	"github.com/matrix-engine/internal/rewards"
	"github.com/matrix-engine/internal/types"
)

// ActivityRecorder appends analytics events and aggregates them per wallet
type ActivityRecorder interface {
	Record(ctx context.Context, events ...*models.ActivityEvent) error
	CountByType(ctx context.Context, wallet string, since time.Time) (map[models.ActivityType]uint64, error)
}

// RetryQueue persists reward distributions that failed inside a saga
type RetryQueue interface {
	Enqueue(ctx context.Context, t *models.DistributionTask) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.DistributionTask, error)
	UpdateTask(ctx context.Context, t *models.DistributionTask) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, ...*models.ActivityEvent) error { return nil }

func (nopRecorder) CountByType(context.Context, string, time.Time) (map[models.ActivityType]uint64, error) {
	return map[models.ActivityType]uint64{}, nil
}

// Components bundles the domain components the service orchestrates
type Components struct {
	Ledger      *ledger.Ledger
	Validator   *levels.Validator
	Matrix      *matrix.Engine
	Balances    *balance.Ledger
	Distributor *rewards.Distributor
	Lifecycle   *rewards.Lifecycle
	Queue       RetryQueue
	// Activity is optional
	Activity ActivityRecorder
}

// QueueConfig controls the distribution retry queue
type QueueConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// MembershipService runs the activation and upgrade sagas and fronts the
// domain components for the API
type MembershipService struct {
	ledger      *ledger.Ledger
	validator   *levels.Validator
	matrix      *matrix.Engine
	balances    *balance.Ledger
	distributor *rewards.Distributor
	lifecycle   *rewards.Lifecycle
	queue       RetryQueue
	activity    ActivityRecorder
	queueCfg    QueueConfig
	clock       clockwork.Clock
	logger      *logging.Logger
}

// NewMembershipService creates the service
func NewMembershipService(c Components, queueCfg QueueConfig, clock clockwork.Clock) *MembershipService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if c.Activity == nil {
		c.Activity = nopRecorder{}
	}
	if queueCfg.MaxAttempts <= 0 {
		queueCfg.MaxAttempts = 8
	}
	if queueCfg.BaseDelay <= 0 {
		queueCfg.BaseDelay = 30 * time.Second
	}
	if queueCfg.MaxDelay <= 0 {
		queueCfg.MaxDelay = time.Hour
	}
	return &MembershipService{
		ledger:      c.Ledger,
		validator:   c.Validator,
		matrix:      c.Matrix,
		balances:    c.Balances,
		distributor: c.Distributor,
		lifecycle:   c.Lifecycle,
		queue:       c.Queue,
		activity:    c.Activity,
		queueCfg:    queueCfg,
		clock:       clock,
		logger:      logging.Named("membership"),
	}
}

// TierInfo is the activation tier assigned to a member
type TierInfo struct {
	ActivationRank int64           `json:"activationRank"`
	Tier           int             `json:"tier"`
	Multiplier     decimal.Decimal `json:"multiplier"`
}

// ActivationResult is the outcome of the Level-1 activation saga
type ActivationResult struct {
	Member        *models.Member        `json:"member"`
	Placement     *models.Placement     `json:"placement,omitempty"`
	Tier          TierInfo              `json:"tier"`
	BccUnlocked   decimal.Decimal       `json:"bccUnlocked"`
	Balance       *models.Balance       `json:"balance"`
	Rewards       []*models.RewardClaim `json:"rewards"`
	RewardsQueued bool                  `json:"rewardsQueued"`
	Resumed       bool                  `json:"resumed"`
}

// UpgradeResult is the outcome of a Level 2..19 purchase
type UpgradeResult struct {
	Member        *models.Member        `json:"member"`
	Level         int                   `json:"level"`
	BccUnlocked   decimal.Decimal       `json:"bccUnlocked"`
	Balance       *models.Balance       `json:"balance"`
	Rewards       []*models.RewardClaim `json:"rewards"`
	RewardsQueued bool                  `json:"rewardsQueued"`
	Resumed       bool                  `json:"resumed"`
}

// Register creates an unactivated member.
func (s *MembershipService) Register(ctx context.Context, wallet string) (*models.Member, error) {
	m, err := s.ledger.Register(ctx, wallet)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, &models.ActivityEvent{
		Type:   models.ActivityRegistered,
		Wallet: wallet,
		Amount: decimal.Zero,
	})
	return m, nil
}

// ActivateMembership runs the Level-1 saga: validate, activate, place,
// initialize balances, unlock Level-1 BCC and distribute rewards. Calling it
// again with the same txHash resumes the steps that did not complete.
func (s *MembershipService) ActivateMembership(ctx context.Context, wallet string, referrer *string, txHash string) (res *ActivationResult, err error) {
	defer func() {
		metrics.ActivationsTotal.WithLabelValues("activate", metrics.Status(err)).Inc()
	}()
	log := s.logger.WithFields(map[string]interface{}{"wallet": wallet, "tx_hash": txHash})

	if err := types.ValidateTxHash(txHash); err != nil {
		return nil, apperrors.NewInvalidTxHashError(txHash)
	}

	m, err := s.ensureMember(ctx, wallet)
	if err != nil {
		return nil, err
	}

	resumed, err := s.resuming(ctx, m, 1, txHash)
	if err != nil {
		return nil, err
	}
	if !resumed {
		if err := s.validator.ValidatePurchase(ctx, wallet, 1); err != nil {
			return nil, err
		}
		if m, err = s.ledger.ActivateLevelOne(ctx, wallet, referrer, txHash, levels.TotalLockup()); err != nil {
			return nil, err
		}
	} else {
		log.Info("Resuming activation")
	}

	res = &ActivationResult{
		Member:  m,
		Resumed: resumed,
		Tier: TierInfo{
			Tier:       m.TierLevel,
			Multiplier: m.TierMultiplier,
		},
	}
	if m.ActivationRank != nil {
		res.Tier.ActivationRank = *m.ActivationRank
	}

	if m.ReferrerWallet != nil {
		if res.Placement, err = s.place(ctx, wallet, *m.ReferrerWallet); err != nil {
			log.WithError(err).Error("Placement failed after activation")
			return nil, err
		}
	}

	if _, err := s.balances.InitializeActivation(ctx, wallet, m.BCCLockedInitial); err != nil {
		log.WithError(err).Error("Balance initialization failed after activation")
		return nil, err
	}
	if res.BccUnlocked, res.Balance, err = s.balances.UnlockLevelBcc(ctx, wallet, 1); err != nil {
		log.WithError(err).Error("Level 1 unlock failed after activation")
		return nil, err
	}

	res.Rewards, res.RewardsQueued = s.distribute(ctx, wallet, 1, txHash)

	events := []*models.ActivityEvent{
		{Type: models.ActivityActivated, Wallet: wallet, Counterparty: deref(m.ReferrerWallet), Level: 1, Amount: levels.Price(1), Asset: "usdc", Reference: txHash},
		{Type: models.ActivityBccUnlocked, Wallet: wallet, Level: 1, Amount: res.BccUnlocked, Asset: "bcc", Reference: txHash},
	}
	if res.Placement != nil {
		events = append(events, &models.ActivityEvent{
			Type:         models.ActivityPlaced,
			Wallet:       wallet,
			Counterparty: res.Placement.MatrixRoot,
			Layer:        res.Placement.MatrixLayer,
			Amount:       decimal.Zero,
			Reference:    string(res.Placement.PlacementType),
		})
	}
	s.emit(ctx, append(events, s.rewardEvents(res.Rewards, res.RewardsQueued, wallet, 1, txHash)...)...)

	log.WithFields(map[string]interface{}{
		"tier":           res.Tier.Tier,
		"rewards":        len(res.Rewards),
		"rewards_queued": res.RewardsQueued,
	}).Info("Membership activated")
	return res, nil
}

// UpgradeLevel runs the purchase saga for levels 2..19.
func (s *MembershipService) UpgradeLevel(ctx context.Context, wallet string, level int, txHash string) (res *UpgradeResult, err error) {
	defer func() {
		metrics.ActivationsTotal.WithLabelValues("upgrade", metrics.Status(err)).Inc()
	}()

	if err := levels.ValidateLevel(level); err != nil {
		return nil, err
	}
	if level == 1 {
		return nil, apperrors.NewInvalidParameterError("level", "level 1 is bought through activation")
	}
	if err := types.ValidateTxHash(txHash); err != nil {
		return nil, apperrors.NewInvalidTxHashError(txHash)
	}

	m, err := s.ledger.GetMember(ctx, wallet)
	if err != nil {
		return nil, err
	}
	resumed, err := s.resuming(ctx, m, level, txHash)
	if err != nil {
		return nil, err
	}
	if !resumed {
		if _, err := s.validator.RequireEligible(ctx, wallet, level); err != nil {
			return nil, err
		}
		if m, err = s.ledger.RecordLevelPurchase(ctx, wallet, level, txHash); err != nil {
			return nil, err
		}
	}

	res = &UpgradeResult{Member: m, Level: level, Resumed: resumed}
	if res.BccUnlocked, res.Balance, err = s.balances.UnlockLevelBcc(ctx, wallet, level); err != nil {
		s.logger.WithFields(map[string]interface{}{"wallet": wallet, "level": level}).
			WithError(err).Error("Level unlock failed after purchase")
		return nil, err
	}

	res.Rewards, res.RewardsQueued = s.distribute(ctx, wallet, level, txHash)

	s.emit(ctx, append([]*models.ActivityEvent{
		{Type: models.ActivityLevelPurchased, Wallet: wallet, Level: level, Amount: levels.Price(level), Asset: "usdc", Reference: txHash},
		{Type: models.ActivityBccUnlocked, Wallet: wallet, Level: level, Amount: res.BccUnlocked, Asset: "bcc", Reference: txHash},
	}, s.rewardEvents(res.Rewards, res.RewardsQueued, wallet, level, txHash)...)...)
	return res, nil
}

// ensureMember returns the member, registering it first when unknown.
func (s *MembershipService) ensureMember(ctx context.Context, wallet string) (*models.Member, error) {
	m, err := s.ledger.GetMember(ctx, wallet)
	if err == nil {
		return m, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeMemberNotFound) {
		return nil, err
	}
	if _, err := s.Register(ctx, wallet); err != nil && !apperrors.HasCode(err, apperrors.CodeAlreadyRegistered) {
		return nil, err
	}
	return s.ledger.GetMember(ctx, wallet)
}

// resuming reports whether level is already owned through the same
// transaction, in which case the saga replays its remaining steps. Owning
// it through another transaction is AlreadyOwned.
func (s *MembershipService) resuming(ctx context.Context, m *models.Member, level int, txHash string) (bool, error) {
	if !m.Owns(level) {
		return false, nil
	}
	p, err := s.ledger.GetLevelPurchase(ctx, m.WalletAddress, level)
	if err != nil {
		return false, err
	}
	if p != nil && p.TxHash == txHash {
		return true, nil
	}
	return false, apperrors.AlreadyOwned(level)
}

func (s *MembershipService) place(ctx context.Context, wallet, referrer string) (*models.Placement, error) {
	p, err := s.matrix.PlaceMember(ctx, wallet, referrer)
	if apperrors.HasCode(err, apperrors.CodeAlreadyPlaced) {
		return s.matrix.GetPlacement(ctx, wallet)
	}
	return p, err
}

// distribute runs the reward fan-out. Failures are queued for the retry
// worker and never fail the saga.
func (s *MembershipService) distribute(ctx context.Context, wallet string, level int, txHash string) ([]*models.RewardClaim, bool) {
	claims, err := s.distributor.Distribute(ctx, wallet, level, txHash)
	if err == nil {
		return claims, false
	}

	log := s.logger.WithFields(map[string]interface{}{"wallet": wallet, "level": level, "tx_hash": txHash})
	log.WithError(err).Warn("Reward distribution failed, queueing for retry")

	now := s.clock.Now().UTC()
	task := &models.DistributionTask{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		NFTLevel:      level,
		TxHash:        txHash,
		Attempts:      1,
		LastError:     err.Error(),
		Status:        types.QueuePending,
		NextAttemptAt: now.Add(s.backoff().NextDelay(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if qerr := s.queue.Enqueue(ctx, task); qerr != nil {
		metrics.DistributionQueueTotal.WithLabelValues("enqueue_failed").Inc()
		log.Critical("Failed to queue reward distribution", qerr)
	} else {
		metrics.DistributionQueueTotal.WithLabelValues(string(types.QueuePending)).Inc()
	}
	return nil, true
}

func (s *MembershipService) backoff() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:  s.queueCfg.MaxAttempts,
		InitialDelay: s.queueCfg.BaseDelay,
		MaxDelay:     s.queueCfg.MaxDelay,
		Multiplier:   2.0,
	}
}

// QueueResult summarizes one drain of the distribution retry queue
type QueueResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Dead      int `json:"dead"`
}

// ProcessRetryQueue re-runs due queued distributions. Distribution is
// idempotent, so a task that partially succeeded before is safe to replay.
func (s *MembershipService) ProcessRetryQueue(ctx context.Context, limit int) (*QueueResult, error) {
	tasks, err := s.queue.ListDue(ctx, s.clock.Now().UTC(), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list distribution queue", err)
	}

	result := &QueueResult{}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Processed++
		if err := s.RetryDistribution(ctx, t); err != nil {
			return result, err
		}
		switch t.Status {
		case types.QueueDone:
			result.Succeeded++
		case types.QueueDead:
			result.Dead++
		default:
			result.Retrying++
		}
	}
	return result, nil
}

// RetryDistribution attempts one queued task and records the outcome on
// it. The returned error only reports a failure to persist the task.
func (s *MembershipService) RetryDistribution(ctx context.Context, t *models.DistributionTask) error {
	log := s.logger.WithFields(map[string]interface{}{
		"task_id":  t.ID,
		"wallet":   t.WalletAddress,
		"level":    t.NFTLevel,
		"attempts": t.Attempts,
	})

	claims, err := s.distributor.Distribute(ctx, t.WalletAddress, t.NFTLevel, t.TxHash)
	now := s.clock.Now().UTC()
	t.UpdatedAt = now
	t.Attempts++

	switch {
	case err == nil:
		t.Status = types.QueueDone
		t.LastError = ""
		log.WithField("claims", len(claims)).Info("Queued reward distribution completed")
		s.emit(ctx, s.rewardEvents(claims, false, t.WalletAddress, t.NFTLevel, t.TxHash)...)
	case t.Attempts >= s.queueCfg.MaxAttempts || !apperrors.IsRetryable(err):
		t.Status = types.QueueDead
		t.LastError = err.Error()
		log.WithError(err).Error("Reward distribution abandoned")
	default:
		t.LastError = err.Error()
		t.NextAttemptAt = now.Add(s.backoff().NextDelay(t.Attempts))
		log.WithError(err).Warn("Reward distribution retry failed")
	}
	metrics.DistributionQueueTotal.WithLabelValues(string(t.Status)).Inc()

	if err := s.queue.UpdateTask(ctx, t); err != nil {
		return apperrors.NewDatabaseError("update distribution task", err)
	}
	return nil
}

// ClaimReward resolves a pending claim for its recipient.
func (s *MembershipService) ClaimReward(ctx context.Context, claimID, wallet string) (*models.RewardClaim, *models.Balance, error) {
	c, b, err := s.lifecycle.ClaimReward(ctx, claimID, wallet)
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, &models.ActivityEvent{
		Type:         models.ActivityRewardClaimed,
		Wallet:       wallet,
		Counterparty: c.TriggeringMemberWallet,
		Level:        c.NFTLevel,
		Layer:        c.Layer,
		Amount:       c.RewardAmount,
		Asset:        string(c.RewardType),
		Reference:    c.ID,
	})
	return c, b, nil
}

// ProcessExpiredRewards runs one expiry sweep.
func (s *MembershipService) ProcessExpiredRewards(ctx context.Context) (*rewards.SweepResult, error) {
	res, err := s.lifecycle.ProcessExpiredRewards(ctx)
	if err != nil {
		return res, err
	}
	if res.Processed > 0 {
		s.emit(ctx, &models.ActivityEvent{
			Type:   models.ActivitySweep,
			Amount: decimal.NewFromInt(int64(res.Processed)),
		})
	}
	return res, nil
}

// TransferBcc moves transferable BCC between members.
func (s *MembershipService) TransferBcc(ctx context.Context, from, to string, amount decimal.Decimal, reference string) (*models.Balance, *models.Balance, error) {
	if reference == "" {
		reference = uuid.NewString()
	}
	fb, tb, err := s.balances.TransferBcc(ctx, from, to, amount, reference)
	if err != nil {
		return nil, nil, err
	}
	s.emit(ctx, &models.ActivityEvent{
		Type:         models.ActivityTransfer,
		Wallet:       from,
		Counterparty: to,
		Amount:       amount,
		Asset:        "bcc",
		Reference:    reference,
	})
	return fb, tb, nil
}

// WithdrawRewards moves claimed USDT out of available_rewards.
func (s *MembershipService) WithdrawRewards(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*models.Balance, error) {
	if reference == "" {
		reference = uuid.NewString()
	}
	b, err := s.balances.WithdrawRewards(ctx, wallet, amount, reference)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, &models.ActivityEvent{
		Type:      models.ActivityWithdrawal,
		Wallet:    wallet,
		Amount:    amount,
		Asset:     "usdt",
		Reference: reference,
	})
	return b, nil
}

// ReleaseRewardBcc moves BCC earned through claimed BCC rewards from
// bcc_locked_rewards to transferable.
func (s *MembershipService) ReleaseRewardBcc(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*models.Balance, error) {
	if reference == "" {
		reference = uuid.NewString()
	}
	b, err := s.balances.ReleaseRewardBcc(ctx, wallet, amount, reference)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, &models.ActivityEvent{
		Type:      models.ActivityBccReleased,
		Wallet:    wallet,
		Amount:    amount,
		Asset:     "bcc",
		Reference: reference,
	})
	return b, nil
}

// Clock returns the clock the service stamps events and deadlines with.
func (s *MembershipService) Clock() clockwork.Clock {
	return s.clock
}

// GetMember returns a member record.
func (s *MembershipService) GetMember(ctx context.Context, wallet string) (*models.Member, error) {
	return s.ledger.GetMember(ctx, wallet)
}

// ListDirectReferrals returns the members wallet referred.
func (s *MembershipService) ListDirectReferrals(ctx context.Context, wallet string) ([]*models.Member, error) {
	if _, err := s.ledger.GetMember(ctx, wallet); err != nil {
		return nil, err
	}
	return s.ledger.ListDirectReferrals(ctx, wallet)
}

// CheckEligibility reports whether wallet may buy level.
func (s *MembershipService) CheckEligibility(ctx context.Context, wallet string, level int) (*levels.Eligibility, error) {
	return s.validator.CheckEligibility(ctx, wallet, level)
}

// GetBalance returns a wallet's buckets.
func (s *MembershipService) GetBalance(ctx context.Context, wallet string) (*models.Balance, error) {
	return s.balances.GetBalance(ctx, wallet)
}

// ListBalanceEntries returns a wallet's balance journal.
func (s *MembershipService) ListBalanceEntries(ctx context.Context, wallet string, limit int) ([]*models.BalanceEntry, error) {
	return s.balances.ListEntries(ctx, wallet, limit)
}

// ListClaims lists a recipient's claims.
func (s *MembershipService) ListClaims(ctx context.Context, wallet string, status types.ClaimStatus, limit int) ([]*models.RewardClaim, error) {
	return s.lifecycle.ListClaims(ctx, wallet, status, limit)
}

// GetClaim returns one claim.
func (s *MembershipService) GetClaim(ctx context.Context, id string) (*models.RewardClaim, error) {
	return s.lifecycle.GetClaim(ctx, id)
}

// GetMatrixStats returns the (possibly cached) stats of a root's matrix.
func (s *MembershipService) GetMatrixStats(ctx context.Context, root string) (*models.MatrixStats, error) {
	if _, err := s.ledger.GetMember(ctx, root); err != nil {
		return nil, err
	}
	return s.matrix.GetMatrixStats(ctx, root)
}

// GetLayerMembers lists the occupants of one layer of a root's matrix.
func (s *MembershipService) GetLayerMembers(ctx context.Context, root string, layer int) ([]*models.Placement, error) {
	if _, err := s.ledger.GetMember(ctx, root); err != nil {
		return nil, err
	}
	return s.matrix.GetLayerMembers(ctx, root, layer)
}

// GetPlacement returns wallet's own placement, nil for matrix roots.
func (s *MembershipService) GetPlacement(ctx context.Context, wallet string) (*models.Placement, error) {
	return s.matrix.GetPlacement(ctx, wallet)
}

// ListTiers returns the activation tier table.
func (s *MembershipService) ListTiers(ctx context.Context) ([]models.ActivationTier, error) {
	return s.ledger.ListTiers(ctx)
}

func (s *MembershipService) rewardEvents(claims []*models.RewardClaim, queued bool, wallet string, level int, txHash string) []*models.ActivityEvent {
	if queued {
		return []*models.ActivityEvent{{
			Type:      models.ActivityRewardsQueued,
			Wallet:    wallet,
			Level:     level,
			Amount:    decimal.Zero,
			Reference: txHash,
		}}
	}
	events := make([]*models.ActivityEvent, 0, len(claims))
	for _, c := range claims {
		events = append(events, &models.ActivityEvent{
			Type:         models.ActivityRewardCreated,
			Wallet:       c.RootWallet,
			Counterparty: wallet,
			Level:        c.NFTLevel,
			Layer:        c.Layer,
			Amount:       c.RewardAmount,
			Asset:        string(c.RewardType),
			Reference:    c.ID,
		})
	}
	return events
}

// emit records events. The analytics log is best effort and never fails
// the operation that produced the events.
func (s *MembershipService) emit(ctx context.Context, events ...*models.ActivityEvent) {
	if len(events) == 0 {
		return
	}
	now := s.clock.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
	}
	if err := s.activity.Record(ctx, events...); err != nil {
		s.logger.WithError(err).WithField("events", len(events)).Warn("Failed to record activity events")
	}
}

// ActivitySummary counts a wallet's events by type
type ActivitySummary struct {
	Wallet string                         `json:"wallet"`
	Since  time.Time                      `json:"since"`
	Counts map[models.ActivityType]uint64 `json:"counts"`
}

// GetActivitySummary aggregates the wallet's activity since the given time.
func (s *MembershipService) GetActivitySummary(ctx context.Context, wallet string, since time.Time) (*ActivitySummary, error) {
	if _, err := s.ledger.GetMember(ctx, wallet); err != nil {
		return nil, err
	}
	counts, err := s.activity.CountByType(ctx, wallet, since)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count activity", err)
	}
	return &ActivitySummary{Wallet: wallet, Since: since, Counts: counts}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
