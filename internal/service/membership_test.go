package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/config"
	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/storage/memory"
	"github.com/matrix-engine/internal/types"
)

// flakyClaims fails the next n distribution inserts.
type flakyClaims struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyClaims) InsertDistribution(ctx context.Context, entries []models.DistributionEntry) ([]*models.RewardClaim, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, stderrors.New("connection reset by peer")
	}
	return f.Store.InsertDistribution(ctx, entries)
}

type fixture struct {
	svc    *MembershipService
	store  *memory.Store
	claims *flakyClaims
	clock  *clockwork.FakeClock
}

func testConfig(level2Referrals int) *config.Config {
	return &config.Config{
		Matrix: config.MatrixConfig{MaxDepth: types.MaxLevel, PlacementRetries: 30, StatsTTL: time.Minute},
		Rewards: config.RewardsConfig{
			ClaimWindow:           72 * time.Hour,
			MaxLayers:             types.MaxLevel,
			RollupPolicy:          types.RollupStrict,
			LayerPercent:          decimal.NewFromInt(100),
			Level2DirectReferrals: level2Referrals,
		},
		Balance: config.BalanceConfig{InitialActivationBcc: decimal.NewFromInt(500), TierSize: 9999, TierCount: 4},
		Worker:  config.WorkerConfig{BatchSize: 100, SweepConcurrency: 2, SweepLockTTL: time.Minute, MaxAttempts: 3, RetryBaseDelay: time.Second},
	}
}

func newFixture(t *testing.T, level2Referrals int) *fixture {
	t.Helper()
	store := memory.New(ledger.DefaultTiers(9999, 4))
	claims := &flakyClaims{Store: store}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	svc := Build(testConfig(level2Referrals), Stores{
		Members:    store,
		Placements: store,
		Balances:   store,
		Claims:     claims,
		Queue:      store,
		Locker:     memory.NewLocker(),
		Activity:   store,
	}, clock)
	return &fixture{svc: svc, store: store, claims: claims, clock: clock}
}

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", 0x6000+i)
}

func txHash(i int) string {
	return fmt.Sprintf("0x%064x", 0x7000+i)
}

func (f *fixture) activate(t *testing.T, i int, referrer *string) *ActivationResult {
	t.Helper()
	res, err := f.svc.ActivateMembership(context.Background(), wallet(i), referrer, txHash(i))
	require.NoError(t, err)
	return res
}

func ptr(s string) *string { return &s }

func TestActivateMembership_Root(t *testing.T) {
	f := newFixture(t, 0)
	res := f.activate(t, 0, nil)

	assert.False(t, res.Resumed)
	assert.Nil(t, res.Placement)
	assert.Empty(t, res.Rewards)
	assert.Equal(t, int64(1), res.Tier.ActivationRank)
	assert.Equal(t, 1, res.Tier.Tier)
	assert.True(t, res.BccUnlocked.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.Balance.BCCTransferable.Equal(decimal.NewFromInt(600)), "transferable = %s", res.Balance.BCCTransferable)
	assert.True(t, res.Balance.BCCLockedLevel.Equal(decimal.NewFromInt(10350)))
	assert.True(t, res.Balance.PendingActivation.IsZero())
	assert.Equal(t, 1, res.Member.CurrentLevel)
}

func TestActivateMembership_PlacesAndRewardsReferrer(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	res := f.activate(t, 1, ptr(wallet(0)))

	require.NotNil(t, res.Placement)
	assert.Equal(t, wallet(0), res.Placement.MatrixRoot)
	assert.Equal(t, 1, res.Placement.MatrixLayer)
	assert.Equal(t, types.PlacementDirect, res.Placement.PlacementType)
	require.Len(t, res.Rewards, 1)
	assert.Equal(t, wallet(0), res.Rewards[0].RootWallet)
	assert.True(t, res.Rewards[0].RewardAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(2), res.Tier.ActivationRank)

	summary, err := f.svc.GetActivitySummary(ctx, wallet(1), f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityRegistered])
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityActivated])
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityPlaced])
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityBccUnlocked])

	summary, err = f.svc.GetActivitySummary(ctx, wallet(0), f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityRewardCreated])

	refs, err := f.svc.ListDirectReferrals(ctx, wallet(0))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, wallet(1), refs[0].WalletAddress)
}

func TestActivateMembership_ResumeIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	first := f.activate(t, 1, ptr(wallet(0)))

	again, err := f.svc.ActivateMembership(ctx, wallet(1), ptr(wallet(0)), txHash(1))
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	require.NotNil(t, again.Placement)
	assert.Equal(t, first.Placement.MatrixPosition, again.Placement.MatrixPosition)
	assert.Equal(t, first.Placement.MatrixParent, again.Placement.MatrixParent)
	assert.Empty(t, again.Rewards)
	assert.True(t, again.Balance.BCCTransferable.Equal(first.Balance.BCCTransferable))
	assert.True(t, again.Balance.BCCLockedLevel.Equal(first.Balance.BCCLockedLevel))

	claims, err := f.svc.ListClaims(ctx, wallet(0), "", 10)
	require.NoError(t, err)
	assert.Len(t, claims, 1)

	_, err = f.svc.ActivateMembership(ctx, wallet(1), ptr(wallet(0)), txHash(99))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAlreadyOwned), "err = %v", err)
}

func TestActivateMembership_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)

	tests := []struct {
		name     string
		wallet   string
		referrer *string
		tx       string
		code     string
	}{
		{"bad tx hash", wallet(1), nil, "0x1234", apperrors.CodeInvalidTxHash},
		{"self referral", wallet(1), ptr(wallet(1)), txHash(1), apperrors.CodeSelfReferral},
		{"unregistered referrer", wallet(2), ptr(wallet(50)), txHash(2), apperrors.CodeUnregisteredReferrer},
		{"reused tx hash", wallet(3), nil, txHash(0), apperrors.CodeDuplicateTxHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ActivateMembership(ctx, tt.wallet, tt.referrer, tt.tx)
			assert.True(t, apperrors.HasCode(err, tt.code), "err = %v", err)
		})
	}

	// A failed activation leaves the member registered but inactive.
	m, err := f.svc.GetMember(ctx, wallet(1))
	require.NoError(t, err)
	assert.False(t, m.IsActivated)
}

func TestActivateMembership_QueuesFailedDistribution(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)

	f.claims.failures.Store(1)
	res := f.activate(t, 1, ptr(wallet(0)))
	assert.True(t, res.RewardsQueued)
	assert.Empty(t, res.Rewards)
	assert.Equal(t, 1, res.Member.CurrentLevel, "activation must survive a distribution failure")

	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.QueuePending, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].Attempts)

	// Not due yet.
	qr, err := f.svc.ProcessRetryQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, qr.Processed)

	f.clock.Advance(time.Minute)
	qr, err = f.svc.ProcessRetryQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, qr.Processed)
	assert.Equal(t, 1, qr.Succeeded)

	claims, err := f.svc.ListClaims(ctx, wallet(0), types.ClaimPending, 10)
	require.NoError(t, err)
	assert.Len(t, claims, 1)

	tasks = f.store.Tasks()
	assert.Equal(t, types.QueueDone, tasks[0].Status)
	qr, err = f.svc.ProcessRetryQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, qr.Processed)
}

func TestProcessRetryQueue_DeadLetter(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)

	f.claims.failures.Store(10)
	f.activate(t, 1, ptr(wallet(0)))

	f.clock.Advance(2 * time.Hour)
	qr, err := f.svc.ProcessRetryQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, qr.Retrying)

	f.clock.Advance(2 * time.Hour)
	qr, err = f.svc.ProcessRetryQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, qr.Dead)

	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.QueueDead, tasks[0].Status)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Contains(t, tasks[0].LastError, "connection reset")
}

func TestUpgradeLevel(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.activate(t, 0, nil)

	_, err := f.svc.UpgradeLevel(ctx, wallet(0), 2, txHash(100))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientDirectReferrals), "err = %v", err)

	for i := 1; i <= 3; i++ {
		f.activate(t, i, ptr(wallet(0)))
	}
	e, err := f.svc.CheckEligibility(ctx, wallet(0), 2)
	require.NoError(t, err)
	assert.True(t, e.Eligible)
	assert.Equal(t, 3, e.ActiveDirectReferrals)

	res, err := f.svc.UpgradeLevel(ctx, wallet(0), 2, txHash(100))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Member.CurrentLevel)
	assert.True(t, res.BccUnlocked.Equal(decimal.NewFromInt(150)))
	assert.Empty(t, res.Rewards, "a root has no upline")

	again, err := f.svc.UpgradeLevel(ctx, wallet(0), 2, txHash(100))
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.True(t, again.Balance.BCCTransferable.Equal(res.Balance.BCCTransferable))

	tests := []struct {
		name  string
		level int
		code  string
	}{
		{"level one", 1, apperrors.CodeInvalidParameter},
		{"skips a level", 4, apperrors.CodeNonSequentialLevel},
		{"out of range", 20, apperrors.CodeInvalidLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpgradeLevel(ctx, wallet(0), tt.level, txHash(200))
			assert.True(t, apperrors.HasCode(err, tt.code), "err = %v", err)
		})
	}

	_, err = f.svc.UpgradeLevel(ctx, wallet(40), 2, txHash(300))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMemberNotFound), "err = %v", err)
}

func TestUpgradeLevel_RewardsFollowLevelGate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	f.activate(t, 1, ptr(wallet(0)))
	f.activate(t, 2, ptr(wallet(1)))

	// wallet(2) sits under wallet(1), which sits under wallet(0). Only
	// wallet(0) owns Level 2, so the layer-1 reward rolls up to it.
	_, err := f.svc.UpgradeLevel(ctx, wallet(0), 2, txHash(100))
	require.NoError(t, err)
	res, err := f.svc.UpgradeLevel(ctx, wallet(2), 2, txHash(102))
	require.NoError(t, err)

	var rolled, pending int
	for _, c := range res.Rewards {
		switch c.Status {
		case types.ClaimRolledUp:
			rolled++
			assert.Equal(t, wallet(1), c.RootWallet)
		case types.ClaimPending:
			pending++
			assert.Equal(t, wallet(0), c.RootWallet)
			assert.True(t, c.RewardAmount.Equal(decimal.NewFromInt(150)))
		}
	}
	assert.Equal(t, 1, rolled)
	assert.Equal(t, 2, pending)
}

func TestClaimTransferWithdraw(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	res := f.activate(t, 1, ptr(wallet(0)))
	claimID := res.Rewards[0].ID

	_, bal, err := f.svc.ClaimReward(ctx, claimID, wallet(0))
	require.NoError(t, err)
	assert.True(t, bal.AvailableRewards.Equal(decimal.NewFromInt(100)))

	bal, err = f.svc.WithdrawRewards(ctx, wallet(0), decimal.NewFromInt(25), "")
	require.NoError(t, err)
	assert.True(t, bal.AvailableRewards.Equal(decimal.NewFromInt(75)))

	from, to, err := f.svc.TransferBcc(ctx, wallet(0), wallet(1), decimal.NewFromInt(50), "")
	require.NoError(t, err)
	assert.True(t, from.BCCTransferable.Equal(decimal.NewFromInt(550)))
	assert.True(t, to.BCCTransferable.Equal(decimal.NewFromInt(650)))

	summary, err := f.svc.GetActivitySummary(ctx, wallet(0), f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityRewardClaimed])
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityWithdrawal])
	assert.Equal(t, uint64(1), summary.Counts[models.ActivityTransfer])

	entries, err := f.svc.ListBalanceEntries(ctx, wallet(0), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReasonTransferOut, entries[0].Reason)
}

func TestProcessExpiredRewards_RecordsSweep(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	f.activate(t, 1, ptr(wallet(0)))

	f.clock.Advance(72 * time.Hour)
	res, err := f.svc.ProcessExpiredRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Burned)

	var sweeps int
	for _, e := range f.store.Events() {
		if e.Type == models.ActivitySweep {
			sweeps++
		}
	}
	assert.Equal(t, 1, sweeps)
}

func TestMatrixQueries(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.activate(t, 0, nil)
	for i := 1; i <= 4; i++ {
		f.activate(t, i, ptr(wallet(0)))
	}

	stats, err := f.svc.GetMatrixStats(ctx, wallet(0))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalMembers)
	assert.Equal(t, 3, stats.DirectPlacements)
	assert.Equal(t, 1, stats.SpilloverPlacements)

	layer2, err := f.svc.GetLayerMembers(ctx, wallet(0), 2)
	require.NoError(t, err)
	require.Len(t, layer2, 1)
	assert.Equal(t, wallet(4), layer2[0].MemberWallet)

	_, err = f.svc.GetMatrixStats(ctx, wallet(77))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMemberNotFound), "err = %v", err)

	tiers, err := f.svc.ListTiers(ctx)
	require.NoError(t, err)
	assert.Len(t, tiers, 4)
}
