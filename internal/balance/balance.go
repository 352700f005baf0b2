// Package balance is the segregated BCC and USDT ledger.
package balance

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/levels"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/metrics"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// Store persists balances and their journal.
//
// Mutate locks the wallet's row, applies fn and journals the diff under
// (reason, reference) in one transaction. When reference is non-empty and
// already journaled for the wallet and reason, it returns
// apperrors.ErrDuplicate without applying fn. A missing row is
// apperrors.ErrNotFound.
type Store interface {
	GetBalance(ctx context.Context, wallet string) (*models.Balance, error)
	Mutate(ctx context.Context, wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error)
	// MutatePair locks both rows in wallet order and journals
	// transfer_out / transfer_in entries under reference.
	MutatePair(ctx context.Context, from, to, reference string, fn models.PairMutation) (*models.Balance, *models.Balance, error)
	ListEntries(ctx context.Context, wallet string, limit int) ([]*models.BalanceEntry, error)
	// GetEntry returns the entry journaled under (reason, reference), or
	// apperrors.ErrNotFound.
	GetEntry(ctx context.Context, wallet, reason, reference string) (*models.BalanceEntry, error)
}

// MemberReader resolves a member's assigned tier
type MemberReader interface {
	GetMember(ctx context.Context, wallet string) (*models.Member, error)
}

// Ledger applies balance operations
type Ledger struct {
	store   Store
	members MemberReader
	clock   clockwork.Clock
	logger  *logging.Logger
}

// NewLedger creates a balance ledger.
func NewLedger(store Store, members MemberReader, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{store: store, members: members, clock: clock, logger: logging.Named("balance")}
}

// Guard wraps fn so the mutated row is stamped and rejected if any bucket
// went negative.
func (l *Ledger) Guard(fn models.BalanceMutation) models.BalanceMutation {
	return func(b *models.Balance) error {
		if err := fn(b); err != nil {
			return err
		}
		b.UpdatedAt = l.clock.Now().UTC()
		return b.Validate()
	}
}

// ClaimCredit returns the mutation that pays out a claimed reward: USDC goes
// to available_rewards, BCC to bcc_locked_rewards.
func ClaimCredit(c *models.RewardClaim) models.BalanceMutation {
	return func(b *models.Balance) error {
		if c.RewardType == types.RewardBCC {
			return b.Credit(types.BucketLockedRewards, c.RewardAmount)
		}
		return b.Credit(types.BucketAvailableRewards, c.RewardAmount)
	}
}

// GetBalance returns a wallet's buckets.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (*models.Balance, error) {
	b, err := l.store.GetBalance(ctx, wallet)
	if err != nil {
		return nil, l.mapErr(wallet, "get balance", err)
	}
	return b, nil
}

// ListEntries returns the most recent journal entries of a wallet.
func (l *Ledger) ListEntries(ctx context.Context, wallet string, limit int) ([]*models.BalanceEntry, error) {
	entries, err := l.store.ListEntries(ctx, wallet, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list balance entries", err)
	}
	return entries, nil
}

// InitializeActivation releases the pending activation BCC to transferable
// and allocates the member's locked level pool. Replays are no-ops.
func (l *Ledger) InitializeActivation(ctx context.Context, wallet string, pool decimal.Decimal) (*models.Balance, error) {
	b, err := l.mutate(ctx, wallet, models.ReasonActivation, "level:1", func(b *models.Balance) error {
		if err := b.Move(types.BucketPendingActivation, types.BucketTransferable, b.PendingActivation); err != nil {
			return err
		}
		return b.Credit(types.BucketLockedLevel, pool)
	})
	if stderrors.Is(err, apperrors.ErrDuplicate) {
		return l.GetBalance(ctx, wallet)
	}
	return b, err
}

// UnlockLevelBcc moves base_unlock(level) x tier multiplier from the locked
// level pool into transferable. It never mints: a pool that cannot cover
// the unlock is an invariant violation. Replays return the amount without
// moving it again.
func (l *Ledger) UnlockLevelBcc(ctx context.Context, wallet string, level int) (decimal.Decimal, *models.Balance, error) {
	if err := levels.ValidateLevel(level); err != nil {
		return decimal.Zero, nil, err
	}
	m, err := l.members.GetMember(ctx, wallet)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if !m.IsActivated {
		return decimal.Zero, nil, apperrors.NotActivated(wallet)
	}

	amount := levels.BaseUnlock(level).Mul(m.TierMultiplier)
	b, err := l.mutate(ctx, wallet, models.ReasonLevelUnlock, fmt.Sprintf("level:%d", level), func(b *models.Balance) error {
		if b.BCCLockedLevel.LessThan(amount) {
			return apperrors.InsufficientLockedPool(wallet, level, b.BCCLockedLevel.String(), amount.String())
		}
		return b.Move(types.BucketLockedLevel, types.BucketTransferable, amount)
	})
	if stderrors.Is(err, apperrors.ErrDuplicate) {
		b, err = l.GetBalance(ctx, wallet)
		return amount, b, err
	}
	if err != nil {
		return decimal.Zero, nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		"wallet": wallet,
		"level":  level,
		"amount": amount.String(),
	}).Info("Level BCC unlocked")
	return amount, b, nil
}

// TransferBcc moves amount of transferable BCC between wallets. Nothing
// changes on failure.
func (l *Ledger) TransferBcc(ctx context.Context, from, to string, amount decimal.Decimal, reference string) (*models.Balance, *models.Balance, error) {
	if !amount.IsPositive() {
		return nil, nil, apperrors.NewInvalidAmountError(amount.String())
	}
	if from == to {
		return nil, nil, apperrors.NewInvalidParameterError("to", "cannot transfer to the same wallet")
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	fb, tb, err := l.store.MutatePair(ctx, from, to, reference, func(fb, tb *models.Balance) error {
		if err := l.Guard(func(b *models.Balance) error { return b.Debit(types.BucketTransferable, amount) })(fb); err != nil {
			return err
		}
		return l.Guard(func(b *models.Balance) error { return b.Credit(types.BucketTransferable, amount) })(tb)
	})
	metrics.BalanceMutationsTotal.WithLabelValues("transfer", metrics.Status(err)).Inc()
	if stderrors.Is(err, apperrors.ErrDuplicate) {
		if err := l.checkReplay(ctx, from, models.ReasonTransferOut, reference, types.BucketTransferable, amount.Neg()); err != nil {
			return nil, nil, err
		}
		if err := l.checkReplay(ctx, to, models.ReasonTransferIn, reference, types.BucketTransferable, amount); err != nil {
			return nil, nil, err
		}
		if fb, err = l.GetBalance(ctx, from); err != nil {
			return nil, nil, err
		}
		tb, err = l.GetBalance(ctx, to)
		return fb, tb, err
	}
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, l.missingPairMember(ctx, from, to)
		}
		return nil, nil, l.mapErr(from, "transfer bcc", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"from":      from,
		"to":        to,
		"amount":    amount.String(),
		"reference": reference,
	}).Info("BCC transferred")
	return fb, tb, nil
}

// ReleaseRewardBcc moves BCC earned through rewards from
// bcc_locked_rewards to transferable.
func (l *Ledger) ReleaseRewardBcc(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*models.Balance, error) {
	if !amount.IsPositive() {
		return nil, apperrors.NewInvalidAmountError(amount.String())
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	b, err := l.mutate(ctx, wallet, models.ReasonRewardBccRelease, reference, func(b *models.Balance) error {
		return b.Move(types.BucketLockedRewards, types.BucketTransferable, amount)
	})
	if stderrors.Is(err, apperrors.ErrDuplicate) {
		if err := l.checkReplay(ctx, wallet, models.ReasonRewardBccRelease, reference, types.BucketLockedRewards, amount.Neg()); err != nil {
			return nil, err
		}
		return l.GetBalance(ctx, wallet)
	}
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		"wallet": wallet,
		"amount": amount.String(),
	}).Info("Reward BCC released")
	return b, nil
}

// WithdrawRewards moves USDT from available_rewards to total_withdrawn.
func (l *Ledger) WithdrawRewards(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*models.Balance, error) {
	if !amount.IsPositive() {
		return nil, apperrors.NewInvalidAmountError(amount.String())
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	b, err := l.mutate(ctx, wallet, models.ReasonWithdrawal, reference, func(b *models.Balance) error {
		if err := b.Debit(types.BucketAvailableRewards, amount); err != nil {
			return err
		}
		b.TotalWithdrawn = b.TotalWithdrawn.Add(amount)
		return nil
	})
	if stderrors.Is(err, apperrors.ErrDuplicate) {
		if err := l.checkReplay(ctx, wallet, models.ReasonWithdrawal, reference, types.BucketAvailableRewards, amount.Neg()); err != nil {
			return nil, err
		}
		return l.GetBalance(ctx, wallet)
	}
	return b, err
}

func (l *Ledger) mutate(ctx context.Context, wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error) {
	b, err := l.store.Mutate(ctx, wallet, reason, reference, l.Guard(fn))
	metrics.BalanceMutationsTotal.WithLabelValues(reason, metrics.Status(err)).Inc()
	if err != nil {
		if stderrors.Is(err, apperrors.ErrDuplicate) {
			return nil, err
		}
		return nil, l.mapErr(wallet, reason, err)
	}
	return b, nil
}

// checkReplay confirms that the entry already journaled under reference
// moved want on bucket. Anything else means the reference was reused for a
// different operation.
func (l *Ledger) checkReplay(ctx context.Context, wallet, reason, reference string, bucket types.Bucket, want decimal.Decimal) error {
	e, err := l.store.GetEntry(ctx, wallet, reason, reference)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.DuplicateReference(reference)
		}
		return apperrors.NewDatabaseError("get balance entry", err)
	}
	if !e.Delta(bucket).Equal(want) {
		return apperrors.DuplicateReference(reference)
	}
	return nil
}

func (l *Ledger) mapErr(wallet, op string, err error) error {
	if stderrors.Is(err, apperrors.ErrNotFound) {
		return apperrors.MemberNotFound(wallet)
	}
	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) {
		if catErr.Category == apperrors.CategoryInvariant {
			metrics.InvariantViolationsTotal.WithLabelValues(catErr.Code).Inc()
			l.logger.WithFields(map[string]interface{}{"wallet": wallet, "operation": op}).
				Critical("Balance invariant violated", err)
		}
		return err
	}
	return apperrors.NewDatabaseError(op, err)
}

func (l *Ledger) missingPairMember(ctx context.Context, from, to string) error {
	if _, err := l.store.GetBalance(ctx, from); err != nil {
		return apperrors.MemberNotFound(from)
	}
	return apperrors.MemberNotFound(to)
}
