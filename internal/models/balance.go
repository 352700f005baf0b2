package models

import (
	"time"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/types"
	"github.com/shopspring/decimal"
)

// Balance is the segregated per-wallet ledger of BCC and USDT buckets
type Balance struct {
	WalletAddress     string          `json:"walletAddress"`
	BCCTransferable   decimal.Decimal `json:"bccTransferable"`
	BCCLockedLevel    decimal.Decimal `json:"bccLockedLevel"`
	BCCLockedRewards  decimal.Decimal `json:"bccLockedRewards"`
	PendingActivation decimal.Decimal `json:"pendingActivation"`
	AvailableRewards  decimal.Decimal `json:"availableRewards"`
	TotalEarned       decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn    decimal.Decimal `json:"totalWithdrawn"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// NewBalance returns an all-zero balance for wallet.
func NewBalance(wallet string) *Balance {
	return &Balance{WalletAddress: wallet}
}

func (b *Balance) bucket(bk types.Bucket) *decimal.Decimal {
	switch bk {
	case types.BucketTransferable:
		return &b.BCCTransferable
	case types.BucketLockedLevel:
		return &b.BCCLockedLevel
	case types.BucketLockedRewards:
		return &b.BCCLockedRewards
	case types.BucketPendingActivation:
		return &b.PendingActivation
	case types.BucketAvailableRewards:
		return &b.AvailableRewards
	}
	return nil
}

// Get returns the value of a bucket.
func (b *Balance) Get(bk types.Bucket) decimal.Decimal {
	if p := b.bucket(bk); p != nil {
		return *p
	}
	return decimal.Zero
}

// Credit adds amount to a bucket. USDT credits also count toward TotalEarned.
func (b *Balance) Credit(bk types.Bucket, amount decimal.Decimal) error {
	p := b.bucket(bk)
	if p == nil {
		return apperrors.NewInvalidParameterError("bucket", "unknown bucket "+string(bk))
	}
	if amount.IsNegative() {
		return apperrors.NewInvalidAmountError(amount.String())
	}
	*p = p.Add(amount)
	if bk == types.BucketAvailableRewards {
		b.TotalEarned = b.TotalEarned.Add(amount)
	}
	return nil
}

// Debit removes amount from a bucket, refusing to go below zero.
func (b *Balance) Debit(bk types.Bucket, amount decimal.Decimal) error {
	p := b.bucket(bk)
	if p == nil {
		return apperrors.NewInvalidParameterError("bucket", "unknown bucket "+string(bk))
	}
	if amount.IsNegative() {
		return apperrors.NewInvalidAmountError(amount.String())
	}
	if p.LessThan(amount) {
		return apperrors.InsufficientBalance(b.WalletAddress, bk, p.String(), amount.String())
	}
	*p = p.Sub(amount)
	return nil
}

// Move transfers amount between two buckets of the same wallet.
func (b *Balance) Move(from, to types.Bucket, amount decimal.Decimal) error {
	if err := b.Debit(from, amount); err != nil {
		return err
	}
	p := b.bucket(to)
	if p == nil {
		return apperrors.NewInvalidParameterError("bucket", "unknown bucket "+string(to))
	}
	*p = p.Add(amount)
	return nil
}

// Validate checks that no bucket is negative.
func (b *Balance) Validate() error {
	for _, bk := range AllBuckets {
		if v := b.Get(bk); v.IsNegative() {
			return apperrors.NegativeBucket(b.WalletAddress, bk, v.String())
		}
	}
	return nil
}

// Clone returns a copy of the balance.
func (b *Balance) Clone() *Balance {
	c := *b
	return &c
}

// BalanceEntry journals one atomic balance mutation. Reason and Reference
// together form the idempotency key of the mutation.
type BalanceEntry struct {
	ID            string                           `json:"id"`
	WalletAddress string                           `json:"walletAddress"`
	Reason        string                           `json:"reason"`
	Reference     string                           `json:"reference"`
	Deltas        map[types.Bucket]decimal.Decimal `json:"deltas"`
	CreatedAt     time.Time                        `json:"createdAt"`
}

// Delta returns the change applied to a bucket.
func (e *BalanceEntry) Delta(bk types.Bucket) decimal.Decimal {
	if d, ok := e.Deltas[bk]; ok {
		return d
	}
	return decimal.Zero
}

// Journal reasons
const (
	ReasonRegistration     = "registration"
	ReasonActivation       = "activation"
	ReasonLevelUnlock      = "level_unlock"
	ReasonRewardClaim      = "reward_claim"
	ReasonRewardBccRelease = "reward_bcc_release"
	ReasonWithdrawal       = "withdrawal"
	ReasonTransferOut      = "transfer_out"
	ReasonTransferIn       = "transfer_in"
)

// AllBuckets lists every bucket in journal column order.
var AllBuckets = []types.Bucket{
	types.BucketTransferable,
	types.BucketLockedLevel,
	types.BucketLockedRewards,
	types.BucketPendingActivation,
	types.BucketAvailableRewards,
}

// Diff returns the journal entry describing the change from before to b,
// or nil when nothing moved.
func (b *Balance) Diff(before *Balance, reason, reference string, at time.Time) *BalanceEntry {
	deltas := make(map[types.Bucket]decimal.Decimal)
	for _, bk := range AllBuckets {
		if d := b.Get(bk).Sub(before.Get(bk)); !d.IsZero() {
			deltas[bk] = d
		}
	}
	if w := b.TotalWithdrawn.Sub(before.TotalWithdrawn); !w.IsZero() {
		deltas[BucketWithdrawn] = w
	}
	if len(deltas) == 0 {
		return nil
	}
	return &BalanceEntry{
		WalletAddress: b.WalletAddress,
		Reason:        reason,
		Reference:     reference,
		Deltas:        deltas,
		CreatedAt:     at,
	}
}

// BucketWithdrawn is the journal key for TotalWithdrawn, which is a
// cumulative counter rather than a spendable bucket.
const BucketWithdrawn types.Bucket = "total_withdrawn"

// BalanceMutation edits a locked balance row in place. Returning an error
// discards every change.
type BalanceMutation func(b *Balance) error

// PairMutation edits two locked balance rows together
type PairMutation func(from, to *Balance) error
