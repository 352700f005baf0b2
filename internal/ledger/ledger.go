// Package ledger is the member ledger: registration, Level-1 activation
// with rank and tier assignment, and the level purchase log.
package ledger

import (
	"context"
	stderrors "errors"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// Store persists members. Implementations return the storage sentinels
// from internal/errors: ErrNotFound, ErrDuplicate and ErrStaleState.
type Store interface {
	// CreateMember inserts an unactivated member together with its balance row.
	CreateMember(ctx context.Context, m *models.Member, bal *models.Balance) error
	GetMember(ctx context.Context, wallet string) (*models.Member, error)
	GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error)
	// ActivateMember moves current_level 0 -> 1, takes the next activation
	// rank, resolves and copies its tier and records the Level-1 purchase,
	// all in one atomic step.
	ActivateMember(ctx context.Context, act *models.Activation) (*models.Member, error)
	// RecordLevelPurchase appends level to the member, conditional on
	// current_level = level-1.
	RecordLevelPurchase(ctx context.Context, p *models.LevelPurchase) (*models.Member, error)
	GetLevelPurchase(ctx context.Context, wallet string, level int) (*models.LevelPurchase, error)
	CountActiveDirectReferrals(ctx context.Context, wallet string) (int, error)
	ListDirectReferrals(ctx context.Context, wallet string) ([]*models.Member, error)
	ListTiers(ctx context.Context) ([]models.ActivationTier, error)
}

// Ledger wraps a Store and maps its sentinels to categorized errors
type Ledger struct {
	store Store
	// initialBcc is credited to bcc_pending_activation at registration
	initialBcc decimal.Decimal
	clock      clockwork.Clock
	logger     *logging.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// NewLedger creates a ledger. initialBcc is the pending activation BCC every
// new member starts with.
func NewLedger(store Store, initialBcc decimal.Decimal, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		initialBcc: initialBcc,
		clock:      clockwork.NewRealClock(),
		logger:     logging.Named("ledger"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register creates an unactivated member and its balance row.
func (l *Ledger) Register(ctx context.Context, wallet string) (*models.Member, error) {
	now := l.clock.Now().UTC()
	m := &models.Member{
		WalletAddress: wallet,
		LevelsOwned:   []int{},
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	bal := models.NewBalance(wallet)
	bal.PendingActivation = l.initialBcc
	bal.UpdatedAt = now

	if err := l.store.CreateMember(ctx, m, bal); err != nil {
		if stderrors.Is(err, apperrors.ErrDuplicate) {
			return nil, apperrors.AlreadyRegistered(wallet)
		}
		return nil, apperrors.NewDatabaseError("create member", err)
	}
	l.logger.WithField("wallet", wallet).Info("Member registered")
	return m, nil
}

// GetMember returns a member or MemberNotFound.
func (l *Ledger) GetMember(ctx context.Context, wallet string) (*models.Member, error) {
	m, err := l.store.GetMember(ctx, wallet)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.MemberNotFound(wallet)
		}
		return nil, apperrors.NewDatabaseError("get member", err)
	}
	return m, nil
}

// GetMembers returns the known members among wallets.
func (l *Ledger) GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error) {
	ms, err := l.store.GetMembers(ctx, wallets)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get members", err)
	}
	return ms, nil
}

// ValidateReferrer checks that referrer can sponsor wallet.
func (l *Ledger) ValidateReferrer(ctx context.Context, wallet, referrer string) error {
	if referrer == wallet {
		return apperrors.SelfReferral(wallet)
	}
	if _, err := l.GetMember(ctx, referrer); err != nil {
		if apperrors.HasCode(err, apperrors.CodeMemberNotFound) {
			return apperrors.UnregisteredReferrer(referrer)
		}
		return err
	}
	return nil
}

// ActivateLevelOne activates wallet at Level 1. lockedPoolBase is the
// pre-multiplier BCC pool the member's level unlocks draw from.
func (l *Ledger) ActivateLevelOne(ctx context.Context, wallet string, referrer *string, txHash string, lockedPoolBase decimal.Decimal) (*models.Member, error) {
	if referrer != nil {
		if err := l.ValidateReferrer(ctx, wallet, *referrer); err != nil {
			return nil, err
		}
	}

	act := &models.Activation{
		Wallet:         wallet,
		ReferrerWallet: referrer,
		TxHash:         txHash,
		LockedPoolBase: lockedPoolBase,
		At:             l.clock.Now().UTC(),
	}
	m, err := l.store.ActivateMember(ctx, act)
	if err != nil {
		return nil, l.mapWriteErr(wallet, txHash, "activate member", err)
	}

	l.logger.WithFields(map[string]interface{}{
		"wallet":          wallet,
		"activation_rank": *m.ActivationRank,
		"tier":            m.TierLevel,
		"multiplier":      m.TierMultiplier.String(),
	}).Info("Member activated")
	return m, nil
}

// RecordLevelPurchase appends level to wallet's owned levels.
func (l *Ledger) RecordLevelPurchase(ctx context.Context, wallet string, level int, txHash string) (*models.Member, error) {
	if level < 2 || level > types.MaxLevel {
		return nil, apperrors.NewInvalidLevelError(level)
	}
	p := &models.LevelPurchase{
		WalletAddress: wallet,
		Level:         level,
		TxHash:        txHash,
		PurchasedAt:   l.clock.Now().UTC(),
	}
	m, err := l.store.RecordLevelPurchase(ctx, p)
	if err != nil {
		return nil, l.mapWriteErr(wallet, txHash, "record level purchase", err)
	}
	l.logger.WithFields(map[string]interface{}{"wallet": wallet, "level": level}).Info("Level purchase recorded")
	return m, nil
}

// GetLevelPurchase returns the purchase record of a level, or nil if the
// wallet never bought it.
func (l *Ledger) GetLevelPurchase(ctx context.Context, wallet string, level int) (*models.LevelPurchase, error) {
	p, err := l.store.GetLevelPurchase(ctx, wallet, level)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get level purchase", err)
	}
	return p, nil
}

// CountActiveDirectReferrals counts activated members referred by wallet.
func (l *Ledger) CountActiveDirectReferrals(ctx context.Context, wallet string) (int, error) {
	n, err := l.store.CountActiveDirectReferrals(ctx, wallet)
	if err != nil {
		return 0, apperrors.NewDatabaseError("count direct referrals", err)
	}
	return n, nil
}

// ListDirectReferrals lists members referred by wallet.
func (l *Ledger) ListDirectReferrals(ctx context.Context, wallet string) ([]*models.Member, error) {
	ms, err := l.store.ListDirectReferrals(ctx, wallet)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list direct referrals", err)
	}
	return ms, nil
}

// ListTiers returns the activation tier table.
func (l *Ledger) ListTiers(ctx context.Context) ([]models.ActivationTier, error) {
	tiers, err := l.store.ListTiers(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list tiers", err)
	}
	return tiers, nil
}

func (l *Ledger) mapWriteErr(wallet, txHash, op string, err error) error {
	switch {
	case stderrors.Is(err, apperrors.ErrNotFound):
		return apperrors.MemberNotFound(wallet)
	case stderrors.Is(err, apperrors.ErrStaleState):
		return apperrors.StaleMemberState(wallet, err)
	case stderrors.Is(err, apperrors.ErrDuplicate):
		return apperrors.DuplicateTxHash(txHash)
	}
	return apperrors.NewDatabaseError(op, err)
}
