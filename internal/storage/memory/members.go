package memory

import (
	"context"
	"sort"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

// CreateMember inserts an unactivated member and its balance row.
func (s *Store) CreateMember(ctx context.Context, m *models.Member, bal *models.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m.WalletAddress]; ok {
		return apperrors.ErrDuplicate
	}
	s.members[m.WalletAddress] = m.Clone()
	b := bal.Clone()
	s.balances[m.WalletAddress] = b
	if e := b.Diff(models.NewBalance(b.WalletAddress), models.ReasonRegistration, "", b.UpdatedAt); e != nil {
		s.appendEntry(e)
	}
	return nil
}

// GetMember returns a copy of the member.
func (s *Store) GetMember(ctx context.Context, wallet string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberLocked(wallet)
}

func (s *Store) memberLocked(wallet string) (*models.Member, error) {
	m, ok := s.members[wallet]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := m.Clone()
	if b, ok := s.balances[wallet]; ok {
		c.BCCLockedRemaining = b.BCCLockedLevel
	}
	return c, nil
}

// GetMembers returns the known members among wallets.
func (s *Store) GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*models.Member, len(wallets))
	for _, w := range wallets {
		if m, err := s.memberLocked(w); err == nil {
			out[w] = m
		}
	}
	return out, nil
}

// ActivateMember performs the Level-1 activation atomically.
func (s *Store) ActivateMember(ctx context.Context, act *models.Activation) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[act.Wallet]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if m.CurrentLevel != 0 {
		return nil, apperrors.ErrStaleState
	}
	if s.txHashes[act.TxHash] {
		return nil, apperrors.ErrDuplicate
	}

	s.rank++
	rank := s.rank
	tier := s.tierLocked(rank)
	at := act.At

	if m.ReferrerWallet == nil && act.ReferrerWallet != nil {
		ref := *act.ReferrerWallet
		m.ReferrerWallet = &ref
	}
	m.CurrentLevel = 1
	m.LevelsOwned = []int{1}
	m.IsActivated = true
	m.ActivationRank = &rank
	m.TierLevel = tier.Tier
	m.TierMultiplier = tier.Multiplier
	m.BCCLockedInitial = act.LockedPoolBase.Mul(tier.Multiplier)
	m.ActivatedAt = &at
	m.UpdatedAt = at

	s.recordPurchaseLocked(&models.LevelPurchase{WalletAddress: act.Wallet, Level: 1, TxHash: act.TxHash, PurchasedAt: at})
	return s.memberLocked(act.Wallet)
}

func (s *Store) tierLocked(rank int64) models.ActivationTier {
	for _, t := range s.tiers {
		if t.Contains(rank) {
			return t
		}
	}
	return s.tiers[len(s.tiers)-1]
}

func (s *Store) recordPurchaseLocked(p *models.LevelPurchase) {
	if s.purchases[p.WalletAddress] == nil {
		s.purchases[p.WalletAddress] = make(map[int]*models.LevelPurchase)
	}
	cp := *p
	s.purchases[p.WalletAddress][p.Level] = &cp
	s.txHashes[p.TxHash] = true
}

// RecordLevelPurchase appends a level conditional on current_level = level-1.
func (s *Store) RecordLevelPurchase(ctx context.Context, p *models.LevelPurchase) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[p.WalletAddress]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if m.CurrentLevel != p.Level-1 || !m.IsActivated {
		return nil, apperrors.ErrStaleState
	}
	if s.txHashes[p.TxHash] {
		return nil, apperrors.ErrDuplicate
	}

	m.CurrentLevel = p.Level
	m.LevelsOwned = append(m.LevelsOwned, p.Level)
	m.UpdatedAt = p.PurchasedAt
	s.recordPurchaseLocked(p)
	return s.memberLocked(p.WalletAddress)
}

// GetLevelPurchase returns the purchase record of a level.
func (s *Store) GetLevelPurchase(ctx context.Context, wallet string, level int) (*models.LevelPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[wallet][level]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// CountActiveDirectReferrals counts activated members referred by wallet.
func (s *Store) CountActiveDirectReferrals(ctx context.Context, wallet string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.members {
		if m.IsActivated && m.ReferrerWallet != nil && *m.ReferrerWallet == wallet {
			n++
		}
	}
	return n, nil
}

// ListDirectReferrals lists members referred by wallet in activation order.
func (s *Store) ListDirectReferrals(ctx context.Context, wallet string) ([]*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Member
	for w, m := range s.members {
		if m.ReferrerWallet != nil && *m.ReferrerWallet == wallet {
			c, _ := s.memberLocked(w)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ActivationRank, out[j].ActivationRank
		if ri == nil || rj == nil {
			return out[i].WalletAddress < out[j].WalletAddress
		}
		return *ri < *rj
	})
	return out, nil
}

// ListTiers returns the tier table.
func (s *Store) ListTiers(ctx context.Context) ([]models.ActivationTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActivationTier(nil), s.tiers...), nil
}

// SetActivationRank moves the rank counter so the next activation gets
// rank+1. Used to exercise later tiers.
func (s *Store) SetActivationRank(rank int64) {
	s.mu.Lock()
	s.rank = rank
	s.mu.Unlock()
}
