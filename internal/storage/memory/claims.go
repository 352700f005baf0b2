package memory

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// InsertDistribution inserts entries whose claim key is absent.
func (s *Store) InsertDistribution(ctx context.Context, entries []models.DistributionEntry) ([]*models.RewardClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created []*models.RewardClaim
	for _, e := range entries {
		if _, ok := s.claimKeys[e.Claim.Key()]; ok {
			continue
		}
		if e.Rollup != nil {
			if _, ok := s.claimKeys[e.Rollup.Claim.Key()]; ok {
				continue
			}
		}
		s.putClaimLocked(e.Claim)
		created = append(created, e.Claim.Clone())
		if e.Rollup != nil {
			s.putClaimLocked(e.Rollup.Claim)
			rec := *e.Rollup.Record
			s.rollups = append(s.rollups, &rec)
			created = append(created, e.Rollup.Claim.Clone())
		}
	}
	return created, nil
}

func (s *Store) putClaimLocked(c *models.RewardClaim) {
	cp := c.Clone()
	s.claims[cp.ID] = cp
	s.claimOrder = append(s.claimOrder, cp.ID)
	s.claimKeys[cp.Key()] = cp.ID
	if cp.RolledUpFromClaimID != nil {
		s.rolledFrom[*cp.RolledUpFromClaimID] = cp.ID
	}
}

// GetClaim returns a copy of a claim.
func (s *Store) GetClaim(ctx context.Context, id string) (*models.RewardClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return c.Clone(), nil
}

// ListClaims lists a recipient's claims, newest first.
func (s *Store) ListClaims(ctx context.Context, wallet string, status types.ClaimStatus, limit int) ([]*models.RewardClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.RewardClaim{}
	for i := len(s.claimOrder) - 1; i >= 0; i-- {
		c := s.claims[s.claimOrder[i]]
		if c.RootWallet != wallet || (status != "" && c.Status != status) {
			continue
		}
		out = append(out, c.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListDuePending returns pending claims due at now, oldest expiry first.
func (s *Store) ListDuePending(ctx context.Context, now time.Time, limit int) ([]*models.RewardClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RewardClaim
	for _, id := range s.claimOrder {
		c := s.claims[id]
		if c.Status == types.ClaimPending && !c.ExpiresAt.After(now) {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkClaimed resolves a claim for its recipient and credits the balance.
func (s *Store) MarkClaimed(ctx context.Context, id, wallet string, now time.Time, credit models.BalanceMutation) (*models.RewardClaim, *models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok || c.Status != types.ClaimPending || c.RootWallet != wallet || !now.Before(c.ExpiresAt) {
		return nil, nil, apperrors.ErrStaleState
	}

	bal, err := s.mutateLocked(wallet, models.ReasonRewardClaim, id, credit)
	if err != nil {
		return nil, nil, err
	}
	at := now
	c.Status = types.ClaimClaimed
	c.ClaimedAt = &at
	return c.Clone(), bal, nil
}

// ExpireClaim expires a due claim and optionally rolls it up.
func (s *Store) ExpireClaim(ctx context.Context, id string, now time.Time, next *models.Rollup) (*models.RewardClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[id]
	if !ok || c.Status != types.ClaimPending || c.ExpiresAt.After(now) {
		return nil, apperrors.ErrStaleState
	}
	if next != nil {
		if _, ok := s.rolledFrom[id]; ok {
			return nil, apperrors.ErrStaleState
		}
		if _, ok := s.claimKeys[next.Claim.Key()]; ok {
			return nil, apperrors.ErrDuplicate
		}
	}

	at := now
	c.Status = types.ClaimExpired
	c.ExpiredAt = &at
	if next != nil {
		s.putClaimLocked(next.Claim)
		rec := *next.Record
		s.rollups = append(s.rollups, &rec)
		to := next.Claim.RootWallet
		c.Status = types.ClaimRolledUp
		c.RolledUpToWallet = &to
	}
	return c.Clone(), nil
}

// Rollups returns every rollup record. Used by tests and audits.
func (s *Store) Rollups() []*models.RewardRollup {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.RewardRollup, len(s.rollups))
	for i, r := range s.rollups {
		cp := *r
		out[i] = &cp
	}
	return out
}
