package memory

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

// GetBalance returns a copy of the wallet's balance.
func (s *Store) GetBalance(ctx context.Context, wallet string) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[wallet]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return b.Clone(), nil
}

// Mutate applies fn to a working copy and commits it only on success.
func (s *Store) Mutate(ctx context.Context, wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(wallet, reason, reference, fn)
}

func (s *Store) mutateLocked(wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error) {
	cur, ok := s.balances[wallet]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	key := entryKey{wallet: wallet, reason: reason, reference: reference}
	if reference != "" && s.entryKeys[key] {
		return nil, apperrors.ErrDuplicate
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.balances[wallet] = next
	if e := next.Diff(cur, reason, reference, next.UpdatedAt); e != nil {
		s.appendEntry(e)
	} else if reference != "" {
		s.entryKeys[key] = true
	}
	return next.Clone(), nil
}

// MutatePair applies fn to both wallets atomically.
func (s *Store) MutatePair(ctx context.Context, from, to, reference string, fn models.PairMutation) (*models.Balance, *models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fcur, ok := s.balances[from]
	if !ok {
		return nil, nil, apperrors.ErrNotFound
	}
	tcur, ok := s.balances[to]
	if !ok {
		return nil, nil, apperrors.ErrNotFound
	}
	if s.entryKeys[entryKey{wallet: from, reason: models.ReasonTransferOut, reference: reference}] {
		return nil, nil, apperrors.ErrDuplicate
	}

	fnext, tnext := fcur.Clone(), tcur.Clone()
	if err := fn(fnext, tnext); err != nil {
		return nil, nil, err
	}
	s.balances[from] = fnext
	s.balances[to] = tnext
	if e := fnext.Diff(fcur, models.ReasonTransferOut, reference, fnext.UpdatedAt); e != nil {
		s.appendEntry(e)
	}
	if e := tnext.Diff(tcur, models.ReasonTransferIn, reference, tnext.UpdatedAt); e != nil {
		s.appendEntry(e)
	}
	return fnext.Clone(), tnext.Clone(), nil
}

// ListEntries returns the wallet's journal, newest first.
func (s *Store) ListEntries(ctx context.Context, wallet string, limit int) ([]*models.BalanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[wallet]
	out := make([]*models.BalanceEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// GetEntry returns the journal entry recorded under (reason, reference).
func (s *Store) GetEntry(ctx context.Context, wallet, reason, reference string) (*models.BalanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[wallet]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Reason == reason && all[i].Reference == reference {
			cp := *all[i]
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *Store) appendEntry(e *models.BalanceEntry) {
	e.ID = uuid.NewString()
	s.entries[e.WalletAddress] = append(s.entries[e.WalletAddress], e)
	if e.Reference != "" {
		s.entryKeys[entryKey{wallet: e.WalletAddress, reason: e.Reason, reference: e.Reference}] = true
	}
}
