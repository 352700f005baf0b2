package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

const balanceColumns = `
	wallet_address, bcc_transferable, bcc_locked_level, bcc_locked_rewards,
	bcc_pending_activation, available_rewards, total_earned, total_withdrawn, updated_at
`

const entryColumns = `
	id, wallet_address, reason, reference,
	delta_bcc_transferable, delta_bcc_locked_level, delta_bcc_locked_rewards,
	delta_bcc_pending_activation, delta_available_rewards, delta_total_withdrawn,
	created_at
`

// journalBuckets lists the buckets in balance_entries delta column order
var journalBuckets = []types.Bucket{
	types.BucketTransferable,
	types.BucketLockedLevel,
	types.BucketLockedRewards,
	types.BucketPendingActivation,
	types.BucketAvailableRewards,
	models.BucketWithdrawn,
}

// BalanceRepository persists segregated balances and their journal. Every
// mutation locks the balance row, so readers never see a partial update.
type BalanceRepository struct {
	db *PostgresDB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *PostgresDB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(
		&b.WalletAddress,
		&b.BCCTransferable,
		&b.BCCLockedLevel,
		&b.BCCLockedRewards,
		&b.PendingActivation,
		&b.AvailableRewards,
		&b.TotalEarned,
		&b.TotalWithdrawn,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func insertBalance(ctx context.Context, tx pgx.Tx, b *models.Balance) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		b.WalletAddress,
		b.BCCTransferable,
		b.BCCLockedLevel,
		b.BCCLockedRewards,
		b.PendingActivation,
		b.AvailableRewards,
		b.TotalEarned,
		b.TotalWithdrawn,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance: %w", err)
	}
	return nil
}

func updateBalance(ctx context.Context, tx pgx.Tx, b *models.Balance) error {
	_, err := tx.Exec(ctx, `
		UPDATE balances SET
			bcc_transferable = $2,
			bcc_locked_level = $3,
			bcc_locked_rewards = $4,
			bcc_pending_activation = $5,
			available_rewards = $6,
			total_earned = $7,
			total_withdrawn = $8,
			updated_at = $9,
			version = version + 1
		WHERE wallet_address = $1
	`,
		b.WalletAddress,
		b.BCCTransferable,
		b.BCCLockedLevel,
		b.BCCLockedRewards,
		b.PendingActivation,
		b.AvailableRewards,
		b.TotalEarned,
		b.TotalWithdrawn,
		b.UpdatedAt,
	)
	if err != nil {
		if code, _ := pgErrorCode(err); code == pgCheckViolation {
			return apperrors.NegativeBucket(b.WalletAddress, "", "check constraint")
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// insertEntry journals e. A repeated (wallet, reason, reference) is
// ErrDuplicate.
func insertEntry(ctx context.Context, tx pgx.Tx, e *models.BalanceEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO balance_entries (
			id, wallet_address, reason, reference,
			delta_bcc_transferable, delta_bcc_locked_level, delta_bcc_locked_rewards,
			delta_bcc_pending_activation, delta_available_rewards, delta_total_withdrawn,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID,
		e.WalletAddress,
		e.Reason,
		e.Reference,
		e.Delta(types.BucketTransferable),
		e.Delta(types.BucketLockedLevel),
		e.Delta(types.BucketLockedRewards),
		e.Delta(types.BucketPendingActivation),
		e.Delta(types.BucketAvailableRewards),
		e.Delta(models.BucketWithdrawn),
		e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "balance_entries_reference_key") {
			return apperrors.ErrDuplicate
		}
		return fmt.Errorf("failed to insert balance entry: %w", err)
	}
	return nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, wallet string) (*models.Balance, error) {
	b, err := scanBalance(tx.QueryRow(ctx, `
		SELECT `+balanceColumns+` FROM balances WHERE wallet_address = $1 FOR UPDATE
	`, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

func entryExists(ctx context.Context, tx pgx.Tx, wallet, reason, reference string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM balance_entries WHERE wallet_address = $1 AND reason = $2 AND reference = $3
		)
	`, wallet, reason, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check balance entry: %w", err)
	}
	return exists, nil
}

// mutateInTx applies fn to the locked row of wallet and journals the change.
// A reference that was already applied is ErrDuplicate. A mutation with a
// reference that moves nothing is still journaled so replays stay no-ops.
func mutateInTx(ctx context.Context, tx pgx.Tx, wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error) {
	cur, err := lockBalance(ctx, tx, wallet)
	if err != nil {
		return nil, err
	}
	if reference != "" {
		dup, err := entryExists(ctx, tx, wallet, reason, reference)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, apperrors.ErrDuplicate
		}
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := updateBalance(ctx, tx, next); err != nil {
		return nil, err
	}

	e := next.Diff(cur, reason, reference, next.UpdatedAt)
	if e == nil && reference != "" {
		e = &models.BalanceEntry{WalletAddress: wallet, Reason: reason, Reference: reference, CreatedAt: next.UpdatedAt}
	}
	if e != nil {
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// GetBalance returns the wallet's balance.
func (r *BalanceRepository) GetBalance(ctx context.Context, wallet string) (*models.Balance, error) {
	b, err := scanBalance(r.db.Pool().QueryRow(ctx, `
		SELECT `+balanceColumns+` FROM balances WHERE wallet_address = $1
	`, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// Mutate applies fn to the wallet's balance in its own transaction.
func (r *BalanceRepository) Mutate(ctx context.Context, wallet, reason, reference string, fn models.BalanceMutation) (*models.Balance, error) {
	var out *models.Balance
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := mutateInTx(ctx, tx, wallet, reason, reference, fn)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MutatePair applies fn to two balances atomically. Rows are locked in
// wallet order so opposite transfers cannot deadlock.
func (r *BalanceRepository) MutatePair(ctx context.Context, from, to, reference string, fn models.PairMutation) (*models.Balance, *models.Balance, error) {
	var fout, tout *models.Balance
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		wallets := []string{from, to}
		sort.Strings(wallets)
		locked := make(map[string]*models.Balance, 2)
		for _, w := range wallets {
			b, err := lockBalance(ctx, tx, w)
			if err != nil {
				return err
			}
			locked[w] = b
		}

		dup, err := entryExists(ctx, tx, from, models.ReasonTransferOut, reference)
		if err != nil {
			return err
		}
		if dup {
			return apperrors.ErrDuplicate
		}

		fcur, tcur := locked[from], locked[to]
		fnext, tnext := fcur.Clone(), tcur.Clone()
		if err := fn(fnext, tnext); err != nil {
			return err
		}

		for _, step := range []struct {
			next, cur *models.Balance
			reason    string
		}{
			{fnext, fcur, models.ReasonTransferOut},
			{tnext, tcur, models.ReasonTransferIn},
		} {
			if err := updateBalance(ctx, tx, step.next); err != nil {
				return err
			}
			if e := step.next.Diff(step.cur, step.reason, reference, step.next.UpdatedAt); e != nil {
				if err := insertEntry(ctx, tx, e); err != nil {
					return err
				}
			}
		}
		fout, tout = fnext, tnext
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return fout, tout, nil
}

// ListEntries returns the wallet's journal, newest first.
func (r *BalanceRepository) ListEntries(ctx context.Context, wallet string, limit int) ([]*models.BalanceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+entryColumns+`
		FROM balance_entries
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance entries: %w", err)
	}
	defer rows.Close()

	out := []*models.BalanceEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntry returns the journal entry recorded under (reason, reference).
func (r *BalanceRepository) GetEntry(ctx context.Context, wallet, reason, reference string) (*models.BalanceEntry, error) {
	e, err := scanEntry(r.db.Pool().QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM balance_entries
		WHERE wallet_address = $1 AND reason = $2 AND reference = $3
	`, wallet, reason, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get balance entry: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.Row) (*models.BalanceEntry, error) {
	e := &models.BalanceEntry{Deltas: make(map[types.Bucket]decimal.Decimal)}
	deltas := make([]decimal.Decimal, len(journalBuckets))
	dest := []interface{}{&e.ID, &e.WalletAddress, &e.Reason, &e.Reference}
	for i := range deltas {
		dest = append(dest, &deltas[i])
	}
	dest = append(dest, &e.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, bk := range journalBuckets {
		if !deltas[i].IsZero() {
			e.Deltas[bk] = deltas[i]
		}
	}
	return e, nil
}
