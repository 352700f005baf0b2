package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

const claimColumns = `
	id, root_wallet, triggering_member_wallet, trigger_tx_hash, nft_level, layer,
	reward_type, reward_amount, status, created_at, expires_at, claimed_at,
	expired_at, rolled_up_to_wallet, rolled_up_from_claim_id
`

// ClaimRepository persists reward claims and their rollup audit trail.
type ClaimRepository struct {
	db *PostgresDB
}

// NewClaimRepository creates a new claim repository
func NewClaimRepository(db *PostgresDB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

func scanClaim(row pgx.Row) (*models.RewardClaim, error) {
	var c models.RewardClaim
	err := row.Scan(
		&c.ID,
		&c.RootWallet,
		&c.TriggeringMemberWallet,
		&c.TriggerTxHash,
		&c.NFTLevel,
		&c.Layer,
		&c.RewardType,
		&c.RewardAmount,
		&c.Status,
		&c.CreatedAt,
		&c.ExpiresAt,
		&c.ClaimedAt,
		&c.ExpiredAt,
		&c.RolledUpToWallet,
		&c.RolledUpFromClaimID,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// insertClaim inserts c unless its event key exists. The bool reports
// whether a row was written.
func insertClaim(ctx context.Context, tx pgx.Tx, c *models.RewardClaim) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO reward_claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT ON CONSTRAINT reward_claims_event_key DO NOTHING
	`,
		c.ID,
		c.RootWallet,
		c.TriggeringMemberWallet,
		c.TriggerTxHash,
		c.NFTLevel,
		c.Layer,
		c.RewardType,
		c.RewardAmount,
		c.Status,
		c.CreatedAt,
		c.ExpiresAt,
		c.ClaimedAt,
		c.ExpiredAt,
		c.RolledUpToWallet,
		c.RolledUpFromClaimID,
	)
	if err != nil {
		if isUniqueViolation(err, "reward_claims_rolled_up_from_key") {
			return false, apperrors.ErrStaleState
		}
		return false, fmt.Errorf("failed to insert reward claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertRollup(ctx context.Context, tx pgx.Tx, r *models.RewardRollup) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reward_rollups (id, claim_id, from_wallet, to_wallet, new_claim_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.ClaimID, r.FromWallet, r.ToWallet, r.NewClaimID, r.Reason, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "reward_rollups_claim_key") {
			return apperrors.ErrStaleState
		}
		return fmt.Errorf("failed to insert reward rollup: %w", err)
	}
	return nil
}

// InsertDistribution inserts entries whose claim key is absent. Each entry
// runs in a savepoint so a conflicting rollup target discards its parent too.
func (r *ClaimRepository) InsertDistribution(ctx context.Context, entries []models.DistributionEntry) ([]*models.RewardClaim, error) {
	var created []*models.RewardClaim
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		created = created[:0]
		for _, e := range entries {
			sp, err := tx.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to open savepoint: %w", err)
			}
			claims, err := insertEntryClaims(ctx, sp, e)
			if err != nil {
				_ = sp.Rollback(ctx) // nolint:errcheck
				return err
			}
			if claims == nil {
				if err := sp.Rollback(ctx); err != nil {
					return fmt.Errorf("failed to roll back savepoint: %w", err)
				}
				continue
			}
			if err := sp.Commit(ctx); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
			created = append(created, claims...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// insertEntryClaims returns nil when any claim of the entry already exists.
func insertEntryClaims(ctx context.Context, tx pgx.Tx, e models.DistributionEntry) ([]*models.RewardClaim, error) {
	ok, err := insertClaim(ctx, tx, e.Claim)
	if err != nil || !ok {
		return nil, err
	}
	out := []*models.RewardClaim{e.Claim.Clone()}
	if e.Rollup == nil {
		return out, nil
	}

	ok, err = insertClaim(ctx, tx, e.Rollup.Claim)
	if err != nil || !ok {
		return nil, err
	}
	if err := insertRollup(ctx, tx, e.Rollup.Record); err != nil {
		return nil, err
	}
	return append(out, e.Rollup.Claim.Clone()), nil
}

// GetClaim returns a claim by id.
func (r *ClaimRepository) GetClaim(ctx context.Context, id string) (*models.RewardClaim, error) {
	c, err := scanClaim(r.db.Pool().QueryRow(ctx, `
		SELECT `+claimColumns+` FROM reward_claims WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reward claim: %w", err)
	}
	return c, nil
}

// ListClaims lists a recipient's claims, newest first.
func (r *ClaimRepository) ListClaims(ctx context.Context, wallet string, status types.ClaimStatus, limit int) ([]*models.RewardClaim, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT `+claimColumns+` FROM reward_claims
		WHERE root_wallet = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, wallet, string(status), limit)
}

// ListDuePending returns pending claims due at now, oldest expiry first.
func (r *ClaimRepository) ListDuePending(ctx context.Context, now time.Time, limit int) ([]*models.RewardClaim, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.query(ctx, `
		SELECT `+claimColumns+` FROM reward_claims
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, now, limit)
}

func (r *ClaimRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.RewardClaim, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward claims: %w", err)
	}
	defer rows.Close()

	out := []*models.RewardClaim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkClaimed resolves a claim for its recipient and credits the balance in
// the same transaction.
func (r *ClaimRepository) MarkClaimed(ctx context.Context, id, wallet string, now time.Time, credit models.BalanceMutation) (*models.RewardClaim, *models.Balance, error) {
	var (
		claim *models.RewardClaim
		bal   *models.Balance
	)
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanClaim(tx.QueryRow(ctx, `
			UPDATE reward_claims SET status = 'claimed', claimed_at = $3
			WHERE id = $1 AND root_wallet = $2 AND status = 'pending' AND expires_at > $3
			RETURNING `+claimColumns, id, wallet, now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrStaleState
			}
			return fmt.Errorf("failed to mark claim claimed: %w", err)
		}
		b, err := mutateInTx(ctx, tx, wallet, models.ReasonRewardClaim, id, credit)
		if err != nil {
			return err
		}
		claim, bal = c, b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claim, bal, nil
}

// ExpireClaim expires a due claim and, when next is set, rolls it up.
func (r *ClaimRepository) ExpireClaim(ctx context.Context, id string, now time.Time, next *models.Rollup) (*models.RewardClaim, error) {
	var out *models.RewardClaim
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanClaim(tx.QueryRow(ctx, `
			UPDATE reward_claims SET status = 'expired', expired_at = $2
			WHERE id = $1 AND status = 'pending' AND expires_at <= $2
			RETURNING `+claimColumns, id, now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrStaleState
			}
			return fmt.Errorf("failed to expire claim: %w", err)
		}
		if next == nil {
			out = c
			return nil
		}

		ok, err := insertClaim(ctx, tx, next.Claim)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.ErrDuplicate
		}
		if err := insertRollup(ctx, tx, next.Record); err != nil {
			return err
		}
		out, err = scanClaim(tx.QueryRow(ctx, `
			UPDATE reward_claims SET status = 'rolled_up', rolled_up_to_wallet = $2
			WHERE id = $1
			RETURNING `+claimColumns, id, next.Claim.RootWallet))
		if err != nil {
			return fmt.Errorf("failed to roll up claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRollups returns the rollup records of a claim recipient, newest first.
func (r *ClaimRepository) ListRollups(ctx context.Context, wallet string, limit int) ([]*models.RewardRollup, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, claim_id, from_wallet, to_wallet, new_claim_id, reason, created_at
		FROM reward_rollups
		WHERE from_wallet = $1 OR to_wallet = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward rollups: %w", err)
	}
	defer rows.Close()

	out := []*models.RewardRollup{}
	for rows.Next() {
		var rr models.RewardRollup
		if err := rows.Scan(&rr.ID, &rr.ClaimID, &rr.FromWallet, &rr.ToWallet, &rr.NewClaimID, &rr.Reason, &rr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward rollup: %w", err)
		}
		out = append(out, &rr)
	}
	return out, rows.Err()
}
