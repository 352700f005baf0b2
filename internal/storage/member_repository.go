package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

const memberSelect = `
	SELECT m.wallet_address, m.current_level, m.levels_owned, m.referrer_wallet,
	       m.activation_rank, m.tier_level, m.tier_multiplier, m.bcc_locked_initial,
	       COALESCE(b.bcc_locked_level, 0), m.is_activated, m.registered_at,
	       m.activated_at, m.updated_at
	FROM members m
	LEFT JOIN balances b ON b.wallet_address = m.wallet_address
`

// MemberRepository persists members, level purchases and the tier table
type MemberRepository struct {
	db *PostgresDB
}

// NewMemberRepository creates a new member repository
func NewMemberRepository(db *PostgresDB) *MemberRepository {
	return &MemberRepository{db: db}
}

func scanMember(row pgx.Row) (*models.Member, error) {
	var m models.Member
	var owned []int32
	err := row.Scan(
		&m.WalletAddress,
		&m.CurrentLevel,
		&owned,
		&m.ReferrerWallet,
		&m.ActivationRank,
		&m.TierLevel,
		&m.TierMultiplier,
		&m.BCCLockedInitial,
		&m.BCCLockedRemaining,
		&m.IsActivated,
		&m.RegisteredAt,
		&m.ActivatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.LevelsOwned = make([]int, len(owned))
	for i, l := range owned {
		m.LevelsOwned[i] = int(l)
	}
	return &m, nil
}

// CreateMember inserts an unactivated member together with its balance row
// and the registration journal entry.
func (r *MemberRepository) CreateMember(ctx context.Context, m *models.Member, bal *models.Balance) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO members (wallet_address, current_level, levels_owned, registered_at, updated_at)
			VALUES ($1, 0, '{}', $2, $3)
			ON CONFLICT (wallet_address) DO NOTHING
		`, m.WalletAddress, m.RegisteredAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.ErrDuplicate
		}

		if err := insertBalance(ctx, tx, bal); err != nil {
			return err
		}
		if e := bal.Diff(models.NewBalance(bal.WalletAddress), models.ReasonRegistration, "", bal.UpdatedAt); e != nil {
			return insertEntry(ctx, tx, e)
		}
		return nil
	})
}

// GetMember returns a member, ErrNotFound if unknown.
func (r *MemberRepository) GetMember(ctx context.Context, wallet string) (*models.Member, error) {
	m, err := scanMember(r.db.Pool().QueryRow(ctx, memberSelect+` WHERE m.wallet_address = $1`, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetMembers returns the known members among wallets.
func (r *MemberRepository) GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error) {
	out := make(map[string]*models.Member, len(wallets))
	if len(wallets) == 0 {
		return out, nil
	}

	rows, err := r.db.Pool().Query(ctx, memberSelect+` WHERE m.wallet_address = ANY($1)`, wallets)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out[m.WalletAddress] = m
	}
	return out, rows.Err()
}

// ActivateMember performs the Level-1 activation in one transaction: the
// conditional 0 -> 1 update, the rank from activation_rank_seq, the tier
// lookup and the purchase record. A rolled back activation leaves a gap in
// the rank sequence, ranks stay unique and increasing.
func (r *MemberRepository) ActivateMember(ctx context.Context, act *models.Activation) (*models.Member, error) {
	var out *models.Member
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var level int
		err := tx.QueryRow(ctx, `SELECT current_level FROM members WHERE wallet_address = $1 FOR UPDATE`, act.Wallet).Scan(&level)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock member: %w", err)
		}
		if level != 0 {
			return apperrors.ErrStaleState
		}

		var rank int64
		if err := tx.QueryRow(ctx, `SELECT nextval('activation_rank_seq')`).Scan(&rank); err != nil {
			return fmt.Errorf("failed to allocate activation rank: %w", err)
		}

		var tier int
		var multiplier decimal.Decimal
		err = tx.QueryRow(ctx, `
			SELECT tier, multiplier FROM activation_tiers
			WHERE rank_from <= $1 AND (rank_to IS NULL OR rank_to >= $1)
			ORDER BY tier
			LIMIT 1
		`, rank).Scan(&tier, &multiplier)
		if err != nil {
			return fmt.Errorf("failed to resolve tier for rank %d: %w", rank, err)
		}

		if err := insertPurchase(ctx, tx, &models.LevelPurchase{
			WalletAddress: act.Wallet,
			Level:         1,
			TxHash:        act.TxHash,
			PurchasedAt:   act.At,
		}); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE members SET
				current_level = 1,
				levels_owned = '{1}',
				referrer_wallet = COALESCE(referrer_wallet, $2),
				activation_rank = $3,
				tier_level = $4,
				tier_multiplier = $5,
				bcc_locked_initial = $6,
				is_activated = TRUE,
				activated_at = $7,
				updated_at = $7
			WHERE wallet_address = $1 AND current_level = 0
		`, act.Wallet, act.ReferrerWallet, rank, tier, multiplier, act.LockedPoolBase.Mul(multiplier), act.At)
		if err != nil {
			if code, _ := pgErrorCode(err); code == pgForeignKeyViolation {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to activate member: %w", err)
		}

		out, err = scanMember(tx.QueryRow(ctx, memberSelect+` WHERE m.wallet_address = $1`, act.Wallet))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordLevelPurchase appends a level conditional on current_level being
// the level below it.
func (r *MemberRepository) RecordLevelPurchase(ctx context.Context, p *models.LevelPurchase) (*models.Member, error) {
	var out *models.Member
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE members SET
				current_level = $2,
				levels_owned = array_append(levels_owned, $2),
				updated_at = $3
			WHERE wallet_address = $1 AND current_level = $2 - 1 AND is_activated
		`, p.WalletAddress, p.Level, p.PurchasedAt)
		if err != nil {
			return fmt.Errorf("failed to record level: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE wallet_address = $1)`, p.WalletAddress).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check member: %w", err)
			}
			if !exists {
				return apperrors.ErrNotFound
			}
			return apperrors.ErrStaleState
		}

		if err := insertPurchase(ctx, tx, p); err != nil {
			return err
		}
		out, err = scanMember(tx.QueryRow(ctx, memberSelect+` WHERE m.wallet_address = $1`, p.WalletAddress))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertPurchase(ctx context.Context, tx pgx.Tx, p *models.LevelPurchase) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO level_purchases (wallet_address, level, tx_hash, purchased_at)
		VALUES ($1, $2, $3, $4)
	`, p.WalletAddress, p.Level, p.TxHash, p.PurchasedAt)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "level_purchases_tx_hash_key"):
		return apperrors.ErrDuplicate
	case isUniqueViolation(err, ""):
		return apperrors.ErrStaleState
	}
	return fmt.Errorf("failed to insert level purchase: %w", err)
}

// GetLevelPurchase returns the purchase record of a level.
func (r *MemberRepository) GetLevelPurchase(ctx context.Context, wallet string, level int) (*models.LevelPurchase, error) {
	var p models.LevelPurchase
	err := r.db.Pool().QueryRow(ctx, `
		SELECT wallet_address, level, tx_hash, purchased_at
		FROM level_purchases
		WHERE wallet_address = $1 AND level = $2
	`, wallet, level).Scan(&p.WalletAddress, &p.Level, &p.TxHash, &p.PurchasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get level purchase: %w", err)
	}
	return &p, nil
}

// CountActiveDirectReferrals counts activated members referred by wallet.
func (r *MemberRepository) CountActiveDirectReferrals(ctx context.Context, wallet string) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM members WHERE referrer_wallet = $1 AND is_activated
	`, wallet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count direct referrals: %w", err)
	}
	return n, nil
}

// ListDirectReferrals lists members referred by wallet in activation order.
func (r *MemberRepository) ListDirectReferrals(ctx context.Context, wallet string) ([]*models.Member, error) {
	rows, err := r.db.Pool().Query(ctx, memberSelect+`
		WHERE m.referrer_wallet = $1
		ORDER BY m.activation_rank NULLS LAST, m.wallet_address
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct referrals: %w", err)
	}
	defer rows.Close()

	var out []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTiers returns the activation tier table.
func (r *MemberRepository) ListTiers(ctx context.Context) ([]models.ActivationTier, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT tier, rank_from, rank_to, multiplier FROM activation_tiers ORDER BY tier
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var out []models.ActivationTier
	for rows.Next() {
		var t models.ActivationTier
		if err := rows.Scan(&t.Tier, &t.RankFrom, &t.RankTo, &t.Multiplier); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplaceTiers rewrites the tier table. Members keep the tier and
// multiplier copied at their activation.
func (r *MemberRepository) ReplaceTiers(ctx context.Context, tiers []models.ActivationTier) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM activation_tiers`); err != nil {
			return fmt.Errorf("failed to clear tiers: %w", err)
		}
		batch := &pgx.Batch{}
		for _, t := range tiers {
			batch.Queue(`
				INSERT INTO activation_tiers (tier, rank_from, rank_to, multiplier) VALUES ($1, $2, $3, $4)
			`, t.Tier, t.RankFrom, t.RankTo, t.Multiplier)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert tiers: %w", err)
		}
		return nil
	})
}
