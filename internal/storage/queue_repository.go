package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-engine/internal/models"
)

const taskColumns = `
	id, wallet_address, nft_level, tx_hash, attempts, last_error, status,
	next_attempt_at, created_at, updated_at
`

// QueueRepository persists the reward distribution retry queue.
type QueueRepository struct {
	db *PostgresDB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue adds a task unless one exists for the same purchase.
func (r *QueueRepository) Enqueue(ctx context.Context, t *models.DistributionTask) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO reward_distribution_queue (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT reward_distribution_queue_purchase_key DO NOTHING
	`,
		t.ID,
		t.WalletAddress,
		t.NFTLevel,
		t.TxHash,
		t.Attempts,
		t.LastError,
		t.Status,
		t.NextAttemptAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue distribution task: %w", err)
	}
	return nil
}

// ListDue returns pending tasks whose next attempt is due.
func (r *QueueRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.DistributionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+taskColumns+` FROM reward_distribution_queue
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	defer rows.Close()

	out := []*models.DistributionTask{}
	for rows.Next() {
		var t models.DistributionTask
		err := rows.Scan(
			&t.ID,
			&t.WalletAddress,
			&t.NFTLevel,
			&t.TxHash,
			&t.Attempts,
			&t.LastError,
			&t.Status,
			&t.NextAttemptAt,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateTask stores the task's attempt bookkeeping.
func (r *QueueRepository) UpdateTask(ctx context.Context, t *models.DistributionTask) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE reward_distribution_queue SET
			attempts = $2,
			last_error = $3,
			status = $4,
			next_attempt_at = $5,
			updated_at = $6
		WHERE id = $1
	`, t.ID, t.Attempts, t.LastError, t.Status, t.NextAttemptAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update distribution task: %w", err)
	}
	return nil
}
