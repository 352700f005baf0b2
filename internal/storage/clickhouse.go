package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// ActivityRepository appends membership events to the ClickHouse analytics
// log. Rows are never updated.
type ActivityRepository struct {
	db *ClickHouseDB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *ClickHouseDB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Record appends events in one batch.
func (r *ActivityRepository) Record(ctx context.Context, events ...*models.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO activity_events (
			id, type, wallet, counterparty, level, layer, amount, asset, reference, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare activity batch: %w", err)
	}

	for _, e := range events {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			id = uuid.New()
		}
		err = batch.Append(
			id,
			string(e.Type),
			e.Wallet,
			e.Counterparty,
			uint8(e.Level), // #nosec G115 - levels and layers are bounded by 19
			uint8(e.Layer), // #nosec G115
			e.Amount,
			e.Asset,
			e.Reference,
			e.OccurredAt,
		)
		if err != nil {
			_ = batch.Abort() // nolint:errcheck
			return fmt.Errorf("failed to append activity event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send activity batch: %w", err)
	}
	return nil
}

// CountByType returns how many events of each type a wallet produced since t.
func (r *ActivityRepository) CountByType(ctx context.Context, wallet string, since time.Time) (map[models.ActivityType]uint64, error) {
	rows, err := r.db.conn.Query(ctx, `
		SELECT type, count() FROM activity_events
		WHERE wallet = ? AND occurred_at >= ?
		GROUP BY type
	`, wallet, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count activity: %w", err)
	}
	defer rows.Close()

	out := make(map[models.ActivityType]uint64)
	for rows.Next() {
		var (
			typ string
			n   uint64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan activity count: %w", err)
		}
		out[models.ActivityType(typ)] = n
	}
	return out, rows.Err()
}
