package storage

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/models"
)

func TestSplitSQLStatements(t *testing.T) {
	content := `-- leading comment
CREATE TABLE a (
    id UInt64
) ENGINE = MergeTree()
ORDER BY id;

-- second
CREATE TABLE b (id UInt64) ENGINE = Memory;
SELECT 1`

	got := splitSQLStatements(content)
	if len(got) != 3 {
		t.Fatalf("splitSQLStatements() returned %d statements, want 3: %q", len(got), got)
	}
	want := "CREATE TABLE a (\n    id UInt64\n) ENGINE = MergeTree()\nORDER BY id"
	if got[0] != want {
		t.Errorf("statement 0 = %q, want %q", got[0], want)
	}
	if got[1] != "CREATE TABLE b (id UInt64) ENGINE = Memory" {
		t.Errorf("statement 1 = %q", got[1])
	}
	if got[2] != "SELECT 1" {
		t.Errorf("statement 2 = %q", got[2])
	}
}

func TestSplitSQLStatements_ActivityMigration(t *testing.T) {
	content, err := os.ReadFile("../../migrations/clickhouse/001_activity_events.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	stmts := splitSQLStatements(string(content))
	if len(stmts) != 1 {
		t.Fatalf("got %d statements, want 1", len(stmts))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate() = %q", got)
	}
}

func TestActivityRepository_RecordAndCount(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "default",
		User:     "default",
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}

	db, err := NewClickHouseDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		_ = db.Close()
	}()

	ctx := testContext(t)
	if err := RunClickHouseMigrations(ctx, db, "../../migrations/clickhouse"); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}

	repo := NewActivityRepository(db)
	wallet := "0x" + uuid.NewString()[:8]
	now := time.Now().UTC()
	err = repo.Record(ctx,
		&models.ActivityEvent{ID: uuid.NewString(), Type: models.ActivityActivated, Wallet: wallet, Level: 1, Amount: decimal.NewFromInt(100), Asset: "usdc", OccurredAt: now},
		&models.ActivityEvent{ID: uuid.NewString(), Type: models.ActivityRewardCreated, Wallet: wallet, Layer: 1, Amount: decimal.NewFromInt(100), Asset: "usdc", OccurredAt: now},
		&models.ActivityEvent{ID: uuid.NewString(), Type: models.ActivityRewardCreated, Wallet: wallet, Layer: 2, Amount: decimal.NewFromInt(100), Asset: "usdc", OccurredAt: now},
	)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	counts, err := repo.CountByType(ctx, wallet, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if counts[models.ActivityActivated] != 1 || counts[models.ActivityRewardCreated] != 2 {
		t.Errorf("CountByType() = %v", counts)
	}
}
