// Package main provides a CLI tool for running database migrations and
// seeding the activation tier table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version, seed-tiers")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse")
		dir    = flag.String("dir", "", "Migrations directory (default migrations/<db>)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *dbType {
	case "postgres":
		path := *dir
		if path == "" {
			path = cfg.Storage.MigrationsDir
		}
		if err := runPostgresMigrations(cfg, *action, path); err != nil {
			log.Fatalf("Postgres migration failed: %v", err)
		}
	case "clickhouse":
		path := *dir
		if path == "" {
			path = "migrations/clickhouse"
		}
		if err := runClickHouseMigrations(cfg, *action, path); err != nil {
			log.Fatalf("ClickHouse migration failed: %v", err)
		}
	default:
		log.Fatalf("Unknown database type: %s", *dbType)
	}
}

func runPostgresMigrations(cfg *config.Config, action, migrationsPath string) error {
	databaseURL := cfg.Database.Postgres.URL()

	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	case "seed-tiers":
		return seedTiers(cfg)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

// seedTiers rewrites activation_tiers from TIER_SIZE and TIER_COUNT.
func seedTiers(cfg *config.Config) error {
	db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tiers := ledger.DefaultTiers(cfg.Balance.TierSize, cfg.Balance.TierCount)
	if err := storage.NewMemberRepository(db).ReplaceTiers(ctx, tiers); err != nil {
		return err
	}
	for _, t := range tiers {
		log.Printf("Tier %d: ranks %d-%s, multiplier %s", t.Tier, t.RankFrom, rankBound(t.RankTo), t.Multiplier)
	}
	return nil
}

func rankBound(to *int64) string {
	if to == nil {
		return "unbounded"
	}
	return fmt.Sprint(*to)
}

func runClickHouseMigrations(cfg *config.Config, action, migrationsPath string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	log.Println("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("Running ClickHouse migrations...")
	if err := storage.RunClickHouseMigrations(ctx, db, migrationsPath); err != nil {
		return err
	}

	log.Println("ClickHouse migrations completed successfully")
	return nil
}
