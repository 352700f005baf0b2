// Package config provides configuration management for the matrix engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/matrix-engine/internal/types"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Matrix    MatrixConfig
	Rewards   RewardsConfig
	Balance   BalanceConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StorageConfig selects the primary store
type StorageConfig struct {
	Driver        string
	MigrationsDir string
}

// MatrixConfig holds placement engine settings
type MatrixConfig struct {
	MaxDepth         int
	PlacementRetries int
	StatsTTL         time.Duration
}

// RewardsConfig holds distribution and claim lifecycle settings
type RewardsConfig struct {
	ClaimWindow  time.Duration
	MaxLayers    int
	RollupPolicy types.RollupPolicy
	// LayerPercent is the share of the level price paid at every layer
	LayerPercent decimal.Decimal
	// Level2DirectReferrals is the number of activated direct referrals
	// required before Level 2 can be bought
	Level2DirectReferrals int
	BccLayerBonus         bool
}

// BalanceConfig holds BCC settings
type BalanceConfig struct {
	InitialActivationBcc decimal.Decimal
	TierSize             int64
	TierCount            int
}

// WorkerConfig holds background job settings
type WorkerConfig struct {
	SweepSchedule       string
	RetrySchedule       string
	RefreshSchedule     string
	ConsistencySchedule string
	BatchSize           int
	SweepConcurrency    int
	SweepLockTTL        time.Duration
	MaxAttempts         int
	RetryBaseDelay      time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// GlobalBudget is the cluster-wide request cost allowed per window. It
	// is enforced through Redis and ignored when Redis is disabled.
	GlobalBudget   int
	ReservedBudget int
	BudgetWindow   time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "matrix_engine"),
				User:           getEnv("POSTGRES_USER", "matrix"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "matrix_engine"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Storage: StorageConfig{
			Driver:        strings.ToLower(getEnv("STORAGE_DRIVER", DriverPostgres)),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations/postgres"),
		},
		Matrix: MatrixConfig{
			MaxDepth:         getEnvAsInt("MATRIX_MAX_DEPTH", types.MaxLevel),
			PlacementRetries: getEnvAsInt("MATRIX_PLACEMENT_RETRIES", 5),
			StatsTTL:         getEnvAsDuration("MATRIX_STATS_TTL", 30*time.Second),
		},
		Rewards: RewardsConfig{
			ClaimWindow:           getEnvAsDuration("REWARD_CLAIM_WINDOW", 72*time.Hour),
			MaxLayers:             getEnvAsInt("REWARD_MAX_LAYERS", types.MaxLevel),
			RollupPolicy:          types.RollupPolicy(strings.ToLower(getEnv("REWARD_ROLLUP_POLICY", string(types.RollupStrict)))),
			LayerPercent:          getEnvAsDecimal("REWARD_LAYER_PERCENT", decimal.NewFromInt(100)),
			Level2DirectReferrals: getEnvAsInt("LEVEL2_DIRECT_REFERRALS", 3),
			BccLayerBonus:         getEnvAsBool("REWARD_BCC_LAYER_BONUS", false),
		},
		Balance: BalanceConfig{
			InitialActivationBcc: getEnvAsDecimal("BCC_INITIAL_ACTIVATION", decimal.NewFromInt(500)),
			TierSize:             int64(getEnvAsInt("BCC_TIER_SIZE", 9999)),
			TierCount:            getEnvAsInt("BCC_TIER_COUNT", 4),
		},
		Worker: WorkerConfig{
			SweepSchedule:       getEnv("WORKER_SWEEP_SCHEDULE", "@every 1m"),
			RetrySchedule:       getEnv("WORKER_RETRY_SCHEDULE", "@every 30s"),
			RefreshSchedule:     getEnv("WORKER_REFRESH_SCHEDULE", "@every 5m"),
			ConsistencySchedule: getEnv("WORKER_CONSISTENCY_SCHEDULE", "@every 15m"),
			BatchSize:           getEnvAsInt("WORKER_BATCH_SIZE", 200),
			SweepConcurrency:    getEnvAsInt("WORKER_SWEEP_CONCURRENCY", 8),
			SweepLockTTL:        getEnvAsDuration("WORKER_SWEEP_LOCK_TTL", 2*time.Minute),
			MaxAttempts:         getEnvAsInt("WORKER_MAX_ATTEMPTS", 8),
			RetryBaseDelay:      getEnvAsDuration("WORKER_RETRY_BASE_DELAY", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
			GlobalBudget:      getEnvAsInt("RATE_LIMIT_GLOBAL_BUDGET", 2000),
			ReservedBudget:    getEnvAsInt("RATE_LIMIT_RESERVED_BUDGET", 800),
			BudgetWindow:      getEnvAsDuration("RATE_LIMIT_BUDGET_WINDOW", time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Storage.Driver != DriverPostgres && c.Storage.Driver != DriverMemory {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Rewards.ClaimWindow <= 0 {
		return fmt.Errorf("claim window must be positive, got %s", c.Rewards.ClaimWindow)
	}
	if !c.Rewards.RollupPolicy.Valid() {
		return fmt.Errorf("unknown rollup policy %q", c.Rewards.RollupPolicy)
	}
	if c.Rewards.MaxLayers < 1 {
		return fmt.Errorf("max layers must be at least 1, got %d", c.Rewards.MaxLayers)
	}
	if c.Rewards.LayerPercent.IsNegative() || c.Rewards.LayerPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("layer percent must be within 0..100, got %s", c.Rewards.LayerPercent)
	}
	if c.Matrix.MaxDepth < 1 {
		return fmt.Errorf("matrix max depth must be at least 1, got %d", c.Matrix.MaxDepth)
	}
	if c.Matrix.PlacementRetries < 1 {
		return fmt.Errorf("placement retries must be at least 1, got %d", c.Matrix.PlacementRetries)
	}
	if c.Balance.TierSize < 1 || c.Balance.TierCount < 1 {
		return fmt.Errorf("tier size and count must be positive")
	}
	if c.Worker.BatchSize < 1 || c.Worker.SweepConcurrency < 1 {
		return fmt.Errorf("worker batch size and concurrency must be positive")
	}
	if c.RateLimit.ReservedBudget > c.RateLimit.GlobalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed global budget (%d)", c.RateLimit.ReservedBudget, c.RateLimit.GlobalBudget)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value, err := decimal.NewFromString(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
