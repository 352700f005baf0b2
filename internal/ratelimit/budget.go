// Package ratelimit provides the cluster-wide request budget shared by every
// API replica through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 2000            // Total cost per window
	DefaultReservedBudget = 800             // Reserved for writes (activation, claims)
	DefaultWindowSize     = time.Second     // Fixed window
	DefaultKeyTTL         = 2 * time.Second // TTL for Redis keys (window + buffer)
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "budget:total:"
	KeyPrefixReserved = "budget:reserved:"
	KeyPrefixShared   = "budget:shared:"
)

// Priority selects the budget pool a request draws from.
type Priority int

const (
	// PriorityHigh is for state-changing requests (uses reserved budget).
	PriorityHigh Priority = iota
	// PriorityLow is for reads (uses shared budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// BudgetTracker coordinates request cost across replicas using Redis. Each
// window has a total budget split into a reserved pool for writes and a
// shared pool for reads, so a read storm cannot starve activations.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	clock          clockwork.Clock
}

// BudgetConfig holds configuration for the budget tracker.
type BudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// TotalBudget is the total cost per window. Default: 2000.
	TotalBudget int

	// ReservedBudget is the cost reserved for writes. Default: 800.
	ReservedBudget int

	// WindowSize defaults to 1s.
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default: 2s.
	KeyTTL time.Duration

	Clock clockwork.Clock
}

// Usage is a snapshot of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	totalBudget := c.TotalBudget
	if totalBudget == 0 {
		totalBudget = DefaultTotalBudget
	}
	reservedBudget := c.ReservedBudget
	if reservedBudget == 0 {
		reservedBudget = DefaultReservedBudget
	}
	if reservedBudget > totalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reservedBudget, totalBudget)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
		clock:          cfg.Clock,
	}
	if t.totalBudget == 0 {
		t.totalBudget = DefaultTotalBudget
	}
	if t.reservedBudget == 0 {
		t.reservedBudget = DefaultReservedBudget
	}
	if t.windowSize == 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.keyTTL == 0 {
		t.keyTTL = DefaultKeyTTL
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	t.sharedBudget = t.totalBudget - t.reservedBudget
	return t, nil
}

// windowTimestamp returns the start of the current window in milliseconds.
func (t *BudgetTracker) windowTimestamp() int64 {
	return t.clock.Now().Truncate(t.windowSize).UnixMilli()
}

func (t *BudgetTracker) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// consumeScript checks and increments the total and pool counters atomically.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// TryConsume draws cost from the pool of priority. When denied it returns
// the time until the next window. A Redis failure is reported as err and
// the request is allowed; the per-client limiter still applies.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return true, 0, fmt.Errorf("budget check failed: %w", err)
	}
	if result[0] != 1 {
		return false, t.waitTime(windowTS), nil
	}
	return true, 0, nil
}

// waitTime returns the time until the next window starts.
func (t *BudgetTracker) waitTime(windowTS int64) time.Duration {
	end := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := end.Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns the consumption of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// Missing keys come back as redis.Nil and count as zero.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// AvailableBudget returns what remains of the pool of priority.
func (t *BudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	u, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - u.SharedUsed
	if priority == PriorityHigh {
		available = t.reservedBudget - u.ReservedUsed
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// Utilization returns the total budget used as a percentage (0-100).
func (t *BudgetTracker) Utilization(ctx context.Context) (float64, error) {
	u, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}
	if t.totalBudget == 0 {
		return 100, nil
	}
	return float64(u.TotalUsed) * 100 / float64(t.totalBudget), nil
}
