package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/models"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func matrixStatsKey(root string) string {
	return fmt.Sprintf("matrix:stats:%s", root)
}

// GetStats returns the cached stats of root, or nil on a miss.
func (r *RedisCache) GetStats(ctx context.Context, root string) (*models.MatrixStats, error) {
	raw, err := r.client.Get(ctx, matrixStatsKey(root)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read matrix stats: %w", err)
	}

	var stats models.MatrixStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// A corrupt entry is a miss; the next refresh overwrites it.
		return nil, nil
	}
	return &stats, nil
}

// SetStats caches stats for ttl.
func (r *RedisCache) SetStats(ctx context.Context, stats *models.MatrixStats, ttl time.Duration) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode matrix stats: %w", err)
	}
	return r.client.Set(ctx, matrixStatsKey(stats.RootWallet), raw, ttl).Err()
}

// InvalidateStats drops the cached stats of root.
func (r *RedisCache) InvalidateStats(ctx context.Context, root string) error {
	return r.client.Del(ctx, matrixStatsKey(root)).Err()
}

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock takes key for ttl with SET NX. The returned release only deletes
// the key while this holder still owns it.
func (r *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := "lock:" + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err() // nolint:errcheck // expiry covers a failed release
	}
	return release, true, nil
}
