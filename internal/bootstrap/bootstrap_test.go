package bootstrap

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/config"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("CLICKHOUSE_ENABLED", "false")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestOpen_Memory(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.Service)
	assert.Nil(t, rt.Postgres)
	assert.Nil(t, rt.Redis)
	assert.Empty(t, rt.Checks)

	budget, err := rt.Budget()
	require.NoError(t, err)
	assert.Nil(t, budget)

	_, err = rt.Service.Register(context.Background(), "0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)
}

func TestOpen_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t)
	cfg.Database.Redis.Enabled = true
	cfg.Database.Redis.Host = mr.Host()
	cfg.Database.Redis.Port = mr.Port()

	rt, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Redis)
	require.Contains(t, rt.Checks, "redis")
	assert.NoError(t, rt.Checks["redis"](context.Background()))

	budget, err := rt.Budget()
	require.NoError(t, err)
	assert.NotNil(t, budget)
}

func TestOpen_RedisUnavailable(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Database.Redis.Enabled = true
	cfg.Database.Redis.Host = "127.0.0.1"
	cfg.Database.Redis.Port = "1"

	rt, err := Open(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, rt)
}

func TestScheduler_RegistersJobs(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	s, err := rt.Scheduler()
	require.NoError(t, err)

	names := []string{"expiry_sweep", "distribution_retry", "stats_refresh", "stats_consistency"}
	for _, name := range names {
		assert.True(t, s.RunByName(name), name)
	}

	var ran []string
	for _, st := range s.GetStatus() {
		assert.Empty(t, st.LastError, st.Name)
		ran = append(ran, st.Name)
	}
	sort.Strings(ran)
	sort.Strings(names)
	assert.Equal(t, names, ran)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Worker.ConsistencySchedule = "not a schedule"

	rt, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Scheduler()
	assert.Error(t, err)
}
