package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/matrix"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/rewards"
	"github.com/matrix-engine/internal/service"
)

type fakeSweeper struct {
	calls int
	res   *rewards.SweepResult
	err   error
}

func (f *fakeSweeper) ProcessExpiredRewards(context.Context) (*rewards.SweepResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeQueue struct {
	limit int
	res   *service.QueueResult
	err   error
}

func (f *fakeQueue) ProcessRetryQueue(_ context.Context, limit int) (*service.QueueResult, error) {
	f.limit = limit
	return f.res, f.err
}

type fakeStats struct {
	mu        sync.Mutex
	roots     []string
	since     time.Time
	refreshed []string
	failOn    string
}

func (f *fakeStats) RecentRoots(_ context.Context, since time.Time, limit int) ([]string, error) {
	f.since = since
	if limit < len(f.roots) {
		return f.roots[:limit], nil
	}
	return f.roots, nil
}

func (f *fakeStats) RefreshStats(_ context.Context, root string) (*models.MatrixStats, error) {
	if root == f.failOn {
		return nil, errors.New("refresh failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, root)
	return &models.MatrixStats{RootWallet: root}, nil
}

func TestExpirySweeper(t *testing.T) {
	sw := &fakeSweeper{res: &rewards.SweepResult{Processed: 3, RolledUp: 2, Burned: 1}}
	job := NewExpirySweeper(sw)
	assert.Equal(t, "expiry_sweep", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, sw.calls)

	sw.err = errors.New("db down")
	assert.EqualError(t, job.Run(context.Background()), "db down")
}

func TestDistributionRetrier(t *testing.T) {
	q := &fakeQueue{res: &service.QueueResult{Processed: 2, Succeeded: 1, Dead: 1}}
	job := NewDistributionRetrier(q, 0)
	assert.Equal(t, "distribution_retry", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 100, q.limit)

	q.err = errors.New("queue unavailable")
	q.res = nil
	assert.Error(t, job.Run(context.Background()))
}

func TestStatsRefresher(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 2, 12, 0, 0, 0, time.UTC))
	src := &fakeStats{roots: []string{"0xa", "0xb", "0xc"}}
	job := NewStatsRefresher(src, 24*time.Hour, 2, 2, clock)
	assert.Equal(t, "stats_refresh", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, clock.Now().Add(-24*time.Hour), src.since)
	sort.Strings(src.refreshed)
	assert.Equal(t, []string{"0xa", "0xb"}, src.refreshed)

	src.failOn = "0xb"
	assert.Error(t, job.Run(context.Background()))

	empty := NewStatsRefresher(&fakeStats{}, time.Hour, 0, 0, clock)
	assert.NoError(t, empty.Run(context.Background()))
}

type fakeConsistency struct {
	roots   []string
	checked []string
	dirty   map[string]bool
	failOn  string
}

func (f *fakeConsistency) RecentRoots(_ context.Context, _ time.Time, _ int) ([]string, error) {
	return f.roots, nil
}

func (f *fakeConsistency) CheckStatsConsistency(_ context.Context, root string) (*matrix.ConsistencyResult, error) {
	f.checked = append(f.checked, root)
	if root == f.failOn {
		return nil, errors.New("cache unavailable")
	}
	return &matrix.ConsistencyResult{Root: root, Consistent: !f.dirty[root], CacheInvalidated: f.dirty[root]}, nil
}

func TestConsistencyChecker_ContinuesPastFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeConsistency{
		roots:  []string{"0xa", "0xb", "0xc"},
		dirty:  map[string]bool{"0xc": true},
		failOn: "0xb",
	}
	job := NewConsistencyChecker(src, time.Hour, 0, clock)
	assert.Equal(t, "stats_consistency", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, src.checked)
}

func TestConsistencyChecker_StopsOnCancel(t *testing.T) {
	src := &fakeConsistency{roots: []string{"0xa"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewConsistencyChecker(src, time.Hour, 10, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.checked)
}
