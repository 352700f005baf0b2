package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func newTestBreaker() (*CircuitBreaker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	return NewCircuitBreaker(&Config{
		Name:             "test",
		MinCalls:         3,
		FailureThreshold: 0.5,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 2,
		Clock:            clock,
	}), clock
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
	assert.ErrorIs(t, cb.Check(ctx), ErrCircuitOpen)
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "two calls are below the minimum")
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.Advance(5 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Check(ctx))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(10 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	cb, clock := newTestBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocking := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- cb.Execute(ctx, blocking) }()
	}
	<-started
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrTooManyRequests)
	close(release)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-done)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_CancelledCallsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		assert.Error(t, cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() }))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.GetStats().TotalCalls)
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, ok))
}
