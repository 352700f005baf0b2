package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/circuitbreaker"
	"github.com/matrix-engine/internal/models"
)

type downRecorder struct{ calls int }

func (d *downRecorder) Record(context.Context, ...*models.ActivityEvent) error {
	d.calls++
	return errors.New("clickhouse: connection refused")
}

func (d *downRecorder) CountByType(context.Context, string, time.Time) (map[models.ActivityType]uint64, error) {
	d.calls++
	return nil, errors.New("clickhouse: connection refused")
}

func TestGuardedRecorder_DropsEventsWhileOpen(t *testing.T) {
	down := &downRecorder{}
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Name:             "activity_test",
		MinCalls:         2,
		FailureThreshold: 0.5,
		Timeout:          time.Minute,
		HalfOpenMaxCalls: 1,
		Clock:            clockwork.NewFakeClock(),
	})
	g := GuardActivity(down, breaker)
	ctx := context.Background()
	ev := &models.ActivityEvent{Type: models.ActivityTransfer}

	assert.Error(t, g.Record(ctx, ev))
	assert.Error(t, g.Record(ctx, ev))
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	assert.NoError(t, g.Record(ctx, ev), "rejected batches are dropped quietly")
	_, err := g.CountByType(ctx, "0xabc", time.Time{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, down.calls)
}
