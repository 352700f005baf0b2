package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/matrix-engine/internal/circuitbreaker"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/models"
)

// GuardedRecorder fronts an ActivityRecorder with a circuit breaker so a
// down analytics store costs one fast rejection per event batch instead of
// a timeout inside every saga.
type GuardedRecorder struct {
	next    ActivityRecorder
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger
}

// GuardActivity wraps next with breaker.
func GuardActivity(next ActivityRecorder, breaker *circuitbreaker.CircuitBreaker) *GuardedRecorder {
	return &GuardedRecorder{next: next, breaker: breaker, logger: logging.Named("activity")}
}

// Record forwards events. Batches rejected by an open breaker are dropped.
func (g *GuardedRecorder) Record(ctx context.Context, events ...*models.ActivityEvent) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Record(ctx, events...)
	})
	if isRejected(err) {
		g.logger.WithField("events", len(events)).Debug("Activity store unavailable, events dropped")
		return nil
	}
	return err
}

// CountByType forwards the aggregate query.
func (g *GuardedRecorder) CountByType(ctx context.Context, wallet string, since time.Time) (map[models.ActivityType]uint64, error) {
	var out map[models.ActivityType]uint64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.CountByType(ctx, wallet, since)
		return err
	})
	return out, err
}

func isRejected(err error) bool {
	return stderrors.Is(err, circuitbreaker.ErrCircuitOpen) || stderrors.Is(err, circuitbreaker.ErrTooManyRequests)
}
