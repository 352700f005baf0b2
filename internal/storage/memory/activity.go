package memory

import (
	"context"
	"time"

	"github.com/matrix-engine/internal/models"
)

// Record appends an activity event.
func (s *Store) Record(ctx context.Context, events ...*models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		cp := *e
		s.events = append(s.events, &cp)
	}
	return nil
}

// Events returns the recorded events in order.
func (s *Store) Events() []*models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ActivityEvent, len(s.events))
	for i, e := range s.events {
		cp := *e
		out[i] = &cp
	}
	return out
}

// CountByType counts a wallet's events since the given time.
func (s *Store) CountByType(ctx context.Context, wallet string, since time.Time) (map[models.ActivityType]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.ActivityType]uint64)
	for _, e := range s.events {
		if e.Wallet == wallet && !e.OccurredAt.Before(since) {
			out[e.Type]++
		}
	}
	return out, nil
}
