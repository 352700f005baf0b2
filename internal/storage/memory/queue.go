package memory

import (
	"context"
	"sort"
	"time"

	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// Enqueue adds a distribution task unless one exists for the same purchase.
func (s *Store) Enqueue(ctx context.Context, t *models.DistributionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey{wallet: t.WalletAddress, level: t.NFTLevel, txHash: t.TxHash}
	if _, ok := s.taskKeys[key]; ok {
		return nil
	}
	cp := *t
	s.tasks[t.ID] = &cp
	s.taskKeys[key] = t.ID
	return nil
}

// ListDue returns pending tasks whose next attempt is due.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.DistributionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DistributionTask
	for _, t := range s.tasks {
		if t.Status == types.QueuePending && !t.NextAttemptAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateTask stores the task's attempt bookkeeping.
func (s *Store) UpdateTask(ctx context.Context, t *models.DistributionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return nil
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// Tasks returns every queued task.
func (s *Store) Tasks() []*models.DistributionTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.DistributionTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}
