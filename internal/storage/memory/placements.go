package memory

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

// InsertPlacement enforces slot and member uniqueness.
func (s *Store) InsertPlacement(ctx context.Context, p *models.Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.placements[p.MemberWallet]; ok {
		return apperrors.ErrDuplicate
	}
	key := slotKey{root: p.MatrixRoot, parent: p.MatrixParent, position: p.MatrixPosition}
	if _, ok := s.slots[key]; ok {
		return apperrors.ErrSlotTaken
	}

	cp := *p
	s.placements[p.MemberWallet] = &cp
	s.slots[key] = p.MemberWallet
	s.byRoot[p.MatrixRoot] = append(s.byRoot[p.MatrixRoot], &cp)
	return nil
}

// GetPlacement returns a member's placement.
func (s *Store) GetPlacement(ctx context.Context, member string) (*models.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.placements[member]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPlacements returns root's placements ordered by layer and order.
func (s *Store) ListPlacements(ctx context.Context, root string) ([]*models.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(root, 0), nil
}

// LayerMembers returns one layer of root's matrix.
func (s *Store) LayerMembers(ctx context.Context, root string, layer int) ([]*models.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(root, layer), nil
}

func (s *Store) filterLocked(root string, layer int) []*models.Placement {
	out := []*models.Placement{}
	for _, p := range s.byRoot[root] {
		if layer == 0 || p.MatrixLayer == layer {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatrixLayer != out[j].MatrixLayer {
			return out[i].MatrixLayer < out[j].MatrixLayer
		}
		return out[i].PlacementOrder < out[j].PlacementOrder
	})
	return out
}

// LayerCounts returns the occupancy of each layer of root's matrix.
func (s *Store) LayerCounts(ctx context.Context, root string) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[int]int)
	for _, p := range s.byRoot[root] {
		counts[p.MatrixLayer]++
	}
	return counts, nil
}

// RecentRoots lists roots with a placement at or after since.
func (s *Store) RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var roots []string
	for root, ps := range s.byRoot {
		for _, p := range ps {
			if !p.PlacedAt.Before(since) {
				roots = append(roots, root)
				break
			}
		}
	}
	sort.Strings(roots)
	if limit > 0 && len(roots) > limit {
		roots = roots[:limit]
	}
	return roots, nil
}

// AllPlacements returns every placement in no particular order.
func (s *Store) AllPlacements() []*models.Placement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Placement, 0, len(s.placements))
	for _, p := range s.placements {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
