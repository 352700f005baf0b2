// Package matrix implements the 3x3 forced matrix: breadth-first spillover
// placement, upline walks and the per-root occupancy projection.
package matrix

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/metrics"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/retry"
	"github.com/matrix-engine/internal/types"
)

// Store persists placements. InsertPlacement must return
// apperrors.ErrSlotTaken when (matrix_root, matrix_parent, matrix_position)
// is occupied and apperrors.ErrDuplicate when the member is already placed.
type Store interface {
	InsertPlacement(ctx context.Context, p *models.Placement) error
	GetPlacement(ctx context.Context, member string) (*models.Placement, error)
	// ListPlacements returns every placement of root ordered by layer and
	// placement order.
	ListPlacements(ctx context.Context, root string) ([]*models.Placement, error)
	LayerMembers(ctx context.Context, root string, layer int) ([]*models.Placement, error)
	LayerCounts(ctx context.Context, root string) (map[int]int, error)
	// RecentRoots lists roots that received a placement at or after since.
	RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// StatsCache holds the read-model projection. Get returns nil, nil on a miss.
type StatsCache interface {
	GetStats(ctx context.Context, root string) (*models.MatrixStats, error)
	SetStats(ctx context.Context, stats *models.MatrixStats, ttl time.Duration) error
	InvalidateStats(ctx context.Context, root string) error
}

// MemberReader resolves registered members
type MemberReader interface {
	GetMember(ctx context.Context, wallet string) (*models.Member, error)
}

// Config holds placement settings
type Config struct {
	MaxDepth         int
	PlacementRetries int
	StatsTTL         time.Duration
}

// Engine places members and serves matrix read models
type Engine struct {
	store   Store
	members MemberReader
	cache   StatsCache
	cfg     Config
	clock   clockwork.Clock
	logger  *logging.Logger
}

// NewEngine creates a placement engine. cache may be nil.
func NewEngine(store Store, members MemberReader, cache StatsCache, cfg Config, clock clockwork.Clock) *Engine {
	if cache == nil {
		cache = noCache{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = types.MaxLevel
	}
	if cfg.PlacementRetries <= 0 {
		cfg.PlacementRetries = 5
	}
	return &Engine{
		store:   store,
		members: members,
		cache:   cache,
		cfg:     cfg,
		clock:   clock,
		logger:  logging.Named("placement"),
	}
}

// PlaceMember puts member into referrer's matrix at the next open slot.
// Lost slot races are retried by recomputing the slot.
func (e *Engine) PlaceMember(ctx context.Context, member, referrer string) (*models.Placement, error) {
	start := e.clock.Now()
	defer func() { metrics.PlacementDuration.Observe(e.clock.Since(start).Seconds()) }()

	if member == referrer {
		return nil, apperrors.SelfReferral(member)
	}
	if _, err := e.members.GetMember(ctx, referrer); err != nil {
		if apperrors.HasCode(err, apperrors.CodeMemberNotFound) {
			return nil, apperrors.UnregisteredReferrer(referrer)
		}
		return nil, err
	}

	var placed *models.Placement
	cfg := retry.ConflictRetryConfig(e.cfg.PlacementRetries, func(err error) bool {
		return stderrors.Is(err, apperrors.ErrSlotTaken)
	})
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		p, err := e.tryPlace(ctx, member, referrer)
		if err != nil {
			if stderrors.Is(err, apperrors.ErrSlotTaken) {
				metrics.PlacementConflictsTotal.Inc()
			}
			return err
		}
		placed = p
		return nil
	})

	if !result.Success {
		err := result.LastError
		switch {
		case stderrors.Is(err, apperrors.ErrSlotTaken):
			return nil, apperrors.PlacementConflict(member, referrer, result.Attempts, err)
		case stderrors.Is(err, apperrors.ErrDuplicate):
			return nil, apperrors.AlreadyPlaced(member)
		}
		var catErr *apperrors.CategorizedError
		if stderrors.As(err, &catErr) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("place member", err)
	}

	metrics.PlacementsTotal.WithLabelValues(string(placed.PlacementType)).Inc()
	if err := e.cache.InvalidateStats(ctx, referrer); err != nil {
		e.logger.WithError(err).WithField("root", referrer).Warn("Failed to invalidate matrix stats")
	}
	e.logger.WithFields(map[string]interface{}{
		"member":   member,
		"root":     placed.MatrixRoot,
		"parent":   placed.MatrixParent,
		"layer":    placed.MatrixLayer,
		"position": string(placed.MatrixPosition),
		"type":     string(placed.PlacementType),
		"attempts": result.Attempts,
	}).Info("Member placed")
	return placed, nil
}

func (e *Engine) tryPlace(ctx context.Context, member, root string) (*models.Placement, error) {
	existing, err := e.store.ListPlacements(ctx, root)
	if err != nil {
		return nil, err
	}
	slot, ok := FindSlot(root, existing, e.cfg.MaxDepth)
	if !ok {
		return nil, apperrors.MatrixFull(root, e.cfg.MaxDepth)
	}

	p := &models.Placement{
		MemberWallet:   member,
		MatrixRoot:     root,
		MatrixParent:   slot.Parent,
		MatrixLayer:    slot.Layer,
		MatrixPosition: slot.Position,
		PlacementOrder: slot.Order,
		PlacementType:  types.PlacementSpillover,
		IsActive:       true,
		PlacedAt:       e.clock.Now().UTC(),
	}
	if slot.Parent == root {
		p.PlacementType = types.PlacementDirect
	}
	if err := e.store.InsertPlacement(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlacement returns member's placement, or nil when it has none.
func (e *Engine) GetPlacement(ctx context.Context, member string) (*models.Placement, error) {
	p, err := e.store.GetPlacement(ctx, member)
	if err != nil {
		if stderrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get placement", err)
	}
	return p, nil
}

// GetUpline walks matrix_parent links upward from wallet and returns at
// most depth ancestors, nearest first. Index k-1 holds the layer-k ancestor.
func (e *Engine) GetUpline(ctx context.Context, wallet string, depth int) ([]string, error) {
	upline := make([]string, 0, depth)
	seen := map[string]bool{wallet: true}
	cur := wallet
	for len(upline) < depth {
		p, err := e.store.GetPlacement(ctx, cur)
		if err != nil {
			if stderrors.Is(err, apperrors.ErrNotFound) {
				break
			}
			return nil, apperrors.NewDatabaseError("walk upline", err)
		}
		if seen[p.MatrixParent] {
			e.logger.WithFields(map[string]interface{}{"wallet": wallet, "at": cur}).
				Critical("Cycle in matrix parent links", apperrors.NewInternalError("placement cycle", nil))
			break
		}
		seen[p.MatrixParent] = true
		upline = append(upline, p.MatrixParent)
		cur = p.MatrixParent
	}
	return upline, nil
}

// GetMatrixStats returns the cached projection for root, rebuilding it on
// a miss.
func (e *Engine) GetMatrixStats(ctx context.Context, root string) (*models.MatrixStats, error) {
	stats, err := e.cache.GetStats(ctx, root)
	if err != nil {
		e.logger.WithError(err).WithField("root", root).Warn("Matrix stats cache read failed")
	} else if stats != nil {
		return stats, nil
	}
	return e.RefreshStats(ctx, root)
}

// RefreshStats recomputes and caches the projection for root. It is
// idempotent and safe to run concurrently.
func (e *Engine) RefreshStats(ctx context.Context, root string) (*models.MatrixStats, error) {
	counts, err := e.store.LayerCounts(ctx, root)
	if err != nil {
		return nil, apperrors.NewDatabaseError("layer counts", err)
	}
	stats := BuildStats(root, counts, e.clock.Now().UTC())
	if err := e.cache.SetStats(ctx, stats, e.cfg.StatsTTL); err != nil {
		e.logger.WithError(err).WithField("root", root).Warn("Matrix stats cache write failed")
	}
	return stats, nil
}

// RecentRoots lists roots that changed at or after since.
func (e *Engine) RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error) {
	roots, err := e.store.RecentRoots(ctx, since, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("recent roots", err)
	}
	return roots, nil
}

// GetLayerMembers lists the placements in one layer of root's matrix.
func (e *Engine) GetLayerMembers(ctx context.Context, root string, layer int) ([]*models.Placement, error) {
	if layer < 1 || layer > e.cfg.MaxDepth {
		return nil, apperrors.NewInvalidParameterError("layer", "layer is outside the matrix depth")
	}
	ps, err := e.store.LayerMembers(ctx, root, layer)
	if err != nil {
		return nil, apperrors.NewDatabaseError("layer members", err)
	}
	return ps, nil
}

// BuildStats turns per-layer counts into the stats projection.
func BuildStats(root string, counts map[int]int, at time.Time) *models.MatrixStats {
	stats := &models.MatrixStats{RootWallet: root, Layers: []models.LayerStat{}, ComputedAt: at}
	for layer := range counts {
		if counts[layer] > 0 && layer > stats.DeepestLayer {
			stats.DeepestLayer = layer
		}
	}
	for layer := 1; layer <= stats.DeepestLayer; layer++ {
		n := counts[layer]
		capacity := LayerCapacity(layer)
		stats.TotalMembers += n
		stats.Layers = append(stats.Layers, models.LayerStat{
			Layer:       layer,
			Members:     n,
			Capacity:    capacity,
			FillPercent: float64(n) * 100 / float64(capacity),
		})
	}
	stats.DirectPlacements = counts[1]
	stats.SpilloverPlacements = stats.TotalMembers - stats.DirectPlacements
	return stats
}

type noCache struct{}

func (noCache) GetStats(context.Context, string) (*models.MatrixStats, error) { return nil, nil }
func (noCache) SetStats(context.Context, *models.MatrixStats, time.Duration) error {
	return nil
}
func (noCache) InvalidateStats(context.Context, string) error { return nil }
