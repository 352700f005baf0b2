package matrix

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

// ConsistencyResult compares the cached stats of one root with the stats
// rebuilt from its placements
type ConsistencyResult struct {
	Root             string    `json:"root"`
	Consistent       bool      `json:"consistent"`
	Cached           bool      `json:"cached"`
	CachedTotal      int       `json:"cachedTotal"`
	StoreTotal       int       `json:"storeTotal"`
	Inconsistencies  []string  `json:"inconsistencies,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
	CacheInvalidated bool      `json:"cacheInvalidated"`
}

// CheckStatsConsistency compares root's cached stats with its placements
// and invalidates the cache entry on any mismatch. A cache miss is
// consistent.
func (e *Engine) CheckStatsConsistency(ctx context.Context, root string) (*ConsistencyResult, error) {
	result := &ConsistencyResult{Root: root, CheckedAt: e.clock.Now().UTC(), Consistent: true}

	cached, err := e.cache.GetStats(ctx, root)
	if err != nil {
		return nil, apperrors.NewCacheError("get matrix stats", err)
	}
	if cached == nil {
		return result, nil
	}
	result.Cached = true

	counts, err := e.store.LayerCounts(ctx, root)
	if err != nil {
		return nil, apperrors.NewDatabaseError("layer counts", err)
	}
	fresh := BuildStats(root, counts, result.CheckedAt)
	result.CachedTotal = cached.TotalMembers
	result.StoreTotal = fresh.TotalMembers
	result.Inconsistencies = diffStats(cached, fresh)
	result.Consistent = len(result.Inconsistencies) == 0
	if result.Consistent {
		return result, nil
	}

	log := e.logger.WithFields(map[string]interface{}{"root": root, "inconsistencies": result.Inconsistencies})
	log.Warn("Cached matrix stats diverged from placements")
	if err := e.cache.InvalidateStats(ctx, root); err != nil {
		log.WithError(err).Error("Failed to invalidate matrix stats")
	} else {
		result.CacheInvalidated = true
	}
	return result, nil
}

func diffStats(cached, fresh *models.MatrixStats) []string {
	var diffs []string
	if cached.TotalMembers != fresh.TotalMembers {
		diffs = append(diffs, fmt.Sprintf("total mismatch: cache=%d, store=%d", cached.TotalMembers, fresh.TotalMembers))
	}
	if cached.DeepestLayer != fresh.DeepestLayer {
		diffs = append(diffs, fmt.Sprintf("deepest layer mismatch: cache=%d, store=%d", cached.DeepestLayer, fresh.DeepestLayer))
	}

	cachedLayers := make(map[int]int, len(cached.Layers))
	for _, l := range cached.Layers {
		cachedLayers[l.Layer] = l.Members
	}
	for _, l := range fresh.Layers {
		if cachedLayers[l.Layer] != l.Members {
			diffs = append(diffs, fmt.Sprintf("layer %d mismatch: cache=%d, store=%d", l.Layer, cachedLayers[l.Layer], l.Members))
		}
	}
	return diffs
}
