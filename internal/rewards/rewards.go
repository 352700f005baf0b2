// Package rewards fans out layer rewards to the matrix upline and manages
// the claim window, expiry and rollup of every reward claim.
package rewards

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// Store persists reward claims.
type Store interface {
	// InsertDistribution inserts every entry whose claim key is absent and
	// returns the claims actually created, children included. An entry whose
	// claim already exists is skipped together with its rollup.
	InsertDistribution(ctx context.Context, entries []models.DistributionEntry) ([]*models.RewardClaim, error)
	GetClaim(ctx context.Context, id string) (*models.RewardClaim, error)
	// ListClaims lists a recipient's claims, newest first. An empty status
	// lists every status.
	ListClaims(ctx context.Context, wallet string, status types.ClaimStatus, limit int) ([]*models.RewardClaim, error)
	// ListDuePending returns pending claims with expires_at <= now, oldest first.
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]*models.RewardClaim, error)
	// MarkClaimed moves a claim pending -> claimed when root_wallet = wallet
	// and now < expires_at, and applies credit to the wallet's balance in the
	// same transaction. No matching row is apperrors.ErrStaleState.
	MarkClaimed(ctx context.Context, id, wallet string, now time.Time, credit models.BalanceMutation) (*models.RewardClaim, *models.Balance, error)
	// ExpireClaim moves a due claim pending -> expired. When next is set it
	// also inserts next.Claim, records next.Record and moves the claim on to
	// rolled_up, all in one transaction. A claim that is no longer pending
	// is apperrors.ErrStaleState.
	ExpireClaim(ctx context.Context, id string, now time.Time, next *models.Rollup) (*models.RewardClaim, error)
}

// UplineWalker returns the matrix ancestors of a wallet, nearest first
type UplineWalker interface {
	GetUpline(ctx context.Context, wallet string, depth int) ([]string, error)
}

// MemberReader loads members in bulk
type MemberReader interface {
	GetMembers(ctx context.Context, wallets []string) (map[string]*models.Member, error)
}

// Config holds distribution and lifecycle settings
type Config struct {
	ClaimWindow  time.Duration
	MaxLayers    int
	RollupPolicy types.RollupPolicy
	// LayerPercent is the percentage of the level price paid per layer
	LayerPercent decimal.Decimal
	// BccLayerBonus adds a BCC claim next to the USDC claim on the first
	// layers
	BccLayerBonus bool
	BatchSize     int
	Concurrency   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClaimWindow:  72 * time.Hour,
		MaxLayers:    types.MaxLevel,
		RollupPolicy: types.RollupStrict,
		LayerPercent: decimal.NewFromInt(100),
		BatchSize:    200,
		Concurrency:  8,
	}
}

// bccLayerBonus is the BCC paid per layer when the bonus is enabled
var bccLayerBonus = map[int]decimal.Decimal{
	1: decimal.NewFromInt(500),
	2: decimal.NewFromInt(300),
	3: decimal.NewFromInt(200),
	4: decimal.NewFromInt(100),
	5: decimal.NewFromInt(100),
}

// qualifies is the distribution gate: an activated ancestor whose own
// level covers the purchased level.
func qualifies(m *models.Member, nftLevel int) bool {
	return m != nil && m.IsActivated && m.CurrentLevel >= nftLevel
}

// rollupEligible applies the configured policy to a rollup candidate.
func rollupEligible(policy types.RollupPolicy, m *models.Member, nftLevel int) bool {
	if policy == types.RollupRelaxed {
		return m != nil && m.IsActivated
	}
	return qualifies(m, nftLevel)
}
