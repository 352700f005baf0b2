package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/matrix-engine/internal/models"
)

var half = decimal.NewFromFloat(0.5)

// DefaultTiers builds the halving schedule: tier t covers ranks
// [(t-1)*size+1, t*size] with multiplier 0.5^(t-1). The last tier has no
// upper bound.
func DefaultTiers(size int64, count int) []models.ActivationTier {
	tiers := make([]models.ActivationTier, 0, count)
	mult := decimal.NewFromInt(1)
	for t := 1; t <= count; t++ {
		tier := models.ActivationTier{
			Tier:       t,
			RankFrom:   int64(t-1)*size + 1,
			Multiplier: mult,
		}
		if t < count {
			to := int64(t) * size
			tier.RankTo = &to
		}
		tiers = append(tiers, tier)
		mult = mult.Mul(half)
	}
	return tiers
}

// TierForRank returns the tier containing rank. Ranks below the first tier
// resolve to the first tier.
func TierForRank(tiers []models.ActivationTier, rank int64) models.ActivationTier {
	for _, t := range tiers {
		if t.Contains(rank) {
			return t
		}
	}
	if len(tiers) > 0 && rank > 0 {
		return tiers[len(tiers)-1]
	}
	if len(tiers) > 0 {
		return tiers[0]
	}
	return models.ActivationTier{Tier: 1, RankFrom: 1, Multiplier: decimal.NewFromInt(1)}
}
