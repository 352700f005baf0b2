package rewards

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/levels"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/metrics"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

var hundred = decimal.NewFromInt(100)

// Distributor creates layer reward claims for a purchase
type Distributor struct {
	store   Store
	upline  UplineWalker
	members MemberReader
	cfg     Config
	clock   clockwork.Clock
	logger  *logging.Logger
}

// NewDistributor creates a distributor.
func NewDistributor(store Store, upline UplineWalker, members MemberReader, cfg Config, clock clockwork.Clock) *Distributor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Distributor{
		store:   store,
		upline:  upline,
		members: members,
		cfg:     cfg,
		clock:   clock,
		logger:  logging.Named("distributor"),
	}
}

// LayerAmount is the USDC reward of one layer for a purchase of nftLevel.
func (d *Distributor) LayerAmount(nftLevel int) decimal.Decimal {
	return levels.Price(nftLevel).Mul(d.cfg.LayerPercent).Div(hundred)
}

// Distribute walks trigger's upline and creates one claim per layer for the
// purchase of nftLevel. An ancestor failing the gate gets a rolled_up claim
// pointing at the nearest qualifying ancestor above it, which receives the
// pending claim instead. Layers with no qualifying ancestor get nothing.
// Re-running for the same purchase creates nothing new.
func (d *Distributor) Distribute(ctx context.Context, trigger string, nftLevel int, txHash string) ([]*models.RewardClaim, error) {
	if err := levels.ValidateLevel(nftLevel); err != nil {
		return nil, err
	}

	// Layer k's rollup search may look MaxLayers further up.
	upline, err := d.upline.GetUpline(ctx, trigger, 2*d.cfg.MaxLayers)
	if err != nil {
		return nil, err
	}
	if len(upline) == 0 {
		d.logger.WithField("trigger", trigger).Debug("No upline, nothing to distribute")
		return nil, nil
	}
	members, err := d.members.GetMembers(ctx, upline)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	var entries []models.DistributionEntry
	layers := d.cfg.MaxLayers
	if len(upline) < layers {
		layers = len(upline)
	}

	for k := 1; k <= layers; k++ {
		ancestor := upline[k-1]
		for _, reward := range d.layerRewards(k, nftLevel) {
			base := &models.RewardClaim{
				RootWallet:             ancestor,
				TriggeringMemberWallet: trigger,
				TriggerTxHash:          txHash,
				NFTLevel:               nftLevel,
				Layer:                  k,
				RewardType:             reward.typ,
				RewardAmount:           reward.amount,
				CreatedAt:              now,
				ExpiresAt:              now.Add(d.cfg.ClaimWindow),
			}

			if qualifies(members[ancestor], nftLevel) {
				base.ID = uuid.NewString()
				base.Status = types.ClaimPending
				entries = append(entries, models.DistributionEntry{Claim: base})
				continue
			}

			target := nearestQualifying(upline, k, d.cfg.MaxLayers, members, nftLevel)
			if target == "" {
				d.logger.WithFields(map[string]interface{}{
					"trigger":  trigger,
					"ancestor": ancestor,
					"layer":    k,
				}).Debug("No qualifying ancestor, layer reward dropped")
				continue
			}
			entries = append(entries, rolledUpEntry(base, target, now, d.cfg))
		}
	}

	if len(entries) == 0 {
		return nil, nil
	}
	created, err := d.store.InsertDistribution(ctx, entries)
	if err != nil {
		var catErr *apperrors.CategorizedError
		if stderrors.As(err, &catErr) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("insert reward claims", err)
	}

	for _, c := range created {
		metrics.RewardClaimsCreatedTotal.WithLabelValues(string(c.Status), string(c.RewardType)).Inc()
	}
	d.logger.WithFields(map[string]interface{}{
		"trigger":   trigger,
		"nft_level": nftLevel,
		"layers":    layers,
		"created":   len(created),
	}).Info("Layer rewards distributed")
	return created, nil
}

type layerReward struct {
	typ    types.RewardType
	amount decimal.Decimal
}

func (d *Distributor) layerRewards(layer, nftLevel int) []layerReward {
	out := []layerReward{{typ: types.RewardUSDC, amount: d.LayerAmount(nftLevel)}}
	if bonus, ok := bccLayerBonus[layer]; ok && d.cfg.BccLayerBonus {
		out = append(out, layerReward{typ: types.RewardBCC, amount: bonus})
	}
	return out
}

// nearestQualifying searches upline above layer k, at most maxSteps
// ancestors, for the first one passing the distribution gate.
func nearestQualifying(upline []string, k, maxSteps int, members map[string]*models.Member, nftLevel int) string {
	for i := k; i < len(upline) && i < k+maxSteps; i++ {
		if qualifies(members[upline[i]], nftLevel) {
			return upline[i]
		}
	}
	return ""
}

// rolledUpEntry records base as rolled up to target and creates the pending
// claim target receives in its place.
func rolledUpEntry(base *models.RewardClaim, target string, now time.Time, cfg Config) models.DistributionEntry {
	base.ID = uuid.NewString()
	base.Status = types.ClaimRolledUp
	base.RolledUpToWallet = &target

	fromID := base.ID
	next := *base
	next.ID = uuid.NewString()
	next.RootWallet = target
	next.Status = types.ClaimPending
	next.RolledUpToWallet = nil
	next.RolledUpFromClaimID = &fromID
	next.ExpiresAt = now.Add(cfg.ClaimWindow)

	return models.DistributionEntry{
		Claim: base,
		Rollup: &models.Rollup{
			Claim: &next,
			Record: &models.RewardRollup{
				ID:         uuid.NewString(),
				ClaimID:    base.ID,
				FromWallet: base.RootWallet,
				ToWallet:   target,
				NewClaimID: next.ID,
				Reason:     types.RollupLevelInsufficient,
				CreatedAt:  now,
			},
		},
	}
}
