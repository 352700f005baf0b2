package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/types"
)

func TestDistribute_AllQualify(t *testing.T) {
	f := newFixture(t)
	for _, w := range []string{rootW, walA, walB, trig} {
		f.join(t, w, 1)
	}

	created, err := f.distributor(f.config()).Distribute(context.Background(), trig, 1, "0xfeed")
	require.NoError(t, err)
	require.Len(t, created, 3)

	wantLayer := map[string]int{walB: 1, walA: 2, rootW: 3}
	for _, c := range created {
		assert.Equal(t, types.ClaimPending, c.Status)
		assert.Equal(t, types.RewardUSDC, c.RewardType)
		assert.True(t, c.RewardAmount.Equal(decimal.NewFromInt(100)), "amount = %s", c.RewardAmount)
		assert.Equal(t, wantLayer[c.RootWallet], c.Layer)
		assert.Equal(t, c.CreatedAt.Add(72*time.Hour), c.ExpiresAt)
	}
}

func TestDistribute_RollsUpPastInsufficientLevel(t *testing.T) {
	f := newFixture(t)
	f.join(t, rootW, 2)
	f.join(t, walA, 2)
	f.join(t, walB, 1)
	f.join(t, trig, 2)

	created, err := f.distributor(f.config()).Distribute(context.Background(), trig, 2, "0xfeed")
	require.NoError(t, err)
	require.Len(t, created, 4)

	roots := byRoot(created)
	require.Len(t, roots[walB], 1)
	rolled := roots[walB][0]
	assert.Equal(t, types.ClaimRolledUp, rolled.Status)
	require.NotNil(t, rolled.RolledUpToWallet)
	assert.Equal(t, walA, *rolled.RolledUpToWallet)

	require.Len(t, roots[walA], 2)
	var inherited int
	for _, c := range roots[walA] {
		assert.Equal(t, types.ClaimPending, c.Status)
		assert.True(t, c.RewardAmount.Equal(decimal.NewFromInt(150)))
		if c.RolledUpFromClaimID != nil {
			inherited++
			assert.Equal(t, rolled.ID, *c.RolledUpFromClaimID)
			assert.Equal(t, 1, c.Layer)
		}
	}
	assert.Equal(t, 1, inherited)
	require.Len(t, roots[rootW], 1)
	assert.Equal(t, 3, roots[rootW][0].Layer)

	rollups := f.store.Rollups()
	require.Len(t, rollups, 1)
	assert.Equal(t, types.RollupLevelInsufficient, rollups[0].Reason)
	assert.Equal(t, walB, rollups[0].FromWallet)
	assert.Equal(t, walA, rollups[0].ToWallet)
}

func TestDistribute_NoQualifyingAncestorDropsLayer(t *testing.T) {
	f := newFixture(t)
	f.join(t, rootW, 1)
	f.join(t, walA, 0) // registered, never activated
	f.join(t, walB, 1)
	f.join(t, trig, 3)

	created, err := f.distributor(f.config()).Distribute(context.Background(), trig, 3, "0xfeed")
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, f.store.Rollups())
}

func TestDistribute_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	for _, w := range []string{rootW, walA, walB, trig} {
		f.join(t, w, 1)
	}
	d := f.distributor(f.config())
	ctx := context.Background()

	first, err := d.Distribute(ctx, trig, 1, "0xfeed")
	require.NoError(t, err)
	require.Len(t, first, 3)

	again, err := d.Distribute(ctx, trig, 1, "0xfeed")
	require.NoError(t, err)
	assert.Empty(t, again)

	for _, w := range []string{rootW, walA, walB} {
		cs, err := f.store.ListClaims(ctx, w, "", 0)
		require.NoError(t, err)
		assert.Len(t, cs, 1, "claims of %s", w)
	}
}

func TestDistribute_MaxLayersAndBccBonus(t *testing.T) {
	f := newFixture(t)
	for _, w := range []string{rootW, walA, walB, trig} {
		f.join(t, w, 1)
	}
	cfg := f.config()
	cfg.MaxLayers = 2
	cfg.BccLayerBonus = true

	created, err := f.distributor(cfg).Distribute(context.Background(), trig, 1, "0xfeed")
	require.NoError(t, err)
	require.Len(t, created, 4)

	bcc := map[int]decimal.Decimal{}
	for _, c := range created {
		assert.NotEqual(t, rootW, c.RootWallet)
		if c.RewardType == types.RewardBCC {
			bcc[c.Layer] = c.RewardAmount
		}
	}
	assert.True(t, bcc[1].Equal(decimal.NewFromInt(500)))
	assert.True(t, bcc[2].Equal(decimal.NewFromInt(300)))
}

func TestDistribute_LayerPercentAndValidation(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.LayerPercent = decimal.NewFromInt(10)
	d := f.distributor(cfg)

	assert.True(t, d.LayerAmount(1).Equal(decimal.NewFromInt(10)))
	assert.True(t, d.LayerAmount(19).Equal(decimal.NewFromInt(100)))

	_, err := d.Distribute(context.Background(), trig, 20, "0xfeed")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidLevel), "err = %v", err)
}

func TestDistribute_NoUpline(t *testing.T) {
	f := newFixture(t)
	created, err := f.distributor(f.config()).Distribute(context.Background(), rootW, 1, "0xfeed")
	require.NoError(t, err)
	assert.Nil(t, created)
}
