package rewards

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/balance"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/levels"
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/storage/memory"
)

var (
	rootW = wallet(0)
	walA  = wallet(1)
	walB  = wallet(2)
	trig  = wallet(3)
)

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", 0x5000+i)
}

// staticUpline serves fixed ancestor chains, nearest first.
type staticUpline map[string][]string

func (u staticUpline) GetUpline(_ context.Context, w string, depth int) ([]string, error) {
	up := u[w]
	if depth < len(up) {
		up = up[:depth]
	}
	return append([]string(nil), up...), nil
}

type fixture struct {
	store    *memory.Store
	members  *ledger.Ledger
	balances *balance.Ledger
	clock    *clockwork.FakeClock
	upline   staticUpline
	txs      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(ledger.DefaultTiers(9999, 4))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	members := ledger.NewLedger(store, decimal.NewFromInt(500), ledger.WithClock(clock))
	return &fixture{
		store:    store,
		members:  members,
		balances: balance.NewLedger(store, members, clock),
		clock:    clock,
		upline: staticUpline{
			trig:  {walB, walA, rootW},
			walB:  {walA, rootW},
			walA:  {rootW},
			rootW: {},
		},
	}
}

func (f *fixture) nextTx() string {
	f.txs++
	return fmt.Sprintf("0x%064x", f.txs)
}

// join registers w and, when level > 0, activates it and buys up to level.
func (f *fixture) join(t *testing.T, w string, level int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.members.Register(ctx, w)
	require.NoError(t, err)
	if level == 0 {
		return
	}
	_, err = f.members.ActivateLevelOne(ctx, w, nil, f.nextTx(), levels.TotalLockup())
	require.NoError(t, err)
	for l := 2; l <= level; l++ {
		_, err = f.members.RecordLevelPurchase(ctx, w, l, f.nextTx())
		require.NoError(t, err)
	}
}

func (f *fixture) config() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.Concurrency = 4
	return cfg
}

func (f *fixture) distributor(cfg Config) *Distributor {
	return NewDistributor(f.store, f.upline, f.store, cfg, f.clock)
}

func (f *fixture) lifecycle(cfg Config) *Lifecycle {
	return NewLifecycle(f.store, f.upline, f.store, f.balances, balance.ClaimCredit, cfg, f.clock)
}

func byRoot(claims []*models.RewardClaim) map[string][]*models.RewardClaim {
	out := make(map[string][]*models.RewardClaim)
	for _, c := range claims {
		out[c.RootWallet] = append(out[c.RootWallet], c)
	}
	return out
}
