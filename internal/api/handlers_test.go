package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/ledger"
	"github.com/matrix-engine/internal/ratelimit"
	"github.com/matrix-engine/internal/service"
	"github.com/matrix-engine/internal/storage/memory"
	"github.com/matrix-engine/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Matrix: config.MatrixConfig{MaxDepth: types.MaxLevel, PlacementRetries: 30, StatsTTL: time.Minute},
		Rewards: config.RewardsConfig{
			ClaimWindow:  72 * time.Hour,
			MaxLayers:    types.MaxLevel,
			RollupPolicy: types.RollupStrict,
			LayerPercent: decimal.NewFromInt(100),
		},
		Balance: config.BalanceConfig{InitialActivationBcc: decimal.NewFromInt(500), TierSize: 9999, TierCount: 4},
		Worker:  config.WorkerConfig{BatchSize: 100, SweepConcurrency: 2, SweepLockTTL: time.Minute, MaxAttempts: 3, RetryBaseDelay: time.Second},
	}
}

func createTestServer(t *testing.T, opts ...Option) (*Server, *clockwork.FakeClock) {
	t.Helper()
	return createTestServerWithConfig(t, testConfig(), opts...)
}

func createTestServerWithConfig(t *testing.T, appCfg *config.Config, opts ...Option) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New(ledger.DefaultTiers(9999, 4))
	svc := service.Build(appCfg, service.Stores{
		Members:    store,
		Placements: store,
		Balances:   store,
		Claims:     store,
		Queue:      store,
		Locker:     memory.NewLocker(),
		Activity:   store,
	}, clock)

	cfg := &ServerConfig{Host: "localhost", Port: "0", RequestsPerSecond: 1000, Burst: 1000, MetricsEnabled: true}
	return NewServer(cfg, svc, opts...), clock
}

func wallet(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	s, _ := createTestServer(t, WithHealthCheck("store", func(ctx context.Context) error { return nil }))

	w := do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealth_Degraded(t *testing.T) {
	s, _ := createTestServer(t, WithHealthCheck("redis", func(ctx context.Context) error {
		return fmt.Errorf("connection refused")
	}))

	w := do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := createTestServer(t)
	do(t, s, "GET", "/api/tiers", nil)

	w := do(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "matrix_engine_http_requests_total")
}

func TestRegister(t *testing.T) {
	s, _ := createTestServer(t)

	w := do(t, s, "POST", "/api/members", map[string]string{"wallet": "0x" + strings.ToUpper(wallet(0xab)[2:])})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, "POST", "/api/members", map[string]string{"wallet": wallet(0xab)})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_REGISTERED", errorCode(t, w))

	w = do(t, s, "GET", "/api/members/"+wallet(0xab), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegister_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		wantCode string
	}{
		{"invalid json", "not json", "INVALID_PARAMETER"},
		{"unknown field", map[string]string{"wallet": wallet(1), "tier": "gold"}, "INVALID_PARAMETER"},
		{"bad wallet", map[string]string{"wallet": "0x1234"}, "INVALID_WALLET"},
		{"empty wallet", map[string]string{"wallet": ""}, "INVALID_WALLET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := createTestServer(t)
			w := do(t, s, "POST", "/api/members", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestGetMember_NotFound(t *testing.T) {
	s, _ := createTestServer(t)

	w := do(t, s, "GET", "/api/members/"+wallet(99), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MEMBER_NOT_FOUND", errorCode(t, w))
}

func TestActivationAndClaimFlow(t *testing.T) {
	s, _ := createTestServer(t)
	a, b := wallet(0xa), wallet(0xb)

	w := do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(1)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, "POST", "/api/members/"+b+"/activate", map[string]interface{}{"referrer": a, "txHash": txHash(2)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var act service.ActivationResult
	decode(t, w, &act)
	require.NotNil(t, act.Placement)
	assert.Equal(t, a, act.Placement.MatrixRoot)
	assert.Equal(t, 1, act.Placement.MatrixLayer)
	require.Len(t, act.Rewards, 1)

	// Replay resumes instead of failing.
	w = do(t, s, "POST", "/api/members/"+b+"/activate", map[string]interface{}{"referrer": a, "txHash": txHash(2)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var replay service.ActivationResult
	decode(t, w, &replay)
	assert.True(t, replay.Resumed)

	w = do(t, s, "GET", "/api/matrix/"+a+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		TotalMembers int `json:"totalMembers"`
	}
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.TotalMembers)

	w = do(t, s, "GET", "/api/matrix/"+a+"/layers/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var layer struct {
		Capacity int               `json:"capacity"`
		Members  []json.RawMessage `json:"members"`
	}
	decode(t, w, &layer)
	assert.Equal(t, 3, layer.Capacity)
	assert.Len(t, layer.Members, 1)

	w = do(t, s, "GET", "/api/members/"+b+"/placement", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, "GET", "/api/members/"+a+"/placement", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, "GET", "/api/members/"+a+"/rewards?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Claims []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"claims"`
	}
	decode(t, w, &list)
	require.Len(t, list.Claims, 1)
	claimID := list.Claims[0].ID
	assert.Equal(t, act.Rewards[0].ID, claimID)

	// Only the recipient may claim.
	w = do(t, s, "POST", "/api/rewards/"+claimID+"/claim", map[string]string{"wallet": b})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, "POST", "/api/rewards/"+claimID+"/claim", map[string]string{"wallet": a})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, "POST", "/api/rewards/"+claimID+"/claim", map[string]string{"wallet": a})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "GET", "/api/members/"+a+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		AvailableRewards decimal.Decimal `json:"availableRewards"`
	}
	decode(t, w, &bal)
	assert.True(t, bal.AvailableRewards.Equal(decimal.NewFromInt(100)), "available = %s", bal.AvailableRewards)

	w = do(t, s, "POST", "/api/members/"+a+"/withdraw", map[string]string{"amount": "40", "reference": "payout-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &bal)
	assert.True(t, bal.AvailableRewards.Equal(decimal.NewFromInt(60)))

	w = do(t, s, "GET", "/api/members/"+a+"/balance/entries?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "GET", "/api/members/"+a+"/referrals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var refs struct {
		Count int `json:"count"`
	}
	decode(t, w, &refs)
	assert.Equal(t, 1, refs.Count)

	w = do(t, s, "GET", "/api/members/"+a+"/activity", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReleaseRewardBcc(t *testing.T) {
	cfg := testConfig()
	cfg.Rewards.BccLayerBonus = true
	s, _ := createTestServerWithConfig(t, cfg)
	a, b := wallet(0xa), wallet(0xb)

	w := do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(1)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, s, "POST", "/api/members/"+b+"/activate", map[string]interface{}{"referrer": a, "txHash": txHash(2)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, "GET", "/api/members/"+a+"/rewards?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Claims []struct {
			ID           string          `json:"id"`
			RewardType   string          `json:"rewardType"`
			RewardAmount decimal.Decimal `json:"rewardAmount"`
		} `json:"claims"`
	}
	decode(t, w, &list)
	var bccClaim string
	for _, c := range list.Claims {
		if c.RewardType == string(types.RewardBCC) {
			bccClaim = c.ID
			assert.True(t, c.RewardAmount.Equal(decimal.NewFromInt(500)), "bcc claim = %s", c.RewardAmount)
		}
	}
	require.NotEmpty(t, bccClaim, "no bcc claim in %s", w.Body.String())

	w = do(t, s, "POST", "/api/rewards/"+bccClaim+"/claim", map[string]string{"wallet": a})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	type bccBalance struct {
		BCCTransferable  decimal.Decimal `json:"bccTransferable"`
		BCCLockedRewards decimal.Decimal `json:"bccLockedRewards"`
	}
	w = do(t, s, "GET", "/api/members/"+a+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var before bccBalance
	decode(t, w, &before)
	require.True(t, before.BCCLockedRewards.Equal(decimal.NewFromInt(500)), "locked = %s", before.BCCLockedRewards)

	release := map[string]string{"amount": "200", "reference": "release-1"}
	w = do(t, s, "POST", "/api/members/"+a+"/rewards/release-bcc", release)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var after bccBalance
	decode(t, w, &after)
	assert.True(t, after.BCCLockedRewards.Equal(decimal.NewFromInt(300)), "locked = %s", after.BCCLockedRewards)
	assert.True(t, after.BCCTransferable.Equal(before.BCCTransferable.Add(decimal.NewFromInt(200))),
		"transferable %s -> %s", before.BCCTransferable, after.BCCTransferable)

	// Same reference and amount is a replay.
	w = do(t, s, "POST", "/api/members/"+a+"/rewards/release-bcc", release)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var replay bccBalance
	decode(t, w, &replay)
	assert.True(t, replay.BCCLockedRewards.Equal(decimal.NewFromInt(300)))

	w = do(t, s, "POST", "/api/members/"+a+"/rewards/release-bcc", map[string]string{"amount": "50", "reference": "release-1"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "DUPLICATE_REFERENCE", errorCode(t, w))

	w = do(t, s, "POST", "/api/members/"+a+"/rewards/release-bcc", map[string]string{"amount": "301"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = do(t, s, "POST", "/api/members/"+a+"/rewards/release-bcc", map[string]string{"amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestActivity_DefaultLookbackUsesServerClock(t *testing.T) {
	s, clock := createTestServer(t)
	a := wallet(0xa)

	w := do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(1)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, "GET", "/api/members/"+a+"/activity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary service.ActivitySummary
	decode(t, w, &summary)
	assert.True(t, summary.Since.Equal(clock.Now().Add(-30*24*time.Hour)), "since = %s", summary.Since)
	assert.Equal(t, uint64(1), summary.Counts["activated"])

	w = do(t, s, "GET", "/api/members/"+a+"/activity?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActivate_Validation(t *testing.T) {
	s, _ := createTestServer(t)
	a := wallet(0x21)

	w := do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": "0xabc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_TX_HASH", errorCode(t, w))

	w = do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"referrer": "nope", "txHash": txHash(3)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_WALLET", errorCode(t, w))

	w = do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"referrer": wallet(0x22), "txHash": txHash(3)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNREGISTERED_REFERRER", errorCode(t, w))
}

func TestUpgrade_NonSequential(t *testing.T) {
	s, _ := createTestServer(t)
	a := wallet(0x31)

	w := do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(31)})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, "POST", "/api/members/"+a+"/upgrade", map[string]interface{}{"level": 3, "txHash": txHash(32)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NON_SEQUENTIAL_LEVEL", errorCode(t, w))

	w = do(t, s, "GET", "/api/members/"+a+"/eligibility/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Eligible bool `json:"eligible"`
	}
	decode(t, w, &report)
	assert.True(t, report.Eligible)

	w = do(t, s, "POST", "/api/members/"+a+"/upgrade", map[string]interface{}{"level": 2, "txHash": txHash(32)})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestBoundaryValues(t *testing.T) {
	s, _ := createTestServer(t)
	a := wallet(0x41)
	do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(41)})

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"eligibility level zero", "GET", "/api/members/" + a + "/eligibility/0", nil, http.StatusBadRequest},
		{"eligibility level 20", "GET", "/api/members/" + a + "/eligibility/20", nil, http.StatusBadRequest},
		{"eligibility non-numeric", "GET", "/api/members/" + a + "/eligibility/abc", nil, http.StatusBadRequest},
		{"layer zero", "GET", "/api/matrix/" + a + "/layers/0", nil, http.StatusBadRequest},
		{"layer 19", "GET", "/api/matrix/" + a + "/layers/19", nil, http.StatusOK},
		{"unknown status filter", "GET", "/api/members/" + a + "/rewards?status=lost", nil, http.StatusBadRequest},
		{"excessive limit", "GET", "/api/members/" + a + "/rewards?limit=100000", nil, http.StatusOK},
		{"negative limit", "GET", "/api/members/" + a + "/balance/entries?limit=-3", nil, http.StatusOK},
		{"bad since", "GET", "/api/members/" + a + "/activity?since=yesterday", nil, http.StatusBadRequest},
		{"zero amount", "POST", "/api/members/" + a + "/withdraw", map[string]string{"amount": "0"}, http.StatusBadRequest},
		{"garbage amount", "POST", "/api/balances/transfer", map[string]string{"from": a, "to": wallet(0x42), "amount": "ten"}, http.StatusBadRequest},
		{"unknown claim", "GET", "/api/rewards/does-not-exist", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTransfer(t *testing.T) {
	s, _ := createTestServer(t)
	a, b := wallet(0x51), wallet(0x52)
	do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(51)})
	do(t, s, "POST", "/api/members/"+b+"/activate", map[string]interface{}{"referrer": a, "txHash": txHash(52)})

	body := map[string]string{"from": a, "to": b, "amount": "25.5", "reference": "gift-1"}
	w := do(t, s, "POST", "/api/balances/transfer", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first struct {
		From struct {
			BCCTransferable decimal.Decimal `json:"bccTransferable"`
		} `json:"from"`
	}
	decode(t, w, &first)

	// Same reference: no second debit.
	w = do(t, s, "POST", "/api/balances/transfer", body)
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		From struct {
			BCCTransferable decimal.Decimal `json:"bccTransferable"`
		} `json:"from"`
	}
	decode(t, w, &second)
	assert.True(t, first.From.BCCTransferable.Equal(second.From.BCCTransferable))

	w = do(t, s, "POST", "/api/balances/transfer", map[string]string{"from": a, "to": b, "amount": "1000000"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, w))
}

func TestSweepEndpoint(t *testing.T) {
	s, clock := createTestServer(t)
	a, b := wallet(0x61), wallet(0x62)
	do(t, s, "POST", "/api/members/"+a+"/activate", map[string]interface{}{"txHash": txHash(61)})
	do(t, s, "POST", "/api/members/"+b+"/activate", map[string]interface{}{"referrer": a, "txHash": txHash(62)})

	clock.Advance(73 * time.Hour)
	w := do(t, s, "POST", "/api/admin/rewards/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Processed int `json:"processed"`
		Burned    int `json:"burned"`
	}
	decode(t, w, &res)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Burned)

	w = do(t, s, "POST", "/api/admin/distributions/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTiers(t *testing.T) {
	s, _ := createTestServer(t)

	w := do(t, s, "GET", "/api/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tiers []json.RawMessage `json:"tiers"`
	}
	decode(t, w, &body)
	assert.Len(t, body.Tiers, 4)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := createTestServer(t)

	w := do(t, s, "OPTIONS", "/api/members", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit_PerClient(t *testing.T) {
	s, _ := createTestServer(t)
	s.config.RequestsPerSecond = 1
	s.config.Burst = 2
	s.router = mux.NewRouter()
	s.setupRouter()

	for i := 0; i < 2; i++ {
		w := do(t, s, "GET", "/api/tiers", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(t, s, "GET", "/api/tiers", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health checks bypass the limiter.
	w = do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_SharedBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	budget, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetConfig{
		Redis:          client,
		TotalBudget:    6,
		ReservedBudget: 2,
		WindowSize:     time.Minute,
		KeyTTL:         2 * time.Minute,
		Clock:          clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	s, _ := createTestServer(t, WithBudget(budget, ratelimit.NewCostRegistry(nil)))

	// Reads draw from the 4-unit shared pool at cost 1.
	for i := 0; i < 4; i++ {
		w := do(t, s, "GET", "/api/tiers", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := do(t, s, "GET", "/api/tiers", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimit_BudgetFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	budget, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetConfig{Redis: client, TotalBudget: 10, ReservedBudget: 5})
	require.NoError(t, err)
	s, _ := createTestServer(t, WithBudget(budget, nil))
	mr.Close()

	w := do(t, s, "GET", "/api/tiers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConcurrentRequests(t *testing.T) {
	s, _ := createTestServer(t)
	root := wallet(0x70)
	w := do(t, s, "POST", "/api/members/"+root+"/activate", map[string]interface{}{"txHash": txHash(70)})
	require.Equal(t, http.StatusCreated, w.Code)

	const n = 9
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := do(t, s, "POST", "/api/members/"+wallet(0x70+i)+"/activate",
				map[string]interface{}{"referrer": root, "txHash": txHash(70 + i)})
			codes <- w.Code
		}(i)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusCreated, code)
	}

	w = do(t, s, "GET", "/api/matrix/"+root+"/layers/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var layer struct {
		Members []json.RawMessage `json:"members"`
	}
	decode(t, w, &layer)
	assert.Len(t, layer.Members, 6)
}
