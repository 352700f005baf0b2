package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// setupTracker starts miniredis and returns a tracker on a fake clock
// aligned to a window boundary.
func setupTracker(t *testing.T, cfg BudgetConfig) (*BudgetTracker, *clockwork.FakeClock, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Redis = client
	cfg.Clock = clock

	tracker, err := NewBudgetTracker(&cfg)
	if err != nil {
		t.Fatalf("NewBudgetTracker() error = %v", err)
	}
	return tracker, clock, mr
}

func TestNewBudgetTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tests := []struct {
		name    string
		cfg     *BudgetConfig
		wantErr string
	}{
		{name: "nil config", cfg: nil, wantErr: "configuration is required"},
		{name: "nil redis client", cfg: &BudgetConfig{}, wantErr: "redis client is required"},
		{name: "defaults", cfg: &BudgetConfig{Redis: client}},
		{name: "custom", cfg: &BudgetConfig{Redis: client, TotalBudget: 100, ReservedBudget: 40, WindowSize: 2 * time.Second}},
		{name: "reserved exceeds total", cfg: &BudgetConfig{Redis: client, TotalBudget: 10, ReservedBudget: 20}, wantErr: "cannot exceed"},
		{name: "negative total", cfg: &BudgetConfig{Redis: client, TotalBudget: -1}, wantErr: "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, err := NewBudgetTracker(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("NewBudgetTracker() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBudgetTracker() unexpected error = %v", err)
			}
			if tracker.sharedBudget != tracker.totalBudget-tracker.reservedBudget {
				t.Errorf("shared budget = %d, want total - reserved", tracker.sharedBudget)
			}
		})
	}
}

func TestBudgetTracker_DefaultValues(t *testing.T) {
	tracker, _, _ := setupTracker(t, BudgetConfig{})

	if tracker.totalBudget != DefaultTotalBudget {
		t.Errorf("totalBudget = %d, want %d", tracker.totalBudget, DefaultTotalBudget)
	}
	if tracker.reservedBudget != DefaultReservedBudget {
		t.Errorf("reservedBudget = %d, want %d", tracker.reservedBudget, DefaultReservedBudget)
	}
	if tracker.windowSize != DefaultWindowSize {
		t.Errorf("windowSize = %v, want %v", tracker.windowSize, DefaultWindowSize)
	}
}

func TestBudgetTracker_TryConsume_SeparatePools(t *testing.T) {
	tracker, _, _ := setupTracker(t, BudgetConfig{TotalBudget: 100, ReservedBudget: 60})
	ctx := context.Background()

	// Shared pool holds 40.
	allowed, _, err := tracker.TryConsume(ctx, 40, PriorityLow)
	if err != nil || !allowed {
		t.Fatalf("TryConsume(40, low) = %v, %v; want allowed", allowed, err)
	}
	allowed, wait, err := tracker.TryConsume(ctx, 1, PriorityLow)
	if err != nil || allowed {
		t.Fatalf("TryConsume(1, low) = %v, %v; want denied", allowed, err)
	}
	if wait <= 0 || wait > time.Second+time.Millisecond {
		t.Errorf("wait = %v, want within the window", wait)
	}

	// Writes still have the reserved pool.
	allowed, _, err = tracker.TryConsume(ctx, 60, PriorityHigh)
	if err != nil || !allowed {
		t.Fatalf("TryConsume(60, high) = %v, %v; want allowed", allowed, err)
	}
	allowed, _, _ = tracker.TryConsume(ctx, 1, PriorityHigh)
	if allowed {
		t.Fatal("TryConsume(1, high) allowed past the reserved pool")
	}

	usage, err := tracker.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage.TotalUsed != 100 || usage.ReservedUsed != 60 || usage.SharedUsed != 40 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestBudgetTracker_TryConsume_WindowResets(t *testing.T) {
	tracker, clock, _ := setupTracker(t, BudgetConfig{TotalBudget: 10, ReservedBudget: 5})
	ctx := context.Background()

	allowed, _, _ := tracker.TryConsume(ctx, 5, PriorityLow)
	if !allowed {
		t.Fatal("first consume denied")
	}
	if allowed, _, _ := tracker.TryConsume(ctx, 1, PriorityLow); allowed {
		t.Fatal("consume past the shared pool allowed")
	}

	clock.Advance(time.Second)
	if allowed, _, _ := tracker.TryConsume(ctx, 5, PriorityLow); !allowed {
		t.Fatal("consume in the next window denied")
	}
}

func TestBudgetTracker_TryConsume_ZeroOrNegative(t *testing.T) {
	tracker, _, mr := setupTracker(t, BudgetConfig{})
	ctx := context.Background()

	for _, cost := range []int{0, -5} {
		allowed, wait, err := tracker.TryConsume(ctx, cost, PriorityHigh)
		if !allowed || wait != 0 || err != nil {
			t.Errorf("TryConsume(%d) = %v, %v, %v; want free pass", cost, allowed, wait, err)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("free pass touched redis: %v", keys)
	}
}

func TestBudgetTracker_RedisDown(t *testing.T) {
	tracker, _, mr := setupTracker(t, BudgetConfig{})
	mr.Close()

	allowed, _, err := tracker.TryConsume(context.Background(), 1, PriorityLow)
	if !allowed {
		t.Error("TryConsume should fail open when redis is down")
	}
	if err == nil {
		t.Error("TryConsume should report the redis error")
	}
}

func TestBudgetTracker_AvailableAndUtilization(t *testing.T) {
	tracker, _, _ := setupTracker(t, BudgetConfig{TotalBudget: 100, ReservedBudget: 60})
	ctx := context.Background()

	if _, _, err := tracker.TryConsume(ctx, 30, PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tracker.TryConsume(ctx, 20, PriorityLow); err != nil {
		t.Fatal(err)
	}

	high, err := tracker.AvailableBudget(ctx, PriorityHigh)
	if err != nil || high != 30 {
		t.Errorf("AvailableBudget(high) = %d, %v; want 30", high, err)
	}
	low, err := tracker.AvailableBudget(ctx, PriorityLow)
	if err != nil || low != 20 {
		t.Errorf("AvailableBudget(low) = %d, %v; want 20", low, err)
	}

	util, err := tracker.Utilization(ctx)
	if err != nil || util != 50 {
		t.Errorf("Utilization() = %v, %v; want 50", util, err)
	}
}

func TestPriority_String(t *testing.T) {
	tests := map[Priority]string{
		PriorityHigh: "high",
		PriorityLow:  "low",
		Priority(9):  "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", p, got, want)
		}
	}
}
