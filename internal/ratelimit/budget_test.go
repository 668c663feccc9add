package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, total, reserved int) (*BudgetTracker, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracker, err := NewBudgetTracker(&BudgetConfig{Redis: client, TotalBudget: total, ReservedBudget: reserved})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestBudgetConfig_Validate(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	tests := []struct {
		name    string
		cfg     BudgetConfig
		wantErr bool
	}{
		{"valid", BudgetConfig{Redis: client, TotalBudget: 100, ReservedBudget: 60}, false},
		{"no redis", BudgetConfig{TotalBudget: 100}, true},
		{"zero total", BudgetConfig{Redis: client}, true},
		{"reserved above total", BudgetConfig{Redis: client, TotalBudget: 10, ReservedBudget: 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewBudgetTracker(nil)
	assert.Error(t, err)
}

func TestTryConsume_Pools(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, 100, 60)

	ok, _ := tracker.TryConsume(ctx, 26, PriorityLow)
	assert.True(t, ok)
	ok, wait := tracker.TryConsume(ctx, 26, PriorityLow)
	assert.False(t, ok, "shared pool is 40")
	assert.Equal(t, 750*time.Millisecond+time.Millisecond, wait)

	ok, _ = tracker.TryConsume(ctx, 26, PriorityHigh)
	assert.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, 26, PriorityHigh)
	assert.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, 26, PriorityHigh)
	assert.False(t, ok, "reserved is spent and the total would exceed 100")

	usage, err := tracker.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 78, usage.TotalUsed)
	assert.Equal(t, 52, usage.ReservedUsed)
	assert.Equal(t, 26, usage.SharedUsed)
}

func TestTryConsume_HighSpillsIntoShared(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, 100, 20)

	ok, _ := tracker.TryConsume(ctx, 19, PriorityHigh)
	require.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, 19, PriorityHigh)
	assert.True(t, ok)

	usage, err := tracker.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 19, usage.ReservedUsed)
	assert.Equal(t, 19, usage.SharedUsed)
}

func TestTryConsume_NextWindowResets(t *testing.T) {
	ctx := context.Background()
	tracker, now := newTestTracker(t, 20, 0)

	ok, _ := tracker.TryConsume(ctx, 20, PriorityLow)
	require.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, 1, PriorityLow)
	assert.False(t, ok)

	*now = now.Add(time.Second)
	ok, _ = tracker.TryConsume(ctx, 20, PriorityLow)
	assert.True(t, ok)
}

func TestTryConsume_ZeroCostAlwaysAllowed(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 0)
	ok, wait := tracker.TryConsume(context.Background(), 0, PriorityLow)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestPriorityFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PriorityHigh, PriorityFrom(ctx))
	assert.Equal(t, PriorityLow, PriorityFrom(WithPriority(ctx, PriorityLow)))
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestCostRegistry(t *testing.T) {
	r := NewCostRegistry(map[string]int{MethodEthCall: 30, "eth_chainId": -1})
	assert.Equal(t, CostEthGetBalance, r.Cost(MethodEthGetBalance))
	assert.Equal(t, 30, r.Cost(MethodEthCall))
	assert.Equal(t, DefaultCUCost, r.Cost("eth_chainId"))

	r.SetCost("eth_chainId", 5)
	r.SetCost(MethodEthCall, 0)
	assert.Equal(t, 5, r.Cost("eth_chainId"))
	assert.Equal(t, 30, r.Cost(MethodEthCall))
}
