package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-sync/internal/aggregator"
	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/models"
	"github.com/portfolio-sync/internal/realtime"
	"github.com/portfolio-sync/internal/risk"
)

func usdc(value float64) []models.Holding {
	return []models.Holding{{Asset: "USDC", Balance: value, Value: value, Label: "Idle USDC"}}
}

func TestRefresh_SkipsWhileInFlight(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	entered, release := make(chan struct{}), make(chan struct{})
	h.agg.aggregate = gated(entered, release, snapshotOf(models.TierFastSnapshot, usdc(100)))

	done := make(chan RefreshOutcome, 1)
	go func() {
		out, err := h.session.Refresh(ctx, true)
		assert.NoError(t, err)
		done <- out
	}()
	<-entered
	require.True(t, h.session.Refreshing())

	var wg sync.WaitGroup
	outcomes := make(chan RefreshOutcome, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, _ := h.session.Refresh(ctx, true)
			outcomes <- out
		}()
		go func() {
			defer wg.Done()
			out, _ := h.session.Refresh(ctx, false)
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)
	for out := range outcomes {
		assert.Equal(t, RefreshSkipped, out)
	}

	close(release)
	assert.Equal(t, RefreshCompleted, <-done)
	assert.Equal(t, 1, h.agg.aggregateCalls())
	assert.Zero(t, h.agg.fastCalls)
	assert.False(t, h.session.Refreshing())
	assert.Equal(t, uint64(1), h.session.Version())
}

func TestRefresh_CacheThenRevalidate(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	entered, release := make(chan struct{}), make(chan struct{})
	h.agg.fast = snapshotOf(models.TierFastSnapshot, usdc(100))
	h.agg.aggregate = gated(entered, release, snapshotOf(models.TierFastSnapshot, usdc(150)))

	out, err := h.session.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, RefreshRevalidating, out)

	<-entered
	cached := h.recorder.last()
	assert.Equal(t, 100.0, cached.DisplayTotal)
	assert.Equal(t, models.ViewReady, cached.State)
	assert.True(t, cached.Refreshing)

	// the guard is held until revalidation finishes
	out, err = h.session.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, RefreshSkipped, out)

	close(release)
	h.session.Wait()

	assert.Equal(t, []float64{100, 150}, h.recorder.totals())
	assert.False(t, h.recorder.last().Refreshing)
	assert.Equal(t, uint64(2), h.session.Version())
	require.Len(t, h.agg.aggregateOpts, 1)
	assert.True(t, h.agg.aggregateOpts[0].Force)
	assert.Equal(t, "0xagenta", h.agg.aggregateOpts[0].AgentAddress)
}

func TestRefresh_FallbackWhenCacheTierEmpty(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.fallback = snapshotOf(models.TierLedgerOnly, nil, models.Position{ID: "p1", CurrentValue: 40})

	out, err := h.session.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, RefreshCompleted, out)

	assert.Equal(t, 1, h.agg.fastCalls)
	assert.Equal(t, 1, h.agg.fallbackCalls)
	assert.Zero(t, h.agg.aggregateCalls())
	assert.Equal(t, models.TierLedgerOnly, h.session.Snapshot().SourceTier)
	assert.Equal(t, 40.0, h.recorder.last().DisplayTotal)
	assert.False(t, h.session.Refreshing())
}

func TestRefresh_ExhaustedRendersEmptyState(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(500))

	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)

	h.agg.mu.Lock()
	h.agg.aggregate = nil
	h.agg.mu.Unlock()

	out, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, RefreshEmpty, out)

	view := h.recorder.last()
	assert.Equal(t, models.ViewEmpty, view.State)
	assert.Zero(t, view.DisplayTotal)
	assert.Equal(t, models.TierNone, view.Snapshot.SourceTier)
	assert.Empty(t, view.Snapshot.Positions)
	assert.Equal(t, uint64(2), view.Snapshot.Version)
}

func TestRefresh_OtherErrorsKeepSnapshot(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(75))
	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)

	h.agg.mu.Lock()
	h.agg.aggregate = func(aggregator.Options) (*models.PortfolioSnapshot, error) {
		return nil, context.Canceled
	}
	h.agg.mu.Unlock()

	_, err = h.session.Refresh(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 75.0, h.session.Snapshot().TotalValue)
	assert.Equal(t, uint64(1), h.session.Version())
	assert.False(t, h.session.Refreshing())
}

func TestRefresh_NewWalletWithoutAgents(t *testing.T) {
	ctx := testContext(t)
	h := newHarness()

	out, err := h.session.Refresh(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, RefreshNoAgent, out)

	view := h.recorder.last()
	assert.Equal(t, models.ViewNoAgent, view.State)
	assert.Zero(t, view.DisplayTotal)
	assert.Nil(t, view.Agent)
	assert.Equal(t, "none", view.AgentStatus)
	assert.Equal(t, risk.BadgeNoAgent, view.Risk.Badge)
	assert.Zero(t, h.agg.fastCalls)
	assert.Zero(t, h.agg.aggregateCalls())
}

func TestRefresh_AgentsReloadedOnlyWhenForced(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.fast = snapshotOf(models.TierFastSnapshot, usdc(10))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))

	_, err := h.session.Refresh(ctx, false)
	require.NoError(t, err)
	h.session.Wait()
	_, err = h.session.Refresh(ctx, false)
	require.NoError(t, err)
	h.session.Wait()
	assert.Equal(t, 1, h.dir.loadCount())

	_, err = h.session.Refresh(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, h.dir.loadCount())
}

func TestRefresh_VersionIncreasesOnEveryReplacement(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))

	for i := 1; i <= 3; i++ {
		_, err := h.session.Refresh(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), h.session.Snapshot().Version)
	}
}

func TestRun_RefreshesUntilCancelled(t *testing.T) {
	h := newHarness(activeAgent("a"))
	h.agg.fast = snapshotOf(models.TierFastSnapshot, usdc(10))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		h.agg.mu.Lock()
		defer h.agg.mu.Unlock()
		return h.agg.fastCalls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_NoBackgroundWorkAfterStop(t *testing.T) {
	h := newHarness(activeAgent("a"))
	h.agg.fast = snapshotOf(models.TierFastSnapshot, usdc(10))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))
	h.agg.positions = func() (*aggregator.PositionSet, error) {
		return &aggregator.PositionSet{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Run(ctx, time.Hour) }()
	assert.Eventually(t, func() bool { return h.session.Version() >= 1 && !h.session.Refreshing() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	aggregated := h.agg.aggregateCalls()

	h.session.refreshInBackground(context.Background())
	h.session.HandleMessage(context.Background(), message(realtime.MsgPositionEnter, mapper.Raw{"position_id": "p1"}))
	out, err := h.session.Refresh(context.Background(), false)
	require.NoError(t, err)
	h.session.Wait()

	assert.Equal(t, RefreshCompleted, out, "cached data is served without a background pass")
	assert.False(t, h.session.Refreshing())
	assert.Equal(t, aggregated, h.agg.aggregateCalls())
	assert.Zero(t, h.agg.positionCalls())
}
