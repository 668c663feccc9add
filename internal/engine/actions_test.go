package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/models"
)

func sessionWithPosition(t *testing.T) *harness {
	t.Helper()
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(50), models.Position{
		ID:             "p1",
		Protocol:       "aave",
		PoolName:       "USDC",
		DepositedValue: 180,
		CurrentValue:   200,
		PnL:            20,
		APY:            4,
	})
	_, err := h.session.Refresh(testContext(t), true)
	require.NoError(t, err)
	return h
}

func TestCloseAmount(t *testing.T) {
	tests := []struct {
		value, pct float64
		want       string
	}{
		{200, 50, "100"},
		{123.45, 33, "40.7385"},
		{10, 100, "10"},
		{1, 12.5, "0.125"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CloseAmount(tt.value, tt.pct).String())
	}
}

func TestClosePosition_Half(t *testing.T) {
	ctx := testContext(t)
	h := sessionWithPosition(t)

	res, err := h.session.ClosePosition(ctx, "p1", 50)
	require.NoError(t, err)
	assert.Equal(t, "100", res.Amount)
	assert.Equal(t, "0xfeed", res.TxHash)

	require.Len(t, h.closer.requests, 1)
	req := h.closer.requests[0]
	assert.Equal(t, "100", req.Amount)
	assert.Equal(t, 50.0, req.Percentage)
	assert.Equal(t, "p1", req.PositionID)
	assert.Equal(t, testWallet, req.Wallet)

	snap := h.session.Snapshot()
	require.Len(t, snap.Positions, 1)
	p := snap.Positions[0]
	assert.InDelta(t, 100.0, p.CurrentValue, 1e-9)
	assert.InDelta(t, 90.0, p.DepositedValue, 1e-9)
	assert.InDelta(t, 10.0, p.PnL, 1e-9)
	assert.InDelta(t, 150.0, snap.TotalValue, 1e-9)
	assert.Equal(t, 4.0, snap.AvgAPY)
	assert.True(t, snap.Consistent())
	assert.Equal(t, uint64(2), snap.Version)

	require.NotNil(t, res.Position)
	assert.InDelta(t, 100.0, res.Position.CurrentValue, 1e-9)
	assert.InDelta(t, 150.0, h.recorder.last().DisplayTotal, 1e-9)

	history, err := h.session.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "close", history[0].Action)
	assert.Equal(t, 100.0, history[0].ValueUSD)
}

func TestClosePosition_FullRemoves(t *testing.T) {
	ctx := testContext(t)
	h := sessionWithPosition(t)

	res, err := h.session.ClosePosition(ctx, "p1", 100)
	require.NoError(t, err)
	assert.Nil(t, res.Position)
	assert.Equal(t, "200", res.Amount)

	snap := h.session.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 50.0, snap.TotalValue)
}

func TestClosePosition_Rejected(t *testing.T) {
	ctx := testContext(t)
	h := sessionWithPosition(t)

	for _, pct := range []float64{0, -5, 100.5} {
		_, err := h.session.ClosePosition(ctx, "p1", pct)
		assert.Equal(t, apperrors.CategoryValidation, apperrors.CategoryOf(err), "pct %v", pct)
	}

	_, err := h.session.ClosePosition(ctx, "nope", 50)
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.CategoryOf(err))
	assert.Empty(t, h.closer.requests)
}

func TestClosePosition_BackendFailureLeavesSnapshot(t *testing.T) {
	ctx := testContext(t)
	h := sessionWithPosition(t)
	h.closer.err = errors.New("boom")

	_, err := h.session.ClosePosition(ctx, "p1", 50)
	assert.Equal(t, apperrors.CategoryWriteFailure, apperrors.CategoryOf(err))

	snap := h.session.Snapshot()
	assert.Equal(t, 200.0, snap.Positions[0].CurrentValue)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestSelectAgent_ReaggregatesForNewAgent(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"), activeAgent("b"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))
	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)

	require.NoError(t, h.session.SelectAgent(ctx, "b"))
	h.session.Wait()

	require.Len(t, h.agg.aggregateOpts, 2)
	assert.Equal(t, "0xagentb", h.agg.aggregateOpts[1].AgentAddress)
	assert.Equal(t, "b", h.session.View().Agent.ID)

	err = h.session.SelectAgent(ctx, "zzz")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.CategoryOf(err))
}

func TestDeleteAgent_LastAgentLeavesNoAgentState(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))
	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)

	require.NoError(t, h.session.DeleteAgent(ctx, "a"))
	h.session.Wait()

	view := h.recorder.last()
	assert.Equal(t, models.ViewNoAgent, view.State)
	assert.Zero(t, view.DisplayTotal)
	assert.Empty(t, h.session.Agents())

	err = h.session.DeleteAgent(ctx, "a")
	assert.Equal(t, apperrors.CategoryNotFound, apperrors.CategoryOf(err))
}

func TestDeleteAgent_BackendFailureStillRemovesLocally(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"), activeAgent("b"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))
	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)
	h.dir.writeErr = apperrors.WriteFailure("agent_delete", errors.New("503"))

	err = h.session.DeleteAgent(ctx, "a")
	h.session.Wait()
	assert.Equal(t, apperrors.CategoryWriteFailure, apperrors.CategoryOf(err))
	assert.Equal(t, "b", h.session.View().Agent.ID)
	assert.Len(t, h.session.Agents(), 1)
}

func TestPauseResumeAgent(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(activeAgent("a"))
	h.agg.aggregate = snapshotOf(models.TierFastSnapshot, usdc(10))
	_, err := h.session.Refresh(ctx, true)
	require.NoError(t, err)

	require.NoError(t, h.session.PauseAgent(ctx, "a"))
	assert.Equal(t, "paused", h.recorder.last().AgentStatus)

	require.NoError(t, h.session.ResumeAgent(ctx, "a"))
	assert.Equal(t, "active", h.recorder.last().AgentStatus)
}
