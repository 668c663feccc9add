package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-sync/internal/config"
	"github.com/portfolio-sync/internal/mapper"
)

const testWallet = "0xABCDEF0000000000000000000000000000000001"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.BackendConfig{BaseURL: srv.URL + "/", Timeout: 2 * time.Second, RPS: 100})
	c.backoff = time.Millisecond
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFastSnapshot_ForceQuery(t *testing.T) {
	var gotForce, gotWallet, gotRequestID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/portfolio/fast-snapshot", r.URL.Path)
		gotForce = r.URL.Query().Get("force")
		gotWallet = r.URL.Query().Get("wallet")
		gotRequestID = r.Header.Get("X-Request-ID")
		writeJSON(w, map[string]interface{}{
			"success":         true,
			"agent_address":   "0xabc",
			"holdings":        []interface{}{map[string]interface{}{"asset": "USDC", "value_usd": 10}},
			"positions":       []interface{}{},
			"total_value_usd": 10,
		})
	})

	resp, err := c.FastSnapshot(testContext(t), testWallet, true)
	require.NoError(t, err)
	assert.Equal(t, "true", gotForce)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", gotWallet)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "0xabc", resp.AgentAddress)
	assert.Len(t, resp.Holdings, 1)

	_, err = c.FastSnapshot(testContext(t), testWallet, false)
	require.NoError(t, err)
	assert.Empty(t, gotForce)
}

func TestDoJSON_RetriesServerError(t *testing.T) {
	var count int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"success": true, "agents": []interface{}{}})
	})

	resp, err := c.AgentStatus(testContext(t), testWallet)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestDoJSON_ClientErrorNotRetried(t *testing.T) {
	var count int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		http.Error(w, "bad wallet", http.StatusBadRequest)
	})

	_, err := c.PositionLedger(testContext(t), testWallet)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "bad wallet")
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestDoJSON_SuccessFalse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"success": false, "error": "no agent"})
	})

	_, err := c.FastSnapshot(testContext(t), testWallet, false)
	assert.ErrorIs(t, err, ErrNotSuccessful)
	assert.ErrorIs(t, c.DeleteAgent(testContext(t), testWallet, "a1"), ErrNotSuccessful)
}

func TestDoJSON_EmptyBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := c.LPPositions(testContext(t), testWallet)
	assert.Error(t, err)
}

func TestLedger_Summary(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"success":   true,
			"positions": []interface{}{map[string]interface{}{"id": "p1", "entry_value": 100}},
			"summary":   map[string]interface{}{"avg_apy": 6.25},
		})
	})

	resp, err := c.PositionLedger(testContext(t), testWallet)
	require.NoError(t, err)
	require.NotNil(t, resp.Summary.AvgAPY)
	assert.Equal(t, 6.25, *resp.Summary.AvgAPY)
	assert.Len(t, resp.Positions, 1)
}

func TestAgentWrites(t *testing.T) {
	type call struct{ method, path, wallet string }
	var calls []call
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		wallet := r.URL.Query().Get("wallet")
		if r.Body != nil && r.ContentLength > 0 {
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			wallet = mapper.Str(body, "wallet")
		}
		calls = append(calls, call{r.Method, r.URL.Path, wallet})
		writeJSON(w, map[string]interface{}{"success": true})
	})
	ctx := testContext(t)

	require.NoError(t, c.SyncAgent(ctx, testWallet, mapper.Raw{"agent_id": "a1"}))
	require.NoError(t, c.PauseAgent(ctx, testWallet, "a1"))
	require.NoError(t, c.ResumeAgent(ctx, testWallet, "a1"))
	require.NoError(t, c.DeleteAgent(ctx, testWallet, "a/1"))

	lower := "0xabcdef0000000000000000000000000000000001"
	assert.Equal(t, []call{
		{http.MethodPost, "/api/agents/sync", lower},
		{http.MethodPost, "/api/agents/a1/pause", lower},
		{http.MethodPost, "/api/agents/a1/resume", lower},
		{http.MethodDelete, "/api/agents/a/1", lower},
	}, calls)
}

func TestClosePosition_Body(t *testing.T) {
	var got ClosePositionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]interface{}{"success": true, "tx_hash": "0xfeed"})
	})

	resp, err := c.ClosePosition(testContext(t), ClosePositionRequest{
		Wallet:     testWallet,
		PositionID: "p1",
		Percentage: 50,
		Amount:     "100",
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", resp.TxHash)
	assert.Equal(t, "100", got.Amount)
	assert.Equal(t, 50.0, got.Percentage)
	assert.Equal(t, "p1", got.PositionID)
}

func TestTokenPrices_UppercasesSymbols(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETH,WETH", r.URL.Query().Get("symbols"))
		writeJSON(w, map[string]interface{}{"success": true, "prices": map[string]float64{"eth": 3000, "WETH": 3001}})
	})

	prices, err := c.TokenPrices(testContext(t), []string{"eth", "weth"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ETH": 3000, "WETH": 3001}, prices)
}

func TestDoJSON_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"success": true})
	})
	ctx, cancel := contextWithCancel(t)
	cancel()
	_, err := c.AgentStatus(ctx, testWallet)
	assert.Error(t, err)
}
