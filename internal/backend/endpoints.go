package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/portfolio-sync/internal/mapper"
)

// AgentStatusResponse is the backend-of-record agent list
type AgentStatusResponse struct {
	Envelope
	Agents []mapper.Raw `json:"agents"`
}

// FastSnapshotResponse is the pre-aggregated portfolio
type FastSnapshotResponse struct {
	Envelope
	AgentAddress  string       `json:"agent_address"`
	Holdings      []mapper.Raw `json:"holdings"`
	Positions     []mapper.Raw `json:"positions"`
	TotalValueUSD float64      `json:"total_value_usd"`
	Cached        bool         `json:"cached,omitempty"`
}

// LedgerSummary carries ledger-wide aggregates. AvgAPY is nil when absent.
type LedgerSummary struct {
	AvgAPY        *float64 `json:"avg_apy"`
	TotalValueUSD float64  `json:"total_value_usd"`
}

// LedgerResponse is the backend position ledger
type LedgerResponse struct {
	Envelope
	Positions []mapper.Raw  `json:"positions"`
	Summary   LedgerSummary `json:"summary"`
}

// LPResponse lists LP-style positions for a wallet
type LPResponse struct {
	Envelope
	Positions []mapper.Raw `json:"positions"`
}

// PricesResponse maps uppercase token symbols to USD prices
type PricesResponse struct {
	Envelope
	Prices map[string]float64 `json:"prices"`
}

// ClosePositionRequest asks the backend to close part of a position.
// Amount is a decimal string in the ledger's base unit (USD).
type ClosePositionRequest struct {
	Wallet     string  `json:"wallet"`
	PositionID string  `json:"position_id"`
	Percentage float64 `json:"percentage"`
	Amount     string  `json:"amount"`
}

// ClosePositionResponse reports the outcome of a close
type ClosePositionResponse struct {
	Envelope
	TxHash string `json:"tx_hash,omitempty"`
}

type agentActionRequest struct {
	Wallet string     `json:"wallet"`
	Agent  mapper.Raw `json:"agent,omitempty"`
}

// AgentStatus fetches the backend-of-record agent list
func (c *Client) AgentStatus(ctx context.Context, wallet string) (*AgentStatusResponse, error) {
	var resp AgentStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents/status", walletQuery(wallet), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncAgent pushes a locally-known agent record to the backend
func (c *Client) SyncAgent(ctx context.Context, wallet string, agent mapper.Raw) error {
	var resp Envelope
	return c.doJSON(ctx, http.MethodPost, "/api/agents/sync", nil, agentActionRequest{Wallet: strings.ToLower(wallet), Agent: agent}, &resp)
}

// DeleteAgent deletes an agent
func (c *Client) DeleteAgent(ctx context.Context, wallet, agentID string) error {
	var resp Envelope
	return c.doJSON(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(agentID), walletQuery(wallet), nil, &resp)
}

// PauseAgent pauses an agent
func (c *Client) PauseAgent(ctx context.Context, wallet, agentID string) error {
	var resp Envelope
	return c.doJSON(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/pause", nil, agentActionRequest{Wallet: strings.ToLower(wallet)}, &resp)
}

// ResumeAgent resumes a paused agent
func (c *Client) ResumeAgent(ctx context.Context, wallet, agentID string) error {
	var resp Envelope
	return c.doJSON(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/resume", nil, agentActionRequest{Wallet: strings.ToLower(wallet)}, &resp)
}

// FastSnapshot fetches the pre-aggregated portfolio; force bypasses the server cache
func (c *Client) FastSnapshot(ctx context.Context, wallet string, force bool) (*FastSnapshotResponse, error) {
	query := walletQuery(wallet)
	if force {
		query.Set("force", "true")
	}
	var resp FastSnapshotResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/portfolio/fast-snapshot", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PositionLedger fetches the backend position ledger
func (c *Client) PositionLedger(ctx context.Context, wallet string) (*LedgerResponse, error) {
	var resp LedgerResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/positions/ledger", walletQuery(wallet), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LPPositions fetches LP-style positions held by the wallet
func (c *Client) LPPositions(ctx context.Context, wallet string) (*LPResponse, error) {
	var resp LPResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/positions/lp", walletQuery(wallet), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenPrices fetches USD prices for symbols
func (c *Client) TokenPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	query := url.Values{"symbols": {strings.ToUpper(strings.Join(symbols, ","))}}
	var resp PricesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/prices", query, nil, &resp); err != nil {
		return nil, err
	}
	prices := make(map[string]float64, len(resp.Prices))
	for sym, p := range resp.Prices {
		prices[strings.ToUpper(sym)] = p
	}
	return prices, nil
}

// ClosePosition requests a partial or full close of a position
func (c *Client) ClosePosition(ctx context.Context, req ClosePositionRequest) (*ClosePositionResponse, error) {
	req.Wallet = strings.ToLower(req.Wallet)
	var resp ClosePositionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/positions/close", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
