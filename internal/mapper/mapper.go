// Package mapper normalizes the payload shapes of every portfolio source into the
// canonical Holding, Position, Agent and Transaction records.
//
// Every function here is total: missing or malformed fields default to zero or
// empty values, so one bad entry can never abort a snapshot. No I/O.
package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-sync/internal/models"
)

// Raw is one decoded JSON object from a source
type Raw = map[string]interface{}

// Source identifies a payload family
type Source string

const (
	SourceFast   Source = "fast"
	SourceLedger Source = "ledger"
	SourceLP     Source = "lp"
)

// holdingFields lists, per canonical field, the source keys tried in order
type holdingFields struct {
	Asset      []string
	Balance    []string
	BalanceRaw []string
	Decimals   []string
	Value      []string
	Label      []string
}

type positionFields struct {
	ID        []string
	Protocol  []string
	PoolName  []string
	Deposited []string
	Current   []string
	PnL       []string
	APY       []string
	IsDual    []string
	PoolType  []string
	Token0    []string
	Token1    []string
	ILRisk    []string
	APYSpike  []string
}

var holdingTables = map[Source]holdingFields{
	SourceFast: {
		Asset:      []string{"asset", "symbol", "token"},
		Balance:    []string{"balance", "balance_formatted", "amount"},
		BalanceRaw: []string{"balance_raw", "raw_balance"},
		Decimals:   []string{"decimals"},
		Value:      []string{"value_usd", "usd_value", "value"},
		Label:      []string{"label", "name"},
	},
}

var positionTables = map[Source]positionFields{
	SourceFast: {
		ID:        []string{"position_id", "id"},
		Protocol:  []string{"protocol", "protocol_name"},
		PoolName:  []string{"pool_name", "pool", "name"},
		Deposited: []string{"deposited_usd", "deposited", "entry_value"},
		Current:   []string{"value_usd", "current_value", "current", "deposited"},
		PnL:       []string{"pnl_usd", "pnl"},
		APY:       []string{"apy", "current_apy"},
		IsDual:    []string{"is_dual", "isDual"},
		PoolType:  []string{"pool_type"},
		Token0:    []string{"token0", "token0_symbol"},
		Token1:    []string{"token1", "token1_symbol"},
		ILRisk:    []string{"il_risk", "ilRisk"},
		APYSpike:  []string{"apy_spike", "apy_spike_detected"},
	},
	SourceLedger: {
		ID:        []string{"id", "position_id"},
		Protocol:  []string{"protocol", "protocol_name"},
		PoolName:  []string{"pool_name", "pool_address", "asset"},
		Deposited: []string{"entry_value", "deposited", "amount_usd"},
		Current:   []string{"current_value", "current", "value_usd", "entry_value"},
		PnL:       []string{"pnl", "profit"},
		APY:       []string{"current_apy", "apy", "entry_apy"},
		IsDual:    []string{"is_dual"},
		PoolType:  []string{"pool_type"},
		Token0:    []string{"token0", "asset"},
		Token1:    []string{"token1"},
		ILRisk:    []string{"il_risk"},
		APYSpike:  []string{"apy_spike", "apy_spike_detected"},
	},
	SourceLP: {
		ID:        []string{"token_id", "nft_id", "id"},
		Protocol:  []string{"protocol", "dex"},
		PoolName:  []string{"pool_name", "pair", "pool"},
		Deposited: []string{"deposited_usd", "entry_value_usd", "entry_value"},
		Current:   []string{"value_usd", "usd_value", "position_value_usd"},
		PnL:       []string{"pnl_usd", "pnl"},
		APY:       []string{"apr", "apy"},
		IsDual:    []string{"is_dual"},
		PoolType:  []string{"pool_type"},
		Token0:    []string{"token0_symbol", "token0"},
		Token1:    []string{"token1_symbol", "token1"},
		ILRisk:    []string{"il_risk"},
		APYSpike:  []string{"apy_spike"},
	},
}

// Holdings maps a source's holding list. Unknown sources use the fast table.
func Holdings(src Source, raw []Raw) []models.Holding {
	table, ok := holdingTables[src]
	if !ok {
		table = holdingTables[SourceFast]
	}

	out := make([]models.Holding, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		asset := strings.ToUpper(Str(r, table.Asset...))
		if asset == "" {
			asset = "UNKNOWN"
		}

		balance, found := lookupNumber(r, table.Balance)
		if !found {
			balance = scaleRaw(Str(r, table.BalanceRaw...), decimalsOf(r, table.Decimals))
		}

		label := Str(r, table.Label...)
		if label == "" {
			label = asset
		}

		out = append(out, models.Holding{
			Asset:   asset,
			Balance: balance,
			Value:   Num(r, table.Value...),
			Label:   label,
		})
	}
	return out
}

// Positions maps a source's position list. Entries with neither deposited nor
// current value are dropped: a position exists only once a nonzero value is reported.
func Positions(src Source, raw []Raw) []models.Position {
	table, ok := positionTables[src]
	if !ok {
		table = positionTables[SourceFast]
	}

	out := make([]models.Position, 0, len(raw))
	for i, r := range raw {
		if r == nil {
			continue
		}
		deposited := Num(r, table.Deposited...)
		current := Num(r, table.Current...)
		if deposited == 0 && current == 0 {
			continue
		}

		protocol := Str(r, table.Protocol...)
		pool := Str(r, table.PoolName...)
		token0 := strings.ToUpper(Str(r, table.Token0...))
		token1 := strings.ToUpper(Str(r, table.Token1...))

		id := Str(r, table.ID...)
		if id == "" {
			id = fmt.Sprintf("%s:%s:%d", strings.ToLower(protocol), strings.ToLower(pool), i)
		}
		if src == SourceLP && !strings.HasPrefix(id, "lp-") {
			id = "lp-" + id
		}

		pnl, hasPnL := lookupNumber(r, table.PnL)
		if !hasPnL {
			pnl = current - deposited
		}

		isDual := Bool(r, table.IsDual...) ||
			strings.EqualFold(Str(r, table.PoolType...), models.PoolTypeDual) ||
			token1 != "" ||
			src == SourceLP

		out = append(out, models.Position{
			ID:             id,
			Protocol:       protocol,
			PoolName:       pool,
			DepositedValue: deposited,
			CurrentValue:   current,
			PnL:            pnl,
			APY:            Num(r, table.APY...),
			IsDual:         isDual,
			Token0:         token0,
			Token1:         token1,
			ILRisk:         normalizeILRisk(Str(r, table.ILRisk...)),
			APYSpike:       Bool(r, table.APYSpike...),
			Source:         string(src),
		})
	}
	return out
}

// Agents maps a backend or legacy agent list, skipping entries without an id
func Agents(raw []Raw) []models.Agent {
	out := make([]models.Agent, 0, len(raw))
	for _, r := range raw {
		if agent, ok := Agent(r); ok {
			out = append(out, agent)
		}
	}
	return out
}

// Agent maps one agent record in backend, camelCase or legacy shape
func Agent(r Raw) (models.Agent, bool) {
	id := Str(r, "id", "agent_id", "agentId")
	if id == "" {
		return models.Agent{}, false
	}

	active := Bool(r, "is_active", "isActive")
	status := strings.ToLower(Str(r, "status"))
	if status != "" {
		active = status == "active" || status == "running"
	}

	agent := models.Agent{
		ID:         id,
		Address:    Str(r, "address", "agent_address", "agentAddress"),
		Name:       Str(r, "name", "agent_name"),
		IsActive:   active,
		Preset:     Str(r, "preset", "strategy_preset"),
		DeployedAt: Time(r, "deployed_at", "deployedAt", "created_at"),
	}
	paused := Time(r, "paused_at", "pausedAt")
	if paused.IsZero() && status == "paused" {
		// paused without a timestamp: fall back to the deploy time, else the epoch
		paused = agent.DeployedAt
		if paused.IsZero() {
			paused = time.Unix(0, 0).UTC()
		}
	}
	if !paused.IsZero() {
		agent.PausedAt = &paused
	}

	cfg, _ := firstValue(r, "pro_config", "proConfig", "config").(map[string]interface{})
	agent.ProConfig = models.ProConfig{
		PoolType:           strings.ToLower(Str(cfg, "pool_type", "poolType")),
		AvoidIL:            Bool(cfg, "avoid_il", "avoidIL", "avoidIl"),
		StopLossEnabled:    Bool(cfg, "stop_loss_enabled", "stopLossEnabled", "stopLoss"),
		StopLossPercent:    Num(cfg, "stop_loss_percent", "stopLossPercent", "max_drawdown"),
		VolatilityGuard:    Bool(cfg, "volatility_guard", "volatilityGuard"),
		APYSpikeAlert:      Bool(cfg, "apy_spike_alert", "apySpikeAlert"),
		MaxAllocationPct:   Num(cfg, "max_allocation", "maxAllocationPct"),
		RebalanceThreshold: Num(cfg, "rebalance_threshold", "rebalanceThreshold"),
		PreferredProtocols: Strings(cfg, "protocols", "preferredProtocols"),
	}
	if agent.ProConfig.PoolType == "" {
		agent.ProConfig.PoolType = models.PoolTypeSingle
	}
	return agent, true
}

// LegacyAgent renders an agent in the legacy shared-cache shape
func LegacyAgent(wallet string, a models.Agent) Raw {
	r := Raw{
		"agent_id":      a.ID,
		"agent_address": a.Address,
		"agent_name":    a.Name,
		"user_address":  strings.ToLower(wallet),
		"is_active":     a.IsActive,
		"preset":        a.Preset,
		"deployed_at":   a.DeployedAt.UTC().Format(time.RFC3339),
		"pro_config": Raw{
			"pool_type":         a.ProConfig.PoolType,
			"avoid_il":          a.ProConfig.AvoidIL,
			"stop_loss_enabled": a.ProConfig.StopLossEnabled,
			"stop_loss_percent": a.ProConfig.StopLossPercent,
			"volatility_guard":  a.ProConfig.VolatilityGuard,
			"apy_spike_alert":   a.ProConfig.APYSpikeAlert,
		},
	}
	if a.PausedAt != nil {
		r["paused_at"] = a.PausedAt.UTC().Format(time.RFC3339)
	}
	return r
}

// LegacyOwner returns the wallet a legacy record belongs to, lowercased
func LegacyOwner(r Raw) string {
	return strings.ToLower(Str(r, "user_address", "userAddress", "wallet"))
}

// Transaction maps a realtime transaction payload
func Transaction(r Raw) models.Transaction {
	ts := Time(r, "timestamp", "created_at", "time")
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return models.Transaction{
		ID:        Str(r, "id", "tx_id"),
		Type:      strings.ToLower(Str(r, "type", "action", "kind")),
		Asset:     strings.ToUpper(Str(r, "asset", "token", "symbol")),
		Amount:    Num(r, "amount", "amount_formatted"),
		ValueUSD:  Num(r, "value_usd", "usd_value", "amount_usd"),
		TxHash:    Str(r, "tx_hash", "hash", "txHash"),
		Protocol:  Str(r, "protocol"),
		Timestamp: ts,
	}
}

func normalizeILRisk(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return models.ILRiskLow
	case "medium", "moderate":
		return models.ILRiskMedium
	case "high":
		return models.ILRiskHigh
	default:
		return ""
	}
}

// MaxDecimals bounds the token decimals accepted from a payload
const MaxDecimals = 36

// decimalsOf reads a token's decimals. Values that are not whole numbers in
// [0, MaxDecimals] are treated as unknown (0).
func decimalsOf(r Raw, keys []string) int32 {
	f, ok := lookupNumber(r, keys)
	if !ok || math.IsNaN(f) || f < 0 || f > MaxDecimals || f != math.Trunc(f) {
		return 0
	}
	return int32(f)
}

// scaleRaw converts an integer base-unit string into a float amount
func scaleRaw(raw string, decimals int32) float64 {
	if decimals < 0 || decimals > MaxDecimals {
		decimals = 0
	}
	if raw == "" {
		return 0
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0
	}
	f, _ := d.Shift(-decimals).Float64()
	return f
}

func firstValue(r Raw, keys ...string) interface{} {
	if r == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func lookupNumber(r Raw, keys []string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// Num returns the first numeric value among keys, or 0
func Num(r Raw, keys ...string) float64 {
	f, _ := lookupNumber(r, keys)
	return f
}

// NumOK is Num but reports whether any key held a number
func NumOK(r Raw, keys ...string) (float64, bool) {
	return lookupNumber(r, keys)
}

// Str returns the first non-empty string value among keys
func Str(r Raw, keys ...string) string {
	if r == nil {
		return ""
	}
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// Bool returns the first boolean-like value among keys
func Bool(r Raw, keys ...string) bool {
	if r == nil {
		return false
	}
	for _, k := range keys {
		switch v := r[k].(type) {
		case bool:
			return v
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b
			}
		case float64:
			return v != 0
		case json.Number:
			f, err := v.Float64()
			return err == nil && f != 0
		}
	}
	return false
}

// Strings returns the first string list among keys
func Strings(r Raw, keys ...string) []string {
	list, _ := firstValue(r, keys...).([]interface{})
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Time parses RFC 3339 strings or unix seconds/milliseconds
func Time(r Raw, keys ...string) time.Time {
	v := firstValue(r, keys...)
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(f)
		}
	default:
		if f, ok := toFloat(v); ok {
			return unixTime(f)
		}
	}
	return time.Time{}
}

func unixTime(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", "")), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
