package models

import "time"

// Transaction is an entry in the session's append-only transaction log
type Transaction struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Asset     string    `json:"asset,omitempty"`
	Amount    float64   `json:"amount"`
	ValueUSD  float64   `json:"valueUsd"`
	TxHash    string    `json:"txHash,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is a pool/verification history record
type HistoryEntry struct {
	Action     string    `json:"action"` // enter, exit, close
	PositionID string    `json:"positionId,omitempty"`
	Protocol   string    `json:"protocol,omitempty"`
	PoolName   string    `json:"poolName,omitempty"`
	ValueUSD   float64   `json:"valueUsd"`
	RecordedAt time.Time `json:"recordedAt"`
}
