// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeIncomplete  = "incomplete"
	OutcomeSkipped     = "circuit_open"
)

var (
	tierAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sync_tier_attempts_total",
			Help: "Aggregation tier attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	exhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_sync_tiers_exhausted_total",
			Help: "Aggregations where every tier failed",
		},
	)

	refreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfolio_sync_refresh_duration_seconds",
			Help:    "Refresh duration in seconds by mode",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	refreshSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sync_refresh_skipped_total",
			Help: "Refresh requests dropped because a refresh was in flight",
		},
		[]string{"mode"},
	)

	channelLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfolio_sync_channel_live",
			Help: "Whether the realtime channel for a wallet is live (1) or not (0)",
		},
		[]string{"wallet"},
	)

	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sync_channel_reconnects_total",
			Help: "Realtime channel reconnect attempts",
		},
		[]string{"wallet"},
	)

	channelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sync_channel_messages_total",
			Help: "Realtime messages received by type and disposition",
		},
		[]string{"type", "disposition"},
	)

	writeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_sync_write_failures_total",
			Help: "Failed best-effort backend writes by operation",
		},
		[]string{"operation"},
	)
)

// RecordTier records one tier attempt
func RecordTier(tier, outcome string) {
	tierAttempts.WithLabelValues(tier, outcome).Inc()
}

// RecordExhausted records an aggregation where every tier failed
func RecordExhausted() {
	exhaustedTotal.Inc()
}

// ObserveRefresh records a completed refresh
func ObserveRefresh(mode string, d time.Duration) {
	refreshDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordRefreshSkipped records a refresh dropped by the in-flight guard
func RecordRefreshSkipped(mode string) {
	refreshSkipped.WithLabelValues(mode).Inc()
}

// SetChannelLive sets the realtime channel liveness gauge
func SetChannelLive(wallet string, live bool) {
	value := 0.0
	if live {
		value = 1.0
	}
	channelLive.WithLabelValues(wallet).Set(value)
}

// RecordReconnect records a reconnect attempt
func RecordReconnect(wallet string) {
	reconnectAttempts.WithLabelValues(wallet).Inc()
}

// RecordChannelMessage records a realtime message and what was done with it
func RecordChannelMessage(msgType, disposition string) {
	channelMessages.WithLabelValues(msgType, disposition).Inc()
}

// RecordWriteFailure records a failed agent write, repair push or close
func RecordWriteFailure(operation string) {
	writeFailures.WithLabelValues(operation).Inc()
}
