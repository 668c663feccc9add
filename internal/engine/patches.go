package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/models"
	"github.com/portfolio-sync/internal/realtime"
)

// Message dispositions recorded on the channel message counter
const (
	dispositionApplied    = "applied"
	dispositionDropped    = "dropped_refreshing"
	dispositionStale      = "stale"
	dispositionIgnored    = "ignored"
	dispositionFetchError = "fetch_error"
)

// HandleMessage applies one realtime event. Snapshot patches that arrive
// while a refresh is in flight are dropped; the refresh supersedes them.
func (s *Session) HandleMessage(ctx context.Context, msg realtime.Message) {
	switch msg.Type {
	case realtime.MsgPortfolioUpdate:
		s.applyPortfolioUpdate(msg)
	case realtime.MsgTransaction:
		s.applyTransaction(msg)
	case realtime.MsgPositionEnter, realtime.MsgPositionExit:
		s.applyPositionChange(ctx, msg)
	case realtime.MsgAgentStatus:
		s.applyAgentStatus(msg)
	default:
		metrics.RecordChannelMessage(msg.Type, dispositionIgnored)
	}
}

// ChannelStateChanged records the push channel's state on the view
func (s *Session) ChannelStateChanged(state realtime.State) {
	s.mu.Lock()
	s.channelState = state
	s.mu.Unlock()
	s.render()
}

func (s *Session) applyPortfolioUpdate(msg realtime.Message) {
	if s.refreshing.Load() {
		metrics.RecordChannelMessage(msg.Type, dispositionDropped)
		return
	}
	total, ok := mapper.NumOK(msg.Data, "total_value", "totalValue", "total_value_usd", "totalValueUsd")
	if !ok {
		metrics.RecordChannelMessage(msg.Type, dispositionIgnored)
		return
	}

	s.mu.Lock()
	if v := uint64(mapper.Num(msg.Data, "version")); v > 0 && v < s.version {
		s.mu.Unlock()
		metrics.RecordChannelMessage(msg.Type, dispositionStale)
		return
	}
	s.liveTotal = &total
	s.mu.Unlock()

	metrics.RecordChannelMessage(msg.Type, dispositionApplied)
	s.render()
}

func (s *Session) applyTransaction(msg realtime.Message) {
	tx := mapper.Transaction(msg.Data)
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.transactions = append([]models.Transaction{tx}, s.transactions...)
	if len(s.transactions) > maxTransactions {
		s.transactions = s.transactions[:maxTransactions]
	}
	s.mu.Unlock()

	metrics.RecordChannelMessage(msg.Type, dispositionApplied)
	s.render()
}

// applyPositionChange re-fetches the position set and commits it only if no
// other commit landed while the fetch was running
func (s *Session) applyPositionChange(ctx context.Context, msg realtime.Message) {
	if s.refreshing.Load() {
		metrics.RecordChannelMessage(msg.Type, dispositionDropped)
		return
	}
	version := s.Version()

	started := s.goBackground(func() {
		set, err := s.agg.Positions(ctx, s.wallet)
		if err != nil {
			metrics.RecordChannelMessage(msg.Type, dispositionFetchError)
			s.logger.WithError(err).WithField("event", msg.Type).Warn("Position re-fetch failed")
			return
		}

		committed := !s.refreshing.Load() && s.commitIfCurrent(version, func(snap *models.PortfolioSnapshot) *models.PortfolioSnapshot {
			snap.Positions = set.Positions
			snap.Finalize(set.AvgAPY)
			return snap
		})
		if !committed {
			metrics.RecordChannelMessage(msg.Type, dispositionStale)
			return
		}

		action := "enter"
		if msg.Type == realtime.MsgPositionExit {
			action = "exit"
		}
		s.recordHistory(ctx, models.HistoryEntry{
			Action:     action,
			PositionID: mapper.Str(msg.Data, "position_id", "positionId", "id"),
			Protocol:   mapper.Str(msg.Data, "protocol"),
			PoolName:   mapper.Str(msg.Data, "pool_name", "poolName", "pool"),
			ValueUSD:   mapper.Num(msg.Data, "value_usd", "amount_usd", "value"),
		})
		metrics.RecordChannelMessage(msg.Type, dispositionApplied)
		s.render()
	})
	if !started {
		metrics.RecordChannelMessage(msg.Type, dispositionIgnored)
	}
}

func (s *Session) applyAgentStatus(msg realtime.Message) {
	agentID := mapper.Str(msg.Data, "agent_id", "agentId", "id")
	if agentID == "" {
		if selected := s.dir.Selected(); selected != nil {
			agentID = selected.ID
		}
	}
	status := mapper.Str(msg.Data, "status", "state")

	if !s.dir.PatchStatus(agentID, status) {
		metrics.RecordChannelMessage(msg.Type, dispositionIgnored)
		return
	}
	metrics.RecordChannelMessage(msg.Type, dispositionApplied)
	s.render()
}
