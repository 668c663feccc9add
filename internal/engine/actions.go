package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/portfolio-sync/internal/backend"
	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/models"
)

// CloseResult is the outcome of a successful close
type CloseResult struct {
	TxHash   string           `json:"txHash,omitempty"`
	Amount   string           `json:"amount"`
	Position *models.Position `json:"position,omitempty"` // nil when fully closed
}

// CloseAmount is the USD amount closed for a percentage of currentValue
func CloseAmount(currentValue, percentage float64) decimal.Decimal {
	return decimal.NewFromFloat(currentValue).
		Mul(decimal.NewFromFloat(percentage)).
		Div(decimal.NewFromInt(100)).
		Round(6)
}

// ClosePosition submits a close of percentage (0, 100] of a position. On
// success the in-memory position is scaled by (1 - percentage/100), or
// removed at 100, without waiting for the next refresh.
func (s *Session) ClosePosition(ctx context.Context, positionID string, percentage float64) (*CloseResult, error) {
	if percentage <= 0 || percentage > 100 {
		return nil, apperrors.InvalidInput("percentage", fmt.Sprintf("must be in (0, 100], got %v", percentage))
	}

	s.mu.RLock()
	var target *models.Position
	if s.snapshot != nil {
		for i := range s.snapshot.Positions {
			if s.snapshot.Positions[i].ID == positionID {
				p := s.snapshot.Positions[i]
				target = &p
				break
			}
		}
	}
	s.mu.RUnlock()
	if target == nil {
		return nil, apperrors.NotFound("position", positionID)
	}

	amount := CloseAmount(target.CurrentValue, percentage)
	resp, err := s.closer.ClosePosition(ctx, backend.ClosePositionRequest{
		Wallet:     s.wallet,
		PositionID: positionID,
		Percentage: percentage,
		Amount:     amount.String(),
	})
	if err != nil {
		metrics.RecordWriteFailure("close_position")
		s.logger.WithError(err).WithField("position_id", positionID).Error("Close position failed")
		return nil, apperrors.WriteFailure("close_position", err)
	}

	remaining := s.scalePosition(positionID, percentage)
	s.recordHistory(ctx, models.HistoryEntry{
		Action:     "close",
		PositionID: positionID,
		Protocol:   target.Protocol,
		PoolName:   target.PoolName,
		ValueUSD:   amount.InexactFloat64(),
	})
	s.logger.WithFields(map[string]interface{}{
		"position_id": positionID,
		"percentage":  percentage,
		"amount":      amount.String(),
	}).Info("Position closed")
	s.render()

	return &CloseResult{TxHash: resp.TxHash, Amount: amount.String(), Position: remaining}, nil
}

// scalePosition applies a successful close to the current snapshot
func (s *Session) scalePosition(positionID string, percentage float64) *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}

	next := s.snapshot.Clone()
	factor := 1 - percentage/100
	var remaining *models.Position
	kept := next.Positions[:0]
	for _, p := range next.Positions {
		if p.ID == positionID {
			if percentage >= 100 {
				continue
			}
			p.CurrentValue *= factor
			p.DepositedValue *= factor
			p.PnL *= factor
			scaled := p
			remaining = &scaled
		}
		kept = append(kept, p)
	}
	next.Positions = kept
	next.Finalize(next.AvgAPY)

	s.version++
	next.Version = s.version
	s.snapshot = next
	s.liveTotal = nil
	return remaining
}

// SelectAgent changes the selected agent and re-aggregates for it
func (s *Session) SelectAgent(ctx context.Context, agentID string) error {
	before := s.dir.Selected()
	if err := s.dir.Select(agentID); err != nil {
		return err
	}
	s.afterAgentChange(ctx, before)
	return nil
}

// DeleteAgent deletes an agent. The local deletion sticks even when the
// backend call fails; that failure is returned as a WriteFailure.
func (s *Session) DeleteAgent(ctx context.Context, agentID string) error {
	before := s.dir.Selected()
	err := s.dir.Delete(ctx, agentID)
	if err != nil && apperrors.CategoryOf(err) == apperrors.CategoryNotFound {
		return err
	}
	s.afterAgentChange(ctx, before)
	return err
}

// PauseAgent pauses an agent
func (s *Session) PauseAgent(ctx context.Context, agentID string) error {
	err := s.dir.Pause(ctx, agentID)
	s.render()
	return err
}

// ResumeAgent resumes an agent
func (s *Session) ResumeAgent(ctx context.Context, agentID string) error {
	err := s.dir.Resume(ctx, agentID)
	s.render()
	return err
}

func (s *Session) afterAgentChange(ctx context.Context, before *models.Agent) {
	after := s.dir.Selected()
	switch {
	case after == nil:
		s.mu.Lock()
		s.state = models.ViewNoAgent
		s.mu.Unlock()
		s.render()
	case before == nil || before.ID != after.ID:
		s.render()
		s.refreshInBackground(ctx)
	default:
		s.render()
	}
}
