package engine

import (
	"context"
	"time"

	"github.com/portfolio-sync/internal/aggregator"
	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/models"
	"github.com/portfolio-sync/internal/ratelimit"
)

// RefreshOutcome describes what a Refresh call did
type RefreshOutcome string

const (
	// RefreshSkipped: another refresh was in flight; nothing happened
	RefreshSkipped RefreshOutcome = "skipped"
	// RefreshCompleted: a snapshot was aggregated, committed and rendered
	RefreshCompleted RefreshOutcome = "completed"
	// RefreshRevalidating: a cached snapshot was rendered and a forced pass is running in the background
	RefreshRevalidating RefreshOutcome = "revalidating"
	// RefreshEmpty: every tier failed and the empty state was rendered
	RefreshEmpty RefreshOutcome = "empty"
	// RefreshNoAgent: the wallet has no agent
	RefreshNoAgent RefreshOutcome = "no_agent"
)

func refreshMode(force bool) string {
	if force {
		return "force"
	}
	return "cache"
}

// Refresh runs one refresh pass. A call made while another pass (including a
// background revalidation) is in flight is dropped and returns RefreshSkipped.
//
// force=true aggregates synchronously and renders once. force=false tries the
// fast tier without bypassing its cache; if that yields data it is rendered
// immediately and a forced pass revalidates in the background. Otherwise the
// remaining tiers run synchronously.
func (s *Session) Refresh(ctx context.Context, force bool) (RefreshOutcome, error) {
	mode := refreshMode(force)
	if !s.refreshing.CompareAndSwap(false, true) {
		metrics.RecordRefreshSkipped(mode)
		s.logger.WithField("mode", mode).Debug("Refresh already in flight, skipping")
		return RefreshSkipped, nil
	}

	start := s.now()
	release := func() {
		s.refreshing.Store(false)
		metrics.ObserveRefresh(mode, s.now().Sub(start))
	}

	agent := s.resolveAgent(ctx, force)
	if agent == nil {
		s.mu.Lock()
		s.state = models.ViewNoAgent
		s.mu.Unlock()
		release()
		s.render()
		return RefreshNoAgent, nil
	}
	opts := aggregator.Options{Force: force, AgentAddress: agent.Address}

	if force {
		snap, err := s.agg.Aggregate(ctx, s.wallet, opts)
		outcome, err := s.apply(snap, err)
		release()
		s.render()
		return outcome, err
	}

	cached, err := s.agg.FastTier(ctx, s.wallet, opts)
	if err == nil {
		s.commit(cached, models.ViewReady)
		s.render()

		started := s.goBackground(func() {
			bg := ratelimit.WithPriority(context.WithoutCancel(ctx), ratelimit.PriorityLow)
			opts.Force = true
			snap, err := s.agg.Aggregate(bg, s.wallet, opts)
			if _, err := s.apply(snap, err); err != nil {
				s.logger.WithError(err).Warn("Background revalidation failed")
			}
			release()
			s.render()
		})
		if !started {
			release()
			return RefreshCompleted, nil
		}
		return RefreshRevalidating, nil
	}

	snap, err := s.agg.FallbackTiers(ctx, s.wallet, opts)
	outcome, err := s.apply(snap, err)
	release()
	s.render()
	return outcome, err
}

// apply commits an aggregation result. Exhaustion commits the explicit empty
// snapshot; other errors leave the current snapshot in place.
func (s *Session) apply(snap *models.PortfolioSnapshot, err error) (RefreshOutcome, error) {
	if err == nil {
		s.commit(snap, models.ViewReady)
		return RefreshCompleted, nil
	}
	if apperrors.IsExhausted(err) {
		s.logger.WithError(err).WithField("category", apperrors.CategoryExhausted).Warn("All tiers exhausted, rendering empty state")
		empty := models.EmptySnapshot(s.wallet)
		empty.FetchedAt = s.now().UTC()
		s.commit(empty, models.ViewEmpty)
		return RefreshEmpty, nil
	}
	return "", err
}

// resolveAgent loads the directory on the first pass and on every forced pass
func (s *Session) resolveAgent(ctx context.Context, force bool) *models.Agent {
	s.mu.RLock()
	loaded := s.agentsLoaded
	s.mu.RUnlock()

	if !loaded || force {
		result := s.dir.Load(ctx)
		s.logger.WithFields(map[string]interface{}{
			"agents": len(result.Agents),
			"source": result.Source,
		}).Debug("Agents loaded")

		s.mu.Lock()
		s.agentsLoaded = true
		s.lastRepairs = result.Repairs
		s.mu.Unlock()
	}
	return s.dir.Selected()
}

// Run refreshes immediately and then on every tick until ctx is done. Ticks
// that land while a refresh is in flight are skipped.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	if _, err := s.Refresh(ctx, false); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Warn("Scheduled refresh failed")
	}
}

// refreshInBackground starts a forced refresh that outlives the caller's
// context. Nothing starts once the session has stopped.
func (s *Session) refreshInBackground(ctx context.Context) {
	started := s.goBackground(func() {
		if _, err := s.Refresh(context.WithoutCancel(ctx), true); err != nil {
			s.logger.WithError(err).Warn("Refresh after agent change failed")
		}
	})
	if !started {
		s.logger.Debug("Session stopped, skipping refresh after agent change")
	}
}
