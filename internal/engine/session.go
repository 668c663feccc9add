// Package engine holds the per-wallet Session: the current snapshot, the
// refresh guard, the transaction log and the realtime patch handlers. All
// state lives on the Session; nothing is package-global.
package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portfolio-sync/internal/agents"
	"github.com/portfolio-sync/internal/aggregator"
	"github.com/portfolio-sync/internal/backend"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/models"
	"github.com/portfolio-sync/internal/realtime"
	"github.com/portfolio-sync/internal/risk"
)

// maxTransactions bounds the in-memory transaction log
const maxTransactions = 200

// Aggregator produces snapshots
type Aggregator interface {
	Aggregate(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error)
	FastTier(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error)
	FallbackTiers(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error)
	Positions(ctx context.Context, wallet string) (*aggregator.PositionSet, error)
}

// Directory is the wallet's agent directory
type Directory interface {
	Load(ctx context.Context) *agents.LoadResult
	Agents() []models.Agent
	Selected() *models.Agent
	Select(agentID string) error
	Delete(ctx context.Context, agentID string) error
	Pause(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) error
	PatchStatus(agentID, status string) bool
}

// PositionCloser submits position closes to the backend
type PositionCloser interface {
	ClosePosition(ctx context.Context, req backend.ClosePositionRequest) (*backend.ClosePositionResponse, error)
}

// HistoryStore persists the pool/verification history
type HistoryStore interface {
	AppendHistory(ctx context.Context, wallet string, entry models.HistoryEntry) error
	History(ctx context.Context, wallet string) ([]models.HistoryEntry, error)
}

// Renderer receives every view the session produces
type Renderer interface {
	Render(view models.View)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(view models.View)

// Render calls f
func (f RendererFunc) Render(view models.View) { f(view) }

// Deps are a session's collaborators
type Deps struct {
	Aggregator Aggregator
	Directory  Directory
	Closer     PositionCloser
	History    HistoryStore
	Renderer   Renderer
}

// Session is one wallet's sync context
type Session struct {
	wallet   string
	agg      Aggregator
	dir      Directory
	closer   PositionCloser
	history  HistoryStore
	renderer Renderer
	logger   *logging.Logger
	now      func() time.Time

	refreshing atomic.Bool
	wg         sync.WaitGroup

	mu           sync.RWMutex
	snapshot     *models.PortfolioSnapshot
	version      uint64
	liveTotal    *float64
	state        models.ViewState
	channelState realtime.State
	transactions []models.Transaction
	agentsLoaded bool
	lastRepairs  []agents.RepairResult
	stopping     bool
}

// NewSession creates a session for wallet
func NewSession(wallet string, deps Deps) *Session {
	return &Session{
		wallet:       strings.ToLower(wallet),
		agg:          deps.Aggregator,
		dir:          deps.Directory,
		closer:       deps.Closer,
		history:      deps.History,
		renderer:     deps.Renderer,
		logger:       logging.GetGlobalLogger().ForComponent("session").ForWallet(wallet),
		now:          time.Now,
		state:        models.ViewLoading,
		channelState: realtime.StateDisconnected,
	}
}

// Wallet returns the session's wallet
func (s *Session) Wallet() string { return s.wallet }

// Refreshing reports whether a refresh pass, including a background
// revalidation, is in flight
func (s *Session) Refreshing() bool { return s.refreshing.Load() }

// goBackground runs fn on the session's wait group. It refuses once the
// session is stopping so no Add races the final Wait.
func (s *Session) goBackground(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// stop refuses new background work and waits for what is running
func (s *Session) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until background work started by the session has finished
func (s *Session) Wait() { s.wg.Wait() }

// Snapshot returns a copy of the current snapshot, or nil before the first commit
func (s *Session) Snapshot() *models.PortfolioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Version returns the current snapshot version
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Transactions returns the transaction log, newest first
func (s *Session) Transactions() []models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Transaction{}, s.transactions...)
}

// Agents returns the wallet's agents
func (s *Session) Agents() []models.Agent {
	return s.dir.Agents()
}

// LastRepairs returns the repair push results from the most recent agent load
func (s *Session) LastRepairs() []agents.RepairResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]agents.RepairResult(nil), s.lastRepairs...)
}

// History returns the persisted pool/verification history, newest first
func (s *Session) History(ctx context.Context) ([]models.HistoryEntry, error) {
	if s.history == nil {
		return []models.HistoryEntry{}, nil
	}
	return s.history.History(ctx, s.wallet)
}

// View projects the current state for the renderer
func (s *Session) View() models.View {
	agent := s.dir.Selected()

	s.mu.RLock()
	snap := s.snapshot.Clone()
	state := s.state
	live := s.liveTotal
	channel := s.channelState
	s.mu.RUnlock()

	if agent == nil && s.agentsLoadedSafe() {
		state = models.ViewNoAgent
		snap = models.EmptySnapshot(s.wallet)
		live = nil
	}

	view := models.View{
		Wallet:       s.wallet,
		State:        state,
		Agent:        agent,
		AgentStatus:  agent.Status(),
		Snapshot:     snap,
		Allocation:   risk.Allocation(snap),
		Risk:         risk.Indicators(snap, agent),
		ChannelState: string(channel),
		Refreshing:   s.refreshing.Load(),
	}
	switch {
	case live != nil:
		view.DisplayTotal = *live
	case snap != nil:
		view.DisplayTotal = snap.TotalValue
	}
	return view
}

func (s *Session) agentsLoadedSafe() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentsLoaded
}

func (s *Session) render() {
	if s.renderer == nil {
		return
	}
	s.renderer.Render(s.View())
}

// commit installs a full replacement snapshot and bumps the version
func (s *Session) commit(snap *models.PortfolioSnapshot, state models.ViewState) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	snap.Version = s.version
	s.snapshot = snap
	s.liveTotal = nil
	s.state = state
	return s.version
}

// commitIfCurrent installs a patched snapshot only if no other commit
// happened since version was read
func (s *Session) commitIfCurrent(version uint64, patch func(*models.PortfolioSnapshot) *models.PortfolioSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version || s.snapshot == nil {
		return false
	}
	next := patch(s.snapshot.Clone())
	if next == nil {
		return false
	}
	s.version++
	next.Version = s.version
	s.snapshot = next
	s.liveTotal = nil
	return true
}

func (s *Session) recordHistory(ctx context.Context, entry models.HistoryEntry) {
	if s.history == nil {
		return
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now().UTC()
	}
	if err := s.history.AppendHistory(ctx, s.wallet, entry); err != nil {
		s.logger.WithError(err).Warn("Failed to append history entry")
	}
}
