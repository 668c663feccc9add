package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/portfolio-sync/internal/agents"
	"github.com/portfolio-sync/internal/aggregator"
	"github.com/portfolio-sync/internal/backend"
	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/models"
)

const testWallet = "0xabc0000000000000000000000000000000000001"

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type snapshotFunc func(opts aggregator.Options) (*models.PortfolioSnapshot, error)

type fakeAggregator struct {
	mu        sync.Mutex
	aggregate snapshotFunc
	fast      snapshotFunc
	fallback  snapshotFunc
	positions func() (*aggregator.PositionSet, error)

	aggregateOpts  []aggregator.Options
	fastCalls      int
	fallbackCalls  int
	positionsCalls int
}

func (f *fakeAggregator) Aggregate(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error) {
	f.mu.Lock()
	f.aggregateOpts = append(f.aggregateOpts, opts)
	fn := f.aggregate
	f.mu.Unlock()
	if fn == nil {
		return nil, apperrors.Exhausted(wallet, nil)
	}
	return fn(opts)
}

func (f *fakeAggregator) FastTier(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error) {
	f.mu.Lock()
	f.fastCalls++
	fn := f.fast
	f.mu.Unlock()
	if fn == nil {
		return nil, apperrors.IncompleteData(string(models.TierFastSnapshot), "no data")
	}
	return fn(opts)
}

func (f *fakeAggregator) FallbackTiers(ctx context.Context, wallet string, opts aggregator.Options) (*models.PortfolioSnapshot, error) {
	f.mu.Lock()
	f.fallbackCalls++
	fn := f.fallback
	f.mu.Unlock()
	if fn == nil {
		return nil, apperrors.Exhausted(wallet, nil)
	}
	return fn(opts)
}

func (f *fakeAggregator) Positions(ctx context.Context, wallet string) (*aggregator.PositionSet, error) {
	f.mu.Lock()
	f.positionsCalls++
	fn := f.positions
	f.mu.Unlock()
	return fn()
}

func (f *fakeAggregator) aggregateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aggregateOpts)
}

func (f *fakeAggregator) positionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positionsCalls
}

// snapshotOf builds a fresh finalized snapshot on every call
func snapshotOf(tier models.SourceTier, holdings []models.Holding, positions ...models.Position) snapshotFunc {
	return func(opts aggregator.Options) (*models.PortfolioSnapshot, error) {
		snap := &models.PortfolioSnapshot{
			Wallet:       testWallet,
			AgentAddress: opts.AgentAddress,
			Holdings:     append([]models.Holding{}, holdings...),
			Positions:    append([]models.Position{}, positions...),
			SourceTier:   tier,
			FetchedAt:    time.Now().UTC(),
		}
		snap.Finalize(-1)
		return snap, nil
	}
}

// gated blocks until release is closed, signalling entered first
func gated(entered chan<- struct{}, release <-chan struct{}, fn snapshotFunc) snapshotFunc {
	return func(opts aggregator.Options) (*models.PortfolioSnapshot, error) {
		entered <- struct{}{}
		<-release
		return fn(opts)
	}
}

type fakeDirectory struct {
	mu       sync.Mutex
	list     []models.Agent
	selected string
	loads    int
	writeErr error
}

func newFakeDirectory(list ...models.Agent) *fakeDirectory {
	return &fakeDirectory{list: list}
}

func (d *fakeDirectory) Load(ctx context.Context) *agents.LoadResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	if d.indexOf(d.selected) < 0 {
		d.selected = ""
		if a := agents.SelectDefault(d.list); a != nil {
			d.selected = a.ID
		}
	}
	return &agents.LoadResult{Agents: append([]models.Agent(nil), d.list...), Source: agents.SourceBackend}
}

func (d *fakeDirectory) Agents() []models.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Agent(nil), d.list...)
}

func (d *fakeDirectory) Selected() *models.Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(d.selected); i >= 0 {
		a := d.list[i]
		return &a
	}
	return nil
}

func (d *fakeDirectory) Select(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexOf(agentID) < 0 {
		return apperrors.NotFound("agent", agentID)
	}
	d.selected = agentID
	return nil
}

func (d *fakeDirectory) Delete(ctx context.Context, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexOf(agentID)
	if i < 0 {
		return apperrors.NotFound("agent", agentID)
	}
	d.list = append(d.list[:i:i], d.list[i+1:]...)
	if d.selected == agentID {
		d.selected = ""
		if a := agents.SelectDefault(d.list); a != nil {
			d.selected = a.ID
		}
	}
	return d.writeErr
}

func (d *fakeDirectory) Pause(ctx context.Context, agentID string) error {
	d.PatchStatus(agentID, "paused")
	return d.writeErr
}

func (d *fakeDirectory) Resume(ctx context.Context, agentID string) error {
	d.PatchStatus(agentID, "active")
	return d.writeErr
}

func (d *fakeDirectory) PatchStatus(agentID, status string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexOf(agentID)
	if i < 0 {
		return false
	}
	switch status {
	case "active":
		d.list[i].IsActive = true
		d.list[i].PausedAt = nil
	case "paused":
		now := time.Now()
		d.list[i].IsActive = false
		d.list[i].PausedAt = &now
	default:
		d.list[i].IsActive = false
	}
	return true
}

func (d *fakeDirectory) loadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads
}

func (d *fakeDirectory) indexOf(agentID string) int {
	for i := range d.list {
		if agentID != "" && d.list[i].ID == agentID {
			return i
		}
	}
	return -1
}

type fakeCloser struct {
	mu       sync.Mutex
	requests []backend.ClosePositionRequest
	err      error
}

func (c *fakeCloser) ClosePosition(ctx context.Context, req backend.ClosePositionRequest) (*backend.ClosePositionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &backend.ClosePositionResponse{TxHash: "0xfeed"}, nil
}

type memoryHistory struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func (h *memoryHistory) AppendHistory(ctx context.Context, wallet string, entry models.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]models.HistoryEntry{entry}, h.entries...)
	return nil
}

func (h *memoryHistory) History(ctx context.Context, wallet string) ([]models.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.HistoryEntry(nil), h.entries...), nil
}

type viewRecorder struct {
	mu    sync.Mutex
	views []models.View
}

func (r *viewRecorder) Render(view models.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
}

func (r *viewRecorder) last() models.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[len(r.views)-1]
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func (r *viewRecorder) totals() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, v := range r.views {
		out = append(out, v.DisplayTotal)
	}
	return out
}

type harness struct {
	session  *Session
	agg      *fakeAggregator
	dir      *fakeDirectory
	closer   *fakeCloser
	history  *memoryHistory
	recorder *viewRecorder
}

func activeAgent(id string) models.Agent {
	return models.Agent{
		ID:       id,
		Address:  "0xagent" + id,
		Name:     "agent " + id,
		IsActive: true,
		ProConfig: models.ProConfig{
			PoolType: models.PoolTypeSingle,
			AvoidIL:  true,
		},
	}
}

func newHarness(list ...models.Agent) *harness {
	h := &harness{
		agg:      &fakeAggregator{},
		dir:      newFakeDirectory(list...),
		closer:   &fakeCloser{},
		history:  &memoryHistory{},
		recorder: &viewRecorder{},
	}
	h.session = NewSession(testWallet, Deps{
		Aggregator: h.agg,
		Directory:  h.dir,
		Closer:     h.closer,
		History:    h.history,
		Renderer:   h.recorder,
	})
	return h
}
