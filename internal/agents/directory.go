// Package agents resolves which delegated agents exist for a wallet,
// reconciling the backend-of-record against the client-persisted cache.
package agents

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/portfolio-sync/internal/backend"
	apperrors "github.com/portfolio-sync/internal/errors"
	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/metrics"
	"github.com/portfolio-sync/internal/models"
)

// Backend is the agent half of the backend-of-record
type Backend interface {
	AgentStatus(ctx context.Context, wallet string) (*backend.AgentStatusResponse, error)
	SyncAgent(ctx context.Context, wallet string, agent mapper.Raw) error
	DeleteAgent(ctx context.Context, wallet, agentID string) error
	PauseAgent(ctx context.Context, wallet, agentID string) error
	ResumeAgent(ctx context.Context, wallet, agentID string) error
}

// Cache is the client-persisted agent cache
type Cache interface {
	WalletAgents(ctx context.Context, wallet string) ([]models.Agent, bool, error)
	SaveWalletAgents(ctx context.Context, wallet string, agents []models.Agent) error
	LegacyAgents(ctx context.Context, wallet string) ([]models.Agent, error)
	SaveLegacyAgents(ctx context.Context, wallet string, agents []models.Agent) error
	RemoveOrphanedLegacyAgent(ctx context.Context, wallet string, keep []models.Agent) (bool, error)
	Tombstone(ctx context.Context, wallet, agentID string) error
	Tombstones(ctx context.Context, wallet string) (map[string]struct{}, error)
}

// Source records where a loaded agent list came from
type Source string

const (
	SourceBackend     Source = "backend"
	SourceRepair      Source = "local_repair"
	SourceWalletCache Source = "wallet_cache"
	SourceLegacyCache Source = "legacy_cache"
	SourceNone        Source = "none"
)

// RepairResult is the outcome of pushing one locally-known agent to the backend
type RepairResult struct {
	AgentID string
	Err     error
}

// LoadResult describes one Load pass
type LoadResult struct {
	Agents  []models.Agent
	Source  Source
	Repairs []RepairResult
}

// RepairFailures returns the repair pushes that failed
func (r *LoadResult) RepairFailures() []RepairResult {
	var failed []RepairResult
	for _, rr := range r.Repairs {
		if rr.Err != nil {
			failed = append(failed, rr)
		}
	}
	return failed
}

// Directory holds one wallet's agent list and the selected agent
type Directory struct {
	wallet  string
	backend Backend
	cache   Cache
	logger  *logging.Logger
	now     func() time.Time

	mu         sync.RWMutex
	agents     []models.Agent
	selectedID string
}

// NewDirectory creates a directory for wallet
func NewDirectory(wallet string, b Backend, c Cache) *Directory {
	return &Directory{
		wallet:  strings.ToLower(wallet),
		backend: b,
		cache:   c,
		logger:  logging.GetGlobalLogger().ForComponent("agents").ForWallet(wallet),
		now:     time.Now,
	}
}

// Load resolves the wallet's agents. The backend is authoritative when it
// answers; the wallet cache and then the legacy cache are read when it does
// not. Deleted agents never come back from any path.
func (d *Directory) Load(ctx context.Context) *LoadResult {
	dead := d.tombstones(ctx)
	result := &LoadResult{Source: SourceNone}

	resp, err := d.backend.AgentStatus(ctx, d.wallet)
	if err != nil {
		d.logger.WithError(apperrors.SourceUnavailable("agent_status", err)).
			WithField("category", apperrors.CategorySourceUnavailable).
			Warn("Agent status unavailable, falling back to cache")
		result.Agents, result.Source = d.readLocal(ctx, dead)
		d.apply(result.Agents)
		return result
	}

	remote := filterDead(mapper.Agents(resp.Agents), dead)
	if len(remote) == 0 {
		if local, src := d.readLocal(ctx, dead); len(local) > 0 {
			d.logger.WithFields(map[string]interface{}{
				"cached": len(local),
				"from":   src,
			}).Info("Backend has no agents but cache does, pushing local agents")
			result.Agents = local
			result.Source = SourceRepair
			result.Repairs = d.repair(ctx, local)
			d.writeCaches(ctx, local)
			d.apply(local)
			return result
		}
	}

	result.Agents = remote
	result.Source = SourceBackend
	d.writeCaches(ctx, remote)
	if removed, err := d.cache.RemoveOrphanedLegacyAgent(ctx, d.wallet, remote); err != nil {
		d.logger.WithError(err).Warn("Failed to clean legacy agent record")
	} else if removed {
		d.logger.Debug("Removed orphaned legacy agent record")
	}
	d.apply(remote)
	return result
}

// Agents returns a copy of the current agent list
func (d *Directory) Agents() []models.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.Agent(nil), d.agents...)
}

// Selected returns a copy of the selected agent, or nil in the no-agent state
func (d *Directory) Selected() *models.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexOf(d.selectedID); i >= 0 {
		agent := d.agents[i]
		return &agent
	}
	return nil
}

// Select makes agentID the selected agent
func (d *Directory) Select(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexOf(agentID) < 0 {
		return apperrors.NotFound("agent", agentID)
	}
	d.selectedID = agentID
	return nil
}

// Delete removes an agent everywhere it could be re-read from. Local state is
// updated even when the backend call fails, in which case the returned error
// is a WriteFailure.
func (d *Directory) Delete(ctx context.Context, agentID string) error {
	d.mu.RLock()
	known := d.indexOf(agentID) >= 0
	d.mu.RUnlock()
	if !known {
		return apperrors.NotFound("agent", agentID)
	}

	writeErr := d.backendWrite("agent_delete", agentID, func() error {
		return d.backend.DeleteAgent(ctx, d.wallet, agentID)
	})

	if err := d.cache.Tombstone(ctx, d.wallet, agentID); err != nil {
		d.logger.WithError(err).WithField("agent", agentID).Warn("Failed to record deleted agent")
	}

	d.mu.Lock()
	if i := d.indexOf(agentID); i >= 0 {
		d.agents = append(d.agents[:i:i], d.agents[i+1:]...)
	}
	if d.selectedID == agentID {
		d.selectedID = ""
	}
	d.selectDefaultLocked()
	remaining := append([]models.Agent(nil), d.agents...)
	d.mu.Unlock()

	d.writeCaches(ctx, remaining)
	if _, err := d.cache.RemoveOrphanedLegacyAgent(ctx, d.wallet, remaining); err != nil {
		d.logger.WithError(err).Warn("Failed to clean legacy agent record")
	}

	d.logger.WithField("agent", agentID).Info("Agent deleted")
	return writeErr
}

// Pause pauses an agent, updating local state even if the backend call fails
func (d *Directory) Pause(ctx context.Context, agentID string) error {
	return d.setActive(ctx, agentID, false)
}

// Resume resumes a paused agent, updating local state even if the backend call fails
func (d *Directory) Resume(ctx context.Context, agentID string) error {
	return d.setActive(ctx, agentID, true)
}

// PatchStatus applies a pushed status to the in-memory agent only.
// Returns false if the agent is unknown.
func (d *Directory) PatchStatus(agentID, status string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexOf(agentID)
	if i < 0 {
		return false
	}
	agent := &d.agents[i]
	switch strings.ToLower(status) {
	case "active", "running":
		agent.IsActive = true
		agent.PausedAt = nil
	case "paused":
		agent.IsActive = false
		if agent.PausedAt == nil {
			now := d.now().UTC()
			agent.PausedAt = &now
		}
	default:
		agent.IsActive = false
	}
	return true
}

func (d *Directory) setActive(ctx context.Context, agentID string, active bool) error {
	d.mu.RLock()
	known := d.indexOf(agentID) >= 0
	d.mu.RUnlock()
	if !known {
		return apperrors.NotFound("agent", agentID)
	}

	op := "agent_pause"
	call := d.backend.PauseAgent
	if active {
		op = "agent_resume"
		call = d.backend.ResumeAgent
	}
	writeErr := d.backendWrite(op, agentID, func() error {
		return call(ctx, d.wallet, agentID)
	})

	d.mu.Lock()
	if i := d.indexOf(agentID); i >= 0 {
		d.agents[i].IsActive = active
		if active {
			d.agents[i].PausedAt = nil
		} else {
			now := d.now().UTC()
			d.agents[i].PausedAt = &now
		}
	}
	snapshot := append([]models.Agent(nil), d.agents...)
	d.mu.Unlock()

	d.writeCaches(ctx, snapshot)
	return writeErr
}

func (d *Directory) backendWrite(op, agentID string, call func() error) error {
	if err := call(); err != nil {
		werr := apperrors.WriteFailure(op, err)
		metrics.RecordWriteFailure(op)
		d.logger.WithError(werr).WithFields(map[string]interface{}{
			"agent":    agentID,
			"category": apperrors.CategoryWriteFailure,
		}).Warn("Backend write failed, local state updated anyway")
		return werr
	}
	return nil
}

// repair pushes each agent one at a time; failures are collected, not fatal
func (d *Directory) repair(ctx context.Context, local []models.Agent) []RepairResult {
	results := make([]RepairResult, 0, len(local))
	for _, agent := range local {
		rr := RepairResult{AgentID: agent.ID}
		if err := d.backend.SyncAgent(ctx, d.wallet, mapper.LegacyAgent(d.wallet, agent)); err != nil {
			rr.Err = apperrors.WriteFailure("agent_sync", err)
			metrics.RecordWriteFailure("agent_sync")
			d.logger.WithError(rr.Err).WithFields(map[string]interface{}{
				"agent":    agent.ID,
				"category": apperrors.CategoryWriteFailure,
			}).Warn("Agent repair push failed")
		}
		results = append(results, rr)
	}
	return results
}

func (d *Directory) readLocal(ctx context.Context, dead map[string]struct{}) ([]models.Agent, Source) {
	cached, found, err := d.cache.WalletAgents(ctx, d.wallet)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read wallet agent cache")
	}
	if cached = filterDead(cached, dead); found && len(cached) > 0 {
		return cached, SourceWalletCache
	}

	legacy, err := d.cache.LegacyAgents(ctx, d.wallet)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read legacy agent cache")
	}
	if legacy = filterDead(legacy, dead); len(legacy) > 0 {
		return legacy, SourceLegacyCache
	}
	return nil, SourceNone
}

func (d *Directory) writeCaches(ctx context.Context, agents []models.Agent) {
	if err := d.cache.SaveWalletAgents(ctx, d.wallet, agents); err != nil {
		d.logger.WithError(err).Warn("Failed to write wallet agent cache")
	}
	if err := d.cache.SaveLegacyAgents(ctx, d.wallet, agents); err != nil {
		d.logger.WithError(err).Warn("Failed to write legacy agent cache")
	}
}

func (d *Directory) tombstones(ctx context.Context) map[string]struct{} {
	dead, err := d.cache.Tombstones(ctx, d.wallet)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read deleted agents")
		return nil
	}
	return dead
}

// apply installs a freshly loaded list, keeping an explicit selection that
// survived the load
func (d *Directory) apply(agents []models.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents = append([]models.Agent(nil), agents...)
	if d.indexOf(d.selectedID) < 0 {
		d.selectedID = ""
	}
	d.selectDefaultLocked()
}

// selectDefaultLocked picks the first active agent, else the first agent
func (d *Directory) selectDefaultLocked() {
	if d.selectedID != "" {
		return
	}
	if agent := SelectDefault(d.agents); agent != nil {
		d.selectedID = agent.ID
	}
}

func (d *Directory) indexOf(agentID string) int {
	if agentID == "" {
		return -1
	}
	for i := range d.agents {
		if d.agents[i].ID == agentID {
			return i
		}
	}
	return -1
}

// SelectDefault applies the selection policy: first active agent, else the
// first agent, else nil
func SelectDefault(agents []models.Agent) *models.Agent {
	for i := range agents {
		if agents[i].IsActive {
			return &agents[i]
		}
	}
	if len(agents) > 0 {
		return &agents[0]
	}
	return nil
}

func filterDead(agents []models.Agent, dead map[string]struct{}) []models.Agent {
	if len(dead) == 0 {
		return agents
	}
	out := agents[:0:0]
	for _, a := range agents {
		if _, gone := dead[a.ID]; !gone {
			out = append(out, a)
		}
	}
	return out
}
