package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/portfolio-sync/internal/mapper"
	"github.com/portfolio-sync/internal/models"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyAgents is the wallet-scoped agent list
	CacheKeyAgents CacheKeyType = "agents"
	// CacheKeyLegacyAgents is the shared legacy-format agent list
	CacheKeyLegacyAgents CacheKeyType = "agents_legacy"
	// CacheKeyLegacyAgent is the single-agent legacy record
	CacheKeyLegacyAgent CacheKeyType = "agent_legacy"
	// CacheKeyDeleted is the deleted-agent tombstone set
	CacheKeyDeleted CacheKeyType = "agents_deleted"
	// CacheKeyHistory is the capped pool/verification history list
	CacheKeyHistory CacheKeyType = "history"
)

// CacheService is the client-persisted cache behind the agent directory and
// the session's history log. Partitions are keyed by wallet.
type CacheService struct {
	redis        *RedisCache
	historyLimit int
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, historyLimit int) *CacheService {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &CacheService{
		redis:        redis,
		historyLimit: historyLimit,
	}
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// WalletAgents reads the wallet-scoped agent list. found is false on a miss.
func (c *CacheService) WalletAgents(ctx context.Context, wallet string) (agents []models.Agent, found bool, err error) {
	found, err = c.getJSON(ctx, c.GenerateCacheKey(CacheKeyAgents, wallet), &agents)
	return agents, found, err
}

// SaveWalletAgents overwrites the wallet-scoped agent list
func (c *CacheService) SaveWalletAgents(ctx context.Context, wallet string, agents []models.Agent) error {
	if agents == nil {
		agents = []models.Agent{}
	}
	return c.setJSON(ctx, c.GenerateCacheKey(CacheKeyAgents, wallet), agents)
}

// LegacyAgents reads the legacy shared list and the single-agent record,
// keeping only records owned by wallet
func (c *CacheService) LegacyAgents(ctx context.Context, wallet string) ([]models.Agent, error) {
	records, _, err := c.legacyRecords(ctx)
	if err != nil {
		return nil, err
	}

	owner := strings.ToLower(wallet)
	seen := make(map[string]bool)
	var agents []models.Agent
	for _, r := range records {
		if mapper.LegacyOwner(r) != owner {
			continue
		}
		if agent, ok := mapper.Agent(r); ok && !seen[agent.ID] {
			seen[agent.ID] = true
			agents = append(agents, agent)
		}
	}

	var single mapper.Raw
	found, err := c.getJSON(ctx, c.GenerateCacheKey(CacheKeyLegacyAgent, wallet), &single)
	if err != nil {
		return agents, err
	}
	if found {
		if agent, ok := mapper.Agent(single); ok && !seen[agent.ID] {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

// SaveLegacyAgents replaces wallet's records in the legacy shared list,
// preserving records owned by other wallets
func (c *CacheService) SaveLegacyAgents(ctx context.Context, wallet string, agents []models.Agent) error {
	records, _, err := c.legacyRecords(ctx)
	if err != nil {
		return err
	}

	owner := strings.ToLower(wallet)
	kept := make([]mapper.Raw, 0, len(records)+len(agents))
	for _, r := range records {
		if mapper.LegacyOwner(r) != owner {
			kept = append(kept, r)
		}
	}
	for _, a := range agents {
		kept = append(kept, mapper.LegacyAgent(wallet, a))
	}
	return c.setJSON(ctx, c.GenerateCacheKey(CacheKeyLegacyAgents), kept)
}

// RemoveOrphanedLegacyAgent deletes the single-agent legacy record when its
// agent is not in keep. Returns true if a record was removed.
func (c *CacheService) RemoveOrphanedLegacyAgent(ctx context.Context, wallet string, keep []models.Agent) (bool, error) {
	key := c.GenerateCacheKey(CacheKeyLegacyAgent, wallet)
	var single mapper.Raw
	found, err := c.getJSON(ctx, key, &single)
	if err != nil || !found {
		return false, err
	}

	if agent, ok := mapper.Agent(single); ok {
		for _, a := range keep {
			if a.ID == agent.ID {
				return false, nil
			}
		}
	}
	if err := c.redis.Del(ctx, key); err != nil {
		return false, fmt.Errorf("failed to delete legacy agent record: %w", err)
	}
	return true, nil
}

// SaveLegacyAgent writes the single-agent legacy record
func (c *CacheService) SaveLegacyAgent(ctx context.Context, wallet string, agent models.Agent) error {
	return c.setJSON(ctx, c.GenerateCacheKey(CacheKeyLegacyAgent, wallet), mapper.LegacyAgent(wallet, agent))
}

// Tombstone records that agentID was deleted by wallet
func (c *CacheService) Tombstone(ctx context.Context, wallet, agentID string) error {
	if err := c.redis.SAdd(ctx, c.GenerateCacheKey(CacheKeyDeleted, wallet), agentID); err != nil {
		return fmt.Errorf("failed to record deleted agent: %w", err)
	}
	return nil
}

// Tombstones returns the deleted agent ids for wallet
func (c *CacheService) Tombstones(ctx context.Context, wallet string) (map[string]struct{}, error) {
	ids, err := c.redis.SMembers(ctx, c.GenerateCacheKey(CacheKeyDeleted, wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to read deleted agents: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// AppendHistory prepends an entry to wallet's history, evicting the oldest
// entries beyond the configured limit
func (c *CacheService) AppendHistory(ctx context.Context, wallet string, entry models.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	return c.redis.PushCapped(ctx, c.GenerateCacheKey(CacheKeyHistory, wallet), data, c.historyLimit)
}

// History returns wallet's history, newest first
func (c *CacheService) History(ctx context.Context, wallet string) ([]models.HistoryEntry, error) {
	items, err := c.redis.LRange(ctx, c.GenerateCacheKey(CacheKeyHistory, wallet), 0, int64(c.historyLimit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	out := make([]models.HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *CacheService) legacyRecords(ctx context.Context) ([]mapper.Raw, bool, error) {
	var records []mapper.Raw
	found, err := c.getJSON(ctx, c.GenerateCacheKey(CacheKeyLegacyAgents), &records)
	return records, found, err
}

func (c *CacheService) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, 0)
}

func (c *CacheService) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}
