// Package ratelimit provides compute-unit (CU) budgeting for RPC calls. The
// budget lives in Redis so every process sharing an RPC key draws from the
// same window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultKeyTTL     = 2 * time.Second // window + buffer
)

// Redis key prefixes for CU tracking.
const (
	KeyPrefixTotal    = "cu:total:"
	KeyPrefixReserved = "cu:reserved:"
	KeyPrefixShared   = "cu:shared:"
	KeyPrefixMethod   = "cu:method:"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is for foreground refreshes (uses reserved budget).
	PriorityHigh Priority = iota
	// PriorityLow is for background revalidation (uses shared budget).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so rate-limited calls made under it use priority
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, defaulting to PriorityHigh
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// consumeScript atomically checks both the total and the pool counter
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cu = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cu > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cu > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cu)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cu)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cu, poolUsed + cu}
`)

// BudgetTracker coordinates CU consumption using fixed Redis windows with
// separate pools for priority (reserved) and best-effort (shared) calls.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetConfig holds configuration for the tracker.
type BudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// TotalBudget is the CU allowed per window across both pools.
	TotalBudget int

	// ReservedBudget is the share of TotalBudget only PriorityHigh may use.
	// The remainder is the shared pool.
	ReservedBudget int

	// WindowSize defaults to one second.
	WindowSize time.Duration
}

// UsageStats is a point-in-time view of the current window
type UsageStats struct {
	TotalUsed    int
	ReservedUsed int
	SharedUsed   int
	TotalBudget  int
	WindowStart  time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget <= 0 {
		return fmt.Errorf("total budget must be positive, got %d", c.TotalBudget)
	}
	if c.ReservedBudget < 0 || c.ReservedBudget > c.TotalBudget {
		return fmt.Errorf("reserved budget must be within [0, %d], got %d", c.TotalBudget, c.ReservedBudget)
	}
	return nil
}

// NewBudgetTracker creates a tracker
func NewBudgetTracker(cfg *BudgetConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := DefaultKeyTTL
	if windowSize*2 > keyTTL {
		keyTTL = windowSize * 2
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		sharedBudget:   cfg.TotalBudget - cfg.ReservedBudget,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
	}, nil
}

// windowStart aligns now to the window boundary
func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func keysFor(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume attempts to take cu from the pool for priority. PriorityHigh
// draws on the reserved pool first and spills into the shared pool when the
// reserved pool is spent. When the call is denied, wait is the time until the
// next window.
func (t *BudgetTracker) TryConsume(ctx context.Context, cu int, priority Priority) (allowed bool, wait time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := keysFor(window)

	if priority == PriorityHigh && t.reservedBudget > 0 {
		if ok, err := t.consume(ctx, totalKey, reservedKey, cu, t.reservedBudget); err == nil && ok {
			return true, 0
		}
	}
	ok, err := t.consume(ctx, totalKey, sharedKey, cu, t.sharedBudget)
	if err != nil || !ok {
		// Redis errors deny the call
		return false, t.untilNextWindow(window)
	}
	return true, 0
}

func (t *BudgetTracker) consume(ctx context.Context, totalKey, poolKey string, cu, poolBudget int) (bool, error) {
	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cu, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, err
	}
	return len(result) > 0 && result[0] == 1, nil
}

// untilNextWindow returns the time until the next window starts, plus a
// millisecond so the retry lands inside it.
func (t *BudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// RecordMethodUsage adds cu to the per-method counter for the current window
func (t *BudgetTracker) RecordMethodUsage(ctx context.Context, method string, cu int) error {
	key := KeyPrefixMethod + method + ":" + strconv.FormatInt(t.windowStart().UnixMilli(), 10)
	pipe := t.redis.TxPipeline()
	pipe.IncrBy(ctx, key, int64(cu))
	pipe.Expire(ctx, key, t.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Usage returns the current window's counters
func (t *BudgetTracker) Usage(ctx context.Context) (*UsageStats, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := keysFor(window)

	pipe := t.redis.Pipeline()
	total := pipe.Get(ctx, totalKey)
	reserved := pipe.Get(ctx, reservedKey)
	shared := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read CU usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:    intOrZero(total),
		ReservedUsed: intOrZero(reserved),
		SharedUsed:   intOrZero(shared),
		TotalBudget:  t.totalBudget,
		WindowStart:  window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
