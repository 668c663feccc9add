package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/portfolio-sync/internal/logging"
)

// DefaultMaxWait bounds how long a call waits for budget
const DefaultMaxWait = 5 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthBackend is the RPC surface the on-chain tier uses
type EthBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Backend wraps an EthBackend and charges every call against a BudgetTracker
// before letting it through. The pool is chosen by the context's priority.
type Backend struct {
	underlying EthBackend
	tracker    *BudgetTracker
	costs      *CostRegistry
	maxWait    time.Duration
	logger     *logging.Logger
}

// NewBackend creates a rate-limited backend. maxWait <= 0 uses DefaultMaxWait.
func NewBackend(underlying EthBackend, tracker *BudgetTracker, costs *CostRegistry, maxWait time.Duration) (*Backend, error) {
	if underlying == nil {
		return nil, errors.New("underlying client is required")
	}
	if tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	if costs == nil {
		costs = NewCostRegistry(nil)
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Backend{
		underlying: underlying,
		tracker:    tracker,
		costs:      costs,
		maxWait:    maxWait,
		logger:     logging.GetGlobalLogger().ForComponent("ratelimit"),
	}, nil
}

// waitForBudget blocks until budget is available, ctx is done, or maxWait
// would be exceeded.
func (b *Backend) waitForBudget(ctx context.Context, method string) error {
	cu := b.costs.Cost(method)
	priority := PriorityFrom(ctx)
	deadline := time.Now().Add(b.maxWait)
	log := b.logger.WithFields(map[string]interface{}{
		"method":   method,
		"priority": priority.String(),
		"cu":       cu,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := b.tracker.TryConsume(ctx, cu, priority)
		if allowed {
			if err := b.tracker.RecordMethodUsage(ctx, method, cu); err != nil {
				log.WithError(err).Debug("Failed to record method usage")
			}
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			log.Warn("RPC budget wait exceeded")
			return fmt.Errorf("%s: %w", method, ErrMaxWaitExceeded)
		}
		log.WithField("wait_ms", wait.Milliseconds()).Debug("Waiting for RPC budget")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// BalanceAt wraps eth_getBalance
func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := b.waitForBudget(ctx, MethodEthGetBalance); err != nil {
		return nil, err
	}
	return b.underlying.BalanceAt(ctx, account, blockNumber)
}

// CallContract wraps eth_call
func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := b.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, err
	}
	return b.underlying.CallContract(ctx, msg, blockNumber)
}
