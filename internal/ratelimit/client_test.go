package ratelimit

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	balances int
	calls    int
}

func (c *countingBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.balances++
	return big.NewInt(42), nil
}

func (c *countingBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.calls++
	return []byte{0x01}, nil
}

func TestBackend_ChargesAndPassesThrough(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, 100, 50)
	inner := &countingBackend{}
	b, err := NewBackend(inner, tracker, nil, 10*time.Millisecond)
	require.NoError(t, err)

	bal, err := b.BalanceAt(ctx, common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())

	_, err = b.CallContract(WithPriority(ctx, PriorityLow), ethereum.CallMsg{}, nil)
	require.NoError(t, err)

	usage, err := tracker.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, CostEthGetBalance, usage.ReservedUsed)
	assert.Equal(t, CostEthCall, usage.SharedUsed)
	assert.Equal(t, 1, inner.balances)
	assert.Equal(t, 1, inner.calls)
}

func TestBackend_MaxWaitExceeded(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t, 20, 0)
	inner := &countingBackend{}
	b, err := NewBackend(inner, tracker, nil, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = b.BalanceAt(ctx, common.Address{}, nil)
	require.NoError(t, err)

	_, err = b.BalanceAt(ctx, common.Address{}, nil)
	assert.ErrorIs(t, err, ErrMaxWaitExceeded)
	assert.Equal(t, 1, inner.balances, "denied calls never reach the RPC")
}

func TestBackend_CancelledContext(t *testing.T) {
	tracker, _ := newTestTracker(t, 100, 0)
	inner := &countingBackend{}
	b, err := NewBackend(inner, tracker, nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.CallContract(ctx, ethereum.CallMsg{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inner.calls)
}

func TestNewBackend_Validation(t *testing.T) {
	tracker, _ := newTestTracker(t, 10, 0)
	_, err := NewBackend(nil, tracker, nil, 0)
	assert.Error(t, err)
	_, err = NewBackend(&countingBackend{}, nil, nil, 0)
	assert.Error(t, err)
}
