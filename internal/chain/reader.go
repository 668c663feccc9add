// Package chain reads balances directly from an EVM RPC endpoint.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the gas token
const NativeDecimals = 18

// ERC20 balanceOf ABI
const erc20ABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}]`

// Backend is the subset of ethclient the reader needs
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader performs native and ERC-20 balance reads at the latest block
type Reader struct {
	backend Backend
	erc20   abi.ABI
	closer  func()
}

// Dial connects to an RPC endpoint
func Dial(rpcURL string) (*Reader, error) {
	return DialWith(rpcURL, nil)
}

// DialWith connects to an RPC endpoint and lets wrap decorate the client,
// e.g. with rate limiting. A nil wrap uses the client as is.
func DialWith(rpcURL string, wrap func(Backend) (Backend, error)) (*Reader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	var backend Backend = client
	if wrap != nil {
		if backend, err = wrap(client); err != nil {
			client.Close()
			return nil, err
		}
	}
	r, err := NewReader(backend)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closer = client.Close
	return r, nil
}

// NewReader wraps an existing backend
func NewReader(backend Backend) (*Reader, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &Reader{backend: backend, erc20: parsedABI}, nil
}

// Close releases the RPC connection if the reader owns one
func (r *Reader) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// NativeBalance returns owner's gas token balance in whole units
func (r *Reader) NativeBalance(ctx context.Context, owner string) (decimal.Decimal, error) {
	if !common.IsHexAddress(owner) {
		return decimal.Zero, fmt.Errorf("invalid owner address: %s", owner)
	}
	wei, err := r.backend.BalanceAt(ctx, common.HexToAddress(owner), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("native balance of %s: %w", owner, err)
	}
	return ToUnits(wei, NativeDecimals), nil
}

// TokenBalance returns owner's balance of an ERC-20 token in whole units
func (r *Reader) TokenBalance(ctx context.Context, token, owner string, decimals int32) (decimal.Decimal, error) {
	if !common.IsHexAddress(token) {
		return decimal.Zero, fmt.Errorf("invalid token address: %s", token)
	}
	if !common.IsHexAddress(owner) {
		return decimal.Zero, fmt.Errorf("invalid owner address: %s", owner)
	}

	tokenAddr := common.HexToAddress(token)
	data, err := r.erc20.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}

	result, err := r.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &tokenAddr,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf %s on %s: %w", owner, token, err)
	}
	if len(result) == 0 {
		return decimal.Zero, nil
	}
	return ToUnits(new(big.Int).SetBytes(result), decimals), nil
}

// ToUnits scales a base-unit integer by decimals
func ToUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ValidAddress reports whether s is a hex-encoded 20-byte address
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
