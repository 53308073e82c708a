// Package chain talks to the EVM chain: marketplace requests through the
// Service Safe, direct EOA sends, and the staking checkpoint. All reads go
// through a paced backend so bursts of view calls stay friendly to public
// RPC endpoints.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ReadPacing is the minimum spacing between independent read calls.
const ReadPacing = 200 * time.Millisecond

// Backend is the subset of the RPC client the engine uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to the RPC endpoint and wraps it with read pacing.
func Dial(ctx context.Context, rpcURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return NewPacedBackend(client, ReadPacing), nil
}

// pacedBackend spaces read calls at least gap apart. Writes pass through.
type pacedBackend struct {
	inner Backend
	gap   time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewPacedBackend wraps a backend with read pacing.
func NewPacedBackend(inner Backend, gap time.Duration) Backend {
	return &pacedBackend{inner: inner, gap: gap}
}

// pace reserves the next read slot and blocks until it arrives.
func (p *pacedBackend) pace(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.gap)
	p.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (p *pacedBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}
	return p.inner.CallContract(ctx, call, blockNumber)
}

func (p *pacedBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}
	return p.inner.BalanceAt(ctx, account, blockNumber)
}

func (p *pacedBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}
	return p.inner.HeaderByNumber(ctx, number)
}

func (p *pacedBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := p.pace(ctx); err != nil {
		return 0, err
	}
	return p.inner.PendingNonceAt(ctx, account)
}

func (p *pacedBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}
	return p.inner.SuggestGasTipCap(ctx)
}

func (p *pacedBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := p.pace(ctx); err != nil {
		return 0, err
	}
	return p.inner.EstimateGas(ctx, call)
}

func (p *pacedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.inner.SendTransaction(ctx, tx)
}

func (p *pacedBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := p.pace(ctx); err != nil {
		return nil, err
	}
	return p.inner.TransactionReceipt(ctx, txHash)
}
