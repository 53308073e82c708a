package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MinCheckpointBalance is the Agent EOA balance floor for submitting a
// checkpoint transaction: 0.0001 native token in wei.
var MinCheckpointBalance = big.NewInt(100_000_000_000_000)

// ErrLowBalance reports that the Agent EOA cannot fund a checkpoint call.
var ErrLowBalance = errors.New("chain: agent balance below checkpoint floor")

// NextRewardCheckpointTimestamp reads when the staking contract will next
// accept a checkpoint, as a unix timestamp.
func (e *Engine) NextRewardCheckpointTimestamp(ctx context.Context, staking common.Address) (uint64, error) {
	out, err := e.callView(ctx, staking, stakingABI, "getNextRewardCheckpointTimestamp")
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint timestamp: %w", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// Checkpoint submits checkpoint() on the staking contract from the Agent
// EOA and waits for one confirmation. Callers gate on
// NextRewardCheckpointTimestamp first; this only verifies the EOA can pay
// for gas.
func (e *Engine) Checkpoint(ctx context.Context, staking common.Address) (*types.Receipt, error) {
	agent, err := e.wallet.AgentEOA()
	if err != nil {
		return nil, err
	}
	balance, err := e.backend.BalanceAt(ctx, agent, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent balance: %w", err)
	}
	if balance.Cmp(MinCheckpointBalance) < 0 {
		return nil, ErrLowBalance
	}

	data, err := stakingABI.Pack("checkpoint")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint call: %w", err)
	}
	return e.SendViaEOA(ctx, staking, new(big.Int), data)
}
