package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
)

// CheckpointCaller is the slice of the transaction engine the driver uses.
type CheckpointCaller interface {
	NextRewardCheckpointTimestamp(ctx context.Context, staking common.Address) (uint64, error)
	Checkpoint(ctx context.Context, staking common.Address) (*types.Receipt, error)
}

// Driver calls the permissionless checkpoint() on the staking contract
// whenever the reward epoch is overdue. Concurrent calls from other
// workers are wasteful but harmless.
type Driver struct {
	engine  CheckpointCaller
	staking common.Address
	logger  *slog.Logger
	now     func() time.Time
}

// NewDriver returns a Driver for the pool at staking.
func NewDriver(engine CheckpointCaller, staking common.Address, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		engine:  engine,
		staking: staking,
		logger:  logger.With("component", "checkpoint"),
		now:     time.Now,
	}
}

// Tick runs one checkpoint check. When the epoch is not yet over, or the
// Agent EOA cannot fund the call, nothing is submitted.
func (d *Driver) Tick(ctx context.Context) error {
	next, err := d.engine.NextRewardCheckpointTimestamp(ctx, d.staking)
	if err != nil {
		metrics.CheckpointCalls.WithLabelValues("error").Inc()
		return err
	}
	if next == 0 || d.now().Unix() < int64(next) {
		return nil
	}

	receipt, err := d.engine.Checkpoint(ctx, d.staking)
	if err != nil {
		if errors.Is(err, chain.ErrLowBalance) {
			metrics.CheckpointCalls.WithLabelValues("skipped").Inc()
			d.logger.Warn("checkpoint due but agent balance below floor",
				"stakingContract", d.staking.Hex())
			return nil
		}
		metrics.CheckpointCalls.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to submit checkpoint: %w", err)
	}

	metrics.CheckpointCalls.WithLabelValues("ok").Inc()
	d.logger.Info("staking checkpoint submitted",
		"stakingContract", d.staking.Hex(),
		"txHash", receipt.TxHash.Hex(),
		"block", receipt.BlockNumber.Uint64())
	return nil
}
