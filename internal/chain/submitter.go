package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/txqueue"
)

// QueueSubmitter adapts the engine to the transaction queue, dispatching
// each claimed row through the Safe or straight from the Agent EOA
// depending on the row's execution strategy.
type QueueSubmitter struct {
	engine *Engine
}

func NewQueueSubmitter(engine *Engine) *QueueSubmitter {
	return &QueueSubmitter{engine: engine}
}

func (s *QueueSubmitter) Submit(ctx context.Context, req *models.TxRequest) (*txqueue.SubmitResult, error) {
	payload, err := req.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	to := common.HexToAddress(payload.To)
	data, err := hexutil.Decode(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("bad payload data: %w", err)
	}
	value, err := parsePayloadValue(payload.Value)
	if err != nil {
		return nil, err
	}

	switch req.ExecutionStrategy {
	case models.ExecutionStrategySafe:
		receipt, safeTxHash, err := s.engine.ExecViaSafe(ctx, to, value, data)
		if err != nil {
			return nil, err
		}
		return &txqueue.SubmitResult{
			TxHash:     receipt.TxHash.Hex(),
			SafeTxHash: safeTxHash.Hex(),
		}, nil
	case models.ExecutionStrategyEOA:
		receipt, err := s.engine.SendViaEOA(ctx, to, value, data)
		if err != nil {
			return nil, err
		}
		return &txqueue.SubmitResult{TxHash: receipt.TxHash.Hex()}, nil
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", req.ExecutionStrategy)
	}
}

func parsePayloadValue(raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		value, ok := new(big.Int).SetString(raw[2:], 16)
		if !ok {
			return nil, fmt.Errorf("bad payload value %q", raw)
		}
		return value, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("bad payload value %q", raw)
	}
	return value, nil
}
