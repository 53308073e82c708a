package staking

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinnlabs/jinn-worker/internal/chain"
)

type fakeEngine struct {
	next    uint64
	nextErr error
	receipt *types.Receipt
	callErr error
	calls   int
}

func (f *fakeEngine) NextRewardCheckpointTimestamp(context.Context, common.Address) (uint64, error) {
	return f.next, f.nextErr
}

func (f *fakeEngine) Checkpoint(context.Context, common.Address) (*types.Receipt, error) {
	f.calls++
	return f.receipt, f.callErr
}

func newTestDriver(engine *fakeEngine, now time.Time) *Driver {
	d := NewDriver(engine, poolA, discard())
	d.now = func() time.Time { return now }
	return d
}

func TestTickNotDue(t *testing.T) {
	engine := &fakeEngine{next: 1_700_000_200}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	require.NoError(t, d.Tick(context.Background()))
	assert.Zero(t, engine.calls)
}

func TestTickDueSubmits(t *testing.T) {
	engine := &fakeEngine{
		next: 1_700_000_000,
		receipt: &types.Receipt{
			TxHash:      common.HexToHash("0x01"),
			BlockNumber: big.NewInt(123),
		},
	}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 1, engine.calls)
}

func TestTickLowBalanceSkips(t *testing.T) {
	engine := &fakeEngine{next: 1_700_000_000, callErr: chain.ErrLowBalance}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	require.NoError(t, d.Tick(context.Background()), "an unfunded EOA is a skip, not a failure")
	assert.Equal(t, 1, engine.calls)
}

func TestTickSubmitErrorSurfaces(t *testing.T) {
	engine := &fakeEngine{next: 1_700_000_000, callErr: errors.New("rpc down")}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to submit checkpoint")
}

func TestTickReadErrorSurfaces(t *testing.T) {
	engine := &fakeEngine{nextErr: errors.New("rpc down")}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	require.Error(t, d.Tick(context.Background()))
	assert.Zero(t, engine.calls)
}

func TestTickZeroTimestampIsNoop(t *testing.T) {
	// an unconfigured pool reports 0; calling checkpoint there would revert
	engine := &fakeEngine{next: 0}
	d := newTestDriver(engine, time.Unix(1_700_000_100, 0))

	require.NoError(t, d.Tick(context.Background()))
	assert.Zero(t, engine.calls)
}
