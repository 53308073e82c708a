package txqueue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinnlabs/jinn-worker/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testInput(to string) EnqueueInput {
	return EnqueueInput{
		ChainID:           8453,
		ExecutionStrategy: models.ExecutionStrategySafe,
		Payload: models.TxPayload{
			To:    to,
			Data:  "0xcb261bec" + "00",
			Value: "0",
		},
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, first.Status)
	assert.NotEmpty(t, first.PayloadHash)

	second, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := store.Enqueue(ctx, testInput("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueue_RejectsBadStrategy(t *testing.T) {
	store := NewStore(openTestDB(t))

	input := testInput("0x1111111111111111111111111111111111111111")
	input.ExecutionStrategy = "MULTISIG"
	_, err := store.Enqueue(context.Background(), input)
	assert.Error(t, err)
}

func TestClaim_OldestFirst(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.Enqueue(ctx, testInput("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.TxStatusClaimed, claimed.Status)
	assert.Equal(t, "worker-a", claimed.WorkerID)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ClaimedAt)
}

func TestClaim_AtMostOnce(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)

	a, err := store.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, a)

	b, err := store.Claim(ctx, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestClaim_LeaseExpiry(t *testing.T) {
	db := openTestDB(t)
	store := NewStoreWithTimeout(db, 30*time.Millisecond)
	ctx := context.Background()

	row, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)

	a, err := store.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.AttemptCount)

	time.Sleep(50 * time.Millisecond)

	b, err := store.Claim(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, row.ID, b.ID)
	assert.Equal(t, "worker-b", b.WorkerID)
	assert.Equal(t, 2, b.AttemptCount)
}

func TestClaim_EmptyQueue(t *testing.T) {
	store := NewStore(openTestDB(t))

	claimed, err := store.Claim(context.Background(), "worker-a")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestUpdateStatus_Confirmed(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	row, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "worker-a")
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, row.ID, models.TxStatusConfirmed, &models.TxStatusUpdate{
		TxHash:     "0xaaa",
		SafeTxHash: "0xbbb",
	})
	require.NoError(t, err)

	got, err := store.GetStatus(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusConfirmed, got.Status)
	assert.Equal(t, "0xaaa", got.TxHash)
	assert.Equal(t, "0xbbb", got.SafeTxHash)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateStatus_Failed(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	row, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)

	err = store.UpdateStatus(ctx, row.ID, models.TxStatusFailed, &models.TxStatusUpdate{
		ErrorCode:    "SUBMISSION_FAILED",
		ErrorMessage: "rpc: connection refused",
	})
	require.NoError(t, err)

	got, err := store.GetStatus(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusFailed, got.Status)
	assert.Equal(t, "SUBMISSION_FAILED", got.ErrorCode)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateStatus_UnknownID(t *testing.T) {
	store := NewStore(openTestDB(t))

	err := store.UpdateStatus(context.Background(), uuid.New(), models.TxStatusFailed, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByPayloadHash_RoundTrip(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	row, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)

	got, err := store.GetByPayloadHash(ctx, row.PayloadHash)
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
	assert.JSONEq(t, string(row.Payload), string(got.Payload))

	_, err = store.GetByPayloadHash(ctx, "no-such-hash")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPending_Limit(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	addrs := []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333",
	}
	for _, a := range addrs {
		_, err := store.Enqueue(ctx, testInput(a))
		require.NoError(t, err)
	}

	pending, err := store.GetPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := store.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetExpiredClaims(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(20 * time.Millisecond)

	expired, err := store.GetExpiredClaims(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, claimed.ID, expired[0].ID)

	fresh, err := store.GetExpiredClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestCleanup_RemovesOldTerminalRows(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	row, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, row.ID, models.TxStatusConfirmed, nil))

	keep, err := store.Enqueue(ctx, testInput("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)

	// Age the terminal row past the retention window.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	_, err = db.Exec(`UPDATE tx_requests SET completed_at = ? WHERE id = ?`, old, row.ID.String())
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.GetStatus(ctx, row.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetStatus(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestGetMetrics(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	a, err := store.Enqueue(ctx, testInput("0x1111111111111111111111111111111111111111"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, testInput("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, a.ID, models.TxStatusFailed, nil))

	m, err := store.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Pending)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Claimed)
	assert.GreaterOrEqual(t, m.OldestPendingAge, time.Duration(0))
}
