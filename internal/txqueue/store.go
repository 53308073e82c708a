package txqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinnlabs/jinn-worker/internal/canonical"
	"github.com/jinnlabs/jinn-worker/internal/models"
)

// DefaultClaimTimeout is how long a CLAIMED row is protected from other
// workers before it becomes reclaimable.
const DefaultClaimTimeout = 5 * time.Minute

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("txqueue: not found")

// EnqueueInput describes a transaction to queue for submission.
type EnqueueInput struct {
	ChainID           int64                    `json:"chainId"`
	ExecutionStrategy models.ExecutionStrategy `json:"executionStrategy"`
	Payload           models.TxPayload         `json:"payload"`
	IdempotencyKey    string                   `json:"idempotencyKey,omitempty"`
}

// Store is the persistence interface for queued transactions.
type Store interface {
	Enqueue(ctx context.Context, input EnqueueInput) (*models.TxRequest, error)
	Claim(ctx context.Context, workerID string) (*models.TxRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.TxStatus, update *models.TxStatusUpdate) error
	GetStatus(ctx context.Context, id uuid.UUID) (*models.TxRequest, error)
	GetByPayloadHash(ctx context.Context, hash string) (*models.TxRequest, error)
	GetPending(ctx context.Context, limit int) ([]*models.TxRequest, error)
	GetExpiredClaims(ctx context.Context, timeout time.Duration) ([]*models.TxRequest, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	GetMetrics(ctx context.Context) (*models.QueueMetrics, error)
}

type sqliteStore struct {
	db           *sql.DB
	claimTimeout time.Duration
}

// NewStore creates a queue store over an open database handle.
func NewStore(db *sql.DB) Store {
	return &sqliteStore{db: db, claimTimeout: DefaultClaimTimeout}
}

// NewStoreWithTimeout creates a queue store with a custom claim timeout.
func NewStoreWithTimeout(db *sql.DB, claimTimeout time.Duration) Store {
	return &sqliteStore{db: db, claimTimeout: claimTimeout}
}

const txColumns = `id, status, chain_id, execution_strategy, payload, payload_hash,
	idempotency_key, attempt_count, worker_id, claimed_at, completed_at,
	safe_tx_hash, tx_hash, error_code, error_message, created_at, updated_at`

// Enqueue inserts a new PENDING row. The payload hash is SHA-256 over the
// canonical sorted-key JSON of the payload, so semantically equal payloads
// collapse onto one row: a duplicate enqueue returns the existing row.
func (s *sqliteStore) Enqueue(ctx context.Context, input EnqueueInput) (*models.TxRequest, error) {
	if !input.ExecutionStrategy.Valid() {
		return nil, fmt.Errorf("txqueue: invalid execution strategy %q", string(input.ExecutionStrategy))
	}

	payloadJSON, err := json.Marshal(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	hash, err := canonical.Hash(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tx_requests
			(id, status, chain_id, execution_strategy, payload, payload_hash,
			 idempotency_key, created_at, updated_at)
		VALUES (?, 'PENDING', ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payload_hash) DO NOTHING`,
		uuid.NewString(), input.ChainID, string(input.ExecutionStrategy),
		string(payloadJSON), hash, nullString(input.IdempotencyKey), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue transaction: %w", err)
	}

	return s.GetByPayloadHash(ctx, hash)
}

// Claim atomically takes the oldest eligible row: PENDING, or CLAIMED with
// an expired lease. It stamps the claimer, bumps the attempt counter and
// returns nil when nothing is eligible.
func (s *sqliteStore) Claim(ctx context.Context, workerID string) (*models.TxRequest, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.claimTimeout)

	row := s.db.QueryRowContext(ctx, `
		UPDATE tx_requests
		SET status = 'CLAIMED', worker_id = ?, claimed_at = ?,
		    attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM tx_requests
			WHERE status = 'PENDING'
			   OR (status = 'CLAIMED' AND claimed_at < ?)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+txColumns,
		workerID, now, now, cutoff,
	)

	req, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim transaction: %w", err)
	}
	return req, nil
}

// UpdateStatus moves a row to a new status and records submission metadata.
// Terminal statuses stamp completed_at.
func (s *sqliteStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.TxStatus, update *models.TxStatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("txqueue: invalid status %q", string(status))
	}
	if update == nil {
		update = &models.TxStatusUpdate{}
	}

	now := time.Now().UTC()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tx_requests
		SET status = ?,
		    safe_tx_hash = COALESCE(?, safe_tx_hash),
		    tx_hash = COALESCE(?, tx_hash),
		    error_code = COALESCE(?, error_code),
		    error_message = COALESCE(?, error_message),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE id = ?`,
		string(status),
		nullString(update.SafeTxHash), nullString(update.TxHash),
		nullString(update.ErrorCode), nullString(update.ErrorMessage),
		completedAt, now, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStatus returns one row by id.
func (s *sqliteStore) GetStatus(ctx context.Context, id uuid.UUID) (*models.TxRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM tx_requests WHERE id = ?`, id.String())
	req, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return req, nil
}

// GetByPayloadHash returns the row owning a canonical payload hash.
func (s *sqliteStore) GetByPayloadHash(ctx context.Context, hash string) (*models.TxRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM tx_requests WHERE payload_hash = ?`, hash)
	req, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by hash: %w", err)
	}
	return req, nil
}

// GetPending lists PENDING rows oldest first.
func (s *sqliteStore) GetPending(ctx context.Context, limit int) ([]*models.TxRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM tx_requests
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTxRows(rows)
}

// GetExpiredClaims lists CLAIMED rows whose lease is older than timeout.
func (s *sqliteStore) GetExpiredClaims(ctx context.Context, timeout time.Duration) ([]*models.TxRequest, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM tx_requests
		WHERE status = 'CLAIMED' AND claimed_at < ?
		ORDER BY claimed_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	defer rows.Close()
	return scanTxRows(rows)
}

// Cleanup deletes terminal rows completed before the retention window.
func (s *sqliteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tx_requests
		WHERE status IN ('CONFIRMED', 'FAILED') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up transactions: %w", err)
	}
	return res.RowsAffected()
}

// GetMetrics reports per-status counts and the age of the oldest PENDING row.
func (s *sqliteStore) GetMetrics(ctx context.Context) (*models.QueueMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tx_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	m := &models.QueueMetrics{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		switch models.TxStatus(status) {
		case models.TxStatusPending:
			m.Pending = count
		case models.TxStatusClaimed:
			m.Claimed = count
		case models.TxStatusConfirmed:
			m.Confirmed = count
		case models.TxStatusFailed:
			m.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM tx_requests WHERE status = 'PENDING'`).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read oldest pending: %w", err)
	}
	if oldest.Valid {
		m.OldestPendingAge = time.Since(oldest.Time)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTx(row rowScanner) (*models.TxRequest, error) {
	var (
		req            models.TxRequest
		id             string
		strategy       string
		status         string
		payload        string
		idempotencyKey sql.NullString
		workerID       sql.NullString
		claimedAt      sql.NullTime
		completedAt    sql.NullTime
		safeTxHash     sql.NullString
		txHash         sql.NullString
		errorCode      sql.NullString
		errorMessage   sql.NullString
	)
	err := row.Scan(&id, &status, &req.ChainID, &strategy, &payload, &req.PayloadHash,
		&idempotencyKey, &req.AttemptCount, &workerID, &claimedAt, &completedAt,
		&safeTxHash, &txHash, &errorCode, &errorMessage, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad row id %q: %w", id, err)
	}
	req.ID = parsed
	req.Status = models.TxStatus(status)
	req.ExecutionStrategy = models.ExecutionStrategy(strategy)
	req.Payload = json.RawMessage(payload)
	req.IdempotencyKey = idempotencyKey.String
	req.WorkerID = workerID.String
	req.SafeTxHash = safeTxHash.String
	req.TxHash = txHash.String
	req.ErrorCode = errorCode.String
	req.ErrorMessage = errorMessage.String
	if claimedAt.Valid {
		t := claimedAt.Time
		req.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}

func scanTxRows(rows *sql.Rows) ([]*models.TxRequest, error) {
	var out []*models.TxRequest
	for rows.Next() {
		req, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction rows: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
