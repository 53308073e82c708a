package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TxStatus is the lifecycle state of a queued transaction request.
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusClaimed   TxStatus = "CLAIMED"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// Valid returns true if the status is one of the four allowed values.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusClaimed, TxStatusConfirmed, TxStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that can never change again.
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// String returns the string representation.
func (s TxStatus) String() string {
	return string(s)
}

// ExecutionStrategy selects how a queued transaction is submitted.
type ExecutionStrategy string

const (
	ExecutionStrategyEOA  ExecutionStrategy = "EOA"
	ExecutionStrategySafe ExecutionStrategy = "SAFE"
)

// Valid returns true if the strategy is recognized.
func (s ExecutionStrategy) Valid() bool {
	return s == ExecutionStrategyEOA || s == ExecutionStrategySafe
}

// TxPayload is the call a queued transaction request will submit.
type TxPayload struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// TxRequest is one durable row of the transaction queue.
type TxRequest struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	Status            TxStatus          `json:"status" db:"status"`
	AttemptCount      int               `json:"attempt_count" db:"attempt_count"`
	PayloadHash       string            `json:"payload_hash" db:"payload_hash"`
	WorkerID          string            `json:"worker_id,omitempty" db:"worker_id"`
	ClaimedAt         *time.Time        `json:"claimed_at,omitempty" db:"claimed_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ChainID           int64             `json:"chain_id" db:"chain_id"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy" db:"execution_strategy"`
	Payload           json.RawMessage   `json:"payload" db:"payload"`
	SafeTxHash        string            `json:"safe_tx_hash,omitempty" db:"safe_tx_hash"`
	TxHash            string            `json:"tx_hash,omitempty" db:"tx_hash"`
	ErrorCode         string            `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage      string            `json:"error_message,omitempty" db:"error_message"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// DecodePayload unmarshals the stored payload into a TxPayload.
func (t *TxRequest) DecodePayload() (*TxPayload, error) {
	var p TxPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TxStatusUpdate carries the optional metadata recorded on a status change.
type TxStatusUpdate struct {
	SafeTxHash   string
	TxHash       string
	ErrorCode    string
	ErrorMessage string
}

// QueueMetrics is a snapshot of queue depth and staleness.
type QueueMetrics struct {
	Pending          int64         `json:"pending"`
	Claimed          int64         `json:"claimed"`
	Confirmed        int64         `json:"confirmed"`
	Failed           int64         `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
