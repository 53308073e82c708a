package txqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinnlabs/jinn-worker/internal/allowlist"
	"github.com/jinnlabs/jinn-worker/internal/canonical"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

const (
	claimsPerCycle   = 5
	cleanupEvery     = 100
	cleanupRetention = 7 * 24 * time.Hour
)

// SubmitResult is what a successful on-chain submission yields.
type SubmitResult struct {
	TxHash     string
	SafeTxHash string
}

// Submitter executes one claimed transaction on-chain.
type Submitter interface {
	Submit(ctx context.Context, req *models.TxRequest) (*SubmitResult, error)
}

// Identity describes the account this worker submits with.
type Identity struct {
	ChainID  int64
	Strategy models.ExecutionStrategy
	Address  string
}

func (id Identity) executor() allowlist.Executor {
	return allowlist.Executor{ChainID: id.ChainID, Strategy: id.Strategy, Address: id.Address}
}

// Service validates, enqueues and drives queued transactions. Allowlist
// validation runs twice per row: at enqueue time and again before
// submission, so a config change between the two still blocks the send.
type Service struct {
	store     Store
	rules     *allowlist.List
	submitter Submitter
	identity  Identity
	workerID  string
	logger    *slog.Logger
	cycles    int
}

// NewService wires the queue service.
func NewService(store Store, rules *allowlist.List, submitter Submitter, identity Identity, workerID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		rules:     rules,
		submitter: submitter,
		identity:  identity,
		workerID:  workerID,
		logger:    logger.With("component", "txqueue"),
	}
}

// Enqueue validates a transaction against the allowlist and stores it.
// A payload already queued is returned as-is.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*models.TxRequest, error) {
	res := s.rules.ValidateTransaction(allowlist.Request{
		ChainID:           input.ChainID,
		ExecutionStrategy: input.ExecutionStrategy,
		Payload:           input.Payload,
	}, s.identity.executor())
	if err := res.Err(); err != nil {
		return nil, err
	}

	hash, err := canonical.Hash(input.Payload)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.GetByPayloadHash(ctx, hash); err == nil {
		metrics.TxDuplicates.Inc()
		s.logger.Info("duplicate enqueue collapsed",
			slog.String("id", existing.ID.String()),
			slog.String("payload_hash", hash),
		)
		return existing, nil
	}

	row, err := s.store.Enqueue(ctx, input)
	if err != nil {
		return nil, err
	}
	metrics.TxEnqueued.Inc()
	s.logger.Info("transaction enqueued",
		slog.String("id", row.ID.String()),
		slog.String("strategy", string(row.ExecutionStrategy)),
		slog.String("to", input.Payload.To),
	)
	return row, nil
}

// Status returns the current row for a queued transaction.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*models.TxRequest, error) {
	return s.store.GetStatus(ctx, id)
}

// ProcessOnce claims up to a batch of eligible rows and submits each one.
// It returns how many rows it handled; the caller paces repeated calls.
func (s *Service) ProcessOnce(ctx context.Context) (int, error) {
	s.cycles++
	if s.cycles%cleanupEvery == 0 {
		if removed, err := s.store.Cleanup(ctx, cleanupRetention); err != nil {
			s.logger.Warn("queue cleanup failed", slog.String("error", err.Error()))
		} else if removed > 0 {
			s.logger.Info("queue cleanup", slog.Int64("removed", removed))
		}
	}

	processed := 0
	for i := 0; i < claimsPerCycle; i++ {
		req, err := s.store.Claim(ctx, s.workerID)
		if err != nil {
			return processed, err
		}
		if req == nil {
			break
		}
		metrics.TxClaimWait.Observe(time.Since(req.CreatedAt).Seconds())
		s.processClaimed(ctx, req)
		processed++
	}

	s.publishMetrics(ctx)
	return processed, nil
}

func (s *Service) processClaimed(ctx context.Context, req *models.TxRequest) {
	logger := s.logger.With(
		slog.String("id", req.ID.String()),
		slog.Int("attempt", req.AttemptCount),
	)

	payload, err := req.DecodePayload()
	if err != nil {
		logger.Error("stored payload unreadable", slog.String("error", err.Error()))
		s.fail(ctx, req, allowlist.CodeInvalidPayload, err.Error())
		return
	}

	res := s.rules.ValidateTransaction(allowlist.Request{
		ChainID:           req.ChainID,
		ExecutionStrategy: req.ExecutionStrategy,
		Payload:           *payload,
	}, s.identity.executor())
	if !res.Valid {
		logger.Warn("claimed transaction rejected",
			slog.String("code", res.ErrorCode),
			slog.String("reason", res.Reason),
		)
		s.fail(ctx, req, res.ErrorCode, res.Reason)
		return
	}

	result, err := s.submitter.Submit(ctx, req)
	if err != nil {
		code := "SUBMISSION_FAILED"
		if apierror.IsAPIError(err) {
			code = apierror.AsAPIError(err).Code
		}
		logger.Error("submission failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		s.fail(ctx, req, code, err.Error())
		return
	}

	update := &models.TxStatusUpdate{TxHash: result.TxHash, SafeTxHash: result.SafeTxHash}
	if err := s.store.UpdateStatus(ctx, req.ID, models.TxStatusConfirmed, update); err != nil {
		logger.Error("failed to mark confirmed", slog.String("error", err.Error()))
		return
	}
	metrics.TxProcessed.WithLabelValues("confirmed").Inc()
	logger.Info("transaction confirmed", slog.String("tx_hash", result.TxHash))
}

func (s *Service) fail(ctx context.Context, req *models.TxRequest, code, message string) {
	update := &models.TxStatusUpdate{ErrorCode: code, ErrorMessage: message}
	if err := s.store.UpdateStatus(ctx, req.ID, models.TxStatusFailed, update); err != nil {
		s.logger.Error("failed to mark failed",
			slog.String("id", req.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.TxProcessed.WithLabelValues("failed").Inc()
}

func (s *Service) publishMetrics(ctx context.Context) {
	m, err := s.store.GetMetrics(ctx)
	if err != nil {
		s.logger.Warn("queue metrics unavailable", slog.String("error", err.Error()))
		return
	}
	metrics.TxByStatus.WithLabelValues("pending").Set(float64(m.Pending))
	metrics.TxByStatus.WithLabelValues("claimed").Set(float64(m.Claimed))
	metrics.TxByStatus.WithLabelValues("confirmed").Set(float64(m.Confirmed))
	metrics.TxByStatus.WithLabelValues("failed").Set(float64(m.Failed))
	metrics.TxOldestPendingAge.Set(m.OldestPendingAge.Seconds())
}
