// Package metrics defines the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request lifecycle metrics
	RequestsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jinn_worker_requests_processed_total",
			Help: "Total marketplace requests processed, by final status",
		},
		[]string{"status"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jinn_worker_request_duration_seconds",
			Help:    "End-to-end duration of one request lifecycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	ClaimsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_claims_lost_total",
			Help: "Requests skipped because another worker already claimed them",
		},
	)

	// Transaction queue metrics
	TxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_txqueue_enqueued_total",
			Help: "Transaction requests accepted by the queue",
		},
	)

	TxDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_txqueue_duplicates_total",
			Help: "Enqueue calls resolved to a pre-existing row by payload hash",
		},
	)

	TxByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jinn_worker_txqueue_rows",
			Help: "Queue rows by status",
		},
		[]string{"status"},
	)

	TxOldestPendingAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jinn_worker_txqueue_oldest_pending_seconds",
			Help: "Age of the oldest pending queue row",
		},
	)

	TxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jinn_worker_txqueue_processed_total",
			Help: "Claimed queue rows resolved, by outcome",
		},
		[]string{"outcome"},
	)

	TxClaimWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jinn_worker_txqueue_claim_wait_seconds",
			Help:    "Time a row spent queued before a worker claimed it",
			Buckets: []float64{0.5, 1, 2, 5, 15, 60, 300, 900, 3600},
		},
	)

	// Venture metrics
	VenturesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_ventures_dispatched_total",
			Help: "Scheduled venture entries dispatched on-chain",
		},
	)

	VenturesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jinn_worker_ventures_suppressed_total",
			Help: "Scheduled dispatches suppressed, by layer",
		},
		[]string{"layer"},
	)

	// Staking metrics
	CheckpointCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jinn_worker_checkpoint_calls_total",
			Help: "Staking checkpoint transactions, by result",
		},
		[]string{"result"},
	)

	StakedMechs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jinn_worker_staked_mechs",
			Help: "Mech addresses resolved as staked in the configured pool",
		},
	)

	// Signing proxy metrics
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jinn_worker_signproxy_requests_total",
			Help: "Signing proxy requests, by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	// Credential metrics
	CredentialRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_credential_rotations_total",
			Help: "Times the worker moved to a different model credential",
		},
	)

	QuotaExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jinn_worker_quota_exhausted_total",
			Help: "Cycles where every model credential was out of quota",
		},
	)
)
