// Package engine runs the worker's main loop: discover undelivered
// marketplace requests for the staked mech set, claim one fleet-wide,
// execute it in the agent subprocess and deliver the signed result
// on-chain, interleaved with the periodic drivers (venture schedules,
// staking checkpoint, transaction queue).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/jinnlabs/jinn-worker/internal/agent"
	"github.com/jinnlabs/jinn-worker/internal/blueprint"
	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/controlapi"
	"github.com/jinnlabs/jinn-worker/internal/gemini"
	"github.com/jinnlabs/jinn-worker/internal/jobctx"
	"github.com/jinnlabs/jinn-worker/internal/ledger"
	"github.com/jinnlabs/jinn-worker/internal/metrics"
	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/payload"
	"github.com/jinnlabs/jinn-worker/internal/signproxy"
	"github.com/jinnlabs/jinn-worker/internal/txqueue"
	"github.com/jinnlabs/jinn-worker/internal/venture"
)

// Sleep cadence of the main loop.
const (
	idleSleep    = 5 * time.Second
	partialSleep = 2 * time.Second
	errorSleep   = 30 * time.Second
)

const (
	discoverLimit          = 20
	remoteTxLimit          = 5
	defaultResponseTimeout = 600
	proxyCloseTimeout      = 5 * time.Second
)

// Ledger is the read side of the chain index the engine consumes.
type Ledger interface {
	UndeliveredRequests(ctx context.Context, mechs []string, limit int) ([]ledger.Request, error)
	GetRequest(ctx context.Context, id string) (*ledger.Request, error)
	JobDefinition(ctx context.Context, id string) (*ledger.JobDefinition, error)
}

// ControlPlane is the write side the engine records through.
type ControlPlane interface {
	ClaimRequest(ctx context.Context, requestID, workerID string) (*controlapi.ClaimResult, error)
	ClaimParentDispatch(ctx context.Context, parentJobDefinitionID, childJobDefinitionID string) (*controlapi.DispatchClaim, error)
	CreateJobReport(ctx context.Context, input controlapi.JobReportInput) (string, error)
	CreateArtifact(ctx context.Context, input controlapi.ArtifactInput) (string, error)
	UpdateJobStatus(ctx context.Context, requestID, status, statusText string) error
	PendingTransactionRequests(ctx context.Context, limit int) ([]controlapi.RemoteTxRequest, error)
	ClaimTransactionRequest(ctx context.Context, id, workerID string) (*controlapi.ClaimResult, error)
	UpdateTransactionStatus(ctx context.Context, input controlapi.TxStatusInput) error
}

// ContentStore pins and fetches IPFS-hosted JSON.
type ContentStore interface {
	FetchMetadata(ctx context.Context, ipfsHash string) (json.RawMessage, error)
	PinMetadata(ctx context.Context, name string, metadata any) (string, error)
}

// Marketplace submits Safe-signed marketplace requests.
type Marketplace interface {
	SubmitMarketplaceRequest(ctx context.Context, spec chain.RequestSpec) (*chain.MarketplaceResult, error)
}

// Queue is the durable transaction queue.
type Queue interface {
	Enqueue(ctx context.Context, input txqueue.EnqueueInput) (*models.TxRequest, error)
	ProcessOnce(ctx context.Context) (int, error)
	Status(ctx context.Context, id uuid.UUID) (*models.TxRequest, error)
}

// MechSource resolves the mech set this worker may deliver for.
type MechSource interface {
	StakedMechs(ctx context.Context, staking common.Address) ([]common.Address, error)
}

// QuotaGate selects a model credential with remaining quota.
type QuotaGate interface {
	Acquire(ctx context.Context) (*gemini.Credential, error)
}

// AgentRunner executes one job in the agent subprocess.
type AgentRunner interface {
	Run(ctx context.Context, job agent.Job, env []string, onStatus func(status, text string)) (*agent.Result, error)
}

// SituationSource turns an agent outcome into the situation artifact.
type SituationSource interface {
	Build(ctx context.Context, recognition json.RawMessage, res *agent.Result) *agent.Situation
}

// Proxy is one signing-proxy instance serving a single agent run.
type Proxy interface {
	Start() (signproxy.Handoff, error)
	Close(ctx context.Context) error
}

// Ticker is a periodic driver run once per engine cycle.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Deps wires the engine. Ventures and Checkpoints may be nil to disable
// the corresponding driver.
type Deps struct {
	Ledger      Ledger
	Control     ControlPlane
	Store       ContentStore
	Marketplace Marketplace
	Queue       Queue
	Mechs       MechSource
	Quota       QuotaGate
	Runner      AgentRunner
	Situations  SituationSource
	Blueprints  *blueprint.Builder
	Payloads    *payload.Builder
	Ventures    Ticker
	Checkpoints Ticker
	NewProxy    func() (Proxy, error)

	WorkerID        string
	ChainID         int64
	StakingContract common.Address

	// ResponseTimeout is the requested marketplace timeout in seconds for
	// outbound dispatches; the marketplace clamps it to its own bounds.
	ResponseTimeout uint64

	// RepoRoot is an optional local checkout used for branch inspection
	// on coding jobs.
	RepoRoot string

	// ExtraEnv is appended to every agent subprocess environment, for
	// example third-party credentials hydrated from the bridge.
	ExtraEnv []string
}

type cycleOutcome int

const (
	cycleIdle cycleOutcome = iota
	cyclePartial
	cycleBusy
	cycleQuotaExhausted
	cycleError
)

// Engine is the single-threaded worker loop. The signing proxy calls back
// into it from its own goroutine while an agent runs, so the in-flight job
// context is the one piece of guarded state.
type Engine struct {
	deps    Deps
	backoff *gemini.Backoff
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration)
	now     func() time.Time

	// remote maps local queue rows back to the control-plane transaction
	// request they mirror.
	remote map[uuid.UUID]string

	warnedNoCredentials bool

	mu      sync.Mutex
	current *jobctx.JobContext
}

// New wires the engine.
func New(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deps:    deps,
		backoff: gemini.NewBackoff(),
		logger:  logger.With("component", "engine"),
		sleep:   sleepContext,
		now:     time.Now,
		remote:  make(map[uuid.UUID]string),
	}
}

var (
	_ signproxy.Dispatcher = (*Engine)(nil)
	_ venture.Dispatcher   = (*Engine)(nil)
)

// Run executes engine cycles until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", slog.String("worker_id", e.deps.WorkerID))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch e.cycle(ctx) {
		case cycleBusy:
		case cyclePartial:
			e.sleep(ctx, partialSleep)
		case cycleQuotaExhausted:
			pause := e.backoff.Next()
			e.logger.Warn("model quota exhausted, backing off", slog.Duration("pause", pause))
			e.sleep(ctx, pause)
		case cycleError:
			e.sleep(ctx, errorSleep)
		default:
			e.sleep(ctx, idleSleep)
		}
	}
}

// cycle interleaves the periodic drivers with at most one request
// execution. Drivers always run first so an exhausted model credential
// never stalls checkpoints or queued transactions.
func (e *Engine) cycle(ctx context.Context) cycleOutcome {
	partial := false

	if e.deps.Ventures != nil {
		if err := e.deps.Ventures.Tick(ctx); err != nil {
			e.logger.Warn("venture tick failed", slog.String("error", err.Error()))
		}
	}
	if e.deps.Checkpoints != nil {
		if err := e.deps.Checkpoints.Tick(ctx); err != nil {
			e.logger.Warn("checkpoint tick failed", slog.String("error", err.Error()))
		}
	}
	if n := e.pullRemoteTransactions(ctx); n > 0 {
		partial = true
	}
	if n, err := e.deps.Queue.ProcessOnce(ctx); err != nil {
		e.logger.Warn("queue processing failed", slog.String("error", err.Error()))
	} else if n > 0 {
		partial = true
	}
	e.reportRemoteOutcomes(ctx)
	if ctx.Err() != nil {
		return cycleBusy
	}

	cred, err := e.deps.Quota.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, gemini.ErrAllExhausted):
			return cycleQuotaExhausted
		case errors.Is(err, gemini.ErrNoCredentials):
			if !e.warnedNoCredentials {
				e.logger.Warn("no model credentials configured, request execution disabled")
				e.warnedNoCredentials = true
			}
			if partial {
				return cyclePartial
			}
			return cycleIdle
		default:
			e.logger.Error("credential acquisition failed", slog.String("error", err.Error()))
			return cycleError
		}
	}
	e.backoff.Reset()

	worked, err := e.scanRequests(ctx, cred)
	if err != nil {
		e.logger.Error("request scan failed", slog.String("error", err.Error()))
		return cycleError
	}
	if worked {
		return cycleBusy
	}
	if partial {
		return cyclePartial
	}
	return cycleIdle
}

// scanRequests lists undelivered requests addressed to the staked mech set
// and executes the first one this worker wins the claim for.
func (e *Engine) scanRequests(ctx context.Context, cred *gemini.Credential) (bool, error) {
	mechs, err := e.deps.Mechs.StakedMechs(ctx, e.deps.StakingContract)
	if err != nil {
		return false, fmt.Errorf("failed to resolve staked mechs: %w", err)
	}
	if len(mechs) == 0 {
		return false, nil
	}
	addrs := make([]string, len(mechs))
	for i, m := range mechs {
		addrs[i] = strings.ToLower(m.Hex())
	}

	candidates, err := e.deps.Ledger.UndeliveredRequests(ctx, addrs, discoverLimit)
	if err != nil {
		return false, fmt.Errorf("failed to list undelivered requests: %w", err)
	}

	for _, req := range candidates {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		claim, err := e.deps.Control.ClaimRequest(ctx, req.ID, e.deps.WorkerID)
		if err != nil {
			e.logger.Warn("request claim failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claim.Won() {
			metrics.ClaimsLost.Inc()
			continue
		}

		if err := e.processRequest(ctx, req, cred); err != nil {
			e.logger.Error("request processing failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
			metrics.RequestsProcessed.WithLabelValues("error").Inc()
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) responseTimeout() uint64 {
	if e.deps.ResponseTimeout > 0 {
		return e.deps.ResponseTimeout
	}
	return defaultResponseTimeout
}

func (e *Engine) setCurrent(jc *jobctx.JobContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = jc
}

// currentJob returns the job context of the in-flight request, if any.
func (e *Engine) currentJob() *jobctx.JobContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
