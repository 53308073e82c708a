package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

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
	"github.com/jinnlabs/jinn-worker/internal/txqueue"
)

// processRequest executes one claimed request end to end: fetch and decode
// the pinned payload, assemble the prompt, run the agent behind a fresh
// signing proxy, then pin the outcome and enqueue the on-chain delivery.
// An agent that reports failure still delivers; only a job that never
// reached the agent lapses back to the fleet.
func (e *Engine) processRequest(ctx context.Context, req ledger.Request, cred *gemini.Credential) error {
	started := e.now()
	logger := e.logger.With(slog.String("request_id", req.ID))

	// The fleet claim is the soft guard; the index's delivered flag is the
	// hard one. A request another worker already delivered is done.
	if fresh, err := e.deps.Ledger.GetRequest(ctx, req.ID); err == nil && fresh != nil && fresh.Delivered {
		logger.Info("request already delivered, skipping")
		metrics.RequestsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	metadata, err := e.deps.Store.FetchMetadata(ctx, req.IPFSHash)
	if err != nil {
		e.failBeforeAgent(ctx, req.ID, "request metadata unavailable", logger)
		return fmt.Errorf("failed to fetch request metadata: %w", err)
	}

	job, doc, legacyPrompt, err := decodeJob(metadata, logger)
	if err != nil {
		e.failBeforeAgent(ctx, req.ID, err.Error(), logger)
		return err
	}

	model, err := payload.ResolveModel(job.Model, "", job.AllowedModels)
	if err != nil {
		e.failBeforeAgent(ctx, req.ID, err.Error(), logger)
		return fmt.Errorf("failed to resolve model: %w", err)
	}

	proxy, err := e.deps.NewProxy()
	if err != nil {
		return fmt.Errorf("failed to create signing proxy: %w", err)
	}
	handoff, err := proxy.Start()
	if err != nil {
		return fmt.Errorf("failed to start signing proxy: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), proxyCloseTimeout)
		defer cancel()
		if err := proxy.Close(closeCtx); err != nil {
			logger.Warn("signing proxy shutdown failed", slog.String("error", err.Error()))
		}
	}()

	input := buildInputFor(req, job, doc, legacyPrompt, e.deps.RepoRoot)
	built, err := e.deps.Blueprints.Build(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to build blueprint: %w", err)
	}
	prompt := e.deps.Blueprints.BuildPrompt(built, input)

	jc := jobContextFor(req, job, doc, built)
	e.setCurrent(&jc)
	defer e.setCurrent(nil)

	env := jc.Environ(os.Environ())
	env = append(env, e.deps.ExtraEnv...)
	env = append(env, handoff.Environ()...)
	if cred.APIKey != "" {
		env = append(env, "GEMINI_API_KEY="+cred.APIKey)
	}

	res, err := e.deps.Runner.Run(ctx, agent.Job{
		RequestID:    req.ID,
		Prompt:       prompt,
		Payload:      metadata,
		Model:        model,
		EnabledTools: job.EnabledTools,
		OutputSpec:   decodeOutputSpec(job.OutputSpec),
	}, env, func(status, text string) {
		if err := e.deps.Control.UpdateJobStatus(ctx, req.ID, status, text); err != nil {
			logger.Warn("status update failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		// The subprocess never produced an outcome, so there is nothing to
		// deliver. The claim lapses and another worker retries.
		e.failBeforeAgent(ctx, req.ID, "agent could not run", logger)
		return fmt.Errorf("failed to run agent: %w", err)
	}

	situationCID := e.recordSituation(ctx, req, metadata, res, logger)

	digest, err := e.deliver(ctx, req, job, res, situationCID, model, logger)
	if err != nil {
		return fmt.Errorf("failed to deliver result: %w", err)
	}

	e.report(ctx, req, job, res, started, logger)

	metrics.RequestsProcessed.WithLabelValues(strings.ToLower(res.Status)).Inc()
	metrics.RequestDuration.Observe(e.now().Sub(started).Seconds())
	logger.Info("request processed",
		slog.String("status", res.Status),
		slog.String("delivery", digest),
	)
	return nil
}

// failBeforeAgent marks a request failed without delivering on-chain. The
// claim lease expires on its own, so the request stays retryable.
func (e *Engine) failBeforeAgent(ctx context.Context, requestID, reason string, logger *slog.Logger) {
	if err := e.deps.Control.UpdateJobStatus(ctx, requestID, agent.StatusFailed, reason); err != nil {
		logger.Warn("failure status update failed", slog.String("error", err.Error()))
	}
}

// decodeJob parses the pinned request payload. The blueprint may sit at the
// document root, under additionalContext, or as a bare legacy prompt.
func decodeJob(metadata json.RawMessage, logger *slog.Logger) (*payload.Payload, *blueprint.Document, string, error) {
	doc, legacyPrompt, err := blueprint.ExtractDocument(metadata, logger)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to extract blueprint: %w", err)
	}
	var job payload.Payload
	if err := json.Unmarshal(metadata, &job); err != nil {
		return nil, nil, "", fmt.Errorf("failed to parse request payload: %w", err)
	}
	return &job, doc, legacyPrompt, nil
}

func requestJobDefinitionID(req ledger.Request, job *payload.Payload) string {
	if job.JobDefinitionID != "" {
		return job.JobDefinitionID
	}
	return req.JobDefinitionID
}

func buildInputFor(req ledger.Request, job *payload.Payload, doc *blueprint.Document, legacyPrompt, repoRoot string) *blueprint.BuildInput {
	return &blueprint.BuildInput{
		JobName:         job.JobName,
		JobDefinitionID: requestJobDefinitionID(req, job),
		RequestID:       req.ID,
		Blueprint:       doc,
		LegacyPrompt:    legacyPrompt,
		OutputSpec:      decodeOutputSpec(job.OutputSpec),
		RequiredTools:   job.EnabledTools,
		Cyclic:          job.Cyclic,
		RepoRoot:        repoRoot,
		BaseBranch:      job.BaseBranch,
	}
}

// jobContextFor derives the subprocess environment context from the decoded
// payload and the assembled blueprint.
func jobContextFor(req ledger.Request, job *payload.Payload, doc *blueprint.Document, built *blueprint.BuildResult) jobctx.JobContext {
	jc := jobctx.JobContext{
		RequestID:       req.ID,
		JobDefinitionID: requestJobDefinitionID(req, job),
		WorkstreamID:    job.WorkstreamID,
		VentureID:       job.VentureID,
		TemplateID:      job.TemplateID,
		BranchName:      job.BranchName,
		BaseBranch:      job.BaseBranch,
		AvailableTools:  job.EnabledTools,
		AllowedModels:   job.AllowedModels,
		DefaultModel:    job.Model,
	}
	if job.Lineage != nil {
		jc.ParentRequestID = job.Lineage.DispatcherRequestID
	}
	if job.AdditionalContext != nil {
		jc.InheritedEnv = job.AdditionalContext.Env
	}
	if doc != nil {
		for _, inv := range doc.Invariants {
			jc.BlueprintInvariantIDs = append(jc.BlueprintInvariantIDs, inv.InvariantID())
		}
	}
	if built.Blueprint.Context != nil {
		for _, ch := range built.Blueprint.Context.CompletedChildren() {
			jc.CompletedChildren = append(jc.CompletedChildren, ch.ID)
			if ch.Summary != "" {
				jc.ChildWorkReviewed = true
			}
		}
	}
	return jc
}

func decodeOutputSpec(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var spec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil
	}
	return spec
}

// recordSituation pins the structured situation derived from the agent run
// and registers it as an artifact. Failures here never block delivery.
func (e *Engine) recordSituation(ctx context.Context, req ledger.Request, metadata json.RawMessage, res *agent.Result, logger *slog.Logger) string {
	if e.deps.Situations == nil {
		return ""
	}
	var probe struct {
		Situation json.RawMessage `json:"situation"`
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &probe)
	}
	situation := e.deps.Situations.Build(ctx, probe.Situation, res)
	if situation == nil {
		return ""
	}
	digest, err := e.deps.Store.PinMetadata(ctx, "situation_"+req.ID+".json", situation)
	if err != nil {
		logger.Warn("situation pin failed", slog.String("error", err.Error()))
		return ""
	}
	if _, err := e.deps.Control.CreateArtifact(ctx, controlapi.ArtifactInput{
		RequestID:   req.ID,
		Name:        "situation",
		CID:         digest,
		ContentType: "application/json",
	}); err != nil {
		logger.Warn("situation artifact registration failed", slog.String("error", err.Error()))
	}
	return digest
}

// deliveryRecord is the payload pinned to IPFS and referenced by the
// on-chain delivery. Requesters resolve it through the gateway.
type deliveryRecord struct {
	RequestID         string                     `json:"requestId"`
	Status            string                     `json:"status"`
	Output            string                     `json:"output,omitempty"`
	StructuredSummary string                     `json:"structuredSummary,omitempty"`
	Result            map[string]json.RawMessage `json:"result,omitempty"`
	Artifacts         []agent.Artifact           `json:"artifacts,omitempty"`
	SituationCID      string                     `json:"situationCid,omitempty"`
	ToolCalls         []agent.ToolCall           `json:"toolCalls,omitempty"`
	TokensUsed        int64                      `json:"tokensUsed"`
	DurationMs        int64                      `json:"durationMs"`
	ErrorMessage      string                     `json:"errorMessage,omitempty"`
	ExecutionPolicy   json.RawMessage            `json:"executionPolicy,omitempty"`
	WorkerID          string                     `json:"workerId"`
	JobDefinitionID   string                     `json:"jobDefinitionId,omitempty"`
	Model             string                     `json:"model,omitempty"`
	DeliveredAt       string                     `json:"deliveredAt"`
}

// deliver pins the delivery record and enqueues the mech delivery
// transaction. The queue deduplicates on payload digest, so a rerun with a
// fresh record never collides with an earlier terminal row.
func (e *Engine) deliver(ctx context.Context, req ledger.Request, job *payload.Payload, res *agent.Result, situationCID, model string, logger *slog.Logger) (string, error) {
	record := deliveryRecord{
		RequestID:         req.ID,
		Status:            res.Status,
		Output:            res.Output,
		StructuredSummary: res.StructuredSummary,
		Result:            res.Result,
		Artifacts:         res.Artifacts,
		SituationCID:      situationCID,
		ToolCalls:         res.ToolCalls,
		TokensUsed:        res.TokensUsed,
		DurationMs:        res.DurationMs,
		ErrorMessage:      res.ErrorMessage,
		ExecutionPolicy:   job.ExecutionPolicy,
		WorkerID:          e.deps.WorkerID,
		JobDefinitionID:   requestJobDefinitionID(req, job),
		Model:             model,
		DeliveredAt:       e.now().UTC().Format(time.RFC3339),
	}

	digest, err := e.deps.Store.PinMetadata(ctx, req.ID+"_delivery.json", record)
	if err != nil {
		return "", fmt.Errorf("failed to pin delivery payload: %w", err)
	}
	data, err := hexutil.Decode(digest)
	if err != nil {
		return "", fmt.Errorf("bad delivery digest %q: %w", digest, err)
	}
	callData, err := chain.PackDeliver(common.HexToHash(req.ID), data)
	if err != nil {
		return "", err
	}

	row, err := e.deps.Queue.Enqueue(ctx, txqueue.EnqueueInput{
		ChainID:           e.deps.ChainID,
		ExecutionStrategy: models.ExecutionStrategySafe,
		Payload: models.TxPayload{
			To:    req.Mech,
			Data:  hexutil.Encode(callData),
			Value: "0",
		},
		IdempotencyKey: req.ID + ":deliver",
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	logger.Info("delivery enqueued",
		slog.String("tx_request_id", row.ID.String()),
		slog.String("mech", req.Mech),
	)

	if _, err := e.deps.Queue.ProcessOnce(ctx); err != nil {
		logger.Warn("delivery submission deferred", slog.String("error", err.Error()))
	}
	return digest, nil
}

// report records the job outcome with the control plane. Every step is
// best effort; the on-chain delivery already happened.
func (e *Engine) report(ctx context.Context, req ledger.Request, job *payload.Payload, res *agent.Result, started time.Time, logger *slog.Logger) {
	elapsed := e.now().Sub(started).Milliseconds()

	var trace json.RawMessage
	if len(res.ToolCalls) > 0 {
		if raw, err := json.Marshal(res.ToolCalls); err == nil {
			trace = raw
		}
	}
	errorCode := ""
	if res.Status != agent.StatusCompleted {
		errorCode = "AGENT_FAILED"
	}
	if _, err := e.deps.Control.CreateJobReport(ctx, controlapi.JobReportInput{
		RequestID:       req.ID,
		JobDefinitionID: requestJobDefinitionID(req, job),
		Status:          res.Status,
		DurationMs:      elapsed,
		TokenCount:      res.TokensUsed,
		ToolTrace:       trace,
		ErrorCode:       errorCode,
		ErrorMessage:    res.ErrorMessage,
	}); err != nil {
		logger.Warn("job report failed", slog.String("error", err.Error()))
	}

	for _, a := range res.Artifacts {
		digest, err := e.deps.Store.PinMetadata(ctx, a.Name, a.Data)
		if err != nil {
			logger.Warn("artifact pin failed",
				slog.String("artifact", a.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := e.deps.Control.CreateArtifact(ctx, controlapi.ArtifactInput{
			RequestID:   req.ID,
			Name:        a.Name,
			CID:         digest,
			ContentType: a.ContentType,
		}); err != nil {
			logger.Warn("artifact registration failed",
				slog.String("artifact", a.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	statusText := res.StructuredSummary
	if statusText == "" {
		statusText = res.ErrorMessage
	}
	if err := e.deps.Control.UpdateJobStatus(ctx, req.ID, res.Status, statusText); err != nil {
		logger.Warn("final status update failed", slog.String("error", err.Error()))
	}
}
