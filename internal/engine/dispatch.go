package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/controlapi"
	"github.com/jinnlabs/jinn-worker/internal/jobctx"
	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/payload"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
	"github.com/jinnlabs/jinn-worker/internal/signproxy"
	"github.com/jinnlabs/jinn-worker/internal/txqueue"
	"github.com/jinnlabs/jinn-worker/internal/venture"
)

// Dispatch posts marketplace requests on behalf of the running agent. Each
// named content entry and each prompt becomes its own request. The engine
// never waits for delivery of what it posts, so PostOnly is always in
// effect regardless of the flag.
func (e *Engine) Dispatch(ctx context.Context, req signproxy.DispatchRequest) (*chain.MarketplaceResult, error) {
	timeout := req.ResponseTimeout
	if timeout == 0 {
		timeout = e.responseTimeout()
	}
	var priorityMech common.Address
	if req.PriorityMech != "" {
		priorityMech = common.HexToAddress(req.PriorityMech)
	}

	specs, err := e.dispatchSpecs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, apierror.NewValidationError("payloads", "nothing to dispatch")
	}

	merged := &chain.MarketplaceResult{FinalPrice: new(big.Int)}
	for _, spec := range specs {
		spec.PriorityMech = priorityMech
		spec.ResponseTimeout = timeout
		spec.ValidateNativePayment = true

		// Entries already posted stand even when a later one fails; the
		// caller resubmits only what is missing.
		result, err := e.deps.Marketplace.SubmitMarketplaceRequest(ctx, spec)
		if err != nil {
			return nil, err
		}
		merged.RequestIDs = append(merged.RequestIDs, result.RequestIDs...)
		if result.FinalPrice != nil {
			merged.FinalPrice.Add(merged.FinalPrice, result.FinalPrice)
		}
		merged.TxHash = result.TxHash
		merged.SafeTxHash = result.SafeTxHash
		merged.ResponseTimeout = result.ResponseTimeout
	}
	return merged, nil
}

// dispatchSpecs turns a proxy dispatch into marketplace request specs.
// Content entries are processed in name order so retries pin in a stable
// sequence. Child payloads dispatched from inside a job pass through the
// parent-dispatch claim, keeping fan-out to one request per child across
// the fleet.
func (e *Engine) dispatchSpecs(ctx context.Context, req signproxy.DispatchRequest) ([]chain.RequestSpec, error) {
	parent := ""
	if jc := e.currentJob(); jc != nil {
		parent = jc.JobDefinitionID
	}

	var specs []chain.RequestSpec

	names := make([]string, 0, len(req.IPFSJSONContents))
	for name := range req.IPFSJSONContents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := req.IPFSJSONContents[name]
		child := childJobDefinitionID(content)
		if parent != "" && child != "" {
			claim, err := e.deps.Control.ClaimParentDispatch(ctx, parent, child)
			if err != nil {
				return nil, fmt.Errorf("failed to claim child dispatch: %w", err)
			}
			if !claim.Allowed {
				e.logger.Info("child dispatch suppressed",
					slog.String("parent", parent),
					slog.String("child", child),
				)
				continue
			}
		}
		specs = append(specs, chain.RequestSpec{
			Metadata:     content,
			MetadataName: name,
		})
	}

	for i, p := range req.Prompts {
		metadata := map[string]any{"prompt": p}
		if len(req.Tools) > 0 {
			metadata["tools"] = req.Tools
		}
		specs = append(specs, chain.RequestSpec{
			Metadata:     metadata,
			MetadataName: fmt.Sprintf("prompt_%d.json", i),
		})
	}
	return specs, nil
}

func childJobDefinitionID(content json.RawMessage) string {
	var probe struct {
		JobDefinitionID string `json:"jobDefinitionId"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return ""
	}
	return probe.JobDefinitionID
}

// DispatchFromTemplate fires one venture schedule tick: load the template
// job definition, rebuild its payload under the deterministic scheduled
// job definition ID, and post it to the marketplace.
func (e *Engine) DispatchFromTemplate(ctx context.Context, v venture.Venture, entry venture.ScheduleEntry, jobDefinitionID string) error {
	def, err := e.deps.Ledger.JobDefinition(ctx, entry.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template %s: %w", entry.TemplateID, err)
	}
	if def == nil || def.IPFSHash == "" {
		return fmt.Errorf("template %s has no payload", entry.TemplateID)
	}
	raw, err := e.deps.Store.FetchMetadata(ctx, def.IPFSHash)
	if err != nil {
		return fmt.Errorf("failed to fetch template payload: %w", err)
	}
	var tpl payload.Payload
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return fmt.Errorf("failed to parse template payload: %w", err)
	}

	jobName := tpl.JobName
	if jobName == "" {
		jobName = v.Name
	}
	result, err := e.deps.Payloads.Build(ctx, jobctx.JobContext{}, &payload.BuildRequest{
		Blueprint:       tpl.Blueprint,
		JobName:         jobName,
		JobDefinitionID: jobDefinitionID,
		Model:           tpl.Model,
		EnabledTools:    tpl.EnabledTools,
		Tools:           tpl.Tools,
		InputSpec:       tpl.InputSpec,
		OutputSpec:      tpl.OutputSpec,
		AllowedModels:   tpl.AllowedModels,
		Cyclic:          true,
		CodeMetadata:    tpl.CodeMetadata,
		WorkstreamID:    tpl.WorkstreamID,
		VentureID:       v.ID,
		TemplateID:      entry.TemplateID,
		ExecutionPolicy: tpl.ExecutionPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to build venture payload: %w", err)
	}

	for _, p := range result.Payloads {
		if _, err := e.deps.Marketplace.SubmitMarketplaceRequest(ctx, chain.RequestSpec{
			Metadata:              p,
			MetadataName:          jobDefinitionID + ".json",
			ResponseTimeout:       e.responseTimeout(),
			ValidateNativePayment: true,
		}); err != nil {
			return fmt.Errorf("failed to submit venture request: %w", err)
		}
	}
	return nil
}

// pullRemoteTransactions mirrors fleet-visible transaction requests into
// the local queue. The claim runs before the enqueue so two workers never
// double-submit the same request.
func (e *Engine) pullRemoteTransactions(ctx context.Context) int {
	pending, err := e.deps.Control.PendingTransactionRequests(ctx, remoteTxLimit)
	if err != nil {
		e.logger.Warn("remote transaction poll failed", slog.String("error", err.Error()))
		return 0
	}

	pulled := 0
	for _, r := range pending {
		claim, err := e.deps.Control.ClaimTransactionRequest(ctx, r.ID, e.deps.WorkerID)
		if err != nil {
			e.logger.Warn("remote transaction claim failed",
				slog.String("id", r.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claim.Won() {
			continue
		}

		row, err := e.deps.Queue.Enqueue(ctx, txqueue.EnqueueInput{
			ChainID:           r.ChainID,
			ExecutionStrategy: r.ExecutionStrategy,
			Payload:           r.Payload,
			IdempotencyKey:    "remote:" + r.ID,
		})
		if err != nil {
			code := "ENQUEUE_FAILED"
			if apierror.IsAPIError(err) {
				code = apierror.AsAPIError(err).Code
			}
			input := controlapi.TxStatusInput{
				ID:           r.ID,
				Status:       models.TxStatusFailed.String(),
				ErrorCode:    code,
				ErrorMessage: err.Error(),
			}
			if uerr := e.deps.Control.UpdateTransactionStatus(ctx, input); uerr != nil {
				e.logger.Warn("remote transaction status update failed",
					slog.String("id", r.ID),
					slog.String("error", uerr.Error()),
				)
			}
			continue
		}
		e.remote[row.ID] = r.ID
		pulled++
	}
	return pulled
}

// reportRemoteOutcomes pushes terminal local rows back to the control
// plane and forgets them. Rows still in flight are checked again next
// cycle.
func (e *Engine) reportRemoteOutcomes(ctx context.Context) {
	for local, remoteID := range e.remote {
		row, err := e.deps.Queue.Status(ctx, local)
		if err != nil || row == nil {
			continue
		}
		if !row.Status.Terminal() {
			continue
		}
		if err := e.deps.Control.UpdateTransactionStatus(ctx, controlapi.TxStatusInput{
			ID:           remoteID,
			Status:       row.Status.String(),
			SafeTxHash:   row.SafeTxHash,
			TxHash:       row.TxHash,
			ErrorCode:    row.ErrorCode,
			ErrorMessage: row.ErrorMessage,
		}); err != nil {
			e.logger.Warn("remote transaction status update failed",
				slog.String("id", remoteID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(e.remote, local)
	}
}
