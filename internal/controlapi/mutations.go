package controlapi

import (
	"context"
	"encoding/json"
)

// ClaimResult reports the outcome of a claim-style mutation.
type ClaimResult struct {
	Claimed        bool `json:"claimed"`
	AlreadyClaimed bool `json:"alreadyClaimed"`
}

// Won reports whether this worker owns the claim.
func (r ClaimResult) Won() bool {
	return r.Claimed && !r.AlreadyClaimed
}

// DispatchClaim is the outcome of a dispatch-gate mutation.
type DispatchClaim struct {
	Allowed bool `json:"allowed"`
}

// JobReportInput is the record written after a request finishes.
type JobReportInput struct {
	RequestID       string          `json:"requestId"`
	JobDefinitionID string          `json:"jobDefinitionId,omitempty"`
	Status          string          `json:"status"`
	DurationMs      int64           `json:"durationMs"`
	TokenCount      int64           `json:"tokenCount"`
	ToolTrace       json.RawMessage `json:"toolTrace,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

// ArtifactInput describes one artifact reference to record.
type ArtifactInput struct {
	RequestID   string          `json:"requestId"`
	Name        string          `json:"name"`
	CID         string          `json:"cid"`
	ContentType string          `json:"contentType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// TxStatusInput updates a fleet-visible transaction request.
type TxStatusInput struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SafeTxHash   string `json:"safeTxHash,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

const claimRequestMutation = `mutation ClaimRequest($requestId: String!, $workerId: String!) {
  claimRequest(requestId: $requestId, workerId: $workerId) { claimed alreadyClaimed }
}`

// ClaimRequest takes the fleet-wide execution lock for a request.
func (c *Client) ClaimRequest(ctx context.Context, requestID, workerID string) (*ClaimResult, error) {
	var out struct {
		ClaimRequest ClaimResult `json:"claimRequest"`
	}
	key := IdempotencyKey(requestID, "claim")
	vars := map[string]any{"requestId": requestID, "workerId": workerID}
	if err := c.mutate(ctx, key, claimRequestMutation, vars, &out); err != nil {
		return nil, err
	}
	return &out.ClaimRequest, nil
}

const claimParentDispatchMutation = `mutation ClaimParentDispatch($parentJobDefinitionId: String!, $childJobDefinitionId: String!) {
  claimParentDispatch(parentJobDefinitionId: $parentJobDefinitionId, childJobDefinitionId: $childJobDefinitionId) { allowed }
}`

// ClaimParentDispatch gates re-dispatch of a child job definition.
func (c *Client) ClaimParentDispatch(ctx context.Context, parentJobDefinitionID, childJobDefinitionID string) (*DispatchClaim, error) {
	var out struct {
		ClaimParentDispatch DispatchClaim `json:"claimParentDispatch"`
	}
	key := IdempotencyKey("parent-dispatch", parentJobDefinitionID, childJobDefinitionID)
	vars := map[string]any{
		"parentJobDefinitionId": parentJobDefinitionID,
		"childJobDefinitionId":  childJobDefinitionID,
	}
	if err := c.mutate(ctx, key, claimParentDispatchMutation, vars, &out); err != nil {
		return nil, err
	}
	return &out.ClaimParentDispatch, nil
}

const claimVentureDispatchMutation = `mutation ClaimVentureDispatch($ventureId: String!, $templateId: String!, $scheduleTick: String!) {
  claimVentureDispatch(ventureId: $ventureId, templateId: $templateId, scheduleTick: $scheduleTick) { allowed }
}`

// ClaimVentureDispatch gates one scheduled dispatch across the fleet. The
// schedule tick identifies the cron occurrence being claimed.
func (c *Client) ClaimVentureDispatch(ctx context.Context, ventureID, templateID, scheduleTick string) (*DispatchClaim, error) {
	var out struct {
		ClaimVentureDispatch DispatchClaim `json:"claimVentureDispatch"`
	}
	key := IdempotencyKey("venture-dispatch", ventureID, templateID, scheduleTick)
	vars := map[string]any{
		"ventureId":    ventureID,
		"templateId":   templateID,
		"scheduleTick": scheduleTick,
	}
	if err := c.mutate(ctx, key, claimVentureDispatchMutation, vars, &out); err != nil {
		return nil, err
	}
	return &out.ClaimVentureDispatch, nil
}

const createJobReportMutation = `mutation CreateJobReport($input: JobReportInput!) {
  createJobReport(input: $input) { id }
}`

// CreateJobReport records the outcome of a request lifecycle.
func (c *Client) CreateJobReport(ctx context.Context, input JobReportInput) (string, error) {
	var out struct {
		CreateJobReport struct {
			ID string `json:"id"`
		} `json:"createJobReport"`
	}
	key := IdempotencyKey(input.RequestID, "report")
	if err := c.mutate(ctx, key, createJobReportMutation, map[string]any{"input": input}, &out); err != nil {
		return "", err
	}
	return out.CreateJobReport.ID, nil
}

const createArtifactMutation = `mutation CreateArtifact($input: ArtifactInput!) {
  createArtifact(input: $input) { id }
}`

// CreateArtifact records an artifact reference for a request.
func (c *Client) CreateArtifact(ctx context.Context, input ArtifactInput) (string, error) {
	var out struct {
		CreateArtifact struct {
			ID string `json:"id"`
		} `json:"createArtifact"`
	}
	key := IdempotencyKey(input.RequestID, "artifact", input.Name)
	if err := c.mutate(ctx, key, createArtifactMutation, map[string]any{"input": input}, &out); err != nil {
		return "", err
	}
	return out.CreateArtifact.ID, nil
}

const createMessageMutation = `mutation CreateMessage($requestId: String!, $role: String!, $content: String!) {
  createMessage(requestId: $requestId, role: $role, content: $content) { id }
}`

// CreateMessage appends a message to the request's conversation log.
func (c *Client) CreateMessage(ctx context.Context, requestID, role, content string) (string, error) {
	var out struct {
		CreateMessage struct {
			ID string `json:"id"`
		} `json:"createMessage"`
	}
	key := IdempotencyKey(requestID, "message", role, content)
	vars := map[string]any{"requestId": requestID, "role": role, "content": content}
	if err := c.mutate(ctx, key, createMessageMutation, vars, &out); err != nil {
		return "", err
	}
	return out.CreateMessage.ID, nil
}

const claimTransactionRequestMutation = `mutation ClaimTransactionRequest($id: String!, $workerId: String!) {
  claimTransactionRequest(id: $id, workerId: $workerId) { claimed alreadyClaimed }
}`

// ClaimTransactionRequest takes the fleet-wide lock on a shared transaction
// request.
func (c *Client) ClaimTransactionRequest(ctx context.Context, id, workerID string) (*ClaimResult, error) {
	var out struct {
		ClaimTransactionRequest ClaimResult `json:"claimTransactionRequest"`
	}
	key := IdempotencyKey(id, "tx-claim")
	vars := map[string]any{"id": id, "workerId": workerID}
	if err := c.mutate(ctx, key, claimTransactionRequestMutation, vars, &out); err != nil {
		return nil, err
	}
	return &out.ClaimTransactionRequest, nil
}

const updateTransactionStatusMutation = `mutation UpdateTransactionStatus($input: TransactionStatusInput!) {
  updateTransactionStatus(input: $input) { id }
}`

// UpdateTransactionStatus publishes a transaction outcome.
func (c *Client) UpdateTransactionStatus(ctx context.Context, input TxStatusInput) error {
	key := IdempotencyKey(input.ID, "tx-status", input.Status, input.ErrorMessage)
	return c.mutate(ctx, key, updateTransactionStatusMutation, map[string]any{"input": input}, nil)
}

const updateJobStatusMutation = `mutation UpdateJobStatus($requestId: String!, $status: String!, $statusText: String!) {
  updateJobStatus(requestId: $requestId, status: $status, statusText: $statusText) { id }
}`

// UpdateJobStatus publishes a live status line for a running request.
func (c *Client) UpdateJobStatus(ctx context.Context, requestID, status, statusText string) error {
	key := IdempotencyKey(requestID, "status", status, statusText)
	vars := map[string]any{"requestId": requestID, "status": status, "statusText": statusText}
	return c.mutate(ctx, key, updateJobStatusMutation, vars, nil)
}
