package controlapi

import (
	"context"

	"github.com/jinnlabs/jinn-worker/internal/models"
)

const activeVenturesQuery = `query ActiveVentures {
  ventures(where: { active: true }, limit: 100) {
    items {
      id name workstreamId active
      scheduleEntries { id templateId cron enabled }
    }
  }
}`

// ActiveVentures lists the ventures whose schedules this worker should
// drive.
func (c *Client) ActiveVentures(ctx context.Context) ([]models.Venture, error) {
	var out struct {
		Ventures struct {
			Items []models.Venture `json:"items"`
		} `json:"ventures"`
	}
	if err := c.mutate(ctx, "", activeVenturesQuery, nil, &out); err != nil {
		return nil, err
	}
	return out.Ventures.Items, nil
}

// RemoteTxRequest is a fleet-visible transaction request hosted by the
// control plane. Workers claim one, execute it through the local queue and
// report the outcome back with UpdateTransactionStatus.
type RemoteTxRequest struct {
	ID                string                   `json:"id"`
	ChainID           int64                    `json:"chainId"`
	ExecutionStrategy models.ExecutionStrategy `json:"executionStrategy"`
	Payload           models.TxPayload         `json:"payload"`
}

const pendingTxRequestsQuery = `query PendingTransactionRequests($limit: Int!) {
  transactionRequests(where: { status: PENDING }, orderBy: "createdAt", limit: $limit) {
    items {
      id chainId executionStrategy
      payload { to data value }
    }
  }
}`

// PendingTransactionRequests lists unclaimed transaction requests, oldest
// first.
func (c *Client) PendingTransactionRequests(ctx context.Context, limit int) ([]RemoteTxRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	var out struct {
		TransactionRequests struct {
			Items []RemoteTxRequest `json:"items"`
		} `json:"transactionRequests"`
	}
	if err := c.mutate(ctx, "", pendingTxRequestsQuery, map[string]any{"limit": limit}, &out); err != nil {
		return nil, err
	}
	return out.TransactionRequests.Items, nil
}
