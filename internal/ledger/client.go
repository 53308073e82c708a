// Package ledger queries the network's read-side index: request discovery,
// job-definition hierarchies and the staking tables. The index is eventually
// consistent; callers that need hard guarantees go through the Control API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one index query.
const DefaultTimeout = 10 * time.Second

// Client is the ledger-index GraphQL client.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates an index client for the given GraphQL endpoint.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  logger.With("component", "ledger"),
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// query posts one GraphQL document and unmarshals the data envelope into out.
func (c *Client) query(ctx context.Context, document string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: document, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("index query failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read index response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index query failed (status %d): %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode index response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("index query rejected: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode index data: %w", err)
	}
	return nil
}

const getRequestQuery = `query GetRequest($id: String!) {
  request(id: $id) {
    id ipfsHash mech requester jobDefinitionId delivered blockTimestamp
  }
}`

// GetRequest fetches one request row. A missing row returns (nil, nil).
func (c *Client) GetRequest(ctx context.Context, id string) (*Request, error) {
	var out struct {
		Request *Request `json:"request"`
	}
	if err := c.query(ctx, getRequestQuery, map[string]any{"id": strings.ToLower(id)}, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

const undeliveredRequestsQuery = `query UndeliveredRequests($mechs: [String!]!, $limit: Int!) {
  requests(
    where: { delivered: false, mech_in: $mechs }
    orderBy: "blockTimestamp"
    orderDirection: "asc"
    limit: $limit
  ) {
    items { id ipfsHash mech requester jobDefinitionId delivered blockTimestamp }
    pageInfo { hasNextPage endCursor }
  }
}`

// UndeliveredRequests returns up to limit undelivered requests addressed to
// any of the given mechs, oldest first. Mech addresses are lowercased to
// match index storage.
func (c *Client) UndeliveredRequests(ctx context.Context, mechs []string, limit int) ([]Request, error) {
	if len(mechs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	lowered := make([]string, len(mechs))
	for i, mech := range mechs {
		lowered[i] = strings.ToLower(mech)
	}

	var out struct {
		Requests struct {
			Items    []Request `json:"items"`
			PageInfo PageInfo  `json:"pageInfo"`
		} `json:"requests"`
	}
	err := c.query(ctx, undeliveredRequestsQuery, map[string]any{"mechs": lowered, "limit": limit}, &out)
	if err != nil {
		return nil, err
	}
	return out.Requests.Items, nil
}

const requestsForJobDefinitionQuery = `query RequestsForJobDefinition($jobDefinitionId: String!) {
  requests(where: { jobDefinitionId: $jobDefinitionId }, limit: 1) {
    items { id }
  }
}`

// HasRequestForJobDefinition reports whether any request exists for the job
// definition id. A failing query reports true so a scheduled dispatch is
// never doubled on index trouble.
func (c *Client) HasRequestForJobDefinition(ctx context.Context, jobDefinitionID string) bool {
	var out struct {
		Requests struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		} `json:"requests"`
	}
	err := c.query(ctx, requestsForJobDefinitionQuery, map[string]any{"jobDefinitionId": jobDefinitionID}, &out)
	if err != nil {
		c.logger.Warn("job definition lookup failed, assuming dispatched",
			slog.String("job_definition_id", jobDefinitionID),
			slog.String("error", err.Error()),
		)
		return true
	}
	return len(out.Requests.Items) > 0
}

const jobDefinitionQuery = `query JobDefinition($id: String!) {
  jobDefinition(id: $id) {
    id name lastStatus lastRequestId ipfsHash codeMetadata { branch baseBranch repo }
  }
}`

// JobDefinition fetches a single job definition by id. Returns nil when the
// index does not know it.
func (c *Client) JobDefinition(ctx context.Context, id string) (*JobDefinition, error) {
	var out struct {
		JobDefinition *JobDefinition `json:"jobDefinition"`
	}
	if err := c.query(ctx, jobDefinitionQuery, map[string]any{"id": id}, &out); err != nil {
		return nil, err
	}
	return out.JobDefinition, nil
}

const childJobDefinitionsQuery = `query ChildJobDefinitions($parentId: String!) {
  jobDefinitions(where: { parentJobDefinitionId: $parentId }, limit: 200) {
    items { id name lastStatus lastRequestId ipfsHash codeMetadata { branch baseBranch repo } }
  }
}`

// ChildJobDefinitions lists the direct children of a job definition.
func (c *Client) ChildJobDefinitions(ctx context.Context, parentID string) ([]JobDefinition, error) {
	var out struct {
		JobDefinitions struct {
			Items []JobDefinition `json:"items"`
		} `json:"jobDefinitions"`
	}
	if err := c.query(ctx, childJobDefinitionsQuery, map[string]any{"parentId": parentID}, &out); err != nil {
		return nil, err
	}
	return out.JobDefinitions.Items, nil
}

const stakedServicesQuery = `query StakedServices($stakingContract: String!) {
  stakedServices(where: { stakingContract: $stakingContract, isStaked: true }, limit: 1000) {
    items { serviceId owner multisig }
  }
}`

// StakedServices lists the services staked in the given pool.
func (c *Client) StakedServices(ctx context.Context, stakingContract string) ([]StakedService, error) {
	var out struct {
		StakedServices struct {
			Items []StakedService `json:"items"`
		} `json:"stakedServices"`
	}
	vars := map[string]any{"stakingContract": strings.ToLower(stakingContract)}
	if err := c.query(ctx, stakedServicesQuery, vars, &out); err != nil {
		return nil, err
	}
	return out.StakedServices.Items, nil
}

const mechServiceMappingsQuery = `query MechServiceMappings($serviceIds: [String!]!) {
  mechServiceMappings(where: { serviceId_in: $serviceIds }, limit: 1000) {
    items { mech serviceId }
  }
}`

// MechServiceMappings resolves the mech addresses registered for services.
func (c *Client) MechServiceMappings(ctx context.Context, serviceIDs []string) ([]MechServiceMapping, error) {
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	var out struct {
		MechServiceMappings struct {
			Items []MechServiceMapping `json:"items"`
		} `json:"mechServiceMappings"`
	}
	if err := c.query(ctx, mechServiceMappingsQuery, map[string]any{"serviceIds": serviceIDs}, &out); err != nil {
		return nil, err
	}
	return out.MechServiceMappings.Items, nil
}

const artifactsForRequestQuery = `query ArtifactsForRequest($requestId: String!) {
  artifacts(where: { requestId: $requestId }, limit: 100) {
    items { id requestId name cid }
  }
}`

// ArtifactsForRequest lists artifacts recorded for a request.
func (c *Client) ArtifactsForRequest(ctx context.Context, requestID string) ([]Artifact, error) {
	var out struct {
		Artifacts struct {
			Items []Artifact `json:"items"`
		} `json:"artifacts"`
	}
	vars := map[string]any{"requestId": strings.ToLower(requestID)}
	if err := c.query(ctx, artifactsForRequestQuery, vars, &out); err != nil {
		return nil, err
	}
	return out.Artifacts.Items, nil
}
