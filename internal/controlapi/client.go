// Package controlapi drives the network's write-side GraphQL API. Every
// mutation travels as a signed POST with an idempotency key, so a retried
// call lands on the server at most once.
package controlapi

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

	"github.com/jinnlabs/jinn-worker/internal/httpsig"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
)

var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Client is the Control API client.
type Client struct {
	endpoint string
	signer   *httpsig.Signer
	client   *http.Client
	logger   *slog.Logger
	sleep    func(time.Duration)
}

// NewClient creates a client posting to the given GraphQL endpoint URL.
func NewClient(endpoint string, signer *httpsig.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		signer:   signer,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger.With("component", "controlapi"),
		sleep:    time.Sleep,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// mutate posts one GraphQL document with retries. Reads pass an empty
// idempotency key. Each attempt signs the request fresh so the envelope
// nonce is never reused.
func (c *Client) mutate(ctx context.Context, idempotencyKey, document string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: document, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(retryDelays[attempt-1])
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = c.post(ctx, idempotencyKey, body, out)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("control api attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
	return fmt.Errorf("control api call failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, idempotencyKey string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if err := c.signer.Sign(req, body); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read control api response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control api request failed (status %d): %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode control api response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("control api rejected mutation: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode control api data: %w", err)
	}
	return nil
}
