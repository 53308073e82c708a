// Package bridge talks to the credential bridge: operator registration at
// startup and provider credential fetch for the agent environment.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jinnlabs/jinn-worker/internal/httpsig"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
)

var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// ErrNoCredentials is returned when the bridge holds no credentials for the
// requested provider.
var ErrNoCredentials = errors.New("bridge: no credentials for provider")

// Client is a signed HTTP client for the credential bridge.
type Client struct {
	baseURL string
	signer  *httpsig.Signer
	client  *http.Client
	logger  *slog.Logger
	sleep   func(time.Duration)
}

// NewClient creates a bridge client rooted at baseURL. Every request carries
// the worker's signed envelope so the bridge can bind credentials to the
// agent address.
func NewClient(baseURL string, signer *httpsig.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger.With("component", "bridge"),
		sleep:   time.Sleep,
	}
}

// do issues one signed request per attempt, retrying transport errors and
// 5xx responses. Each attempt signs fresh so the envelope nonce is never
// reused. Any response below 500 is returned to the caller with its body
// already read.
func (c *Client) do(ctx context.Context, method, endpoint string) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(retryDelays[attempt-1])
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create request: %w", err)
		}
		if err := c.signer.Sign(req, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to sign request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("bridge request failed: %w", err)
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("failed to read response: %w", readErr)
			case resp.StatusCode >= http.StatusInternalServerError:
				lastErr = fmt.Errorf("bridge request failed (status %d): %s", resp.StatusCode, string(body))
			default:
				return resp, body, nil
			}
		}
		c.logger.Warn("bridge attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
	return nil, nil, fmt.Errorf("bridge call failed after %d attempts: %w", maxAttempts, lastErr)
}

// RegisterOperator announces this worker's agent address to the bridge.
// 201 means newly registered and 409 means the operator already exists;
// both count as success. Registration failures are advisory, callers log
// and continue.
func (c *Client) RegisterOperator(ctx context.Context) error {
	resp, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/admin/operators")
	if err != nil {
		return fmt.Errorf("operator registration failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		c.logger.Info("operator registered", "address", c.signer.Address().Hex())
		return nil
	case http.StatusConflict:
		c.logger.Debug("operator already registered", "address", c.signer.Address().Hex())
		return nil
	}
	return fmt.Errorf("operator registration failed (status %d): %s", resp.StatusCode, string(body))
}

type credentialResponse struct {
	Provider string            `json:"provider"`
	Env      map[string]string `json:"env"`
}

// Credentials fetches the environment entries the bridge holds for one
// provider, for example an API key for an external model or embedder.
// Returns ErrNoCredentials when the bridge has nothing for the provider.
func (c *Client) Credentials(ctx context.Context, provider string) (map[string]string, error) {
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}

	resp, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/credentials/"+url.PathEscape(provider))
	if err != nil {
		return nil, fmt.Errorf("credential fetch failed: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential fetch failed (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed credentialResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Env) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}
	return parsed.Env, nil
}
