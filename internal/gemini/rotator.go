package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jinnlabs/jinn-worker/internal/metrics"
)

// ErrAllExhausted is returned when every configured credential is out of
// quota. Callers back off and retry; see Backoff.
var ErrAllExhausted = errors.New("gemini: all credentials exhausted")

// ErrNoCredentials is returned when neither OAuth credentials nor an API key
// are configured.
var ErrNoCredentials = errors.New("gemini: no credentials configured")

// QuotaChecker reports whether a credential still has quota to burn.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, cred *Credential) (bool, error)
}

const quotaCheckTimeout = 10 * time.Second

type httpQuotaChecker struct {
	endpoint string
	client   *http.Client
}

// NewQuotaChecker builds a checker against the provider's quota
// introspection endpoint. The request carries the credential's access token.
func NewQuotaChecker(endpoint string) QuotaChecker {
	return &httpQuotaChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: quotaCheckTimeout},
	}
}

type quotaResponse struct {
	Remaining int64 `json:"remaining"`
	Exhausted bool  `json:"exhausted"`
}

func (c *httpQuotaChecker) CheckQuota(ctx context.Context, cred *Credential) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("quota check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("quota check failed (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed quotaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("failed to parse quota response: %w", err)
	}
	return !parsed.Exhausted && parsed.Remaining > 0, nil
}

// Rotator selects a usable credential each cycle: refresh expired tokens,
// probe quota in list order, take the first credential with headroom, and
// land its tokens in the agent's token file. With only an API key configured
// there is nothing to rotate and the key is handed back as-is.
type Rotator struct {
	creds    []*Credential
	apiKey   string
	checker  QuotaChecker
	tokenDir string
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active int
}

// NewRotator builds a rotator over the parsed credential list. tokenDir is
// where the selected credential's tokens are written; apiKey is the
// non-OAuth fallback.
func NewRotator(creds []*Credential, apiKey, tokenDir string, checker QuotaChecker, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		creds:    creds,
		apiKey:   apiKey,
		checker:  checker,
		tokenDir: tokenDir,
		logger:   logger.With("component", "gemini"),
		now:      time.Now,
		active:   -1,
	}
}

// Acquire returns a credential with remaining quota, refreshing and writing
// its token file first. Returns ErrAllExhausted when every credential is out
// of quota and ErrNoCredentials when nothing is configured.
func (r *Rotator) Acquire(ctx context.Context) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.creds) == 0 {
		if r.apiKey != "" {
			return &Credential{APIKey: r.apiKey}, nil
		}
		return nil, ErrNoCredentials
	}

	for i, cred := range r.creds {
		label := cred.Label(i)

		if cred.Expired(r.now()) {
			if err := cred.Refresh(ctx); err != nil {
				r.logger.Warn("token refresh failed, skipping credential",
					"credential", label, "error", err)
				continue
			}
			r.logger.Debug("refreshed access token", "credential", label)
		}

		ok, err := r.checker.CheckQuota(ctx, cred)
		if err != nil {
			r.logger.Warn("quota check failed, skipping credential",
				"credential", label, "error", err)
			continue
		}
		if !ok {
			r.logger.Debug("credential out of quota", "credential", label)
			continue
		}

		if r.tokenDir != "" {
			if _, err := cred.WriteTokenFile(r.tokenDir); err != nil {
				return nil, err
			}
		}
		if r.active != i {
			if r.active >= 0 {
				metrics.CredentialRotations.Inc()
				r.logger.Info("rotated model credential", "credential", label)
			}
			r.active = i
		}
		return cred, nil
	}

	metrics.QuotaExhausted.Inc()
	return nil, ErrAllExhausted
}
