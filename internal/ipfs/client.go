// Package ipfs reads and pins network-addressed JSON content. Reads go
// through a public gateway; writes go through the metadata-pin endpoint,
// which returns the raw multihash digest referenced on-chain.
package ipfs

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

const maxSummaryLen = 1000

// Config holds the HTTP endpoints and per-call timeouts for content access.
type Config struct {
	GatewayURL      string        // public read gateway
	PinURL          string        // metadata-pin service
	MetadataTimeout time.Duration // default 7s
	ChildTimeout    time.Duration // default 8s
	PinTimeout      time.Duration // default 30s
}

// Client talks to the gateway and pin endpoints.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a content client with default timeouts filled in.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = 7 * time.Second
	}
	if cfg.ChildTimeout == 0 {
		cfg.ChildTimeout = 8 * time.Second
	}
	if cfg.PinTimeout == 0 {
		cfg.PinTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With("component", "ipfs"),
	}
}

// FetchMetadata resolves the raw on-chain multihash to a gateway path and
// returns the JSON document it points at.
func (c *Client) FetchMetadata(ctx context.Context, ipfsHash string) (json.RawMessage, error) {
	cid, err := CIDFromDigest(ipfsHash)
	if err != nil {
		return nil, err
	}
	return c.getJSON(ctx, c.gatewayPath(cid), c.cfg.MetadataTimeout)
}

// FetchJSON returns the JSON document behind an already-derived CID.
func (c *Client) FetchJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	return c.getJSON(ctx, c.gatewayPath(cid), c.cfg.MetadataTimeout)
}

// childDelivery is the subset of a delivered job payload used for summaries.
type childDelivery struct {
	StructuredSummary json.RawMessage `json:"structuredSummary"`
	Output            string          `json:"output"`
}

// ChildSummary fetches the payload delivered for one child request under the
// parent's delivery directory and reduces it to a short summary string. The
// directory CID is derived from the delivery multihash.
func (c *Client) ChildSummary(ctx context.Context, deliveryHash, requestID string) (string, error) {
	dirCID, err := CIDFromDigest(deliveryHash)
	if err != nil {
		return "", err
	}
	raw, err := c.getJSON(ctx, c.gatewayPath(dirCID)+"/"+requestID, c.cfg.ChildTimeout)
	if err != nil {
		return "", err
	}

	var delivery childDelivery
	if err := json.Unmarshal(raw, &delivery); err != nil {
		return "", fmt.Errorf("failed to parse child delivery: %w", err)
	}

	if summary := renderStructuredSummary(delivery.StructuredSummary); summary != "" {
		return summary, nil
	}
	if len(delivery.Output) > maxSummaryLen {
		return delivery.Output[:maxSummaryLen], nil
	}
	return delivery.Output, nil
}

// renderStructuredSummary flattens a structuredSummary field, which may be a
// plain string or an arbitrary JSON object, into one string.
func renderStructuredSummary(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	return buf.String()
}

type pinRequest struct {
	Name     string `json:"name"`
	Metadata any    `json:"metadata"`
}

type pinResponse struct {
	IPFSHash string `json:"ipfsHash"`
	Error    string `json:"error"`
}

// PinMetadata uploads a JSON document through the metadata-pin endpoint and
// returns the 0x-prefixed multihash the network will reference.
func (c *Client) PinMetadata(ctx context.Context, name string, metadata any) (string, error) {
	body, err := json.Marshal(pinRequest{Name: name, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("failed to marshal pin request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PinTimeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.PinURL, "/") + "/pin/metadata"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read pin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("pin endpoint error (status %d): %s", resp.StatusCode, snippet(respBody))
	}

	var pinResp pinResponse
	if err := json.Unmarshal(respBody, &pinResp); err != nil {
		return "", fmt.Errorf("failed to parse pin response: %w", err)
	}
	if pinResp.Error != "" {
		return "", fmt.Errorf("pin endpoint error: %s", pinResp.Error)
	}

	digest, err := ValidateDigest(pinResp.IPFSHash)
	if err != nil {
		return "", fmt.Errorf("pin endpoint returned bad hash: %w", err)
	}
	c.logger.Debug("pinned metadata", slog.String("name", name), slog.String("ipfs_hash", digest))
	return digest, nil
}

func (c *Client) gatewayPath(cid string) string {
	return strings.TrimRight(c.cfg.GatewayURL, "/") + "/" + cid
}

func (c *Client) getJSON(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, snippet(body))
	}
	return json.RawMessage(body), nil
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
