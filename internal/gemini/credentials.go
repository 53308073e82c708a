// Package gemini manages the model credentials the agent subprocess runs
// with: parsing the configured OAuth credential list, refreshing expired
// access tokens, checking remaining quota, and writing the selected tokens
// where the agent expects to find them.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

const (
	// TokenFileName is the file the agent reads its OAuth tokens from,
	// relative to the agent config directory.
	TokenFileName = "oauth_creds.json"

	googleTokenURL = "https://oauth2.googleapis.com/token"

	// expiryMargin treats tokens about to expire as already expired so a
	// just-selected credential survives the agent run that follows.
	expiryMargin = 60 * time.Second
)

// Credential is one entry of the configured OAuth credential list. APIKey
// credentials carry only the key; OAuth credentials carry the token fields.
type Credential struct {
	Email        string `json:"email,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// ExpiryDate is unix milliseconds, matching the agent's token file.
	ExpiryDate int64 `json:"expiry_date,omitempty"`
}

// ParseCredentials decodes the configured JSON array of OAuth credentials.
func ParseCredentials(raw string) ([]*Credential, error) {
	if raw == "" {
		return nil, nil
	}
	var creds []*Credential
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("failed to parse oauth credentials: %w", err)
	}
	for i, cred := range creds {
		if cred == nil || cred.RefreshToken == "" {
			return nil, fmt.Errorf("oauth credential %d has no refresh token", i)
		}
	}
	return creds, nil
}

// Label names a credential in logs without leaking token material.
func (c *Credential) Label(index int) string {
	if c.Email != "" {
		return c.Email
	}
	return fmt.Sprintf("credential-%d", index)
}

// Expired reports whether the access token is missing or past its expiry,
// with a safety margin.
func (c *Credential) Expired(now time.Time) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiryDate == 0 {
		return false
	}
	return !time.UnixMilli(c.ExpiryDate).After(now.Add(expiryMargin))
}

// Refresh exchanges the refresh token for a fresh access token and updates
// the credential in place.
func (c *Credential) Refresh(ctx context.Context) error {
	tokenURL := c.TokenURI
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	stale := &oauth2.Token{
		RefreshToken: c.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh access token: %w", err)
	}

	c.AccessToken = fresh.AccessToken
	c.TokenType = fresh.TokenType
	if !fresh.Expiry.IsZero() {
		c.ExpiryDate = fresh.Expiry.UnixMilli()
	}
	if fresh.RefreshToken != "" {
		c.RefreshToken = fresh.RefreshToken
	}
	return nil
}

// tokenFile is the on-disk shape the agent reads.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiryDate   int64  `json:"expiry_date,omitempty"`
}

// WriteTokenFile writes the credential's tokens into dir so the agent picks
// them up on its next start. The file is written with owner-only permissions.
func (c *Credential) WriteTokenFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		ExpiryDate:   c.ExpiryDate,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode token file: %w", err)
	}

	path := filepath.Join(dir, TokenFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return path, nil
}
