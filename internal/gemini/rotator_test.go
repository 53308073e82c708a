package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu    sync.Mutex
	seen  []string
	quota func(cred *Credential) (bool, error)
}

func (f *fakeChecker) CheckQuota(_ context.Context, cred *Credential) (bool, error) {
	f.mu.Lock()
	f.seen = append(f.seen, cred.AccessToken)
	f.mu.Unlock()
	return f.quota(cred)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func futureMs(t *testing.T) int64 {
	t.Helper()
	return time.Now().Add(time.Hour).UnixMilli()
}

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials(`[
		{"email":"a@x.io","access_token":"t1","refresh_token":"r1","expiry_date":1724668800000},
		{"access_token":"t2","refresh_token":"r2"}
	]`)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "a@x.io", creds[0].Email)
	assert.Equal(t, int64(1724668800000), creds[0].ExpiryDate)
	assert.Equal(t, "a@x.io", creds[0].Label(0))
	assert.Equal(t, "credential-1", creds[1].Label(1))

	empty, err := ParseCredentials("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseCredentials("not json")
	require.Error(t, err)

	_, err = ParseCredentials(`[{"access_token":"t"}]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}

func TestAcquire_SelectsFirstWithQuota(t *testing.T) {
	creds := []*Credential{
		{AccessToken: "t1", RefreshToken: "r1", ExpiryDate: futureMs(t)},
		{AccessToken: "t2", RefreshToken: "r2", ExpiryDate: futureMs(t)},
	}
	checker := &fakeChecker{quota: func(cred *Credential) (bool, error) {
		return cred.AccessToken == "t2", nil
	}}
	dir := t.TempDir()
	rotator := NewRotator(creds, "", dir, checker, discard())

	cred, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.AccessToken)
	assert.Equal(t, []string{"t1", "t2"}, checker.seen)

	data, err := os.ReadFile(filepath.Join(dir, TokenFileName))
	require.NoError(t, err)
	var written tokenFile
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, "t2", written.AccessToken)
	assert.Equal(t, "r2", written.RefreshToken)
}

func TestAcquire_AllExhausted(t *testing.T) {
	creds := []*Credential{
		{AccessToken: "t1", RefreshToken: "r1", ExpiryDate: futureMs(t)},
		{AccessToken: "t2", RefreshToken: "r2", ExpiryDate: futureMs(t)},
	}
	checker := &fakeChecker{quota: func(*Credential) (bool, error) { return false, nil }}
	rotator := NewRotator(creds, "", "", checker, discard())

	_, err := rotator.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAllExhausted)
	assert.Equal(t, []string{"t1", "t2"}, checker.seen, "one quota probe per credential")
}

func TestAcquire_RotatesWhenActiveExhausts(t *testing.T) {
	creds := []*Credential{
		{AccessToken: "t1", RefreshToken: "r1", ExpiryDate: futureMs(t)},
		{AccessToken: "t2", RefreshToken: "r2", ExpiryDate: futureMs(t)},
	}
	var drained bool
	checker := &fakeChecker{quota: func(cred *Credential) (bool, error) {
		if cred.AccessToken == "t1" {
			return !drained, nil
		}
		return true, nil
	}}
	rotator := NewRotator(creds, "", "", checker, discard())

	first, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", first.AccessToken)

	drained = true
	second, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", second.AccessToken)
}

func TestAcquire_RefreshesExpiredToken(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "r1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	creds := []*Credential{{
		AccessToken:  "stale-token",
		RefreshToken: "r1",
		TokenURI:     tokens.URL,
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	}}
	checker := &fakeChecker{quota: func(*Credential) (bool, error) { return true, nil }}
	dir := t.TempDir()
	rotator := NewRotator(creds, "", dir, checker, discard())

	cred, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cred.AccessToken)
	assert.Equal(t, []string{"fresh-token"}, checker.seen, "quota probed with the refreshed token")
	assert.Greater(t, cred.ExpiryDate, time.Now().UnixMilli())

	data, err := os.ReadFile(filepath.Join(dir, TokenFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fresh-token")
}

func TestAcquire_RefreshFailureSkipsCredential(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	creds := []*Credential{
		{RefreshToken: "r1", TokenURI: broken.URL},
		{AccessToken: "t2", RefreshToken: "r2", ExpiryDate: futureMs(t)},
	}
	checker := &fakeChecker{quota: func(*Credential) (bool, error) { return true, nil }}
	rotator := NewRotator(creds, "", "", checker, discard())

	cred, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.AccessToken)
}

func TestAcquire_QuotaCheckErrorSkipsCredential(t *testing.T) {
	creds := []*Credential{
		{AccessToken: "t1", RefreshToken: "r1", ExpiryDate: futureMs(t)},
		{AccessToken: "t2", RefreshToken: "r2", ExpiryDate: futureMs(t)},
	}
	checker := &fakeChecker{quota: func(cred *Credential) (bool, error) {
		if cred.AccessToken == "t1" {
			return false, assert.AnError
		}
		return true, nil
	}}
	rotator := NewRotator(creds, "", "", checker, discard())

	cred, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.AccessToken)
}

func TestAcquire_APIKeyFallback(t *testing.T) {
	rotator := NewRotator(nil, "AIza-test", "", nil, discard())

	cred, err := rotator.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AIza-test", cred.APIKey)
	assert.Empty(t, cred.AccessToken)
}

func TestAcquire_NothingConfigured(t *testing.T) {
	rotator := NewRotator(nil, "", "", nil, discard())

	_, err := rotator.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestHTTPQuotaChecker(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		available bool
		wantErr   bool
	}{
		{"has quota", http.StatusOK, `{"remaining":5}`, true, false},
		{"zero remaining", http.StatusOK, `{"remaining":0}`, false, false},
		{"flagged exhausted", http.StatusOK, `{"remaining":10,"exhausted":true}`, false, false},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false, false},
		{"server error", http.StatusInternalServerError, `boom`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			ok, err := NewQuotaChecker(srv.URL).CheckQuota(context.Background(), &Credential{AccessToken: "tok-1"})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.available, ok)
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Credential{}).Expired(now), "missing access token")
	assert.False(t, (&Credential{AccessToken: "t", ExpiryDate: 0}).Expired(now), "no expiry recorded")
	assert.False(t, (&Credential{AccessToken: "t", ExpiryDate: now.Add(time.Hour).UnixMilli()}).Expired(now))
	assert.True(t, (&Credential{AccessToken: "t", ExpiryDate: now.Add(-time.Hour).UnixMilli()}).Expired(now))
	assert.True(t, (&Credential{AccessToken: "t", ExpiryDate: now.Add(30 * time.Second).UnixMilli()}).Expired(now), "inside the margin")
}

func TestWriteTokenFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gemini")
	cred := &Credential{AccessToken: "t1", RefreshToken: "r1", TokenType: "Bearer", ExpiryDate: 42}

	path, err := cred.WriteTokenFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, TokenFileName), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var written tokenFile
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, tokenFile{AccessToken: "t1", RefreshToken: "r1", TokenType: "Bearer", ExpiryDate: 42}, written)
}
