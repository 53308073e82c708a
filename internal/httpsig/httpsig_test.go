package httpsig

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, signer *Signer, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://control.example/graphql", bytes.NewReader(body))
	require.NoError(t, signer.Sign(req, body))
	return req
}

func TestSignVerify_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	body := []byte(`{"query":"mutation { claimRequest }"}`)
	req := signedRequest(t, signer, body)

	addr, err := Verify(req, body, time.Now())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)
}

func TestSignVerify_EmptyBody(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	req := httptest.NewRequest(http.MethodPost, "http://bridge.example/admin/operators", nil)
	require.NoError(t, signer.Sign(req, nil))

	_, err = Verify(req, nil, time.Now())
	assert.NoError(t, err)
}

func TestVerify_Expired(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)
	signer.now = func() time.Time { return time.Now().Add(-2 * DefaultTTL * time.Second) }

	body := []byte(`{}`)
	req := signedRequest(t, signer, body)

	_, err = Verify(req, body, time.Now())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_FutureIssuedAt(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)
	signer.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	body := []byte(`{}`)
	req := signedRequest(t, signer, body)

	_, err = Verify(req, body, time.Now())
	assert.ErrorIs(t, err, ErrNotYetValid)
}

func TestVerify_TamperedBody(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	body := []byte(`{"amount":1}`)
	req := signedRequest(t, signer, body)

	_, err = Verify(req, []byte(`{"amount":9}`), time.Now())
	assert.ErrorIs(t, err, ErrAddressMismatch)
}

func TestVerify_WrongAddressHeader(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer := NewSigner(key)
	body := []byte(`{}`)
	req := signedRequest(t, signer, body)
	req.Header.Set(HeaderAddress, crypto.PubkeyToAddress(other.PublicKey).Hex())

	_, err = Verify(req, body, time.Now())
	assert.ErrorIs(t, err, ErrAddressMismatch)
}

func TestVerify_MissingHeaders(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	body := []byte(`{}`)
	for _, header := range []string{HeaderAddress, HeaderNonce, HeaderIssuedAt, HeaderTTL, HeaderSig} {
		req := signedRequest(t, signer, body)
		req.Header.Del(header)
		_, err := Verify(req, body, time.Now())
		assert.ErrorIs(t, err, ErrMissingHeader, header)
	}
}

func TestSign_FreshNoncePerCall(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key)

	body := []byte(`{}`)
	a := signedRequest(t, signer, body)
	b := signedRequest(t, signer, body)

	assert.NotEqual(t, a.Header.Get(HeaderNonce), b.Header.Get(HeaderNonce))
	assert.NotEqual(t, a.Header.Get(HeaderSig), b.Header.Get(HeaderSig))
}
