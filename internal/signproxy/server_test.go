package signproxy

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

type testKeys struct {
	mu  sync.Mutex
	key *ecdsa.PrivateKey
	gen uint64
	err error
}

func (k *testKeys) AgentPrivateKey() (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	return k.key, nil
}

func (k *testKeys) Generation() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.gen
}

func (k *testKeys) address() common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	return crypto.PubkeyToAddress(k.key.PublicKey)
}

func (k *testKeys) rotate(key *ecdsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = key
	k.gen++
}

type testDispatcher struct {
	mu     sync.Mutex
	got    DispatchRequest
	result *chain.MarketplaceResult
	err    error
}

func (d *testDispatcher) Dispatch(_ context.Context, req DispatchRequest) (*chain.MarketplaceResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = req
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *testDispatcher) received() DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got
}

func newTestKeys(t *testing.T) *testKeys {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testKeys{key: key}
}

func startProxy(t *testing.T, keys *testKeys, dispatcher Dispatcher) (*Server, Handoff) {
	t.Helper()
	srv, err := New(keys, dispatcher, nil)
	require.NoError(t, err)
	handoff, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Close(ctx)
	})
	return srv, handoff
}

func doJSON(t *testing.T, handoff Handoff, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, handoff.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+handoff.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &fields), "body: %s", raw)
	}
	return resp, fields
}

func fieldString(t *testing.T, fields map[string]json.RawMessage, name string) string {
	t.Helper()
	var out string
	require.NoError(t, json.Unmarshal(fields[name], &out))
	return out
}

func TestAddress(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	resp, fields := doJSON(t, handoff, http.MethodGet, "/address", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	addr := fieldString(t, fields, "address")
	assert.Equal(t, strings.ToLower(keys.address().Hex()), addr)
	assert.Equal(t, addr, strings.ToLower(addr))
}

func TestAddress_RotationClearsCache(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	_, fields := doJSON(t, handoff, http.MethodGet, "/address", nil)
	first := fieldString(t, fields, "address")

	rotated, err := crypto.GenerateKey()
	require.NoError(t, err)
	keys.rotate(rotated)

	_, fields = doJSON(t, handoff, http.MethodGet, "/address", nil)
	second := fieldString(t, fields, "address")
	assert.NotEqual(t, first, second)
	assert.Equal(t, strings.ToLower(crypto.PubkeyToAddress(rotated.PublicKey).Hex()), second)
}

func TestRequiresBearer(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	req, err := http.NewRequest(http.MethodGet, handoff.URL+"/address", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "UNAUTHORIZED", body.Code)

	req.Header.Set("Authorization", "Bearer wrong-secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestSign(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/sign", SignHTTPRequest{Message: "hello jinn"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sig, err := hexutil.Decode(fieldString(t, fields, "signature"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recoverable := make([]byte, 65)
	copy(recoverable, sig)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello jinn")), recoverable)
	require.NoError(t, err)
	assert.Equal(t, keys.address(), crypto.PubkeyToAddress(*pub))
	assert.Equal(t, strings.ToLower(keys.address().Hex()), fieldString(t, fields, "address"))
}

func TestSign_MissingMessage(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/sign", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", fieldString(t, fields, "code"))
}

func TestSignRaw(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/sign-raw", SignHTTPRequest{Message: "0xdeadbeef"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sig, err := hexutil.Decode(fieldString(t, fields, "signature"))
	require.NoError(t, err)
	recoverable := make([]byte, 65)
	copy(recoverable, sig)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte{0xde, 0xad, 0xbe, 0xef}), recoverable)
	require.NoError(t, err)
	assert.Equal(t, keys.address(), crypto.PubkeyToAddress(*pub))
}

func TestSignRaw_RejectsBadHex(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	for _, message := range []string{"deadbeef", "0xabc", "0xzz"} {
		resp, fields := doJSON(t, handoff, http.MethodPost, "/sign-raw", SignHTTPRequest{Message: message})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, message)
		assert.Equal(t, "VALIDATION_ERROR", fieldString(t, fields, "code"), message)
	}
}

func typedPayload() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Message": []apitypes.Type{
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Message",
		Domain: apitypes.TypedDataDomain{
			Name:    "Jinn",
			Version: "1",
			ChainId: (*math.HexOrDecimal256)(big.NewInt(8453)),
		},
		Message: apitypes.TypedDataMessage{"contents": "hi"},
	}
}

func TestSignTypedData(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	payload := typedPayload()
	resp, fields := doJSON(t, handoff, http.MethodPost, "/sign-typed-data", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	digest, _, err := apitypes.TypedDataAndHash(payload)
	require.NoError(t, err)

	sig, err := hexutil.Decode(fieldString(t, fields, "signature"))
	require.NoError(t, err)
	recoverable := make([]byte, 65)
	copy(recoverable, sig)
	recoverable[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverable)
	require.NoError(t, err)
	assert.Equal(t, keys.address(), crypto.PubkeyToAddress(*pub))
}

func TestSignTypedData_BadPayload(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	payload := typedPayload()
	payload.PrimaryType = "Nope"
	resp, fields := doJSON(t, handoff, http.MethodPost, "/sign-typed-data", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", fieldString(t, fields, "code"))
}

func TestDispatch(t *testing.T) {
	keys := newTestKeys(t)
	dispatcher := &testDispatcher{result: &chain.MarketplaceResult{
		TxHash:          common.HexToHash("0x01"),
		RequestIDs:      []common.Hash{common.HexToHash("0x02")},
		FinalPrice:      big.NewInt(1000),
		ResponseTimeout: 61,
	}}
	_, handoff := startProxy(t, keys, dispatcher)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/dispatch", DispatchRequest{
		Prompts:         []string{"summarize the repo"},
		Tools:           []string{"search"},
		ResponseTimeout: 61,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"summarize the repo"}, dispatcher.received().Prompts)
	assert.Equal(t, uint64(61), dispatcher.received().ResponseTimeout)
	assert.Contains(t, string(fields["requestIds"]), common.HexToHash("0x02").Hex())
}

func TestDispatch_Validation(t *testing.T) {
	keys := newTestKeys(t)
	dispatcher := &testDispatcher{}
	_, handoff := startProxy(t, keys, dispatcher)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/dispatch", DispatchRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", fieldString(t, fields, "code"))

	resp, fields = doJSON(t, handoff, http.MethodPost, "/dispatch", DispatchRequest{
		Prompts:      []string{"x"},
		PriorityMech: "not-an-address",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", fieldString(t, fields, "code"))
}

func TestDispatch_SurfacesAPIErrorStatus(t *testing.T) {
	keys := newTestKeys(t)
	dispatcher := &testDispatcher{err: &apierror.APIError{
		Code: "INSUFFICIENT_FUNDS", Message: "safe balance 1 below price 2", StatusCode: 400,
	}}
	_, handoff := startProxy(t, keys, dispatcher)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/dispatch", DispatchRequest{Prompts: []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_FUNDS", fieldString(t, fields, "code"))
}

func TestDispatch_RedactsKeyMaterial(t *testing.T) {
	leaked := "0x" + strings.Repeat("ab", 32)
	keys := newTestKeys(t)
	dispatcher := &testDispatcher{err: &apierror.APIError{
		Code: "SUBMISSION_FAILED", Message: "cannot use key " + leaked, StatusCode: 502,
	}}
	_, handoff := startProxy(t, keys, dispatcher)

	resp, fields := doJSON(t, handoff, http.MethodPost, "/dispatch", DispatchRequest{Prompts: []string{"x"}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	message := fieldString(t, fields, "error")
	assert.NotContains(t, message, leaked)
	assert.Contains(t, message, "[redacted]")
}

func TestRedact(t *testing.T) {
	secret := "0x" + strings.Repeat("4f", 32)
	upper := "0x" + strings.Repeat("4F", 32)
	assert.Equal(t, "key [redacted] rejected", Redact("key "+secret+" rejected"))
	assert.Equal(t, "[redacted] [redacted]", Redact(secret+" "+upper))
	assert.Equal(t, "0xdeadbeef", Redact("0xdeadbeef"))
	assert.NotContains(t, Redact("x"+secret+"x"), secret)
}

func TestBodyReadTimeout(t *testing.T) {
	keys := newTestKeys(t)
	srv, handoff := startProxy(t, keys, nil)
	srv.bodyTimeout = 50 * time.Millisecond

	pr, pw := io.Pipe()
	go func() {
		time.Sleep(300 * time.Millisecond)
		pw.Close()
	}()
	req, err := http.NewRequest(http.MethodPost, handoff.URL+"/sign", pr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+handoff.Secret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "REQUEST_TIMEOUT", body.Code)
}

func TestNotFoundRoute(t *testing.T) {
	keys := newTestKeys(t)
	_, handoff := startProxy(t, keys, nil)

	resp, fields := doJSON(t, handoff, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", fieldString(t, fields, "code"))
}

func TestNew_RefusesWithoutKey(t *testing.T) {
	_, err := New(&testKeys{err: errors.New("no key")}, nil, nil)
	assert.Error(t, err)
}

func TestHandoffEnviron(t *testing.T) {
	env := Handoff{URL: "http://127.0.0.1:4242", Secret: "s3cret"}.Environ()
	assert.Contains(t, env, EnvURL+"=http://127.0.0.1:4242")
	assert.Contains(t, env, EnvSecret+"=s3cret")
}
