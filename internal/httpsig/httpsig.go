// Package httpsig implements the address-bound HTTP request envelope used by
// the control API and the credential bridge. A request is signed over
// method, URL, body digest, nonce, issue time and TTL, and carries the
// signature in headers so the server can recover and authorize the caller's
// address.
package httpsig

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Envelope headers.
const (
	HeaderAddress  = "X-Sig-Address"
	HeaderNonce    = "X-Sig-Nonce"
	HeaderIssuedAt = "X-Sig-Issued-At"
	HeaderTTL      = "X-Sig-TTL"
	HeaderSig      = "X-Sig"
)

// DefaultTTL is the envelope lifetime in seconds. Callers re-sign on every
// retry attempt, so the window stays short.
const DefaultTTL = 60

// maxClockSkew tolerates issuers slightly ahead of the verifier.
const maxClockSkew = 30 * time.Second

var (
	ErrMissingHeader   = errors.New("httpsig: missing envelope header")
	ErrExpired         = errors.New("httpsig: envelope expired")
	ErrNotYetValid     = errors.New("httpsig: envelope issued in the future")
	ErrBadSignature    = errors.New("httpsig: bad signature")
	ErrAddressMismatch = errors.New("httpsig: recovered address does not match")
)

// Signer signs outgoing requests with one secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	ttl     int64
	now     func() time.Time
}

// NewSigner creates a signer bound to key with the default TTL.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// Address returns the address requests will be attributed to.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign computes a fresh envelope over req and body and sets the headers.
// body must be the exact bytes the request will carry; pass nil for an
// empty body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	nonce := uuid.NewString()
	issuedAt := s.now().Unix()

	canonical := canonicalString(req.Method, req.URL.String(), body, nonce, issuedAt, s.ttl)
	sig, err := personalSign(keccak(canonical), s.key)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(HeaderAddress, s.address.Hex())
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderIssuedAt, strconv.FormatInt(issuedAt, 10))
	req.Header.Set(HeaderTTL, strconv.FormatInt(s.ttl, 10))
	req.Header.Set(HeaderSig, hexutil.Encode(sig))
	return nil
}

// Verify checks the envelope on req against body at time now and returns the
// recovered signer address.
func Verify(req *http.Request, body []byte, now time.Time) (common.Address, error) {
	var (
		claimed  = req.Header.Get(HeaderAddress)
		nonce    = req.Header.Get(HeaderNonce)
		issuedAt = req.Header.Get(HeaderIssuedAt)
		ttl      = req.Header.Get(HeaderTTL)
		sigHex   = req.Header.Get(HeaderSig)
	)
	for name, v := range map[string]string{
		HeaderAddress: claimed, HeaderNonce: nonce,
		HeaderIssuedAt: issuedAt, HeaderTTL: ttl, HeaderSig: sigHex,
	} {
		if v == "" {
			return common.Address{}, fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
	}

	issued, err := strconv.ParseInt(issuedAt, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad %s", ErrBadSignature, HeaderIssuedAt)
	}
	lifetime, err := strconv.ParseInt(ttl, 10, 64)
	if err != nil || lifetime <= 0 {
		return common.Address{}, fmt.Errorf("%w: bad %s", ErrBadSignature, HeaderTTL)
	}
	if now.Unix() > issued+lifetime {
		return common.Address{}, ErrExpired
	}
	if issued > now.Add(maxClockSkew).Unix() {
		return common.Address{}, ErrNotYetValid
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}

	canonical := canonicalString(req.Method, req.URL.String(), body, nonce, issued, lifetime)
	recovered, err := recoverAddress(keccak(canonical), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != common.HexToAddress(claimed) {
		return common.Address{}, ErrAddressMismatch
	}
	return recovered, nil
}

func canonicalString(method, url string, body []byte, nonce string, issuedAt, ttl int64) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		url,
		hex.EncodeToString(sum[:]),
		nonce,
		strconv.FormatInt(issuedAt, 10),
		strconv.FormatInt(ttl, 10),
	}, "\n")
}

func keccak(canonical string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(canonical))
	return h.Sum(nil)
}

func personalSign(hash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	msg := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))), hash)
	sig, err := crypto.Sign(msg, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func recoverAddress(hash, sig []byte) (common.Address, error) {
	msg := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))), hash)

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(msg, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
