package signproxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
	"github.com/jinnlabs/jinn-worker/internal/pkg/response"
)

// SignHTTPRequest is the body for /sign and /sign-raw.
type SignHTTPRequest struct {
	Message string `json:"message"`
}

// SignHTTPResponse is returned by every signing endpoint.
type SignHTTPResponse struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// DispatchRequest is the agent-facing dispatch body. The proxy validates
// shape only; the dispatcher owns the semantics.
type DispatchRequest struct {
	Prompts          []string                   `json:"prompts"`
	Tools            []string                   `json:"tools"`
	IPFSJSONContents map[string]json.RawMessage `json:"ipfsJsonContents"`
	PostOnly         bool                       `json:"postOnly"`
	ResponseTimeout  uint64                     `json:"responseTimeout"`
	PriorityMech     string                     `json:"priorityMech"`
	ChainConfig      string                     `json:"chainConfig"`
}

// handleAddress serves GET /address.
func (s *Server) handleAddress(w http.ResponseWriter, _ *http.Request) {
	addr, err := s.address()
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, map[string]string{"address": addr})
}

// address returns the lowercased agent address, cached per profile
// generation.
func (s *Server) address() (string, error) {
	gen := s.keys.Generation()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedAddr != "" && s.cachedGen == gen {
		return s.cachedAddr, nil
	}
	key, err := s.keys.AgentPrivateKey()
	if err != nil {
		return "", err
	}
	s.cachedAddr = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	s.cachedGen = gen
	return s.cachedAddr, nil
}

// handleSign serves POST /sign: EIP-191 personal_sign over the UTF-8 bytes
// of the message string.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req SignHTTPRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Message == "" {
		s.writeError(w, apierror.NewValidationError("message", "message is required"))
		return
	}
	s.respondSigned(w, []byte(req.Message))
}

// handleSignRaw serves POST /sign-raw: EIP-191 over raw bytes given as
// 0x-prefixed even-length hex.
func (s *Server) handleSignRaw(w http.ResponseWriter, r *http.Request) {
	var req SignHTTPRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !strings.HasPrefix(req.Message, "0x") {
		s.writeError(w, apierror.NewValidationError("message", "message must be 0x-prefixed hex"))
		return
	}
	data, err := hexutil.Decode(req.Message)
	if err != nil {
		s.writeError(w, apierror.NewValidationError("message", "message must be even-length hex"))
		return
	}
	s.respondSigned(w, data)
}

// handleSignTypedData serves POST /sign-typed-data with an EIP-712 payload.
func (s *Server) handleSignTypedData(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var typedData apitypes.TypedData
	if err := json.Unmarshal(body, &typedData); err != nil {
		s.writeError(w, apierror.ErrBadRequest.WithMessage("Invalid typed data body"))
		return
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		s.writeError(w, apierror.NewValidationError("typedData", Redact(err.Error())))
		return
	}

	key, err := s.keys.AgentPrivateKey()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		s.writeError(w, apierror.ErrInternal)
		return
	}
	sig[64] += 27

	addr, err := s.address()
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, SignHTTPResponse{Signature: hexutil.Encode(sig), Address: addr})
}

// handleDispatch serves POST /dispatch, forwarding to the Safe engine.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.writeError(w, &apierror.APIError{
			Code:       "DISPATCH_UNAVAILABLE",
			Message:    "Dispatch is not enabled on this proxy",
			StatusCode: http.StatusServiceUnavailable,
		})
		return
	}
	var req DispatchRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Prompts) == 0 && len(req.IPFSJSONContents) == 0 {
		s.writeError(w, apierror.NewValidationError("prompts", "prompts or ipfsJsonContents required"))
		return
	}
	if req.PriorityMech != "" && !common.IsHexAddress(req.PriorityMech) {
		s.writeError(w, apierror.NewValidationError("priorityMech", "not a valid address"))
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, result)
}

func (s *Server) decodeBody(r *http.Request, dst any) error {
	body, err := s.readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return apierror.ErrBadRequest.WithMessage("Request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apierror.ErrBadRequest.WithMessage("Invalid request body")
	}
	return nil
}

// respondSigned signs data with EIP-191 personal_sign and writes the
// signature response.
func (s *Server) respondSigned(w http.ResponseWriter, data []byte) {
	key, err := s.keys.AgentPrivateKey()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		s.writeError(w, apierror.ErrInternal)
		return
	}
	sig[64] += 27

	addr, err := s.address()
	if err != nil {
		s.writeError(w, err)
		return
	}
	response.OK(w, SignHTTPResponse{Signature: hexutil.Encode(sig), Address: addr})
}
