package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

// Wallet exposes the signing identity the engine draws from the profile.
type Wallet interface {
	AgentPrivateKey() (*ecdsa.PrivateKey, error)
	AgentEOA() (common.Address, error)
	ServiceSafe() (common.Address, error)
	MechAddress() (common.Address, error)
	MarketplaceAddress() (common.Address, error)
	ChainID() int64
}

// Pinner uploads JSON metadata and returns the 0x-prefixed multihash.
type Pinner interface {
	PinMetadata(ctx context.Context, name string, metadata any) (string, error)
}

// DefaultReceiptTimeout bounds how long a submission waits for its receipt.
const DefaultReceiptTimeout = 3 * time.Minute

// Engine submits transactions for the worker: marketplace requests and
// arbitrary allowlisted calls through the Service Safe, plus direct sends
// from the Agent EOA.
type Engine struct {
	backend        Backend
	wallet         Wallet
	pinner         Pinner
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// NewEngine wires the submission engine.
func NewEngine(backend Backend, wallet Wallet, pinner Pinner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:        backend,
		wallet:         wallet,
		pinner:         pinner,
		receiptTimeout: DefaultReceiptTimeout,
		logger:         logger.With("component", "chain"),
	}
}

// RequestSpec describes one marketplace request submission.
type RequestSpec struct {
	// RequestData is the already-built request payload. When empty, Metadata
	// is pinned and the returned multihash digest becomes the request data.
	RequestData  []byte
	Metadata     any
	MetadataName string

	PriorityMech          common.Address // zero means the profile's mech
	ResponseTimeout       uint64
	RequestPriceWei       *big.Int // overrides maxDeliveryRate as the price
	ValidateNativePayment bool
}

// MarketplaceResult reports a successful marketplace request.
type MarketplaceResult struct {
	TxHash          common.Hash   `json:"txHash"`
	SafeTxHash      common.Hash   `json:"safeTxHash"`
	RequestIDs      []common.Hash `json:"requestIds"`
	FinalPrice      *big.Int      `json:"finalPrice"`
	ResponseTimeout uint64        `json:"responseTimeout"`
}

// SubmitMarketplaceRequest drives a request from the Service Safe end to
// end: price discovery on the mech, timeout clamping against marketplace
// bounds, balance check, Safe-signed execTransaction and event parsing.
func (e *Engine) SubmitMarketplaceRequest(ctx context.Context, spec RequestSpec) (*MarketplaceResult, error) {
	marketplace, err := e.wallet.MarketplaceAddress()
	if err != nil {
		return nil, err
	}
	mech, err := e.wallet.MechAddress()
	if err != nil {
		return nil, err
	}
	safe, err := e.wallet.ServiceSafe()
	if err != nil {
		return nil, err
	}

	requestData := spec.RequestData
	if len(requestData) == 0 {
		if spec.Metadata == nil {
			return nil, &apierror.APIError{
				Code: "INVALID_PAYLOAD", Message: "no request data and no metadata to pin", StatusCode: 400,
			}
		}
		digest, err := e.pinner.PinMetadata(ctx, spec.MetadataName, spec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to pin request metadata: %w", err)
		}
		requestData, err = hexutil.Decode(digest)
		if err != nil {
			return nil, fmt.Errorf("bad pinned digest %q: %w", digest, err)
		}
	}

	paymentType, maxDeliveryRate, err := e.mechTerms(ctx, mech)
	if err != nil {
		return nil, err
	}
	if spec.ValidateNativePayment && paymentType != NativePaymentType {
		return nil, &apierror.APIError{
			Code:       "PAYMENT_TYPE_MISMATCH",
			Message:    fmt.Sprintf("mech payment type %s is not native", paymentType.Hex()),
			StatusCode: 400,
		}
	}

	minTimeout, maxTimeout, err := e.timeoutBounds(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	timeout := clampTimeout(spec.ResponseTimeout, minTimeout, maxTimeout)

	finalPrice := spec.RequestPriceWei
	if finalPrice == nil {
		finalPrice = maxDeliveryRate
	}
	balance, err := e.backend.BalanceAt(ctx, safe, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read safe balance: %w", err)
	}
	if balance.Cmp(finalPrice) < 0 {
		return nil, &apierror.APIError{
			Code:       "INSUFFICIENT_FUNDS",
			Message:    fmt.Sprintf("safe balance %s below price %s", balance, finalPrice),
			StatusCode: 400,
		}
	}

	priorityMech := spec.PriorityMech
	if priorityMech == (common.Address{}) {
		priorityMech = mech
	}
	callData, err := marketplaceABI.Pack("request",
		requestData, maxDeliveryRate, [32]byte(paymentType), priorityMech,
		new(big.Int).SetUint64(timeout), []byte{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request call: %w", err)
	}

	receipt, safeTxHash, err := e.ExecViaSafe(ctx, marketplace, finalPrice, callData)
	if err != nil {
		return nil, err
	}

	requestIDs := e.parseRequestIDs(receipt, marketplace)
	e.logger.Info("marketplace request submitted",
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Int("request_ids", len(requestIDs)),
		slog.Uint64("response_timeout", timeout),
	)
	return &MarketplaceResult{
		TxHash:          receipt.TxHash,
		SafeTxHash:      safeTxHash,
		RequestIDs:      requestIDs,
		FinalPrice:      finalPrice,
		ResponseTimeout: timeout,
	}, nil
}

// ExecViaSafe runs one CALL from the Service Safe: read the Safe nonce,
// fetch the transaction hash, sign it eth_sign style and submit
// execTransaction from the Agent EOA. The receipt must carry status 1.
func (e *Engine) ExecViaSafe(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, common.Hash, error) {
	safe, err := e.wallet.ServiceSafe()
	if err != nil {
		return nil, common.Hash{}, err
	}
	key, err := e.wallet.AgentPrivateKey()
	if err != nil {
		return nil, common.Hash{}, err
	}
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := e.safeNonce(ctx, safe)
	if err != nil {
		return nil, common.Hash{}, err
	}

	zero := new(big.Int)
	var zeroAddr common.Address
	out, err := e.callView(ctx, safe, safeABI, "getTransactionHash",
		to, value, data, uint8(0), zero, zero, zero, zeroAddr, zeroAddr, nonce)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to compute safe tx hash: %w", err)
	}
	safeTxHash := common.Hash(out[0].([32]byte))

	signature, err := SignEthSign(safeTxHash, key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to sign safe tx: %w", err)
	}

	execData, err := safeABI.Pack("execTransaction",
		to, value, data, uint8(0), zero, zero, zero, zeroAddr, zeroAddr, signature)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode execTransaction: %w", err)
	}

	receipt, err := e.sendFromEOA(ctx, key, safe, new(big.Int), execData)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, safeTxHash, &apierror.APIError{
			Code:       "ONCHAIN_REVERT",
			Message:    fmt.Sprintf("transaction %s reverted", receipt.TxHash.Hex()),
			StatusCode: 502,
		}
	}
	return receipt, safeTxHash, nil
}

// SignEthSign produces the packed Safe signature r || s || (v+4) over an
// EIP-191 personal_sign of the hash bytes. The +4 shift marks the blob as
// an eth_sign proof; without it the Safe treats the bytes as an EIP-712
// signature and rejects them.
func SignEthSign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	msg := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))), hash.Bytes())
	sig, err := crypto.Sign(msg, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 31 // recovery id 0/1 -> 27/28, then +4
	return sig, nil
}

func (e *Engine) mechTerms(ctx context.Context, mech common.Address) (common.Hash, *big.Int, error) {
	out, err := e.callView(ctx, mech, mechABI, "paymentType")
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to read mech payment type: %w", err)
	}
	paymentType := common.Hash(out[0].([32]byte))

	out, err = e.callView(ctx, mech, mechABI, "maxDeliveryRate")
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to read mech delivery rate: %w", err)
	}
	return paymentType, out[0].(*big.Int), nil
}

func (e *Engine) timeoutBounds(ctx context.Context, marketplace common.Address) (uint64, uint64, error) {
	out, err := e.callView(ctx, marketplace, marketplaceABI, "minResponseTimeout")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read min response timeout: %w", err)
	}
	minTimeout := out[0].(*big.Int).Uint64()

	out, err = e.callView(ctx, marketplace, marketplaceABI, "maxResponseTimeout")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read max response timeout: %w", err)
	}
	return minTimeout, out[0].(*big.Int).Uint64(), nil
}

func clampTimeout(requested, minTimeout, maxTimeout uint64) uint64 {
	if requested < minTimeout {
		return minTimeout
	}
	if requested > maxTimeout {
		return maxTimeout
	}
	return requested
}

func (e *Engine) safeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	out, err := e.callView(ctx, safe, safeABI, "nonce")
	if err != nil {
		return nil, fmt.Errorf("failed to read safe nonce: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (e *Engine) callView(ctx context.Context, target common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s failed: %w", method, err)
	}
	return parsed.Unpack(method, out)
}

type marketplaceRequestEvent struct {
	NumRequests  *big.Int
	RequestIds   [][32]byte
	RequestDatas [][]byte
}

// parseRequestIDs extracts every request id emitted by the marketplace in
// this receipt. Logs that fail to decode are skipped.
func (e *Engine) parseRequestIDs(receipt *types.Receipt, marketplace common.Address) []common.Hash {
	var ids []common.Hash
	for _, log := range receipt.Logs {
		if log.Address != marketplace || len(log.Topics) == 0 || log.Topics[0] != marketplaceRequestTopic {
			continue
		}
		var ev marketplaceRequestEvent
		if err := marketplaceABI.UnpackIntoInterface(&ev, "MarketplaceRequest", log.Data); err != nil {
			e.logger.Warn("undecodable marketplace event", slog.String("error", err.Error()))
			continue
		}
		for _, id := range ev.RequestIds {
			ids = append(ids, common.Hash(id))
		}
	}
	return ids
}
