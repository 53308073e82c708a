package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// NativePaymentType is the payment-type id a mech reports when it settles
// requests in the chain's native token.
var NativePaymentType = common.HexToHash("0xba699a34be8fe0e7725e93dcbce1701b0211a8ca61330aaeb8a05bf2ec7abed1")

const marketplaceABIJSON = `[
	{"type":"function","name":"request","stateMutability":"payable","inputs":[
		{"name":"requestData","type":"bytes"},
		{"name":"maxDeliveryRate","type":"uint256"},
		{"name":"paymentType","type":"bytes32"},
		{"name":"priorityMech","type":"address"},
		{"name":"responseTimeout","type":"uint256"},
		{"name":"paymentData","type":"bytes"}],
	 "outputs":[{"name":"requestId","type":"bytes32"}]},
	{"type":"function","name":"minResponseTimeout","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"maxResponseTimeout","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"mapRequestCounts","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"event","name":"MarketplaceRequest","inputs":[
		{"name":"priorityMech","type":"address","indexed":true},
		{"name":"requester","type":"address","indexed":true},
		{"name":"numRequests","type":"uint256","indexed":false},
		{"name":"requestIds","type":"bytes32[]","indexed":false},
		{"name":"requestDatas","type":"bytes[]","indexed":false}]}
]`

const mechABIJSON = `[
	{"type":"function","name":"paymentType","stateMutability":"view","inputs":[],"outputs":[{"type":"bytes32"}]},
	{"type":"function","name":"maxDeliveryRate","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"deliverToMarketplace","stateMutability":"nonpayable","inputs":[
		{"name":"requestIds","type":"bytes32[]"},
		{"name":"datas","type":"bytes[]"}],
	 "outputs":[]}
]`

const safeABIJSON = `[
	{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"getTransactionHash","stateMutability":"view","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"_nonce","type":"uint256"}],
	 "outputs":[{"type":"bytes32"}]},
	{"type":"function","name":"execTransaction","stateMutability":"payable","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]}
]`

const stakingABIJSON = `[
	{"type":"function","name":"getNextRewardCheckpointTimestamp","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"checkpoint","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

var (
	marketplaceABI = mustABI(marketplaceABIJSON)
	mechABI        = mustABI(mechABIJSON)
	safeABI        = mustABI(safeABIJSON)
	stakingABI     = mustABI(stakingABIJSON)

	marketplaceRequestTopic = marketplaceABI.Events["MarketplaceRequest"].ID
)

func mustABI(jsonDef string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonDef))
	if err != nil {
		panic(err)
	}
	return parsed
}
