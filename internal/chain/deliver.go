package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PackDeliver encodes a deliverToMarketplace call on the mech for a single
// request. deliveryData is the raw multihash digest of the pinned delivery
// payload, the same bytes the requester later resolves through the gateway.
func PackDeliver(requestID common.Hash, deliveryData []byte) ([]byte, error) {
	if len(deliveryData) == 0 {
		return nil, fmt.Errorf("empty delivery data for request %s", requestID.Hex())
	}
	callData, err := mechABI.Pack("deliverToMarketplace",
		[][32]byte{requestID}, [][]byte{deliveryData})
	if err != nil {
		return nil, fmt.Errorf("failed to encode deliverToMarketplace: %w", err)
	}
	return callData, nil
}
