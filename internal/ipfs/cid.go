package ipfs

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// CIDv1 header for a dag-pb block addressed by sha2-256.
const (
	cidVersion   = 0x01
	codecDagPB   = 0x70
	hashSHA256   = 0x12
	digestLength = 0x20
)

// ErrBadDigest is returned when a value is not a 0x1220-prefixed sha2-256
// multihash.
var ErrBadDigest = errors.New("ipfs: not a sha2-256 multihash digest")

var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CIDFromDigest converts a raw multihash digest, the 0x1220-prefixed form
// stored on-chain and in the ledger index, into the CIDv1 dag-pb string a
// public gateway serves: multibase prefix "b" plus lowercase base32 of
// [version, codec, hash-fn, length, digest].
func CIDFromDigest(digestHex string) (string, error) {
	raw, err := decodeDigest(digestHex)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, 2+len(raw))
	buf = append(buf, cidVersion, codecDagPB)
	buf = append(buf, raw...)
	return "b" + base32Lower.EncodeToString(buf), nil
}

// ValidateDigest reports whether digestHex is a well-formed 0x1220 multihash
// and returns its normalized 0x-prefixed lowercase form.
func ValidateDigest(digestHex string) (string, error) {
	raw, err := decodeDigest(digestHex)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(raw), nil
}

func decodeDigest(digestHex string) ([]byte, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(digestHex)), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDigest, err)
	}
	if len(raw) != 34 || raw[0] != hashSHA256 || raw[1] != digestLength {
		return nil, fmt.Errorf("%w: %q", ErrBadDigest, digestHex)
	}
	return raw, nil
}
