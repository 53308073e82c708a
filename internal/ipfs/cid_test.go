package ipfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCIDFromDigest_ZeroDigest(t *testing.T) {
	digest := "0x1220" + strings.Repeat("00", 32)

	cid, err := CIDFromDigest(digest)
	require.NoError(t, err)

	// Header bytes [01 70 12 20] encode to "afybei"; a zero digest encodes
	// to 52 trailing "a" characters.
	assert.Equal(t, "bafybei"+strings.Repeat("a", 52), cid)
}

func TestCIDFromDigest_Shape(t *testing.T) {
	digest := "0x1220" + strings.Repeat("ab", 32)

	cid, err := CIDFromDigest(digest)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cid, "bafybei"))
	assert.Len(t, cid, 59)
	assert.Equal(t, strings.ToLower(cid), cid)
	assert.NotContains(t, cid, "=")
}

func TestCIDFromDigest_AcceptsBarePrefix(t *testing.T) {
	bare := "1220" + strings.Repeat("00", 32)
	prefixed := "0x" + bare

	a, err := CIDFromDigest(bare)
	require.NoError(t, err)
	b, err := CIDFromDigest(prefixed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCIDFromDigest_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		digest string
	}{
		{"empty", ""},
		{"not hex", "0xzz20" + strings.Repeat("00", 32)},
		{"wrong hash fn", "0x1320" + strings.Repeat("00", 32)},
		{"wrong length byte", "0x1221" + strings.Repeat("00", 32)},
		{"truncated", "0x1220abcd"},
		{"too long", "0x1220" + strings.Repeat("00", 33)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CIDFromDigest(tc.digest)
			assert.ErrorIs(t, err, ErrBadDigest)
		})
	}
}

func TestValidateDigest_Normalizes(t *testing.T) {
	got, err := ValidateDigest("  0x1220" + strings.Repeat("AB", 32) + "  ")
	require.NoError(t, err)
	assert.Equal(t, "0x1220"+strings.Repeat("ab", 32), got)
}
