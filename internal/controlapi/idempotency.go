package controlapi

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// maxPlainKeyLen is the longest idempotency key sent verbatim. Longer keys
// collapse to a hash so free-text parts (status lines, message bodies) never
// blow the header.
const maxPlainKeyLen = 128

// IdempotencyKey joins parts into a deterministic key. Keys over the plain
// budget become a 32-character base64url SHA-256 slice.
func IdempotencyKey(parts ...string) string {
	joined := strings.Join(parts, ":")
	if len(joined) <= maxPlainKeyLen {
		return joined
	}
	sum := sha256.Sum256([]byte(joined))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:32]
}
