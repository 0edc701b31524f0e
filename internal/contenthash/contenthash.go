// Package contenthash computes the BLAKE3-256 digests ContextMate uses as
// content fingerprints, integrity hashes over envelopes, and API key
// hashes.
package contenthash

import (
	"crypto/subtle"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes (256 bits).
const Size = 32

// Sum returns the lowercase hex-encoded BLAKE3-256 digest of b.
func Sum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex-encoded digests in constant time. Use this
// whenever a hash is compared against user-supplied input.
func Equal(a, b string) bool {
	// Constant-time on length first to avoid a length side channel leaking
	// anything beyond what is already public (digest length is fixed).
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
