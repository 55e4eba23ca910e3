// Package crypto holds the hashing primitives shared by the store and the
// mailbox.
package crypto

import (
	"crypto/sha256"
)

// SHA256 ...
func SHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// ConcatHash hashes the concatenation of parts. The result depends on their
// order.
func ConcatHash(parts ...[]byte) []byte {
	hasher := sha256.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	return hasher.Sum(nil)
}
