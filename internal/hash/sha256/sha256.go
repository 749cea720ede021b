// Package sha256 provides SHA-256 hashing for image content addressing.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements relay.Hasher using SHA-256. Identical bytes always map
// to the same digest, so re-downloads of the same image are detectable
// even across differently named source URLs.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
