package repocache

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Segment returns the first four bytes hex-encoded, used to
// disambiguate sanitized path segments.
func (h Hash) Segment() string {
	return hex.EncodeToString(h[:4])
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of s.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}
