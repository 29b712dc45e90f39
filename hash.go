package offlinecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// digestPrefix marks the algorithm in a canonical digest string.
const digestPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest of a cached body.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Digest returns the canonical "blake3:<hex>" form stored in cache envelopes.
func (h Hash) Digest() string {
	return digestPrefix + h.String()
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseDigest parses a canonical "blake3:<hex>" digest.
func ParseDigest(s string) (Hash, error) {
	hexPart, ok := strings.CutPrefix(strings.ToLower(s), digestPrefix)
	if !ok {
		return Hash{}, fmt.Errorf("invalid digest %q: missing %s prefix", s, digestPrefix)
	}
	if len(hexPart) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid digest length: expected %d hex chars, got %d", HashSize*2, len(hexPart))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(hexPart)); err != nil {
		return Hash{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return h, nil
}
