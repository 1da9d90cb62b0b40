// Package hash defines the 32-byte hash type shared by the UTXO engine,
// the wire codec, and the transaction codec.
package hash

import (
	"encoding/hex"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Size is the number of bytes in a Hash.
const Size = 32

// Hash is a 32-byte, little-endian-on-the-wire transaction or block id.
type Hash [Size]byte

// String returns the big-endian hex representation, matching how block
// explorers and RPC clients display txids and block hashes.
func (h Hash) String() string {
	var reversed Hash
	for i := 0; i < Size; i++ {
		reversed[i] = h[Size-1-i]
	}
	return hex.EncodeToString(reversed[:])
}

// IsEqual returns whether h and other represent the same hash.
func (h *Hash) IsEqual(other *Hash) bool {
	if h == nil && other == nil {
		return true
	}
	if h == nil || other == nil {
		return false
	}
	return *h == *other
}

// NewFromStr parses a big-endian hex string into a Hash.
func NewFromStr(s string) (*Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hash string %q", s)
	}
	if len(b) != Size {
		return nil, errors.Errorf("invalid hash length %d, want %d", len(b), Size)
	}
	var h Hash
	for i := 0; i < Size; i++ {
		h[i] = b[Size-1-i]
	}
	return &h, nil
}

// CheapHash returns the first 8 bytes of the hash, interpreted as a
// little-endian uint64. This is the quick-compare/bucket-chain key used
// throughout the UTXO engine (spec §3.1).
func (h *Hash) CheapHash() uint64 {
	return binary.LittleEndian.Uint64(h[:8])
}

// ShortHash derives the 20-bit jumptable index from a cheap hash, per
// spec §4.B.2: h = ((cheapHash & 0xFF) << 12) | ((cheapHash & 0xFF00) >> 4) |
// ((cheapHash & 0xF00000) >> 20).
func ShortHash(cheapHash uint64) uint32 {
	return uint32(((cheapHash & 0xFF) << 12) |
		((cheapHash & 0xFF00) >> 4) |
		((cheapHash & 0xF00000) >> 20))
}
