// Package utxo implements the append-only, memory-mapped UTXO storage
// engine: insert/find/remove of (txid, out-index) keyed leaves, per-block
// commit/rollback, a tiered multi-file layout with in-place garbage
// collection, and concurrent readers racing a single committing writer.
package utxo

import (
	"encoding/binary"

	"github.com/bchhub/hub/hash"
)

// leafSize is the fixed width, in bytes, of a serialized Leaf: cheap hash
// (8), out index (4), block height (4), offset in block (4).
const leafSize = 8 + 4 + 4 + 4

// Leaf is the unit of storage in the UTXO engine: everything needed to
// locate the transaction output an entry refers to, without storing the
// full 32-byte txid (the cheap hash plus the bucket it lives in disambiguate
// collisions well enough in practice, the same tradeoff the original engine
// makes).
type Leaf struct {
	CheapHash     uint64
	OutIndex      uint32
	BlockHeight   uint32
	OffsetInBlock uint32
}

// NewLeaf builds a Leaf for the given key and location.
func NewLeaf(txid *hash.Hash, outIndex uint32, blockHeight uint32, offsetInBlock uint32) Leaf {
	return Leaf{
		CheapHash:     txid.CheapHash(),
		OutIndex:      outIndex,
		BlockHeight:   blockHeight,
		OffsetInBlock: offsetInBlock,
	}
}

// IsCoinbase reports whether the leaf refers to a coinbase output. Per the
// block layout TxCodec walks, a transaction starting right after the
// 80-byte block header sits at offset 80, or 81 once an empty flag byte
// separates header from body; both are reserved as the coinbase position.
func (l Leaf) IsCoinbase() bool {
	return l.OffsetInBlock == 80 || l.OffsetInBlock == 81
}

// Encode serializes the leaf to its fixed-size on-disk form.
func (l Leaf) Encode() []byte {
	b := make([]byte, leafSize)
	binary.LittleEndian.PutUint64(b[0:8], l.CheapHash)
	binary.LittleEndian.PutUint32(b[8:12], l.OutIndex)
	binary.LittleEndian.PutUint32(b[12:16], l.BlockHeight)
	binary.LittleEndian.PutUint32(b[16:20], l.OffsetInBlock)
	return b
}

// DecodeLeaf reads a Leaf from its fixed-size on-disk form.
func DecodeLeaf(b []byte) (Leaf, bool) {
	if len(b) < leafSize {
		return Leaf{}, false
	}
	return Leaf{
		CheapHash:     binary.LittleEndian.Uint64(b[0:8]),
		OutIndex:      binary.LittleEndian.Uint32(b[8:12]),
		BlockHeight:   binary.LittleEndian.Uint32(b[12:16]),
		OffsetInBlock: binary.LittleEndian.Uint32(b[16:20]),
	}, true
}
