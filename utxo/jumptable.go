package utxo

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

// jumptableEntries is 2^20, one slot per possible ShortHash value.
const jumptableEntries = 1 << 20

// jumptableBytes is the on-disk width of the table: one uint32 per entry,
// 4 MiB total, matching spec §4.B.2.
const jumptableBytes = jumptableEntries * 4

// jumptableChecksumSize is the width of the SHA-256 checksum stored
// alongside the table.
const jumptableChecksumSize = sha256.Size

// Jumptable is a DataFile's index: one slot per 20-bit short hash, holding
// either MemBit|bucketIndex for a bucket still resident in the BucketMap,
// or an absolute on-disk offset to a serialized Bucket record, or zero for
// "no bucket with this short hash in this DataFile".
type Jumptable struct {
	slots []uint32
}

// NewJumptable returns an empty jumptable.
func NewJumptable() *Jumptable {
	return &Jumptable{slots: make([]uint32, jumptableEntries)}
}

// Get returns the slot for shortHash.
func (jt *Jumptable) Get(shortHash uint32) uint32 {
	return jt.slots[shortHash]
}

// Set overwrites the slot for shortHash. Callers serialize this under the
// DataFile-wide jumptable mutex, per spec §4.B.4.
func (jt *Jumptable) Set(shortHash uint32, value uint32) {
	jt.slots[shortHash] = value
}

// Encode renders the table to its on-disk bytes, little-endian, plus its
// checksum.
func (jt *Jumptable) Encode() (table []byte, checksum [jumptableChecksumSize]byte) {
	table = make([]byte, jumptableBytes)
	for i, v := range jt.slots {
		binary.LittleEndian.PutUint32(table[i*4:i*4+4], v)
	}
	checksum = sha256.Sum256(table)
	return table, checksum
}

// DecodeJumptable parses a table previously written by Encode, verifying
// its checksum.
func DecodeJumptable(table []byte, wantChecksum [jumptableChecksumSize]byte) (*Jumptable, error) {
	if len(table) != jumptableBytes {
		return nil, errors.Errorf("jumptable: table is %d bytes, want %d", len(table), jumptableBytes)
	}
	if sha256.Sum256(table) != wantChecksum {
		return nil, errors.New("jumptable: checksum mismatch")
	}
	jt := NewJumptable()
	for i := range jt.slots {
		jt.slots[i] = binary.LittleEndian.Uint32(table[i*4 : i*4+4])
	}
	return jt, nil
}
