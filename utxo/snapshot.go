package utxo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/hash"
)

// snapshotHeaderSize covers every fixed-width field preceding the jumptable
// table itself in an on-disk snapshot: generation, initial/last block
// height, last block hash, changes-since-prune, is-tip, write cursor.
const snapshotHeaderSize = 8 + 4 + 4 + hash.Size + 4 + 1 + 4

type snapshotFile struct {
	generation         uint64
	initialBlockHeight uint32
	lastBlockHeight    uint32
	lastBlockHash      hash.Hash
	changesSincePrune  uint32
	isTip              bool
	writeCursor        uint32
	jumptable          *Jumptable
}

func writeSnapshotFile(path string, s *snapshotFile) error {
	table, checksum := s.jumptable.Encode()

	buf := make([]byte, snapshotHeaderSize+jumptableChecksumSize+len(table))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], s.generation)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], s.initialBlockHeight)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.lastBlockHeight)
	off += 4
	copy(buf[off:off+hash.Size], s.lastBlockHash[:])
	off += hash.Size
	binary.LittleEndian.PutUint32(buf[off:], s.changesSincePrune)
	off += 4
	if s.isTip {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], s.writeCursor)
	off += 4
	copy(buf[off:off+jumptableChecksumSize], checksum[:])
	off += jumptableChecksumSize
	copy(buf[off:], table)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errors.Wrapf(err, "utxo: writing snapshot %s", path)
	}
	return os.Rename(tmp, path)
}

func readSnapshotFile(path string) (*snapshotFile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < snapshotHeaderSize+jumptableChecksumSize+jumptableBytes {
		return nil, errors.Errorf("utxo: snapshot %s truncated", path)
	}

	s := &snapshotFile{}
	off := 0
	s.generation = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.initialBlockHeight = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.lastBlockHeight = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	copy(s.lastBlockHash[:], buf[off:off+hash.Size])
	off += hash.Size
	s.changesSincePrune = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.isTip = buf[off] != 0
	off++
	s.writeCursor = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	var checksum [jumptableChecksumSize]byte
	copy(checksum[:], buf[off:off+jumptableChecksumSize])
	off += jumptableChecksumSize

	jt, err := DecodeJumptable(buf[off:off+jumptableBytes], checksum)
	if err != nil {
		return nil, errors.Wrapf(err, "utxo: snapshot %s", path)
	}
	s.jumptable = jt
	return s, nil
}

// SaveSnapshot flushes the DataFile's current jumptable and metadata to a
// new ".info" file, retaining only the newest snapshotRetain generations
// on disk, per spec §4.B.7.
func (df *DataFile) SaveSnapshot() error {
	generation := df.newestGeneration() + 1
	slot := int(generation % snapshotModulus)

	df.jtMu.Lock()
	snap := &snapshotFile{
		generation:         generation,
		initialBlockHeight: df.InitialBlockHeight,
		lastBlockHeight:    df.LastBlockHeight,
		lastBlockHash:      df.LastBlockHash,
		changesSincePrune:  df.ChangesSincePrune,
		isTip:              df.IsTip,
		writeCursor:        atomic.LoadUint32(&df.writeCursor),
		jumptable:          df.jt,
	}
	df.jtMu.Unlock()

	path := filepath.Join(df.dir, snapshotFileName(df.Index, slot))
	if err := writeSnapshotFile(path, snap); err != nil {
		return err
	}
	df.pruneOldSnapshots(generation)
	return nil
}

func (df *DataFile) newestGeneration() uint64 {
	var newest uint64
	for _, slot := range df.existingSnapshotSlots() {
		snap, err := readSnapshotFile(filepath.Join(df.dir, snapshotFileName(df.Index, slot)))
		if err != nil {
			continue
		}
		if snap.generation > newest {
			newest = snap.generation
		}
	}
	return newest
}

func (df *DataFile) pruneOldSnapshots(newest uint64) {
	if newest < snapshotRetain {
		return
	}
	cutoff := newest - snapshotRetain
	for _, slot := range df.existingSnapshotSlots() {
		path := filepath.Join(df.dir, snapshotFileName(df.Index, slot))
		snap, err := readSnapshotFile(path)
		if err != nil {
			continue
		}
		if snap.generation <= cutoff {
			os.Remove(path)
		}
	}
}
