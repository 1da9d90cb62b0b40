package utxo

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/bchhub/hub/hash"
)

// dataFileFixedSize is the size every DataFile's backing file is
// preallocated to, per spec §4.B.6.
const dataFileFixedSize = 2 * 1024 * 1024 * 1024 // 2 GiB

// dataFileFullThreshold is the write-cursor position past which a
// DataFile stops accepting new leaves and a new tip DataFile is created,
// per spec §4.B.6 ("default 1.8 GiB").
const dataFileFullThreshold = 1932735283 // 1.8 GiB

// snapshotRetain is the number of info-file snapshots kept per DataFile,
// reusing indices modulo snapshotModulus, per spec §4.B.7.
const (
	snapshotRetain   = 13
	snapshotModulus  = 20
)

// DataFile is one tier of the UTXO store's on-disk layout: a fixed-size,
// mem-mapped, append-only record area plus an in-memory jumptable that is
// snapshotted to small ".info" files rather than kept inline in the mapped
// region.
type DataFile struct {
	Index uint32
	dir   string

	file   *os.File
	region mmap.MMap

	saveLock    sync.Mutex
	writeCursor uint32

	jtMu sync.Mutex
	jt   *Jumptable

	refCount int32

	InitialBlockHeight uint32
	LastBlockHeight    uint32
	LastBlockHash      hash.Hash
	ChangesSincePrune  uint32
	IsTip              bool

	// memoryOnly marks a DataFile created by newMemoryDataFile: its
	// region is a plain byte slice, not an mmap mapping, and has no
	// backing *os.File to close.
	memoryOnly bool
}

// memoryDataFileSize is much smaller than dataFileFixedSize: a memory-only
// engine exists for tests and short-lived tooling, not for holding a real
// chain's UTXO set, so there is no reason to pay for a 2 GiB heap slice.
const memoryDataFileSize = 16 * 1024 * 1024

// newMemoryDataFile builds a DataFile backed by plain heap memory instead
// of a mem-mapped file, for NewMemoryEngine.
func newMemoryDataFile(index uint32, initialBlockHeight uint32) (*DataFile, error) {
	return &DataFile{
		Index:              index,
		jt:                 NewJumptable(),
		region:             make(mmap.MMap, memoryDataFileSize),
		refCount:           1,
		InitialBlockHeight: initialBlockHeight,
		IsTip:              true,
		memoryOnly:         true,
	}, nil
}

func mainFileName(index uint32) string {
	return fmt.Sprintf("%04d.udb", index)
}

func snapshotFileName(index uint32, slot int) string {
	return fmt.Sprintf("%04d.%02d.info", index, slot)
}

// CreateDataFile allocates a brand-new, empty DataFile backed by a fixed
// size file on disk.
func CreateDataFile(dir string, index uint32, initialBlockHeight uint32) (*DataFile, error) {
	return createDataFileAt(filepath.Join(dir, mainFileName(index)), dir, index, initialBlockHeight)
}

// createDataFileAt is CreateDataFile with an explicit path, used by GC to
// build a compacted replacement under a temporary name before it is
// renamed into place.
func createDataFileAt(path, dir string, index uint32, initialBlockHeight uint32) (*DataFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "utxo: creating data file %s", path)
	}
	if err := f.Truncate(dataFileFixedSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "utxo: sizing data file %s", path)
	}
	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "utxo: mmapping data file %s", path)
	}
	return &DataFile{
		Index:              index,
		dir:                dir,
		file:                f,
		region:              region,
		jt:                  NewJumptable(),
		refCount:            1,
		InitialBlockHeight:  initialBlockHeight,
		IsTip:               true,
	}, nil
}

// OpenDataFile opens an existing DataFile, loading its jumptable from the
// newest snapshot whose checksum validates.
func OpenDataFile(dir string, index uint32) (*DataFile, error) {
	path := filepath.Join(dir, mainFileName(index))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "utxo: opening data file %s", path)
	}
	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "utxo: mmapping data file %s", path)
	}
	df := &DataFile{
		Index:    index,
		dir:      dir,
		file:     f,
		region:   region,
		refCount: 1,
	}
	if err := df.loadNewestValidSnapshot(); err != nil {
		region.Unmap()
		f.Close()
		return nil, err
	}
	return df, nil
}

// IncRef bumps the reader refcount, keeping the mapping alive across a GC
// replacement of this file.
func (df *DataFile) IncRef() {
	atomic.AddInt32(&df.refCount, 1)
}

// DecRef releases a reference acquired with IncRef, unmapping and closing
// the file once the last reference is gone.
func (df *DataFile) DecRef() {
	if atomic.AddInt32(&df.refCount, -1) == 0 && !df.memoryOnly {
		df.region.Unmap()
		df.file.Close()
	}
}

// IsFull reports whether the DataFile's write cursor has passed the
// full threshold and a new tip DataFile should be created.
func (df *DataFile) IsFull() bool {
	return atomic.LoadUint32(&df.writeCursor) >= dataFileFullThreshold
}

// Jumptable returns the file's in-memory jumptable for lookups. Mutations
// must go through SetJumptableSlot, which serializes under the jumptable
// mutex per spec §4.B.4.
func (df *DataFile) Jumptable() *Jumptable {
	return df.jt
}

// SetJumptableSlot rewrites one slot under the DataFile-wide jumptable
// mutex.
func (df *DataFile) SetJumptableSlot(shortHash uint32, value uint32) {
	df.jtMu.Lock()
	df.jt.Set(shortHash, value)
	df.jtMu.Unlock()
}

// GetJumptableSlot reads one slot. Slots holding an on-disk offset are
// immutable once committed and can be read lock-free; this module takes
// the jumptable mutex regardless to keep the read/write API uniform, since
// the Go slice read itself is not the bottleneck this guards against in
// the original engine (mmap contention).
func (df *DataFile) GetJumptableSlot(shortHash uint32) uint32 {
	df.jtMu.Lock()
	v := df.jt.Get(shortHash)
	df.jtMu.Unlock()
	return v
}

// AppendBucket serializes b to the tail of the record area and returns the
// offset it was written at. Only the tip DataFile accepts new appends.
func (df *DataFile) AppendBucket(b *Bucket) (uint32, error) {
	record := encodeBucketRecord(b)

	df.saveLock.Lock()
	defer df.saveLock.Unlock()

	offset := df.writeCursor
	if offset == 0 {
		// A zero jumptable slot means "no bucket", so no record may
		// start at offset 0.
		offset = 4
	}
	end := offset + uint32(len(record))
	if end >= MemBit || int(end) > len(df.region) {
		return 0, errors.Errorf("utxo: data file %d is full (cursor %d, record %d bytes)", df.Index, offset, len(record))
	}
	copy(df.region[offset:end], record)
	atomic.StoreUint32(&df.writeCursor, end)
	return offset, nil
}

// ReadBucket decodes the bucket record stored at offset.
func (df *DataFile) ReadBucket(offset uint32) (*Bucket, error) {
	if int(offset) >= len(df.region) {
		return nil, errors.Errorf("utxo: bucket offset %d beyond data file %d", offset, df.Index)
	}
	return decodeBucketRecord(df.region[offset:])
}

func encodeBucketRecord(b *Bucket) []byte {
	out := make([]byte, 4+len(b.Leaves)*leafSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(b.Leaves)))
	for i, l := range b.Leaves {
		copy(out[4+i*leafSize:4+(i+1)*leafSize], l.Encode())
	}
	return out
}

func decodeBucketRecord(region []byte) (*Bucket, error) {
	if len(region) < 4 {
		return nil, errors.New("utxo: truncated bucket record")
	}
	count := binary.LittleEndian.Uint32(region[0:4])
	need := 4 + int(count)*leafSize
	if len(region) < need {
		return nil, errors.Errorf("utxo: bucket record declares %d leaves past end of data file", count)
	}
	leaves := make([]Leaf, count)
	for i := range leaves {
		l, ok := DecodeLeaf(region[4+i*leafSize : 4+(i+1)*leafSize])
		if !ok {
			return nil, errors.New("utxo: malformed leaf in bucket record")
		}
		leaves[i] = l
	}
	return &Bucket{Leaves: leaves}, nil
}

// existingSnapshotSlots returns the snapshot slot indices present on disk
// for this DataFile's index, highest slot number first. Slots are reused
// modulo snapshotModulus, so this is not generation order.
func (df *DataFile) existingSnapshotSlots() []int {
	var slots []int
	for slot := 0; slot < snapshotModulus; slot++ {
		path := filepath.Join(df.dir, snapshotFileName(df.Index, slot))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			slots = append(slots, slot)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(slots)))
	return slots
}

// loadNewestValidSnapshot loads the highest-generation info file whose
// checksum validates, per spec §4.B.7.
func (df *DataFile) loadNewestValidSnapshot() error {
	var snap *snapshotFile
	for _, slot := range df.existingSnapshotSlots() {
		s, err := readSnapshotFile(filepath.Join(df.dir, snapshotFileName(df.Index, slot)))
		if err != nil {
			continue
		}
		if snap == nil || s.generation > snap.generation {
			snap = s
		}
	}
	if snap != nil {
		df.jt = snap.jumptable
		df.InitialBlockHeight = snap.initialBlockHeight
		df.LastBlockHeight = snap.lastBlockHeight
		df.LastBlockHash = snap.lastBlockHash
		df.ChangesSincePrune = snap.changesSincePrune
		df.IsTip = snap.isTip
		atomic.StoreUint32(&df.writeCursor, snap.writeCursor)
		return nil
	}
	return errors.Errorf("utxo: data file %d has no valid snapshot to recover from", df.Index)
}

// stepBackToOlderSnapshot loads the next-older valid snapshot than the one currently
// loaded, for the cross-file consistency search in spec §4.B.7. It returns
// false if none remains.
func (df *DataFile) stepBackToOlderSnapshot(triedSlots map[int]bool) (ok bool) {
	slots := df.existingSnapshotSlots()
	for _, slot := range slots {
		if triedSlots[slot] {
			continue
		}
		snap, err := readSnapshotFile(filepath.Join(df.dir, snapshotFileName(df.Index, slot)))
		if err != nil {
			triedSlots[slot] = true
			continue
		}
		triedSlots[slot] = true
		df.jt = snap.jumptable
		df.LastBlockHeight = snap.lastBlockHeight
		df.LastBlockHash = snap.lastBlockHash
		df.ChangesSincePrune = snap.changesSincePrune
		atomic.StoreUint32(&df.writeCursor, snap.writeCursor)
		return true
	}
	return false
}

// Close releases the DataFile's last reference unconditionally, for
// shutdown.
func (df *DataFile) Close() error {
	if df.memoryOnly {
		return nil
	}
	if err := df.region.Unmap(); err != nil {
		return err
	}
	return df.file.Close()
}
