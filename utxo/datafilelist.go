package utxo

import (
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/hash"
)

var mainFilePattern = regexp.MustCompile(`^(\d{4})\.udb$`)

// DataFileList is the ordered, tiered collection of DataFiles backing an
// Engine. Only the tip (last) file is ever written for new leaves; older
// files are rewritten only by GC, per spec §4.B.6.
type DataFileList struct {
	dir   string
	mu    sync.RWMutex
	files []*DataFile
}

// discoverIndices scans dir for existing "NNNN.udb" files.
func discoverIndices(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var indices []uint32
	for _, e := range entries {
		m := mainFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		indices = append(indices, uint32(n))
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

// OpenDataFileList opens every DataFile found in dir, or creates the first
// one if dir is empty.
func OpenDataFileList(dir string) (*DataFileList, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "utxo: creating datadir %s", dir)
	}

	indices, err := discoverIndices(dir)
	if err != nil {
		return nil, err
	}

	dfl := &DataFileList{dir: dir}
	if len(indices) == 0 {
		df, err := CreateDataFile(dir, 1, 0)
		if err != nil {
			return nil, err
		}
		dfl.files = []*DataFile{df}
		return dfl, nil
	}

	for _, idx := range indices {
		df, err := OpenDataFile(dir, idx)
		if err != nil {
			return nil, errors.Wrapf(err, "utxo: data file %d failed to open", idx)
		}
		dfl.files = append(dfl.files, df)
	}
	for i, df := range dfl.files {
		df.IsTip = i == len(dfl.files)-1
	}
	return dfl, nil
}

// Tip returns the last (newest, writable) DataFile.
func (dfl *DataFileList) Tip() *DataFile {
	dfl.mu.RLock()
	defer dfl.mu.RUnlock()
	return dfl.files[len(dfl.files)-1]
}

// All returns every DataFile, tip-first, for tip-first scans.
func (dfl *DataFileList) All() []*DataFile {
	dfl.mu.RLock()
	defer dfl.mu.RUnlock()
	out := make([]*DataFile, len(dfl.files))
	for i, df := range dfl.files {
		out[len(dfl.files)-1-i] = df
	}
	return out
}

// ByIndex returns the DataFile with the given 1-based index (Index field),
// or nil.
func (dfl *DataFileList) ByIndex(index uint32) *DataFile {
	dfl.mu.RLock()
	defer dfl.mu.RUnlock()
	for _, df := range dfl.files {
		if df.Index == index {
			return df
		}
	}
	return nil
}

// RolloverIfFull creates a new tip DataFile when the current tip has
// crossed dataFileFullThreshold, copying initial_block_height and
// last_block_hash forward from the outgoing tip, per spec §4.B.6.
func (dfl *DataFileList) RolloverIfFull() error {
	dfl.mu.Lock()
	defer dfl.mu.Unlock()

	tip := dfl.files[len(dfl.files)-1]
	if !tip.IsFull() {
		return nil
	}

	next, err := CreateDataFile(dfl.dir, tip.Index+1, tip.LastBlockHeight)
	if err != nil {
		return err
	}
	next.LastBlockHeight = tip.LastBlockHeight
	next.LastBlockHash = tip.LastBlockHash
	tip.IsTip = false
	dfl.files = append(dfl.files, next)
	return nil
}

// ReplaceAfterGC swaps a DataFile for its freshly compacted replacement,
// keeping the old one alive via refcount for any in-flight reader.
func (dfl *DataFileList) ReplaceAfterGC(oldFile, newFile *DataFile) {
	dfl.mu.Lock()
	defer dfl.mu.Unlock()
	for i, df := range dfl.files {
		if df == oldFile {
			dfl.files[i] = newFile
			break
		}
	}
	oldFile.DecRef()
}

// SaveAll snapshots every DataFile, for save_snapshot().
func (dfl *DataFileList) SaveAll() error {
	dfl.mu.RLock()
	defer dfl.mu.RUnlock()
	for _, df := range dfl.files {
		if err := df.SaveSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

// consistentTuple is the (height, blockID) pair every DataFile's latest
// loaded snapshot must agree on before recovery is considered successful.
type consistentTuple struct {
	height uint32
	id     hash.Hash
}

// ReconcileOnOpen steps each DataFile back through its older snapshots
// until every file agrees on (last_block_height, last_block_hash), or
// gives up after 10 attempts, per spec §4.B.7.
func (dfl *DataFileList) ReconcileOnOpen() error {
	dfl.mu.Lock()
	defer dfl.mu.Unlock()

	tried := make([]map[int]bool, len(dfl.files))
	for i := range tried {
		tried[i] = make(map[int]bool)
	}

	for attempt := 0; attempt < 10; attempt++ {
		tuples := make(map[consistentTuple]int)
		for _, df := range dfl.files {
			t := consistentTuple{height: df.LastBlockHeight, id: df.LastBlockHash}
			tuples[t]++
		}
		if len(tuples) == 1 {
			return nil
		}

		// step back the file(s) disagreeing with the majority tuple
		var majority consistentTuple
		var majorityCount int
		for t, c := range tuples {
			if c > majorityCount {
				majority, majorityCount = t, c
			}
		}
		steppedAny := false
		for i, df := range dfl.files {
			t := consistentTuple{height: df.LastBlockHeight, id: df.LastBlockHash}
			if t == majority {
				continue
			}
			if df.stepBackToOlderSnapshot(tried[i]) {
				steppedAny = true
			}
		}
		if !steppedAny {
			return errors.New("utxo: data files disagree on last committed block and no older consistent snapshot remains")
		}
	}
	return errors.New("utxo: failed to reconcile data files to a common snapshot after 10 attempts")
}
