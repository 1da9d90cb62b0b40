package utxo

import (
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/bchhub/hub/hash"
	"github.com/bchhub/hub/logger"
	"github.com/bchhub/hub/util/panics"
)

var log, _ = logger.Get(logger.SubsystemTags.UTXO)
var spawn = panics.GoroutineWrapperFunc(log)

// flushThreshold is the pending-mutation count past which a flush is
// triggered even without an explicit SaveSnapshot call, per spec §4.B.5.
const flushThreshold = 200000

// gcFragmentationThreshold is the per-DataFile wasted-bytes trigger for
// GC, per spec §4.B.5.
const gcFragmentationThreshold = 60 * 1024 * 1024

// gcChangesSincePruneThreshold is the penultimate-DataFile mutation-count
// trigger for GC, per spec §4.B.5.
const gcChangesSincePruneThreshold = 200000

// Engine is the UTXO storage engine: insert/find/remove of
// (txid, out-index) keyed leaves, per-block commit/rollback, and a
// background flusher/pruner keeping the on-disk tiers current.
type Engine struct {
	dir      string
	dirLock  *flock.Flock
	memOnly  bool

	files   *DataFileList
	buckets *BucketMap

	pendingChanges int64

	lastBlockHeight uint32
	lastBlockHash   hash.Hash

	failedBlocks   map[hash.Hash]bool
	failedBlocksMu sync.Mutex

	// journal records mutations since the last commit_block, for rollback.
	journal   *journal
	journalMu sync.Mutex

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine opens (or creates) the UTXO store rooted at dir, taking an
// exclusive single-writer lock on it for the engine's lifetime.
func NewEngine(dir string) (*Engine, error) {
	lock := flock.New(dir + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "utxo: locking datadir %s", dir)
	}
	if !locked {
		return nil, errors.Errorf("utxo: datadir %s is already open by another process", dir)
	}

	files, err := OpenDataFileList(dir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := files.ReconcileOnOpen(); err != nil {
		lock.Unlock()
		return nil, err
	}

	e := newEngineCommon(dir, files)
	e.dirLock = lock

	tip := files.Tip()
	e.lastBlockHeight = tip.LastBlockHeight
	e.lastBlockHash = tip.LastBlockHash

	e.startFlusher()
	return e, nil
}

// NewMemoryEngine returns a UTXO engine with no backing directory, for
// tests and tooling that need the engine's semantics without durability.
// This supplements spec §4.B with the original engine's
// createMemOnlyDB constructor.
func NewMemoryEngine() (*Engine, error) {
	df, err := newMemoryDataFile(1, 0)
	if err != nil {
		return nil, err
	}
	files := &DataFileList{files: []*DataFile{df}}
	e := newEngineCommon("", files)
	e.memOnly = true
	e.startFlusher()
	return e, nil
}

func newEngineCommon(dir string, files *DataFileList) *Engine {
	return &Engine{
		dir:          dir,
		files:        files,
		buckets:      NewBucketMap(),
		failedBlocks: make(map[hash.Hash]bool),
		journal:      newJournal(),
		stopCh:       make(chan struct{}),
	}
}

// Close stops the background flusher and releases the datadir lock.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	if e.dirLock != nil {
		return e.dirLock.Unlock()
	}
	return nil
}

// Insert adds a new spendable output. It never fails except for an
// internal error; a caller inserting a duplicate key simply appends a
// second leaf, and while both sit in the same bucket Find returns the
// one inserted first.
func (e *Engine) Insert(txid *hash.Hash, outIndex, blockHeight, offsetInBlock uint32) error {
	leaf := NewLeaf(txid, outIndex, blockHeight, offsetInBlock)
	shortHash := hash.ShortHash(leaf.CheapHash)

	tip := e.files.Tip()
	slot := tip.GetJumptableSlot(shortHash)

	e.journalMu.Lock()
	e.journal.touch(tip, e.buckets, shortHash)
	e.journalMu.Unlock()

	switch {
	case slot == 0:
		idx := e.buckets.AllocateIndex()
		e.buckets.Put(idx, &Bucket{ShortHash: shortHash, Leaves: []Leaf{leaf}})
		tip.SetJumptableSlot(shortHash, MemBit|idx)
		e.journalMu.Lock()
		e.journal.noteNewBucket(shortHash, idx)
		e.journalMu.Unlock()

	case slot&MemBit != 0:
		idx := slot &^ MemBit
		b, ok := e.buckets.Get(idx)
		if !ok {
			return errors.Errorf("utxo: jumptable points at missing in-memory bucket %d", idx)
		}
		b.Leaves = append(b.Leaves, leaf)
		b.saveAttempt = 0

	default:
		onDisk, err := tip.ReadBucket(slot)
		if err != nil {
			return err
		}
		clone := onDisk.clone()
		clone.ShortHash = shortHash
		clone.Leaves = append(clone.Leaves, leaf)
		idx := e.buckets.AllocateIndex()
		e.buckets.Put(idx, clone)
		tip.SetJumptableSlot(shortHash, MemBit|idx)
		e.journalMu.Lock()
		e.journal.noteNewBucket(shortHash, idx)
		e.journalMu.Unlock()
	}

	e.journal.recordInsert(leaf)
	atomic.AddInt64(&e.pendingChanges, 1)
	atomic.AddUint32(&tip.ChangesSincePrune, 1)
	return nil
}

// InsertAll inserts a batch of leaves sharing a block height, in document
// order, as TxCodec walks a block's outputs.
func (e *Engine) InsertAll(txid *hash.Hash, blockHeight uint32, entries []struct {
	OutIndex      uint32
	OffsetInBlock uint32
}) error {
	for _, ent := range entries {
		if err := e.Insert(txid, ent.OutIndex, blockHeight, ent.OffsetInBlock); err != nil {
			return err
		}
	}
	return nil
}

// Find looks up a leaf by key, tip-first across every DataFile tier, and
// returns a hint a follow-up Remove can use to skip the search.
func (e *Engine) Find(txid *hash.Hash, outIndex uint32) (Leaf, RmHint, bool) {
	cheapHash := txid.CheapHash()
	shortHash := hash.ShortHash(cheapHash)

	for _, df := range e.files.All() {
		slot := df.GetJumptableSlot(shortHash)
		if slot == 0 {
			continue
		}
		b, loc, ok := e.resolveBucket(df, slot)
		if !ok {
			continue
		}
		if leaf, found := b.find(cheapHash, outIndex); found {
			return leaf, NewRmHint(uint16(df.Index), loc), true
		}
	}
	return Leaf{}, 0, false
}

func (e *Engine) resolveBucket(df *DataFile, slot uint32) (*Bucket, uint32, bool) {
	if slot&MemBit != 0 {
		idx := slot &^ MemBit
		b, ok := e.buckets.Get(idx)
		return b, slot, ok
	}
	b, err := df.ReadBucket(slot)
	if err != nil {
		return nil, 0, false
	}
	return b, slot, true
}

// Remove spends an output, forgetting it from the latest view. It is not
// an error for the key to be absent.
func (e *Engine) Remove(txid *hash.Hash, outIndex uint32, hint RmHint) (Leaf, bool) {
	cheapHash := txid.CheapHash()
	shortHash := hash.ShortHash(cheapHash)

	files := e.files.All()
	if hint.IsKnown() {
		if df := e.files.ByIndex(uint32(hint.DBIndex())); df != nil {
			files = append([]*DataFile{df}, files...)
		}
	}

	seen := make(map[uint32]bool)
	for _, df := range files {
		if seen[df.Index] {
			continue
		}
		seen[df.Index] = true

		slot := df.GetJumptableSlot(shortHash)
		if slot == 0 {
			continue
		}

		// Every mutation lands on the tip's jumptable slot for this
		// short hash, regardless of which tier the matching leaf was
		// found in, so rollback only ever needs to snapshot the tip.
		tip := e.files.Tip()
		e.journalMu.Lock()
		e.journal.touch(tip, e.buckets, shortHash)
		e.journalMu.Unlock()

		if slot&MemBit != 0 {
			idx := slot &^ MemBit
			b, ok := e.buckets.Get(idx)
			if !ok {
				continue
			}
			leaf, found := b.remove(cheapHash, outIndex)
			if !found {
				continue
			}
			e.journal.recordRemove(df.Index, leaf)
			atomic.AddInt64(&e.pendingChanges, 1)
			return leaf, true
		}

		onDisk, err := df.ReadBucket(slot)
		if err != nil {
			continue
		}
		leaf, found := onDisk.remove(cheapHash, outIndex)
		if !found {
			continue
		}

		// Copy-on-write: the on-disk bucket is immutable, so the
		// reduced bucket becomes a new in-memory overlay on the tip.
		onDisk.ShortHash = shortHash
		idx := e.buckets.AllocateIndex()
		e.buckets.Put(idx, onDisk)
		tip.SetJumptableSlot(shortHash, MemBit|idx)
		e.journalMu.Lock()
		e.journal.noteNewBucket(shortHash, idx)
		e.journalMu.Unlock()

		e.journal.recordRemove(df.Index, leaf)
		atomic.AddInt64(&e.pendingChanges, 1)
		return leaf, true
	}
	return Leaf{}, false
}

// CommitBlock promotes all mutations since the last commit to
// "committed", schedules a flush, rolls the tip DataFile over if it is
// near full, and triggers GC where warranted.
func (e *Engine) CommitBlock(height uint32, blockID *hash.Hash) error {
	e.journalMu.Lock()
	e.lastBlockHeight = height
	e.lastBlockHash = *blockID
	tip := e.files.Tip()
	tip.LastBlockHeight = height
	tip.LastBlockHash = *blockID
	e.journal.checkpoint()
	e.journalMu.Unlock()

	if err := e.files.RolloverIfFull(); err != nil {
		return err
	}

	if atomic.LoadInt64(&e.pendingChanges) > flushThreshold {
		e.flushOnce(false)
	}
	e.maybeRunGC()
	return nil
}

// Rollback undoes every mutation since the last CommitBlock.
func (e *Engine) Rollback() {
	e.journalMu.Lock()
	defer e.journalMu.Unlock()
	e.journal.rollback(e)
}

// SaveSnapshot forces an immediate flush of every pending bucket and
// writes a fresh info file per DataFile.
func (e *Engine) SaveSnapshot() error {
	e.flushOnce(true)
	return e.files.SaveAll()
}

// SetFailedBlockID marks a block id as having failed validation, an
// advisory set consulted by callers deciding whether to retry a peer's
// announcement. This supplements spec §4.B with the original engine's
// failed-block bookkeeping (UODBPrivate::m_invalidBlockHashes).
func (e *Engine) SetFailedBlockID(blockID *hash.Hash) {
	e.failedBlocksMu.Lock()
	e.failedBlocks[*blockID] = true
	e.failedBlocksMu.Unlock()
}

// BlockIDHasFailed reports whether SetFailedBlockID was previously called
// for blockID.
func (e *Engine) BlockIDHasFailed(blockID *hash.Hash) bool {
	e.failedBlocksMu.Lock()
	defer e.failedBlocksMu.Unlock()
	return e.failedBlocks[*blockID]
}

// LoadOlderState re-opens the engine's view at the newest snapshot
// generation whose committed (height, blockID) is at or below maxHeight
// and consistent across every DataFile.
func (e *Engine) LoadOlderState(maxHeight uint32) bool {
	for _, df := range e.files.All() {
		tried := make(map[int]bool)
		for df.LastBlockHeight > maxHeight {
			if !df.stepBackToOlderSnapshot(tried) {
				return false
			}
		}
	}
	if err := e.files.ReconcileOnOpen(); err != nil {
		return false
	}
	tip := e.files.Tip()
	e.lastBlockHeight = tip.LastBlockHeight
	e.lastBlockHash = tip.LastBlockHash
	return true
}

func (e *Engine) startFlusher() {
	e.wg.Add(1)
	spawn(func() {
		defer e.wg.Done()
		e.flushLoop()
	})
}
