package utxo

// journalEntry captures the state of one short hash's tip jumptable slot
// (and, where relevant, the in-memory bucket it pointed to) as of the
// first time the current block session touched it. Rollback restores
// exactly this state, per spec §4.B.8.
type journalEntry struct {
	priorSlot      uint32
	priorBucket    *Bucket // snapshot before this session's first mutation, if the slot was already MemBit
	newBucketIndex uint32  // non-zero if this session allocated a fresh BucketMap entry for this short hash
}

// journal accumulates per-block mutation bookkeeping for Rollback. It is
// cleared at CommitBlock.
type journal struct {
	touched map[uint32]*journalEntry
}

func newJournal() *journal {
	return &journal{touched: make(map[uint32]*journalEntry)}
}

// touch records the pre-mutation state of shortHash's tip slot the first
// time this session sees it; later touches within the same session are a
// no-op, since rollback only ever needs the state as of session start.
func (j *journal) touch(tip *DataFile, buckets *BucketMap, shortHash uint32) {
	if _, ok := j.touched[shortHash]; ok {
		return
	}
	slot := tip.GetJumptableSlot(shortHash)
	entry := &journalEntry{priorSlot: slot}
	if slot&MemBit != 0 {
		if b, ok := buckets.Get(slot &^ MemBit); ok {
			entry.priorBucket = b.clone()
		}
	}
	j.touched[shortHash] = entry
}

// noteNewBucket records that this session allocated a fresh BucketMap
// entry for shortHash, so rollback can discard it.
func (j *journal) noteNewBucket(shortHash uint32, bucketIndex uint32) {
	if e, ok := j.touched[shortHash]; ok {
		e.newBucketIndex = bucketIndex
	}
}

// recordInsert and recordRemove are kept as explicit call sites in Insert
// and Remove even though the per-short-hash snapshot in touched already
// carries what rollback needs; they mark where a future audit log would
// hook in.
func (j *journal) recordInsert(leaf Leaf)                       {}
func (j *journal) recordRemove(dataFileIndex uint32, leaf Leaf) {}

// checkpoint discards the session's bookkeeping once CommitBlock has made
// the mutations permanent.
func (j *journal) checkpoint() {
	j.touched = make(map[uint32]*journalEntry)
}

// rollback restores every touched short hash's tip slot (and, where
// applicable, in-memory bucket contents) to its pre-session state, and
// discards any bucket this session allocated fresh.
func (j *journal) rollback(e *Engine) {
	tip := e.files.Tip()
	for shortHash, entry := range j.touched {
		if entry.newBucketIndex != 0 {
			e.buckets.Delete(entry.newBucketIndex)
		}
		if entry.priorBucket != nil {
			if b, ok := e.buckets.Get(entry.priorSlot &^ MemBit); ok {
				b.Leaves = entry.priorBucket.Leaves
				b.saveAttempt = 0
			}
		}
		tip.SetJumptableSlot(shortHash, entry.priorSlot)
	}
	j.touched = make(map[uint32]*journalEntry)
}
