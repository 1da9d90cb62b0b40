package utxo

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
)

// maybeRunGC compacts any non-tip DataFile that has crossed one of the
// pruning thresholds from spec §4.B.5: per-file fragmentation past
// gcFragmentationThreshold, or (for the file just behind the tip)
// mutation count past gcChangesSincePruneThreshold. The tip is never
// compacted; it is the only file still being appended to.
func (e *Engine) maybeRunGC() error {
	if e.memOnly {
		return nil
	}
	all := e.files.All()
	for i, df := range all {
		if df.IsTip {
			continue
		}
		frag := atomic.LoadUint32(&df.writeCursor)
		var changes uint32
		if i == 1 {
			// all is tip-first, so index 1 is the file just behind the tip.
			changes = atomic.LoadUint32(&df.ChangesSincePrune)
		}
		if frag <= gcFragmentationThreshold && changes <= gcChangesSincePruneThreshold {
			continue
		}
		if e.BlockIDHasFailed(&df.LastBlockHash) {
			// A DataFile whose newest commit is a known-failed block is
			// likely to be rewound by LoadOlderState soon; compacting it
			// now would be wasted work.
			log.Debugf("utxo: skipping GC of data file %d, last block %s is marked failed", df.Index, df.LastBlockHash.String())
			continue
		}
		if err := e.compactDataFile(df); err != nil {
			return errors.Wrapf(err, "utxo: compacting data file %d", df.Index)
		}
	}
	return nil
}

// compactDataFile rewrites df's live buckets into a fresh DataFile of the
// same index, built under a temporary name and then renamed into place,
// grounded on the original engine's Pruner (build-new, rename-over-old
// rather than rewrite-in-place).
func (e *Engine) compactDataFile(df *DataFile) error {
	tmpMain := filepath.Join(df.dir, mainFileName(df.Index)+".compact")
	os.Remove(tmpMain)

	fresh, err := createDataFileAt(tmpMain, df.dir, df.Index, df.InitialBlockHeight)
	if err != nil {
		return err
	}
	fresh.IsTip = false
	fresh.LastBlockHeight = df.LastBlockHeight
	fresh.LastBlockHash = df.LastBlockHash

	live := 0
	for shortHash := uint32(0); shortHash < jumptableEntries; shortHash++ {
		slot := df.GetJumptableSlot(shortHash)
		if slot == 0 || slot&MemBit != 0 {
			// MemBit entries belong to the tip's overlay, never a
			// lower tier's own jumptable; nothing to carry here.
			continue
		}
		b, err := df.ReadBucket(slot)
		if err != nil {
			fresh.Close()
			os.Remove(tmpMain)
			return errors.Wrapf(err, "utxo: reading bucket at offset %d during compaction", slot)
		}
		if len(b.Leaves) == 0 {
			continue
		}
		offset, err := fresh.AppendBucket(b)
		if err != nil {
			fresh.Close()
			os.Remove(tmpMain)
			return err
		}
		fresh.SetJumptableSlot(shortHash, offset)
		live++
	}

	mainPath := filepath.Join(df.dir, mainFileName(df.Index))
	if err := os.Rename(tmpMain, mainPath); err != nil {
		fresh.Close()
		os.Remove(tmpMain)
		return errors.Wrap(err, "utxo: committing compacted data file")
	}

	// The main file is already swapped; only now is it safe to overwrite
	// the index's info files with the compacted jumptable.
	if err := fresh.SaveSnapshot(); err != nil {
		return err
	}

	atomic.StoreUint32(&fresh.ChangesSincePrune, 0)
	log.Infof("utxo: compacted data file %d (%d live buckets)", df.Index, live)
	e.files.ReplaceAfterGC(df, fresh)
	return nil
}
