package utxo

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// flushInterval is how often the background flusher wakes to consider a
// pass, independent of the pending-mutation threshold.
const flushInterval = 10 * time.Second

// flushLoop runs for the lifetime of the Engine, periodically promoting
// aged in-memory buckets to the tip DataFile.
func (e *Engine) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.flushOnce(false); err != nil {
				log.Errorf("utxo: background flush failed: %s", err)
			}
		}
	}
}

// flushOnce walks every in-memory bucket once. A bucket is promoted to the
// tip DataFile's record area (and dropped from memory) once its save
// attempt count reaches flushPromoteThreshold, or immediately when force
// is set, per spec §4.B.5. The original engine's leaf-then-bucket
// two-stage promotion is folded into this single whole-bucket step; see
// the design notes for that simplification.
func (e *Engine) flushOnce(force bool) error {
	tip := e.files.Tip()
	var firstErr error

	e.buckets.ForEach(func(bucketIndex uint32, b *Bucket) bool {
		if firstErr != nil {
			return true
		}
		b.saveAttempt++
		if !force && b.saveAttempt < flushPromoteThreshold {
			return true
		}

		offset, err := tip.AppendBucket(b)
		if err != nil {
			// Tip is full; let RolloverIfFull (run from CommitBlock)
			// create a new tip before the next flush pass retries.
			firstErr = errors.Wrap(err, "utxo: flushing bucket")
			return true
		}
		tip.SetJumptableSlot(b.ShortHash, offset)
		return false // drop from memory now that it lives on disk
	})

	if firstErr == nil {
		atomic.StoreInt64(&e.pendingChanges, 0)
	}
	return firstErr
}
