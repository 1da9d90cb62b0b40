package utxo

import (
	"sync/atomic"
	"unsafe"
)

// MemBit tags a jumptable slot as referring to an in-memory bucket index
// rather than an on-disk file offset.
const MemBit uint32 = 0x80000000

// bucketStripes is the number of stripes the in-memory bucket table is
// split across, per spec §4.B.4.
const bucketStripes = 4096

// flushPromoteThreshold is the save-attempt count at which a bucket is
// serialized to disk and dropped from memory, per spec §4.B.5.
const flushPromoteThreshold = 4

// Bucket is the in-memory collision chain for every leaf whose key hashes
// to the same 20-bit short hash. A Leaf's exact key (cheap hash + out
// index) disambiguates within the chain.
type Bucket struct {
	ShortHash uint32
	Leaves    []Leaf

	// saveAttempt counts how many flush passes have seen this bucket
	// without being able to fully promote it to disk.
	saveAttempt int
}

// find returns the leaf matching cheapHash/outIndex, if any.
func (b *Bucket) find(cheapHash uint64, outIndex uint32) (Leaf, bool) {
	for _, l := range b.Leaves {
		if l.CheapHash == cheapHash && l.OutIndex == outIndex {
			return l, true
		}
	}
	return Leaf{}, false
}

// remove deletes the matching leaf and returns it, if present.
func (b *Bucket) remove(cheapHash uint64, outIndex uint32) (Leaf, bool) {
	for i, l := range b.Leaves {
		if l.CheapHash == cheapHash && l.OutIndex == outIndex {
			b.Leaves = append(b.Leaves[:i], b.Leaves[i+1:]...)
			return l, true
		}
	}
	return Leaf{}, false
}

// clone returns a deep copy, used when a bucket loaded from disk needs a
// mutable in-memory counterpart.
func (b *Bucket) clone() *Bucket {
	leaves := make([]Leaf, len(b.Leaves))
	copy(leaves, b.Leaves)
	return &Bucket{ShortHash: b.ShortHash, Leaves: leaves}
}

// stripeData is the payload swapped in and out of a stripe's atomic
// pointer. Holding the pointer is the stripe's lock: a nil pointer means
// "currently owned by someone else".
type stripeData struct {
	buckets map[uint32]*Bucket
}

type stripeSlot struct {
	ptr unsafe.Pointer // *stripeData
}

// BucketMap is the lock-striped table of in-memory buckets described in
// spec §4.B.3/4.B.4: ownership of a stripe is a compare-and-swap handoff on
// an atomic pointer rather than a traditional mutex, so a stripe is briefly
// unavailable (not blocked) to a second acquirer while the first holds it.
type BucketMap struct {
	stripes   [bucketStripes]stripeSlot
	nextIndex uint32
}

// NewBucketMap returns an empty BucketMap with every stripe initialized and
// ready to be acquired.
func NewBucketMap() *BucketMap {
	bm := &BucketMap{}
	for i := range bm.stripes {
		atomic.StorePointer(&bm.stripes[i].ptr, unsafe.Pointer(&stripeData{buckets: make(map[uint32]*Bucket)}))
	}
	return bm
}

// AllocateIndex hands out a fresh in-memory bucket index, monotonically
// increasing for the lifetime of the engine.
func (bm *BucketMap) AllocateIndex() uint32 {
	return atomic.AddUint32(&bm.nextIndex, 1)
}

func stripeFor(bucketIndex uint32) uint32 {
	return bucketIndex % bucketStripes
}

// acquire spins until it wins ownership of the stripe holding bucketIndex,
// returning the stripe's data and a release function.
func (bm *BucketMap) acquire(bucketIndex uint32) (*stripeData, func(*stripeData)) {
	slot := &bm.stripes[stripeFor(bucketIndex)]
	for {
		p := atomic.SwapPointer(&slot.ptr, nil)
		if p != nil {
			return (*stripeData)(p), func(updated *stripeData) {
				atomic.StorePointer(&slot.ptr, unsafe.Pointer(updated))
			}
		}
		// another goroutine holds the stripe; spin briefly and retry.
	}
}

// Get returns the bucket at bucketIndex, if it still lives in memory.
func (bm *BucketMap) Get(bucketIndex uint32) (*Bucket, bool) {
	data, release := bm.acquire(bucketIndex)
	defer release(data)
	b, ok := data.buckets[bucketIndex]
	return b, ok
}

// Put stores (or replaces) the bucket at bucketIndex.
func (bm *BucketMap) Put(bucketIndex uint32, b *Bucket) {
	data, release := bm.acquire(bucketIndex)
	defer release(data)
	data.buckets[bucketIndex] = b
}

// Delete removes a bucket from memory, once the flusher has promoted it to
// an on-disk offset.
func (bm *BucketMap) Delete(bucketIndex uint32) {
	data, release := bm.acquire(bucketIndex)
	defer release(data)
	delete(data.buckets, bucketIndex)
}

// ForEach visits every in-memory bucket. The visitor may mutate or delete
// the bucket; ForEach holds the owning stripe for the duration of each
// call, serializing against concurrent readers/writers of that stripe.
func (bm *BucketMap) ForEach(visit func(bucketIndex uint32, b *Bucket) (keep bool)) {
	for s := range bm.stripes {
		slot := &bm.stripes[s]
		var data *stripeData
		for {
			p := atomic.SwapPointer(&slot.ptr, nil)
			if p != nil {
				data = (*stripeData)(p)
				break
			}
		}
		for idx, b := range data.buckets {
			if !visit(idx, b) {
				delete(data.buckets, idx)
			}
		}
		atomic.StorePointer(&slot.ptr, unsafe.Pointer(data))
	}
}
