package subscription

import (
	"sync"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

// DoubleSpend pushes NewDoubleSpend events to every subscribed connection,
// matching the Hub's DoubleSpendService.
type DoubleSpend struct {
	pool *wire.BufferPool

	mu      sync.Mutex
	remotes map[uint64]*netcore.Connection
}

// NewDoubleSpend returns an empty DoubleSpend.
func NewDoubleSpend() *DoubleSpend {
	return &DoubleSpend{
		pool:    wire.NewBufferPool(wire.MaxFrameSize),
		remotes: make(map[uint64]*netcore.Connection),
	}
}

// Subscribe marks c as wanting double-spend notifications.
func (d *DoubleSpend) Subscribe(c *netcore.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remotes[c.ID()] = c
}

// Unsubscribe clears c's subscription.
func (d *DoubleSpend) Unsubscribe(c *netcore.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.remotes, c.ID())
}

// Forget is an alias for Unsubscribe, called on disconnect.
func (d *DoubleSpend) Forget(c *netcore.Connection) { d.Unsubscribe(c) }

// OnTxEnteredMempool and OnBlockConnected carry no behavior for this
// service; it only reacts to conflicting spends.
func (d *DoubleSpend) OnTxEnteredMempool(TxView)                          {}
func (d *DoubleSpend) OnBlockConnected(BlockView, blockindex.Entry)       {}
func (d *DoubleSpend) OnChainReorged(blockindex.Entry, []blockindex.Entry) {}

// OnDoubleSpendFound announces duplicate's raw bytes as the conflicting
// transaction for first.
func (d *DoubleSpend) OnDoubleSpendFound(first, duplicate TxView) {
	d.broadcast([32]byte(first.TxID), func(rw *wire.RecordWriter) {
		rw.Bytes(tagDuplicateTx, duplicate.Raw)
	})
}

// OnDoubleSpendProof announces a serialized double-spend proof for
// txInPool, for clients that want compact evidence rather than the whole
// duplicate transaction.
func (d *DoubleSpend) OnDoubleSpendProof(txInPool TxView, proof []byte) {
	d.broadcast([32]byte(txInPool.TxID), func(rw *wire.RecordWriter) {
		rw.Bytes(tagProof, proof)
	})
}

func (d *DoubleSpend) broadcast(txid [32]byte, writeEvidence func(rw *wire.RecordWriter)) {
	d.mu.Lock()
	remotes := make([]*netcore.Connection, 0, len(d.remotes))
	for _, c := range d.remotes {
		remotes = append(remotes, c)
	}
	d.mu.Unlock()

	for i, c := range remotes {
		if i >= maxMatchesPerBlock {
			return
		}
		notify(d.pool, c, doubleSpendServiceId, newDoubleSpendMessageId, func(rw *wire.RecordWriter) {
			rw.U256(tagTxId, txid)
			writeEvidence(rw)
		})
	}
}
