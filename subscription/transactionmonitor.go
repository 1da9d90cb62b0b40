package subscription

import (
	"sync"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

// Mempool is the subset of mempool lookups TransactionMonitor needs to
// answer a subscribe-time check against transactions already pending.
type Mempool interface {
	Lookup(txid hash.Hash) (TxView, bool)
}

// TransactionMonitor notifies subscribed connections when a specific txid
// enters the mempool, confirms in a block, or is caught in a double spend,
// matching the Hub's TransactionMonitorService.
type TransactionMonitor struct {
	pool    *wire.BufferPool
	mempool Mempool
	maxTxs  int

	mu      sync.Mutex
	remotes map[uint64]*txRemote
}

type txRemote struct {
	conn  *netcore.Connection
	txids map[hash.Hash]struct{}
}

// NewTransactionMonitor returns a TransactionMonitor backed by mempool for
// subscribe-time checks, capping each connection's watch set at maxTxs
// (-1 for unlimited).
func NewTransactionMonitor(mempool Mempool, maxTxs int) *TransactionMonitor {
	return &TransactionMonitor{
		pool:    wire.NewBufferPool(wire.MaxFrameSize),
		mempool: mempool,
		maxTxs:  maxTxs,
		remotes: make(map[uint64]*txRemote),
	}
}

// Subscribe adds txids to c's watch set and immediately checks the mempool
// for any already pending, notifying c synchronously for each hit.
func (t *TransactionMonitor) Subscribe(c *netcore.Connection, txids []hash.Hash) error {
	t.mu.Lock()
	r, ok := t.remotes[c.ID()]
	if !ok {
		r = &txRemote{conn: c, txids: make(map[hash.Hash]struct{})}
		t.remotes[c.ID()] = r
	}
	if t.maxTxs >= 0 && len(r.txids)+len(txids) > t.maxTxs {
		t.mu.Unlock()
		return errTooManyTxIDs
	}
	for _, id := range txids {
		r.txids[id] = struct{}{}
	}
	t.mu.Unlock()

	if t.mempool == nil {
		return nil
	}
	for _, id := range txids {
		if view, found := t.mempool.Lookup(id); found {
			t.sendFound(c, view)
		}
	}
	return nil
}

// Forget drops c's watch set entirely, called on disconnect.
func (t *TransactionMonitor) Forget(c *netcore.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.remotes, c.ID())
}

// OnTxEnteredMempool notifies every connection watching this txid.
func (t *TransactionMonitor) OnTxEnteredMempool(tx TxView) {
	t.forEachWatcher(tx.TxID, func(c *netcore.Connection) { t.sendFound(c, tx) })
}

// OnBlockConnected notifies every connection watching a txid confirmed in
// this block.
func (t *TransactionMonitor) OnBlockConnected(block BlockView, entry blockindex.Entry) {
	_ = forEachBlockTx(block.Raw, func(btx blockTx) bool {
		id := hash.Hash(btx.txid)
		t.forEachWatcher(id, func(c *netcore.Connection) {
			t.sendFound(c, TxView{TxID: id, Raw: btx.raw, OffsetInBlock: uint32(btx.offsetInBlock), Confirmed: true})
		})
		return true
	})
}

// OnChainReorged carries no txid-specific behavior for this service: a
// reverted transaction simply re-enters the mempool and is reported again
// through OnTxEnteredMempool.
func (t *TransactionMonitor) OnChainReorged(blockindex.Entry, []blockindex.Entry) {}

// OnDoubleSpendFound notifies watchers of either transaction.
func (t *TransactionMonitor) OnDoubleSpendFound(first, duplicate TxView) {
	t.forEachWatcher(first.TxID, func(c *netcore.Connection) { t.sendDoubleSpend(c, first, duplicate.Raw) })
	t.forEachWatcher(duplicate.TxID, func(c *netcore.Connection) { t.sendDoubleSpend(c, duplicate, first.Raw) })
}

// OnDoubleSpendProof notifies watchers of the already-pending transaction.
func (t *TransactionMonitor) OnDoubleSpendProof(txInPool TxView, proof []byte) {
	t.forEachWatcher(txInPool.TxID, func(c *netcore.Connection) {
		notify(t.pool, c, transactionMonitorServiceId, newDoubleSpendMessageId, func(rw *wire.RecordWriter) {
			rw.U256(tagTxId, [32]byte(txInPool.TxID))
			rw.Bytes(tagProof, proof)
		})
	})
}

func (t *TransactionMonitor) forEachWatcher(txid hash.Hash, do func(c *netcore.Connection)) {
	t.mu.Lock()
	var matched []*netcore.Connection
	for _, r := range t.remotes {
		if _, ok := r.txids[txid]; ok {
			matched = append(matched, r.conn)
		}
	}
	t.mu.Unlock()

	for i, c := range matched {
		if i >= maxMatchesPerBlock {
			return
		}
		do(c)
	}
}

func (t *TransactionMonitor) sendFound(c *netcore.Connection, tx TxView) {
	notify(t.pool, c, transactionMonitorServiceId, transactionFoundMessageId, func(rw *wire.RecordWriter) {
		rw.U256(tagTxId, [32]byte(tx.TxID))
		if tx.Confirmed {
			rw.Int(tagOffsetInBlock, int64(tx.OffsetInBlock))
		}
	})
}

func (t *TransactionMonitor) sendDoubleSpend(c *netcore.Connection, subject TxView, otherRaw []byte) {
	notify(t.pool, c, transactionMonitorServiceId, newDoubleSpendMessageId, func(rw *wire.RecordWriter) {
		rw.U256(tagTxId, [32]byte(subject.TxID))
		rw.Bytes(tagDuplicateTx, otherRaw)
	})
}
