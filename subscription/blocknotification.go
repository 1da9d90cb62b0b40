package subscription

import (
	"sync"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

// BlockNotification pushes NewBlockOnChain and BlocksRemoved events to
// every connection that asked for them, matching the Hub's
// BlockNotificationService.
type BlockNotification struct {
	pool *wire.BufferPool

	mu      sync.Mutex
	remotes map[uint64]*netcore.Connection
}

// NewBlockNotification returns an empty BlockNotification.
func NewBlockNotification() *BlockNotification {
	return &BlockNotification{
		pool:    wire.NewBufferPool(wire.MaxFrameSize),
		remotes: make(map[uint64]*netcore.Connection),
	}
}

// Subscribe marks c as wanting block updates.
func (b *BlockNotification) Subscribe(c *netcore.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remotes[c.ID()] = c
}

// Unsubscribe clears c's want-updates flag.
func (b *BlockNotification) Unsubscribe(c *netcore.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remotes, c.ID())
}

// Forget is an alias for Unsubscribe, called on disconnect.
func (b *BlockNotification) Forget(c *netcore.Connection) { b.Unsubscribe(c) }

// OnTxEnteredMempool carries no behavior for this service.
func (b *BlockNotification) OnTxEnteredMempool(TxView) {}

// OnBlockConnected announces the newly connected block to every subscriber.
func (b *BlockNotification) OnBlockConnected(block BlockView, entry blockindex.Entry) {
	for _, c := range b.snapshot() {
		notify(b.pool, c, blockNotificationServiceId, newBlockOnChainMessageId, func(rw *wire.RecordWriter) {
			rw.U256(tagBlockHash, [32]byte(entry.Hash))
			rw.Int(tagBlockHeight, int64(entry.Height))
		})
	}
}

// OnChainReorged announces every reverted block, oldest first, to every
// subscriber in a single BlocksRemoved message.
func (b *BlockNotification) OnChainReorged(oldTip blockindex.Entry, reverted []blockindex.Entry) {
	if len(reverted) == 0 {
		return
	}
	for _, c := range b.snapshot() {
		notify(b.pool, c, blockNotificationServiceId, blocksRemovedMessageId, func(rw *wire.RecordWriter) {
			for i := len(reverted) - 1; i >= 0; i-- {
				rw.U256(tagBlockHash, [32]byte(reverted[i].Hash))
				rw.Int(tagBlockHeight, int64(reverted[i].Height))
			}
		})
	}
}

// OnDoubleSpendFound and OnDoubleSpendProof carry no behavior for this
// service.
func (b *BlockNotification) OnDoubleSpendFound(first, duplicate TxView)   {}
func (b *BlockNotification) OnDoubleSpendProof(txInPool TxView, proof []byte) {}

func (b *BlockNotification) snapshot() []*netcore.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*netcore.Connection, 0, len(b.remotes))
	for _, c := range b.remotes {
		out = append(out, c)
	}
	return out
}
