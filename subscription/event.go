// Package subscription pushes validation-layer events (a transaction
// entering the mempool, a block connecting, a chain reorg, a double spend)
// out to subscribed API connections: AddressMonitor, TransactionMonitor,
// BlockNotification, and DoubleSpend.
package subscription

import (
	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
)

// blockHeaderSize is the fixed width of a serialized block header that
// precedes its transaction list, matching parserkit's own convention for
// walking block bytes via txcodec.
const blockHeaderSize = 80

// maxMatchesPerBlock bounds how many notifications one matching call may
// generate (one transaction's outputs for one subscriber, or the watchers
// one event notifies), capping the cost of a pathological filter (e.g. a
// script hash matching a huge fan-out transaction). It is not a count kept
// per subscription across a whole block: a block with many separately
// matching transactions can send one subscriber more notifications.
const maxMatchesPerBlock = 2500

// TxView is one transaction as handed to the subscription services by the
// validation layer. OffsetInBlock and Confirmed are zero/false for a
// transaction that just entered the mempool.
type TxView struct {
	TxID          hash.Hash
	Raw           []byte
	OffsetInBlock uint32
	Confirmed     bool
}

// BlockView is one connected block: its identity plus the full raw bytes
// (header followed by its transactions) the services walk via txcodec.
type BlockView struct {
	Hash   hash.Hash
	Height uint32
	Raw    []byte
}

// Listener is the validation-event bus every subscription service attaches
// to. Services implements it by fanning out to all four.
type Listener interface {
	OnTxEnteredMempool(tx TxView)
	OnBlockConnected(block BlockView, entry blockindex.Entry)
	// OnChainReorged reports reverted blocks newest-first (the order a
	// rewind walks them in); BlockNotification re-announces them
	// oldest-first per its own wire contract.
	OnChainReorged(oldTip blockindex.Entry, reverted []blockindex.Entry)
	OnDoubleSpendFound(first, duplicate TxView)
	OnDoubleSpendProof(txInPool TxView, proof []byte)
}
