package subscription

import (
	"sync"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/parserkit"
	"github.com/bchhub/hub/wire"
)

// AddressMonitor notifies subscribed connections whenever a transaction
// pays one of the p2pkh hashes they've registered, matching the Hub's
// AddressMonitorService.
type AddressMonitor struct {
	pool *wire.BufferPool
	// maxKeys bounds how many addresses a single connection may register,
	// -1 meaning unlimited, mirroring -api_max_addresses.
	maxKeys int

	mu      sync.Mutex
	remotes map[uint64]*addressRemote
}

type addressRemote struct {
	conn *netcore.Connection
	keys map[[20]byte]struct{}
}

// NewAddressMonitor returns an AddressMonitor capping each connection's
// watch set at maxKeys addresses (-1 for unlimited).
func NewAddressMonitor(maxKeys int) *AddressMonitor {
	return &AddressMonitor{
		pool:    wire.NewBufferPool(wire.MaxFrameSize),
		maxKeys: maxKeys,
		remotes: make(map[uint64]*addressRemote),
	}
}

// Subscribe adds keys to c's watch set, creating it if this is c's first
// subscription. It returns an error if doing so would exceed maxKeys.
func (a *AddressMonitor) Subscribe(c *netcore.Connection, keys [][20]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.remotes[c.ID()]
	if !ok {
		r = &addressRemote{conn: c, keys: make(map[[20]byte]struct{})}
		a.remotes[c.ID()] = r
	}
	if a.maxKeys >= 0 && len(r.keys)+len(keys) > a.maxKeys {
		return errTooManyAddresses
	}
	for _, k := range keys {
		r.keys[k] = struct{}{}
	}
	return nil
}

// Forget drops c's watch set entirely, called on disconnect.
func (a *AddressMonitor) Forget(c *netcore.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.remotes, c.ID())
}

// OnTxEnteredMempool notifies every connection watching an address this
// transaction pays.
func (a *AddressMonitor) OnTxEnteredMempool(tx TxView) {
	outputs, err := decodeOutputs(tx.Raw)
	if err != nil {
		return
	}
	a.matchAndNotify([32]byte(tx.TxID), outputs, 0, false)
}

// OnBlockConnected notifies every connection watching an address paid by a
// transaction in this block.
func (a *AddressMonitor) OnBlockConnected(block BlockView, entry blockindex.Entry) {
	_ = forEachBlockTx(block.Raw, func(tx blockTx) bool {
		outputs, err := decodeOutputs(tx.raw)
		if err != nil {
			return true
		}
		a.matchAndNotify(tx.txid, outputs, entry.Height, true)
		return true
	})
}

// OnChainReorged, OnDoubleSpendFound, and OnDoubleSpendProof carry no
// address-specific behavior for this service.
func (a *AddressMonitor) OnChainReorged(blockindex.Entry, []blockindex.Entry) {}
func (a *AddressMonitor) OnDoubleSpendFound(first, duplicate TxView)         {}
func (a *AddressMonitor) OnDoubleSpendProof(txInPool TxView, proof []byte)   {}

func (a *AddressMonitor) matchAndNotify(txid [32]byte, outputs []outputView, height uint32, confirmed bool) {
	a.mu.Lock()
	remotes := make([]*addressRemote, 0, len(a.remotes))
	for _, r := range a.remotes {
		remotes = append(remotes, r)
	}
	a.mu.Unlock()

	for _, r := range remotes {
		a.notifyRemote(r, txid, outputs, height, confirmed)
	}
}

func (a *AddressMonitor) notifyRemote(r *addressRemote, txid [32]byte, outputs []outputView, height uint32, confirmed bool) {
	a.mu.Lock()
	keys := r.keys
	a.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	matches := 0
	for _, out := range outputs {
		if matches >= maxMatchesPerBlock {
			return
		}
		keyHash, ok := parserkit.SolveP2PKHOrP2PK(out.script)
		if !ok {
			continue
		}
		if _, watched := keys[keyHash]; !watched {
			continue
		}
		matches++
		notify(a.pool, r.conn, addressMonitorServiceId, transactionFoundMessageId, func(rw *wire.RecordWriter) {
			rw.Bytes(tagAddress, keyHash[:])
			rw.U256(tagTxId, txid)
			rw.Int(tagAmount, out.amount)
			if confirmed {
				rw.Int(tagConfirmationCount, 1)
				rw.Int(tagBlockHeight, int64(height))
			}
		})
	}
}
