package subscription

import (
	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/netcore"
)

// Services aggregates the four subscription services and implements
// Listener by fanning every validation event out to all of them.
type Services struct {
	Address *AddressMonitor
	Tx      *TransactionMonitor
	Block   *BlockNotification
	Double  *DoubleSpend
}

// NewServices wires up all four services; mempool may be nil if
// TransactionMonitor's subscribe-time mempool check should always miss.
func NewServices(mempool Mempool, maxAddresses, maxTxIDs int) *Services {
	return &Services{
		Address: NewAddressMonitor(maxAddresses),
		Tx:      NewTransactionMonitor(mempool, maxTxIDs),
		Block:   NewBlockNotification(),
		Double:  NewDoubleSpend(),
	}
}

// Forget drops c's state from every service, called on disconnect.
func (s *Services) Forget(c *netcore.Connection) {
	s.Address.Forget(c)
	s.Tx.Forget(c)
	s.Block.Forget(c)
	s.Double.Forget(c)
}

func (s *Services) OnTxEnteredMempool(tx TxView) {
	s.Address.OnTxEnteredMempool(tx)
	s.Tx.OnTxEnteredMempool(tx)
	s.Block.OnTxEnteredMempool(tx)
	s.Double.OnTxEnteredMempool(tx)
}

func (s *Services) OnBlockConnected(block BlockView, entry blockindex.Entry) {
	s.Address.OnBlockConnected(block, entry)
	s.Tx.OnBlockConnected(block, entry)
	s.Block.OnBlockConnected(block, entry)
	s.Double.OnBlockConnected(block, entry)
}

func (s *Services) OnChainReorged(oldTip blockindex.Entry, reverted []blockindex.Entry) {
	s.Address.OnChainReorged(oldTip, reverted)
	s.Tx.OnChainReorged(oldTip, reverted)
	s.Block.OnChainReorged(oldTip, reverted)
	s.Double.OnChainReorged(oldTip, reverted)
}

func (s *Services) OnDoubleSpendFound(first, duplicate TxView) {
	s.Address.OnDoubleSpendFound(first, duplicate)
	s.Tx.OnDoubleSpendFound(first, duplicate)
	s.Block.OnDoubleSpendFound(first, duplicate)
	s.Double.OnDoubleSpendFound(first, duplicate)
}

func (s *Services) OnDoubleSpendProof(txInPool TxView, proof []byte) {
	s.Address.OnDoubleSpendProof(txInPool, proof)
	s.Tx.OnDoubleSpendProof(txInPool, proof)
	s.Block.OnDoubleSpendProof(txInPool, proof)
	s.Double.OnDoubleSpendProof(txInPool, proof)
}

var _ Listener = (*Services)(nil)
