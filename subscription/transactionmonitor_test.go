package subscription

import (
	"testing"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
	"github.com/bchhub/hub/txcodec"
)

type stubMempool struct {
	txs map[hash.Hash]TxView
}

func (m *stubMempool) Lookup(txid hash.Hash) (TxView, bool) {
	v, ok := m.txs[txid]
	return v, ok
}

func TestTransactionMonitorSubscribeChecksMempool(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	raw := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 10}})
	txid := txcodec.TxID(raw)
	mempool := &stubMempool{txs: map[hash.Hash]TxView{txid: {TxID: txid, Raw: raw}}}

	tm := NewTransactionMonitor(mempool, -1)
	if err := tm.Subscribe(c, []hash.Hash{txid}); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	msg := readMessage(t, client)
	if msg.ServiceId != transactionMonitorServiceId || msg.MessageId != transactionFoundMessageId {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
}

func TestTransactionMonitorOnBlockConnectedReportsOffset(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	raw := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 10}})
	txid := txcodec.TxID(raw)
	block := buildBlock([][]byte{raw})

	tm := NewTransactionMonitor(nil, -1)
	if err := tm.Subscribe(c, []hash.Hash{txid}); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	tm.OnBlockConnected(BlockView{Raw: block}, blockindex.Entry{Height: 5})

	msg := readMessage(t, client)
	fields := readFields(t, msg.Body)
	found := false
	for _, f := range fields {
		if f.Tag == tagOffsetInBlock {
			found = true
			if f.Int != blockHeaderSize {
				t.Fatalf("offset = %d, want %d", f.Int, blockHeaderSize)
			}
		}
	}
	if !found {
		t.Fatal("expected an offset-in-block field")
	}
}

func TestTransactionMonitorDoubleSpendNotifiesBothWatchers(t *testing.T) {
	c1, client1 := pipeConnection(t)
	defer client1.Close()
	c2, client2 := pipeConnection(t)
	defer client2.Close()

	first := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 1}})
	duplicate := buildTx([]byte{0x02}, []txOutput{{[]byte{0x51}, 1}})
	firstID := txcodec.TxID(first)
	duplicateID := txcodec.TxID(duplicate)

	tm := NewTransactionMonitor(nil, -1)
	if err := tm.Subscribe(c1, []hash.Hash{firstID}); err != nil {
		t.Fatalf("Subscribe c1: %s", err)
	}
	if err := tm.Subscribe(c2, []hash.Hash{duplicateID}); err != nil {
		t.Fatalf("Subscribe c2: %s", err)
	}

	tm.OnDoubleSpendFound(TxView{TxID: firstID, Raw: first}, TxView{TxID: duplicateID, Raw: duplicate})

	readMessage(t, client1)
	readMessage(t, client2)
}

func TestTransactionMonitorSubscribeEnforcesLimit(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	tm := NewTransactionMonitor(nil, 1)
	var a, b hash.Hash
	a[0], b[0] = 1, 2
	if err := tm.Subscribe(c, []hash.Hash{a}); err != nil {
		t.Fatalf("first Subscribe: %s", err)
	}
	if err := tm.Subscribe(c, []hash.Hash{b}); err == nil {
		t.Fatal("expected exceeding maxTxs to fail")
	}
}
