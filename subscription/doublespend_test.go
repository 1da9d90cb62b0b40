package subscription

import (
	"bytes"
	"testing"

	"github.com/bchhub/hub/txcodec"
)

func TestDoubleSpendNotifiesSubscribers(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDoubleSpend()
	d.Subscribe(c)

	first := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 1}})
	duplicate := buildTx([]byte{0x02}, []txOutput{{[]byte{0x51}, 1}})
	d.OnDoubleSpendFound(
		TxView{TxID: txcodec.TxID(first), Raw: first},
		TxView{TxID: txcodec.TxID(duplicate), Raw: duplicate},
	)

	msg := readMessage(t, client)
	if msg.ServiceId != doubleSpendServiceId || msg.MessageId != newDoubleSpendMessageId {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	found := false
	for _, f := range readFields(t, msg.Body) {
		if f.Tag == tagDuplicateTx {
			found = true
			if !bytes.Equal(f.Bytes, duplicate) {
				t.Fatal("duplicate tx bytes mismatch")
			}
		}
	}
	if !found {
		t.Fatal("expected a duplicate-tx field")
	}
}

func TestDoubleSpendProofNotification(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDoubleSpend()
	d.Subscribe(c)

	tx := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 1}})
	proof := []byte{0xde, 0xad, 0xbe, 0xef}
	d.OnDoubleSpendProof(TxView{TxID: txcodec.TxID(tx), Raw: tx}, proof)

	msg := readMessage(t, client)
	found := false
	for _, f := range readFields(t, msg.Body) {
		if f.Tag == tagProof {
			found = true
			if !bytes.Equal(f.Bytes, proof) {
				t.Fatal("proof bytes mismatch")
			}
		}
	}
	if !found {
		t.Fatal("expected a proof field")
	}
}

func TestDoubleSpendUnsubscribeStopsNotifications(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	d := NewDoubleSpend()
	d.Subscribe(c)
	d.Unsubscribe(c)

	tx := buildTx([]byte{0x01}, []txOutput{{[]byte{0x51}, 1}})
	d.OnDoubleSpendProof(TxView{TxID: txcodec.TxID(tx), Raw: tx}, []byte{1})
	expectNoMessage(t, client)
}
