package subscription

import (
	"testing"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
)

func TestBlockNotificationAnnouncesConnectedBlock(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	b := NewBlockNotification()
	b.Subscribe(c)

	var blockHash hash.Hash
	blockHash[0] = 0x11
	b.OnBlockConnected(BlockView{Hash: blockHash, Height: 42}, blockindex.Entry{Hash: blockHash, Height: 42})

	msg := readMessage(t, client)
	if msg.ServiceId != blockNotificationServiceId || msg.MessageId != newBlockOnChainMessageId {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	fields := readFields(t, msg.Body)
	var gotHeight bool
	for _, f := range fields {
		if f.Tag == tagBlockHeight {
			gotHeight = true
			if f.Int != 42 {
				t.Fatalf("height = %d, want 42", f.Int)
			}
		}
	}
	if !gotHeight {
		t.Fatal("expected a block height field")
	}
}

func TestBlockNotificationReorgEmitsOldestFirst(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	b := NewBlockNotification()
	b.Subscribe(c)

	newest := blockindex.Entry{Height: 102}
	middle := blockindex.Entry{Height: 101}
	oldest := blockindex.Entry{Height: 100}
	b.OnChainReorged(blockindex.Entry{Height: 99}, []blockindex.Entry{newest, middle, oldest})

	msg := readMessage(t, client)
	if msg.MessageId != blocksRemovedMessageId {
		t.Fatalf("expected BlocksRemoved, got message id %d", msg.MessageId)
	}
	var heights []int64
	for _, f := range readFields(t, msg.Body) {
		if f.Tag == tagBlockHeight {
			heights = append(heights, f.Int)
		}
	}
	if len(heights) != 3 || heights[0] != 100 || heights[1] != 101 || heights[2] != 102 {
		t.Fatalf("expected heights oldest-first [100 101 102], got %v", heights)
	}
}

func TestBlockNotificationUnsubscribeStopsAnnouncements(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	b := NewBlockNotification()
	b.Subscribe(c)
	b.Unsubscribe(c)

	b.OnBlockConnected(BlockView{}, blockindex.Entry{Height: 1})
	expectNoMessage(t, client)
}
