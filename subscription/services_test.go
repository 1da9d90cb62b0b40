package subscription

import (
	"testing"

	"github.com/bchhub/hub/blockindex"
)

func TestServicesFansOutBlockConnectedToEveryService(t *testing.T) {
	addrConn, addrClient := pipeConnection(t)
	defer addrClient.Close()
	blockConn, blockClient := pipeConnection(t)
	defer blockClient.Close()

	s := NewServices(nil, -1, -1)

	var keyHash [20]byte
	keyHash[0] = 0x77
	if err := s.Address.Subscribe(addrConn, [][20]byte{keyHash}); err != nil {
		t.Fatalf("Subscribe address: %s", err)
	}
	s.Block.Subscribe(blockConn)

	tx := buildTx([]byte{0x01}, []txOutput{{p2pkhScript(keyHash), 1}})
	block := buildBlock([][]byte{tx})

	s.OnBlockConnected(BlockView{Raw: block, Height: 9}, blockindex.Entry{Height: 9})

	readMessage(t, addrClient)
	readMessage(t, blockClient)
}

func TestServicesForgetClearsEveryService(t *testing.T) {
	c, client := pipeConnection(t)
	defer client.Close()

	s := NewServices(nil, -1, -1)
	var keyHash [20]byte
	keyHash[0] = 1
	if err := s.Address.Subscribe(c, [][20]byte{keyHash}); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	s.Block.Subscribe(c)
	s.Double.Subscribe(c)

	s.Forget(c)

	tx := buildTx([]byte{0x01}, []txOutput{{p2pkhScript(keyHash), 1}})
	block := buildBlock([][]byte{tx})
	s.OnBlockConnected(BlockView{Raw: block}, blockindex.Entry{})

	expectNoMessage(t, client)
}
