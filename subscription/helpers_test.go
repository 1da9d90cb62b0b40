package subscription

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bchhub/hub/netcore"
	"github.com/bchhub/hub/wire"
)

func pipeConnection(t *testing.T) (*netcore.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	c := netcore.NewConnection(1, server, false, "")
	c.Start(func(f func()) { go f() })
	t.Cleanup(c.Close)
	return c, client
}

func readMessage(t *testing.T, client net.Conn) *wire.Message {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reassembler := wire.NewReassembler()
	for {
		var prefix [2]byte
		if _, err := io.ReadFull(client, prefix[:]); err != nil {
			t.Fatalf("reading frame prefix: %s", err)
		}
		total := wire.FrameLength(prefix)
		buf := make([]byte, total)
		copy(buf, prefix[:])
		if _, err := io.ReadFull(client, buf[2:]); err != nil {
			t.Fatalf("reading frame body: %s", err)
		}
		msg, complete, err := reassembler.Feed(buf)
		if err != nil {
			t.Fatalf("reassembling frame: %s", err)
		}
		if complete {
			return msg
		}
	}
}

func expectNoMessage(t *testing.T, client net.Conn) {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var b [1]byte
	if _, err := client.Read(b[:]); err == nil {
		t.Fatal("expected no message to arrive")
	}
}

func readFields(t *testing.T, body []byte) []wire.Field {
	t.Helper()
	fields, err := wire.NewRecordReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("decoding fields: %s", err)
	}
	return fields
}

type txOutput struct {
	script []byte
	value  int64
}

// buildTx assembles a single raw transaction with one input and the given
// outputs, mirroring parserkit's own test fixture builder.
func buildTx(inScript []byte, outputs []txOutput) []byte {
	var buf bytes.Buffer

	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], 1)
	buf.Write(version[:])

	buf.WriteByte(1)
	var prevHash [32]byte
	buf.Write(prevHash[:])
	var prevIndex [4]byte
	binary.LittleEndian.PutUint32(prevIndex[:], 0xffffffff)
	buf.Write(prevIndex[:])
	buf.WriteByte(byte(len(inScript)))
	buf.Write(inScript)
	var sequence [4]byte
	binary.LittleEndian.PutUint32(sequence[:], 0xffffffff)
	buf.Write(sequence[:])

	buf.WriteByte(byte(len(outputs)))
	for _, o := range outputs {
		var val [8]byte
		binary.LittleEndian.PutUint64(val[:], uint64(o.value))
		buf.Write(val[:])
		buf.WriteByte(byte(len(o.script)))
		buf.Write(o.script)
	}

	var lockTime [4]byte
	buf.Write(lockTime[:])

	return buf.Bytes()
}

func p2pkhScript(keyHash [20]byte) []byte {
	const (
		opDup        = 0x76
		opHash160    = 0xa9
		opPush20     = 0x14
		opEqualVerify = 0x88
		opCheckSig   = 0xac
	)
	s := make([]byte, 0, 25)
	s = append(s, opDup, opHash160, opPush20)
	s = append(s, keyHash[:]...)
	s = append(s, opEqualVerify, opCheckSig)
	return s
}

func buildBlock(txs [][]byte) []byte {
	block := make([]byte, blockHeaderSize)
	for _, tx := range txs {
		block = append(block, tx...)
	}
	return block
}
