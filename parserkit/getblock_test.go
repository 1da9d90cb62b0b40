package parserkit

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
	"github.com/bchhub/hub/wire"
)

func buildBlock(txs [][]byte) []byte {
	block := make([]byte, blockHeaderSize)
	for _, tx := range txs {
		block = append(block, tx...)
	}
	return block
}

func TestWriteBlockFiltersByScriptHash(t *testing.T) {
	wanted := []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03}
	unwanted := []byte{0x51}

	txMatch := buildTx([]byte{0x01}, []struct {
		script []byte
		value  int64
	}{{wanted, 1000}})
	txNoMatch := buildTx([]byte{0x02}, []struct {
		script []byte
		value  int64
	}{{unwanted, 2000}})

	raw := buildBlock([][]byte{txMatch, txNoMatch})

	idx := blockindex.NewMemoryIndex()
	pos := blockindex.DiskPos{File: 0, Offset: 0}
	idx.PutBlock(pos, raw)
	var blockHash hash.Hash
	blockHash[0] = 0x42
	if _, err := idx.AppendHeader(blockindex.Entry{Hash: blockHash, Height: 7, Pos: pos}); err != nil {
		t.Fatalf("AppendHeader: %s", err)
	}

	filterHash := sha256.Sum256(wanted)
	req := GetBlockRequest{
		BlockHash:        &blockHash,
		Options:          TransactionSerializationOptions{ReturnOutputs: true, ReturnOutputAmounts: true},
		ScriptHashFilter: map[[32]byte]struct{}{filterHash: {}},
	}

	rw := wire.NewRecordWriter()
	if err := WriteBlock(idx, req, rw); err != nil {
		t.Fatalf("WriteBlock: %s", err)
	}
	fields := readFields(t, rw.End())

	txIdCount := 0
	for _, f := range fields {
		if f.Tag == TagTxId {
			txIdCount++
		}
	}
	if txIdCount != 1 {
		t.Fatalf("expected exactly 1 matched transaction, got %d", txIdCount)
	}
}

func TestWriteBlockEmptyFilterMatchesEverything(t *testing.T) {
	tx1 := buildTx([]byte{0x01}, []struct {
		script []byte
		value  int64
	}{{[]byte{0x51}, 10}})
	tx2 := buildTx([]byte{0x02}, []struct {
		script []byte
		value  int64
	}{{[]byte{0x52}, 20}})
	raw := buildBlock([][]byte{tx1, tx2})

	idx := blockindex.NewMemoryIndex()
	pos := blockindex.DiskPos{File: 0, Offset: 0}
	idx.PutBlock(pos, raw)
	height := uint32(3)
	var blockHash hash.Hash
	blockHash[1] = 0x99
	if _, err := idx.AppendHeader(blockindex.Entry{Hash: blockHash, Height: height, Pos: pos}); err != nil {
		t.Fatalf("AppendHeader: %s", err)
	}

	req := GetBlockRequest{BlockHeight: &height}
	rw := wire.NewRecordWriter()
	if err := WriteBlock(idx, req, rw); err != nil {
		t.Fatalf("WriteBlock: %s", err)
	}
	fields := readFields(t, rw.End())

	txIdCount := 0
	for _, f := range fields {
		if f.Tag == TagTxId {
			txIdCount++
		}
	}
	if txIdCount != 2 {
		t.Fatalf("expected both transactions with an empty filter, got %d", txIdCount)
	}
}

func TestWriteBlockUnknownBlockFails(t *testing.T) {
	idx := blockindex.NewMemoryIndex()
	var missing hash.Hash
	missing[0] = 0xff
	req := GetBlockRequest{BlockHash: &missing}
	rw := wire.NewRecordWriter()
	if err := WriteBlock(idx, req, rw); err == nil {
		t.Fatal("expected an error for an unresolvable block")
	}
}

func TestWriteBlockIncludesRawTxWhenRequested(t *testing.T) {
	tx := buildTx([]byte{0x01}, []struct {
		script []byte
		value  int64
	}{{[]byte{0x51}, 10}})
	raw := buildBlock([][]byte{tx})

	idx := blockindex.NewMemoryIndex()
	pos := blockindex.DiskPos{File: 1, Offset: 0}
	idx.PutBlock(pos, raw)
	var blockHash hash.Hash
	blockHash[2] = 0x7
	if _, err := idx.AppendHeader(blockindex.Entry{Hash: blockHash, Pos: pos}); err != nil {
		t.Fatalf("AppendHeader: %s", err)
	}

	req := GetBlockRequest{BlockHash: &blockHash, IncludeRawTx: true}
	rw := wire.NewRecordWriter()
	if err := WriteBlock(idx, req, rw); err != nil {
		t.Fatalf("WriteBlock: %s", err)
	}
	fields := readFields(t, rw.End())

	found := false
	for _, f := range fields {
		if f.Tag == TagRawTx {
			found = true
			if !bytes.Equal(f.Bytes, tx) {
				t.Fatal("raw tx bytes mismatch")
			}
		}
	}
	if !found {
		t.Fatal("expected a TagRawTx field")
	}
}
