package parserkit

import (
	"github.com/pkg/errors"

	"github.com/bchhub/hub/blockindex"
	"github.com/bchhub/hub/hash"
	"github.com/bchhub/hub/txcodec"
	"github.com/bchhub/hub/wire"
)

// blockHeaderSize is the fixed width of a serialized block header that
// precedes the transaction list, matching the coinbase-offset convention
// utxo.Leaf.IsCoinbase already assumes.
const blockHeaderSize = 80

// GetBlockRequest is one resolved GetBlock call.
type GetBlockRequest struct {
	// Exactly one of BlockHash or BlockHeight should be set; BlockHash
	// takes precedence if both are.
	BlockHash   *hash.Hash
	BlockHeight *uint32

	Options TransactionSerializationOptions

	// ScriptHashFilter restricts the reply to transactions with at least
	// one output whose SHA256(script) is in the set. A nil or empty
	// filter matches every transaction.
	ScriptHashFilter map[[32]byte]struct{}

	// IncludeRawTx additionally emits each matched transaction's raw bytes.
	IncludeRawTx bool
}

// WriteBlock resolves req against idx, loads the block's bytes, and writes
// the matched, filtered transactions into rw.
func WriteBlock(idx blockindex.Index, req GetBlockRequest, rw *wire.RecordWriter) error {
	entry, ok := resolveBlock(idx, req)
	if !ok {
		return errors.New("parserkit: requested block not found")
	}
	raw, err := idx.LoadBlock(entry.Pos)
	if err != nil {
		return errors.Wrap(err, "parserkit: loading block bytes")
	}
	if len(raw) < blockHeaderSize {
		return errors.New("parserkit: block shorter than its own header")
	}

	rw.U256(TagBlockHash, entry.Hash)
	rw.Int(TagBlockHeight, int64(entry.Height))

	cur := txcodec.New(raw, blockHeaderSize)
	for {
		tag := cur.Next()
		if tag == txcodec.TagError {
			return cur.Err()
		}
		if tag != txcodec.TagEnd {
			continue
		}

		offset, length := cur.PrevTx()
		if length == 0 {
			return nil
		}
		txBytes := raw[offset : offset+length]
		if matchesScriptHashFilter(txBytes, req.ScriptHashFilter) {
			if err := writeMatchedTx(rw, txBytes, offset, req); err != nil {
				return err
			}
		}
		if offset+length >= len(raw) {
			return nil
		}
	}
}

func resolveBlock(idx blockindex.Index, req GetBlockRequest) (blockindex.Entry, bool) {
	if req.BlockHash != nil {
		return idx.GetByHash(req.BlockHash)
	}
	if req.BlockHeight != nil {
		return idx.GetByHeight(*req.BlockHeight)
	}
	return blockindex.Entry{}, false
}

func matchesScriptHashFilter(txBytes []byte, filter map[[32]byte]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	cur := txcodec.New(txBytes)
	for {
		switch cur.Next() {
		case txcodec.TagOutputScript:
			h, err := cur.HashedByteData()
			if err != nil {
				return false
			}
			if _, ok := filter[h]; ok {
				return true
			}
		case txcodec.TagEnd, txcodec.TagError:
			return false
		}
	}
}

func writeMatchedTx(rw *wire.RecordWriter, txBytes []byte, offsetInBlock int, req GetBlockRequest) error {
	txid := txcodec.TxID(txBytes)
	rw.Int(TagOffsetInBlock, int64(offsetInBlock))
	rw.U256(TagTxId, [32]byte(txid))
	if req.IncludeRawTx {
		rw.Bytes(TagRawTx, txBytes)
	}
	return WriteTransaction(txcodec.New(txBytes), req.Options, rw)
}
