package subscription

import (
	"github.com/bchhub/hub/txcodec"
)

// outputView is one decoded transaction output, enough for the
// address-matching services to test against.
type outputView struct {
	index  uint32
	amount int64
	script []byte
}

// decodeOutputs walks one transaction's raw bytes and returns its outputs,
// reusing the same txcodec field walk parserkit's serializer drives.
func decodeOutputs(raw []byte) ([]outputView, error) {
	cur := txcodec.New(raw)
	var outputs []outputView
	var idx uint32
	for {
		switch cur.Next() {
		case txcodec.TagOutputValue:
			v, err := cur.LongData()
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, outputView{index: idx, amount: v})
		case txcodec.TagOutputScript:
			b, err := cur.ByteData()
			if err != nil {
				return nil, err
			}
			outputs[len(outputs)-1].script = b
			idx++
		case txcodec.TagEnd:
			return outputs, nil
		case txcodec.TagError:
			return nil, cur.Err()
		}
	}
}

// blockTx is one transaction lifted out of a connected block's raw bytes.
type blockTx struct {
	txid          [32]byte
	raw           []byte
	offsetInBlock int
}

// forEachBlockTx walks raw (a full block: header + transactions) and calls
// visit for each one, stopping early if visit returns false.
func forEachBlockTx(raw []byte, visit func(blockTx) bool) error {
	if len(raw) < blockHeaderSize {
		return nil
	}
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
		if !visit(blockTx{txid: [32]byte(txcodec.TxID(txBytes)), raw: txBytes, offsetInBlock: offset}) {
			return nil
		}
		if offset+length >= len(raw) {
			return nil
		}
	}
}
