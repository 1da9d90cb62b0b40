package parserkit

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bchhub/hub/txcodec"
	"github.com/bchhub/hub/wire"
)

// buildTx assembles a single raw transaction with one input and the given
// output scripts/values, mirroring txcodec's own test fixture builder.
func buildTx(inScript []byte, outputs []struct {
	script []byte
	value  int64
}) []byte {
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
	s := make([]byte, 0, 25)
	s = append(s, opDup, opHash160, opPush20)
	s = append(s, keyHash[:]...)
	s = append(s, opEqualVerify, opCheckSig)
	return s
}

func readFields(t *testing.T, body []byte) []wire.Field {
	t.Helper()
	fields, err := wire.NewRecordReader(bytes.NewReader(body)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %s", err)
	}
	return fields
}

func TestWriteTransactionFullOptions(t *testing.T) {
	var keyHash [20]byte
	keyHash[0] = 0xAB
	outScript := p2pkhScript(keyHash)
	raw := buildTx([]byte{0x01, 0x02}, []struct {
		script []byte
		value  int64
	}{{outScript, 5000}})

	opts := TransactionSerializationOptions{
		ReturnInputs:             true,
		ReturnOutputs:            true,
		ReturnOutputAmounts:      true,
		ReturnOutputScripts:      true,
		ReturnOutputAddresses:    true,
		ReturnOutputScriptHashes: true,
	}

	rw := wire.NewRecordWriter()
	if err := WriteTransaction(txcodec.New(raw), opts, rw); err != nil {
		t.Fatalf("WriteTransaction: %s", err)
	}
	fields := readFields(t, rw.End())

	var gotAddress, gotScript, gotHash, gotAmount, gotInTxId bool
	for _, f := range fields {
		switch f.Tag {
		case TagOutputAddress:
			gotAddress = true
			if !bytes.Equal(f.Bytes, keyHash[:]) {
				t.Fatalf("output address = %x, want %x", f.Bytes, keyHash)
			}
		case TagOutputScript:
			gotScript = true
		case TagOutputScriptHash:
			gotHash = true
		case TagOutputAmount:
			gotAmount = true
			if f.Int != 5000 {
				t.Fatalf("output amount = %d, want 5000", f.Int)
			}
		case TagInTxId:
			gotInTxId = true
		}
	}
	if !gotAddress || !gotScript || !gotHash || !gotAmount || !gotInTxId {
		t.Fatalf("missing expected fields: address=%v script=%v hash=%v amount=%v inTxId=%v",
			gotAddress, gotScript, gotHash, gotAmount, gotInTxId)
	}
}

func TestWriteTransactionRespectsFilterOutputs(t *testing.T) {
	raw := buildTx([]byte{0x01}, []struct {
		script []byte
		value  int64
	}{
		{[]byte{0xaa}, 100},
		{[]byte{0xbb}, 200},
		{[]byte{0xcc}, 300},
	})

	opts := TransactionSerializationOptions{
		ReturnOutputs:       true,
		ReturnOutputAmounts: true,
		FilterOutputs:       map[uint32]struct{}{1: {}},
	}

	rw := wire.NewRecordWriter()
	if err := WriteTransaction(txcodec.New(raw), opts, rw); err != nil {
		t.Fatalf("WriteTransaction: %s", err)
	}
	fields := readFields(t, rw.End())

	var amounts []int64
	for _, f := range fields {
		if f.Tag == TagOutputAmount {
			amounts = append(amounts, f.Int)
		}
	}
	if len(amounts) != 1 || amounts[0] != 200 {
		t.Fatalf("amounts = %v, want [200]", amounts)
	}
}

func TestWriteTransactionOmitsUnselectedFields(t *testing.T) {
	raw := buildTx([]byte{0x01}, []struct {
		script []byte
		value  int64
	}{{[]byte{0xaa}, 100}})

	rw := wire.NewRecordWriter()
	if err := WriteTransaction(txcodec.New(raw), TransactionSerializationOptions{}, rw); err != nil {
		t.Fatalf("WriteTransaction: %s", err)
	}
	fields := readFields(t, rw.End())
	for _, f := range fields {
		if f.Tag != TagVersion && f.Tag != TagLockTime {
			t.Fatalf("unexpected field with no options set: tag %d", f.Tag)
		}
	}
}

func TestCalculateNeededSizeScalesWithOptions(t *testing.T) {
	bare := CalculateNeededSize(TransactionSerializationOptions{}, 2, 3, 500)
	full := CalculateNeededSize(TransactionSerializationOptions{
		ReturnInputs:             true,
		ReturnOutputs:            true,
		ReturnOutputAmounts:      true,
		ReturnOutputScripts:      true,
		ReturnOutputAddresses:    true,
		ReturnOutputScriptHashes: true,
	}, 2, 3, 500)
	if full <= bare {
		t.Fatalf("full-options bound %d should exceed bare bound %d", full, bare)
	}

	filtered := CalculateNeededSize(TransactionSerializationOptions{
		ReturnOutputs:       true,
		ReturnOutputAmounts: true,
		FilterOutputs:       map[uint32]struct{}{0: {}},
	}, 0, 3, 500)
	unfiltered := CalculateNeededSize(TransactionSerializationOptions{
		ReturnOutputs:       true,
		ReturnOutputAmounts: true,
	}, 0, 3, 500)
	if filtered >= unfiltered {
		t.Fatalf("filtering to one output should shrink the bound: filtered=%d unfiltered=%d", filtered, unfiltered)
	}
}
