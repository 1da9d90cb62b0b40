package parserkit

import (
	"github.com/bchhub/hub/txcodec"
	"github.com/bchhub/hub/wire"
)

// WriteTransaction walks a single transaction from cur's current position
// and writes the fields opts selects into rw, stopping once the
// transaction's matching End tag is produced. cur must be freshly
// positioned at a transaction boundary.
func WriteTransaction(cur *txcodec.Cursor, opts TransactionSerializationOptions, rw *wire.RecordWriter) error {
	outIndex := uint32(0)
	for {
		switch cur.Next() {
		case txcodec.TagError:
			return cur.Err()

		case txcodec.TagTxVersion:
			v, err := cur.IntData()
			if err != nil {
				return err
			}
			rw.Int(TagVersion, int64(v))

		case txcodec.TagPrevTxHash:
			if !opts.ReturnInputs {
				continue
			}
			u, err := cur.U256Data()
			if err != nil {
				return err
			}
			rw.U256(TagInTxId, u)

		case txcodec.TagPrevTxIndex:
			if !opts.ReturnInputs {
				continue
			}
			v, err := cur.IntData()
			if err != nil {
				return err
			}
			rw.Int(TagInOutIndex, int64(v))

		case txcodec.TagTxInScript:
			if !opts.ReturnInputs {
				continue
			}
			b, err := cur.ByteData()
			if err != nil {
				return err
			}
			rw.Bytes(TagInputScript, b)

		case txcodec.TagSequence:
			// Sequence numbers aren't part of any serialization option;
			// the cursor still has to walk past them.

		case txcodec.TagOutputValue:
			if !opts.ReturnOutputs || !opts.ReturnOutputAmounts || !opts.includesOutput(outIndex) {
				continue
			}
			v, err := cur.LongData()
			if err != nil {
				return err
			}
			rw.Int(TagOutputAmount, v)

		case txcodec.TagOutputScript:
			if opts.ReturnOutputs && opts.includesOutput(outIndex) {
				if err := writeOutputScriptFields(cur, opts, rw); err != nil {
					return err
				}
			}
			outIndex++

		case txcodec.TagLockTime:
			v, err := cur.IntData()
			if err != nil {
				return err
			}
			rw.Int(TagLockTime, int64(v))

		case txcodec.TagEnd:
			return nil
		}
	}
}

func writeOutputScriptFields(cur *txcodec.Cursor, opts TransactionSerializationOptions, rw *wire.RecordWriter) error {
	if opts.ReturnOutputScripts {
		b, err := cur.ByteData()
		if err != nil {
			return err
		}
		rw.Bytes(TagOutputScript, b)
	}
	if opts.ReturnOutputAddresses {
		b, err := cur.ByteData()
		if err != nil {
			return err
		}
		if keyHash, ok := SolveP2PKHOrP2PK(b); ok {
			rw.Bytes(TagOutputAddress, keyHash[:])
		}
	}
	if opts.ReturnOutputScriptHashes {
		h, err := cur.HashedByteData()
		if err != nil {
			return err
		}
		rw.Bytes(TagOutputScriptHash, h[:])
	}
	return nil
}
