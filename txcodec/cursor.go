// Package txcodec stream-decodes a Bitcoin transaction, or a run of
// concatenated transactions, as a flat sequence of tagged fields without
// building a parse tree. Callers that only need a handful of fields (an
// address filter over outputs, say) never pay for parsing the rest.
package txcodec

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag identifies the field most recently produced by a Cursor's Next call.
type Tag uint8

// Field tags, in the order they appear within a transaction.
const (
	TagInvalid Tag = iota
	TagTxVersion
	TagPrevTxHash
	TagPrevTxIndex
	TagTxInScript
	TagSequence
	TagOutputValue
	TagOutputScript
	TagLockTime

	// TagEnd closes a transaction. It is produced twice in a row when the
	// cursor reaches the end of the buffer: once for the final
	// transaction, once more as an idempotent end-of-stream sentinel.
	TagEnd

	// TagError is sticky: once produced, every subsequent Next call
	// returns it again without moving the cursor.
	TagError
)

func (t Tag) String() string {
	switch t {
	case TagTxVersion:
		return "TxVersion"
	case TagPrevTxHash:
		return "PrevTxHash"
	case TagPrevTxIndex:
		return "PrevTxIndex"
	case TagTxInScript:
		return "TxInScript"
	case TagSequence:
		return "Sequence"
	case TagOutputValue:
		return "OutputValue"
	case TagOutputScript:
		return "OutputScript"
	case TagLockTime:
		return "LockTime"
	case TagEnd:
		return "End"
	case TagError:
		return "Error"
	default:
		return "Invalid"
	}
}

// stage is the cursor's internal position within a transaction's field
// sequence. It advances independently of the Tag returned to the caller,
// since input/output counts consume bytes but are never themselves
// surfaced as a Tag.
type stage uint8

const (
	stageVersion stage = iota
	stageInputCount
	stagePrevTxHash
	stagePrevTxIndex
	stageInScript
	stageSequence
	stageOutputCount
	stageOutputValue
	stageOutputScript
	stageLockTime
	stageEnd
	stageDone
)

// Cursor walks transaction bytes field by field. The zero value is not
// usable; construct one with New. A Cursor borrows from the buffer it was
// given and must not outlive it.
type Cursor struct {
	buf []byte
	pos int

	stage stage
	last  Tag

	inputsRemaining  int
	inputIndex       int
	outputsRemaining int
	outputIndex      int

	txStart, txEnd         int
	lastTxStart, lastTxEnd int

	intVal   int32
	longVal  int64
	bytesVal []byte
	u256Val  [32]byte

	err error
}

// New constructs a Cursor positioned at a transaction boundary within buf,
// optionally starting partway through it (for a cursor resuming within a
// run of concatenated transactions).
func New(buf []byte, startOffset ...int) *Cursor {
	c := &Cursor{buf: buf, stage: stageVersion}
	if len(startOffset) > 0 {
		c.pos = startOffset[0]
	}
	return c
}

// Err returns the error that put the cursor into the Error state, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Next advances the cursor and returns the tag of the field it produced.
// It returns TagError (sticky) on malformed input, and an idempotent
// TagEnd once the underlying buffer is exhausted.
func (c *Cursor) Next() Tag {
	if c.stage == stageDone {
		c.last = TagEnd
		return TagEnd
	}
	if c.err != nil {
		c.last = TagError
		return TagError
	}

	for {
		switch c.stage {
		case stageVersion:
			c.txStart = c.pos
			v, err := c.readUint32()
			if err != nil {
				return c.fail(err)
			}
			c.intVal = int32(v)
			c.stage = stageInputCount
			c.last = TagTxVersion
			return TagTxVersion

		case stageInputCount:
			n, err := c.readVarInt()
			if err != nil {
				return c.fail(err)
			}
			c.inputsRemaining = int(n)
			c.inputIndex = 0
			if c.inputsRemaining == 0 {
				c.stage = stageOutputCount
				continue
			}
			c.stage = stagePrevTxHash
			continue

		case stagePrevTxHash:
			b, err := c.readFixed(32)
			if err != nil {
				return c.fail(err)
			}
			copy(c.u256Val[:], b)
			c.stage = stagePrevTxIndex
			c.last = TagPrevTxHash
			return TagPrevTxHash

		case stagePrevTxIndex:
			v, err := c.readUint32()
			if err != nil {
				return c.fail(err)
			}
			c.intVal = int32(v)
			c.stage = stageInScript
			c.last = TagPrevTxIndex
			return TagPrevTxIndex

		case stageInScript:
			b, err := c.readVarBytes()
			if err != nil {
				return c.fail(err)
			}
			c.bytesVal = b
			c.stage = stageSequence
			c.last = TagTxInScript
			return TagTxInScript

		case stageSequence:
			v, err := c.readUint32()
			if err != nil {
				return c.fail(err)
			}
			c.intVal = int32(v)
			c.inputIndex++
			if c.inputIndex < c.inputsRemaining {
				c.stage = stagePrevTxHash
			} else {
				c.stage = stageOutputCount
			}
			c.last = TagSequence
			return TagSequence

		case stageOutputCount:
			n, err := c.readVarInt()
			if err != nil {
				return c.fail(err)
			}
			c.outputsRemaining = int(n)
			c.outputIndex = 0
			if c.outputsRemaining == 0 {
				c.stage = stageLockTime
				continue
			}
			c.stage = stageOutputValue
			continue

		case stageOutputValue:
			v, err := c.readUint64()
			if err != nil {
				return c.fail(err)
			}
			c.longVal = int64(v)
			c.stage = stageOutputScript
			c.last = TagOutputValue
			return TagOutputValue

		case stageOutputScript:
			b, err := c.readVarBytes()
			if err != nil {
				return c.fail(err)
			}
			c.bytesVal = b
			c.outputIndex++
			if c.outputIndex < c.outputsRemaining {
				c.stage = stageOutputValue
			} else {
				c.stage = stageLockTime
			}
			c.last = TagOutputScript
			return TagOutputScript

		case stageLockTime:
			v, err := c.readUint32()
			if err != nil {
				return c.fail(err)
			}
			c.intVal = int32(v)
			c.txEnd = c.pos
			c.stage = stageEnd
			c.last = TagLockTime
			return TagLockTime

		case stageEnd:
			c.lastTxStart, c.lastTxEnd = c.txStart, c.txEnd
			if c.pos >= len(c.buf) {
				c.stage = stageDone
			} else {
				c.stage = stageVersion
			}
			c.last = TagEnd
			return TagEnd
		}
	}
}

func (c *Cursor) fail(err error) Tag {
	c.err = err
	c.last = TagError
	return TagError
}

// IntData returns the payload of the last TxVersion, PrevTxIndex, or
// LockTime field.
func (c *Cursor) IntData() (int32, error) {
	switch c.last {
	case TagTxVersion, TagPrevTxIndex, TagLockTime:
		return c.intVal, nil
	default:
		return 0, errors.Errorf("txcodec: IntData called after %s field", c.last)
	}
}

// LongData returns the payload of the last OutputValue field.
func (c *Cursor) LongData() (int64, error) {
	if c.last != TagOutputValue {
		return 0, errors.Errorf("txcodec: LongData called after %s field", c.last)
	}
	return c.longVal, nil
}

// ByteData returns the payload of the last TxInScript or OutputScript
// field. The returned slice aliases the Cursor's underlying buffer.
func (c *Cursor) ByteData() ([]byte, error) {
	switch c.last {
	case TagTxInScript, TagOutputScript:
		return c.bytesVal, nil
	default:
		return nil, errors.Errorf("txcodec: ByteData called after %s field", c.last)
	}
}

// U256Data returns the payload of the last PrevTxHash field.
func (c *Cursor) U256Data() ([32]byte, error) {
	if c.last != TagPrevTxHash {
		return [32]byte{}, errors.Errorf("txcodec: U256Data called after %s field", c.last)
	}
	return c.u256Val, nil
}

// HashedByteData returns SHA256 of the current OutputScript, for
// script-hash indexing.
func (c *Cursor) HashedByteData() ([32]byte, error) {
	if c.last != TagOutputScript {
		return [32]byte{}, errors.Errorf("txcodec: HashedByteData called after %s field", c.last)
	}
	return sha256.Sum256(c.bytesVal), nil
}

// PrevTx returns a cheap (offset, length) reference to the transaction the
// cursor just finished walking, valid once the matching End has been
// produced.
func (c *Cursor) PrevTx() (offset, length int) {
	return c.lastTxStart, c.lastTxEnd - c.lastTxStart
}

func (c *Cursor) readFixed(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, errors.Errorf("txcodec: truncated stream, need %d bytes at offset %d", n, c.pos)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *Cursor) readUint32() (uint32, error) {
	b, err := c.readFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) readUint64() (uint64, error) {
	b, err := c.readFixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readVarInt decodes a Bitcoin-style variable length integer directly from
// the buffer, the same discriminant layout as wire.ReadVarInt, without
// wrapping the buffer in an io.Reader.
func (c *Cursor) readVarInt() (uint64, error) {
	disc, err := c.readFixed(1)
	if err != nil {
		return 0, err
	}
	switch disc[0] {
	case 0xff:
		b, err := c.readFixed(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case 0xfe:
		b, err := c.readFixed(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 0xfd:
		b, err := c.readFixed(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	default:
		return uint64(disc[0]), nil
	}
}

// readVarBytes decodes a varint length prefix followed by that many bytes,
// returned as a slice of the underlying buffer (no copy).
func (c *Cursor) readVarBytes() ([]byte, error) {
	n, err := c.readVarInt()
	if err != nil {
		return nil, err
	}
	return c.readFixed(int(n))
}
