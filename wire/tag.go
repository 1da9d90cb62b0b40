package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// FieldType is the 3-bit value type tag inlined into every field header.
type FieldType uint8

// Field value types. Only 6 of the 8 values representable in 3 bits are
// used; the remainder are reserved for future record kinds.
const (
	TypeBool FieldType = iota
	TypePositiveInt
	TypeNegativeInt
	TypeString
	TypeByteArray
	TypeU256
)

// Tag identifies a field within a tagged record. Tag numbers 0 through 10
// are reserved for the envelope header fields defined in this package;
// component packages (utxo, apidispatcher, subscription, ...) define their
// own tags starting above that range.
type Tag uint32

// Reserved header tags.
const (
	// TagEnd terminates a tagged record. It carries no type bits or value
	// and is written as a bare zero byte.
	TagEnd Tag = 0

	// TagServiceId identifies the API service a message belongs to.
	TagServiceId Tag = 1

	// TagMessageId identifies the message kind within a service.
	TagMessageId Tag = 2

	// TagRequestId correlates a reply with the request that caused it.
	TagRequestId Tag = 3

	// TagSequenceStart marks the first chunk of a split message and
	// carries the total, unchunked body size.
	TagSequenceStart Tag = 4

	// TagLastInSequence marks the final chunk of a split message.
	TagLastInSequence Tag = 5
)

const maxReservedTag = Tag(10)

// fieldHeader packs a tag and its value type into a single varint, tag in
// the high bits and type in the low 3 bits, mirroring how common.go already
// varint-encodes lengths elsewhere in this package.
func fieldHeader(tag Tag, typ FieldType) uint64 {
	return (uint64(tag) << 3) | uint64(typ&0x7)
}

func splitFieldHeader(v uint64) (Tag, FieldType) {
	return Tag(v >> 3), FieldType(v & 0x7)
}

// RecordWriter builds a sequence of tagged fields, terminated by an
// explicit call to End.
type RecordWriter struct {
	buf bytes.Buffer
}

// NewRecordWriter returns an empty RecordWriter.
func NewRecordWriter() *RecordWriter {
	return &RecordWriter{}
}

// NewRecordWriterFrom wraps an existing byte slice, typically drawn from a
// BufferPool, as a RecordWriter's backing storage, reused at length 0.
func NewRecordWriterFrom(buf []byte) *RecordWriter {
	rw := &RecordWriter{}
	rw.buf = *bytes.NewBuffer(buf[:0])
	return rw
}

// Reset clears rw so it can be reused for a new record.
func (rw *RecordWriter) Reset() { rw.buf.Reset() }

// Grow ensures rw has room for at least n more bytes without reallocating,
// the pre-sizing Direct parsers use ahead of building a reply.
func (rw *RecordWriter) Grow(n int) { rw.buf.Grow(n) }

// Bool appends a boolean field.
func (rw *RecordWriter) Bool(tag Tag, v bool) {
	WriteVarInt(&rw.buf, fieldHeader(tag, TypeBool))
	if v {
		rw.buf.WriteByte(1)
	} else {
		rw.buf.WriteByte(0)
	}
}

// Int appends a signed integer field, choosing the positive or negative
// wire type based on sign.
func (rw *RecordWriter) Int(tag Tag, v int64) {
	if v < 0 {
		WriteVarInt(&rw.buf, fieldHeader(tag, TypeNegativeInt))
		WriteVarInt(&rw.buf, uint64(-v))
		return
	}
	WriteVarInt(&rw.buf, fieldHeader(tag, TypePositiveInt))
	WriteVarInt(&rw.buf, uint64(v))
}

// Uint appends an unsigned integer field.
func (rw *RecordWriter) Uint(tag Tag, v uint64) {
	WriteVarInt(&rw.buf, fieldHeader(tag, TypePositiveInt))
	WriteVarInt(&rw.buf, v)
}

// String appends a string field.
func (rw *RecordWriter) String(tag Tag, v string) {
	WriteVarInt(&rw.buf, fieldHeader(tag, TypeString))
	WriteVarBytes(&rw.buf, []byte(v))
}

// Bytes appends a byte-array field.
func (rw *RecordWriter) Bytes(tag Tag, v []byte) {
	WriteVarInt(&rw.buf, fieldHeader(tag, TypeByteArray))
	WriteVarBytes(&rw.buf, v)
}

// U256 appends a fixed 32-byte field (txids, block hashes).
func (rw *RecordWriter) U256(tag Tag, v [32]byte) {
	WriteVarInt(&rw.buf, fieldHeader(tag, TypeU256))
	rw.buf.Write(v[:])
}

// End writes the terminating field and returns the accumulated bytes.
func (rw *RecordWriter) End() []byte {
	rw.buf.WriteByte(0)
	return rw.buf.Bytes()
}

// Field is a single decoded tagged field.
type Field struct {
	Tag   Tag
	Type  FieldType
	Bool  bool
	Int   int64
	Bytes []byte
	U256  [32]byte
}

// RecordReader decodes a tagged field sequence written by RecordWriter.
type RecordReader struct {
	r io.Reader
}

// NewRecordReader wraps r for tagged-field decoding.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: r}
}

// Next reads the next field. It returns ok=false once TagEnd is reached.
func (rr *RecordReader) Next() (f Field, ok bool, err error) {
	header, err := ReadVarInt(rr.r)
	if err != nil {
		return Field{}, false, err
	}
	if header == 0 {
		return Field{}, false, nil
	}

	tag, typ := splitFieldHeader(header)
	f.Tag, f.Type = tag, typ

	switch typ {
	case TypeBool:
		var b [1]byte
		if _, err := io.ReadFull(rr.r, b[:]); err != nil {
			return Field{}, false, err
		}
		f.Bool = b[0] != 0

	case TypePositiveInt:
		v, err := ReadVarInt(rr.r)
		if err != nil {
			return Field{}, false, err
		}
		f.Int = int64(v)

	case TypeNegativeInt:
		v, err := ReadVarInt(rr.r)
		if err != nil {
			return Field{}, false, err
		}
		f.Int = -int64(v)

	case TypeString, TypeByteArray:
		b, err := ReadVarBytes(rr.r, MaxMessagePayload, "tagged field")
		if err != nil {
			return Field{}, false, err
		}
		f.Bytes = b

	case TypeU256:
		if _, err := io.ReadFull(rr.r, f.U256[:]); err != nil {
			return Field{}, false, err
		}

	default:
		return Field{}, false, errors.Errorf("unknown field type %d for tag %d", typ, tag)
	}

	return f, true, nil
}

// ReadAll decodes every field up to and including TagEnd.
func (rr *RecordReader) ReadAll() ([]Field, error) {
	var fields []Field
	for {
		f, ok, err := rr.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return fields, nil
		}
		fields = append(fields, f)
	}
}
