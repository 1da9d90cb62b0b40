// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize is the largest a single wire frame (2-byte length header plus
// tagged header fields plus body) may be.
const MaxFrameSize = 9000

// MaxChunkBodySize is the largest body a single chunk of a split message may
// carry. Messages whose body exceeds this are split across several frames.
const MaxChunkBodySize = 8000

// frameHeaderSize is the width of the length-plus-flag prefix on every frame.
const frameHeaderSize = 2

// Message is a single application-level request or reply exchanged with an
// API client: a service/message identifier pair, an optional request
// correlation id, and an opaque body whose shape is defined by the service
// itself (see apidispatcher and parserkit).
type Message struct {
	ServiceId    int32
	MessageId    int32
	RequestId    int64
	HasRequestId bool
	Body         []byte
}

// EncodeFrames serializes m into one or more wire frames. A body that fits
// within MaxChunkBodySize is sent as a single frame; a larger body is split,
// with the first chunk carrying TagSequenceStart (the total body size) and
// the last chunk carrying TagLastInSequence.
func (m *Message) EncodeFrames() ([][]byte, error) {
	if len(m.Body) <= MaxChunkBodySize {
		return m.encodeSingleFrame()
	}
	return m.encodeChunkedFrames()
}

func (m *Message) encodeSingleFrame() ([][]byte, error) {
	rw := NewRecordWriter()
	rw.Int(TagServiceId, int64(m.ServiceId))
	rw.Int(TagMessageId, int64(m.MessageId))
	if m.HasRequestId {
		rw.Int(TagRequestId, m.RequestId)
	}
	header := rw.End()

	frame, err := assembleFrame(header, m.Body)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (m *Message) encodeChunkedFrames() ([][]byte, error) {
	total := len(m.Body)
	var frames [][]byte
	offset := 0
	first := true
	for offset < total {
		end := offset + MaxChunkBodySize
		last := false
		if end >= total {
			end = total
			last = true
		}
		chunkBody := m.Body[offset:end]

		rw := NewRecordWriter()
		rw.Int(TagServiceId, int64(m.ServiceId))
		rw.Int(TagMessageId, int64(m.MessageId))
		if m.HasRequestId {
			rw.Int(TagRequestId, m.RequestId)
		}
		if first {
			rw.Uint(TagSequenceStart, uint64(total))
		}
		if last {
			rw.Bool(TagLastInSequence, true)
		}
		header := rw.End()

		frame, err := assembleFrame(header, chunkBody)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)

		offset = end
		first = false
	}
	return frames, nil
}

func assembleFrame(header, body []byte) ([]byte, error) {
	total := frameHeaderSize + len(header) + len(body)
	if total > MaxFrameSize {
		return nil, errors.Errorf("wire: frame of %d bytes exceeds MaxFrameSize %d", total, MaxFrameSize)
	}

	frame := make([]byte, frameHeaderSize, total)
	binary.LittleEndian.PutUint16(frame, uint16(total))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame, nil
}

// FrameLength reads the 2-byte length prefix of a frame that has not yet
// been fully read from the wire, so callers can size their read buffer
// before consuming the rest of it.
func FrameLength(prefix [2]byte) int {
	return int(binary.LittleEndian.Uint16(prefix[:]))
}

// DecodeFrame parses a single complete frame (length prefix included) into
// its header fields and body. It does not reassemble chunked messages; see
// Reassembler for that.
func DecodeFrame(frame []byte) (header []Field, body []byte, err error) {
	if len(frame) < frameHeaderSize {
		return nil, nil, errors.New("wire: frame shorter than length prefix")
	}
	total := FrameLength([2]byte{frame[0], frame[1]})
	if total != len(frame) {
		return nil, nil, errors.Errorf("wire: frame length prefix says %d, got %d bytes", total, len(frame))
	}

	r := bytes.NewReader(frame[frameHeaderSize:])
	rr := NewRecordReader(r)
	fields, err := rr.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrap(err, "wire: decoding frame header fields")
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil && err != io.EOF {
		return nil, nil, errors.Wrap(err, "wire: reading frame body")
	}
	return fields, rest, nil
}

// fieldsToMessage extracts the reserved header tags from a decoded field
// set into a partially populated Message. Chunk-only tags (SequenceStart,
// LastInSequence) are returned separately for the Reassembler to consume.
func fieldsToMessage(fields []Field) (msg Message, sequenceStart int64, hasSequenceStart bool, last bool) {
	for _, f := range fields {
		switch f.Tag {
		case TagServiceId:
			msg.ServiceId = int32(f.Int)
		case TagMessageId:
			msg.MessageId = int32(f.Int)
		case TagRequestId:
			msg.RequestId = f.Int
			msg.HasRequestId = true
		case TagSequenceStart:
			sequenceStart = f.Int
			hasSequenceStart = true
		case TagLastInSequence:
			last = f.Bool
		}
	}
	return
}

// Reassembler accumulates the chunks of a single split message. It is not
// safe for concurrent use; callers serialize chunk delivery per connection.
type Reassembler struct {
	msg           Message
	haveMsg       bool
	expectedTotal int64
	buf           bytes.Buffer
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed decodes one frame and folds it into the in-progress message. It
// returns the completed Message once the final chunk (or the only chunk,
// for an unsplit message) has been fed.
func (re *Reassembler) Feed(frame []byte) (msg *Message, complete bool, err error) {
	fields, body, err := DecodeFrame(frame)
	if err != nil {
		return nil, false, err
	}

	partial, sequenceStart, hasSequenceStart, last := fieldsToMessage(fields)

	if !re.haveMsg {
		re.msg = partial
		re.haveMsg = true
		if hasSequenceStart {
			re.expectedTotal = sequenceStart
		}
	} else if partial.ServiceId != re.msg.ServiceId || partial.MessageId != re.msg.MessageId {
		return nil, false, errors.New("wire: service/message id changed mid-sequence")
	}

	if re.expectedTotal != 0 && int64(re.buf.Len()+len(body)) > re.expectedTotal {
		return nil, false, errors.Errorf(
			"wire: reassembled body of %d bytes exceeds declared sequence start %d",
			re.buf.Len()+len(body), re.expectedTotal)
	}
	re.buf.Write(body)

	if !last {
		if re.expectedTotal != 0 {
			return nil, false, nil
		}
		re.msg.Body = re.buf.Bytes()
		return &re.msg, true, nil
	}

	if re.expectedTotal != 0 && int64(re.buf.Len()) != re.expectedTotal {
		return nil, false, errors.Errorf(
			"wire: reassembled body is %d bytes, sequence start declared %d",
			re.buf.Len(), re.expectedTotal)
	}
	re.msg.Body = re.buf.Bytes()
	return &re.msg, true, nil
}
