package wire

import (
	"bytes"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	rw := NewRecordWriter()
	rw.Bool(100, true)
	rw.Int(101, -42)
	rw.Uint(102, 7)
	rw.String(103, "hello")
	rw.Bytes(104, []byte{1, 2, 3})
	var u [32]byte
	u[0] = 0xff
	rw.U256(105, u)
	encoded := rw.End()

	rr := NewRecordReader(bytes.NewReader(encoded))
	fields, err := rr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(fields) != 6 {
		t.Fatalf("expected 6 fields, got %d", len(fields))
	}

	if fields[0].Tag != 100 || fields[0].Type != TypeBool || !fields[0].Bool {
		t.Errorf("field 0 mismatch: %+v", fields[0])
	}
	if fields[1].Tag != 101 || fields[1].Type != TypeNegativeInt || fields[1].Int != -42 {
		t.Errorf("field 1 mismatch: %+v", fields[1])
	}
	if fields[2].Tag != 102 || fields[2].Int != 7 {
		t.Errorf("field 2 mismatch: %+v", fields[2])
	}
	if fields[3].Tag != 103 || string(fields[3].Bytes) != "hello" {
		t.Errorf("field 3 mismatch: %+v", fields[3])
	}
	if fields[4].Tag != 104 || !bytes.Equal(fields[4].Bytes, []byte{1, 2, 3}) {
		t.Errorf("field 4 mismatch: %+v", fields[4])
	}
	if fields[5].Tag != 105 || fields[5].U256[0] != 0xff {
		t.Errorf("field 5 mismatch: %+v", fields[5])
	}
}

func TestMessageSingleFrameRoundTrip(t *testing.T) {
	msg := &Message{ServiceId: 1, MessageId: 2, RequestId: 99, HasRequestId: true, Body: []byte("small body")}

	frames, err := msg.EncodeFrames()
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	re := NewReassembler()
	got, complete, err := re.Feed(frames[0])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !complete {
		t.Fatalf("expected single frame to complete immediately")
	}
	if got.ServiceId != 1 || got.MessageId != 2 || !got.HasRequestId || got.RequestId != 99 {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Body, msg.Body) {
		t.Errorf("body mismatch: got %q want %q", got.Body, msg.Body)
	}
}

func TestMessageChunkedRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0xab}, MaxChunkBodySize*2+123)
	msg := &Message{ServiceId: 5, MessageId: 6, Body: body}

	frames, err := msg.EncodeFrames()
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(frames))
	}

	re := NewReassembler()
	var got *Message
	for i, frame := range frames {
		var complete bool
		got, complete, err = re.Feed(frame)
		if err != nil {
			t.Fatalf("Feed chunk %d: %v", i, err)
		}
		if i < len(frames)-1 && complete {
			t.Fatalf("chunk %d should not complete the message", i)
		}
	}
	if got == nil {
		t.Fatal("expected completed message after final chunk")
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("reassembled body length %d, want %d", len(got.Body), len(body))
	}
}

func TestLegacyEnvelopeRoundTrip(t *testing.T) {
	env := &LegacyEnvelope{Magic: 0xd9b4bef9, Command: "tx", Payload: []byte("payload bytes")}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeLegacyEnvelope(bytes.NewReader(encoded), 0xd9b4bef9)
	if err != nil {
		t.Fatalf("DecodeLegacyEnvelope: %v", err)
	}
	if decoded.Command != "tx" {
		t.Errorf("command = %q, want %q", decoded.Command, "tx")
	}
	if !bytes.Equal(decoded.Payload, env.Payload) {
		t.Errorf("payload mismatch: got %q want %q", decoded.Payload, env.Payload)
	}
}

func TestLegacyEnvelopeWrongMagic(t *testing.T) {
	env := &LegacyEnvelope{Magic: 1, Command: "ping", Payload: nil}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeLegacyEnvelope(bytes.NewReader(encoded), 2); err == nil {
		t.Fatal("expected magic mismatch error")
	}
}
