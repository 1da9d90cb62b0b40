package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// LegacyChecksumSize is the width, in bytes, of a legacy envelope's
// truncated double-SHA256 checksum.
const LegacyChecksumSize = 4

// LegacyHeaderSize is the combined width of a legacy envelope's magic,
// command, length, and checksum fields, excluding the body.
const LegacyHeaderSize = 4 + CommandSize + 4 + LegacyChecksumSize

// LegacyEnvelope frames a body the way pre-tagged-record peers expect:
// a 4-byte network magic, a fixed 12-byte zero-padded command name, a
// 4-byte little-endian body length, and a 4-byte truncated double-SHA256
// checksum of the body, followed by the body itself.
type LegacyEnvelope struct {
	Magic    uint32
	Command  string
	Payload  []byte
}

func legacyChecksum(payload []byte) [LegacyChecksumSize]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var out [LegacyChecksumSize]byte
	copy(out[:], second[:LegacyChecksumSize])
	return out
}

// Encode renders the envelope to its wire form.
func (e *LegacyEnvelope) Encode() ([]byte, error) {
	if len(e.Command) > CommandSize {
		return nil, errors.Errorf("legacy command %q longer than %d bytes", e.Command, CommandSize)
	}
	if len(e.Payload) > MaxMessagePayload {
		return nil, errors.Errorf("legacy payload of %d bytes exceeds MaxMessagePayload", len(e.Payload))
	}

	buf := bytes.NewBuffer(make([]byte, 0, LegacyHeaderSize+len(e.Payload)))

	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], e.Magic)
	buf.Write(magic[:])

	var command [CommandSize]byte
	copy(command[:], e.Command)
	buf.Write(command[:])

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(e.Payload)))
	buf.Write(length[:])

	checksum := legacyChecksum(e.Payload)
	buf.Write(checksum[:])

	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// DecodeLegacyEnvelope reads one envelope from r, verifying that magic
// matches wantMagic and that the payload checksum is correct.
func DecodeLegacyEnvelope(r io.Reader, wantMagic uint32) (*LegacyEnvelope, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	gotMagic := binary.LittleEndian.Uint32(magic[:])
	if gotMagic != wantMagic {
		return nil, errors.Errorf("legacy envelope magic %x does not match expected %x", gotMagic, wantMagic)
	}

	var command [CommandSize]byte
	if _, err := io.ReadFull(r, command[:]); err != nil {
		return nil, err
	}

	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	payloadLen := binary.LittleEndian.Uint32(length[:])
	if uint64(payloadLen) > MaxMessagePayload {
		return nil, errors.Errorf("legacy envelope declares payload of %d bytes, over MaxMessagePayload", payloadLen)
	}

	var wantChecksum [LegacyChecksumSize]byte
	if _, err := io.ReadFull(r, wantChecksum[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	gotChecksum := legacyChecksum(payload)
	if gotChecksum != wantChecksum {
		return nil, errors.New("legacy envelope checksum mismatch")
	}

	return &LegacyEnvelope{
		Magic:   gotMagic,
		Command: commandString(command),
		Payload: payload,
	}, nil
}

func commandString(raw [CommandSize]byte) string {
	n := bytes.IndexByte(raw[:], 0)
	if n == -1 {
		n = CommandSize
	}
	return string(raw[:n])
}
