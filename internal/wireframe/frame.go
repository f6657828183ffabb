package wireframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("wireframe: invalid frame")

	// ErrVersionMismatch is returned when a frame's version byte does not
	// match ProtocolVersion.
	ErrVersionMismatch = errors.New("wireframe: protocol version mismatch")
)

// Header is the fixed 28-byte frame header.
type Header struct {
	Version      uint8
	Type         uint8
	Flags        uint8
	ConnectionID uint64
	Sequence     uint64
	StreamID     uint32
	Offset       uint32
}

// Frame is the unit of wire exchange before AEAD encryption is applied:
// a header plus an opaque body (which, on the wire, is
// encrypted-body‖tag). Encode/Decode here only handle the header and
// treat Body as opaque bytes — encryption is the session layer's job.
type Frame struct {
	Header
	Body []byte
}

// EncodeHeader serializes h into a fresh HeaderSize-byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = h.Type
	buf[2] = h.Flags
	buf[3] = 0 // reserved
	binary.BigEndian.PutUint64(buf[4:12], h.ConnectionID)
	binary.BigEndian.PutUint64(buf[12:20], h.Sequence)
	binary.BigEndian.PutUint32(buf[20:24], h.StreamID)
	binary.BigEndian.PutUint32(buf[24:28], h.Offset)
	return buf
}

// DecodeHeader parses the fixed header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short (%d bytes)", ErrInvalidFrame, len(buf))
	}
	h := Header{
		Version:      buf[0],
		Type:         buf[1],
		Flags:        buf[2],
		ConnectionID: binary.BigEndian.Uint64(buf[4:12]),
		Sequence:     binary.BigEndian.Uint64(buf[12:20]),
		StreamID:     binary.BigEndian.Uint32(buf[20:24]),
		Offset:       binary.BigEndian.Uint32(buf[24:28]),
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}
	return h, nil
}

// Encode serializes the frame's header followed by its (already
// encrypted, tag-appended) body.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Body))
	copy(buf, EncodeHeader(f.Header))
	copy(buf[HeaderSize:], f.Body)
	return buf
}

// Decode parses a full datagram into header + opaque body.
func Decode(buf []byte) (*Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	body := make([]byte, len(buf)-HeaderSize)
	copy(body, buf[HeaderSize:])
	return &Frame{Header: h, Body: body}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, CID=%d, Seq=%d, Stream=%d, Offset=%d, BodyLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.ConnectionID, f.Sequence, f.StreamID, f.Offset, len(f.Body))
}
