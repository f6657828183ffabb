// Package wireframe defines WRAITH's wire format: the fixed 28-byte
// frame header, frame types, flags, and the handshake/control payload
// encodings carried inside the encrypted frame body.
package wireframe

// Frame type constants.
const (
	TypeData            uint8 = 0x01
	TypeAck             uint8 = 0x02
	TypePing            uint8 = 0x03
	TypePong            uint8 = 0x04
	TypeStreamOpen      uint8 = 0x05
	TypeStreamClose     uint8 = 0x06
	TypeHandshakePhase1 uint8 = 0x07
	TypeHandshakePhase2 uint8 = 0x08
	TypeHandshakePhase3 uint8 = 0x09
	TypeRekey           uint8 = 0x0A
	TypePathChallenge   uint8 = 0x0B
	TypePathResponse    uint8 = 0x0C
	TypeClose           uint8 = 0x0D
)

// Flags encode end-of-stream, padding-only, and probe-only frames.
const (
	FlagEndOfStream uint8 = 0x01
	FlagPaddingOnly uint8 = 0x02
	FlagProbe       uint8 = 0x04
)

// ProtocolVersion is the current wire version.
const ProtocolVersion uint8 = 1

// HeaderSize is the fixed frame header size in bytes:
// version(1) | type(1) | flags(1) | reserved(1) | connection_id(8) |
// sequence(8) | stream_id(4) | offset(4).
const HeaderSize = 28

// TagSize is the AEAD authentication tag appended after the encrypted body.
const TagSize = 16

// CloseReason enumerates the numeric reason codes carried in a Close
// frame, so a remote Close is self-describing rather than an opaque byte.
type CloseReason uint16

const (
	CloseNormal CloseReason = iota
	CloseIdleTimeout
	CloseDecryptFailures
	CloseHandshakeFailed
	CloseNonceExhausted
	CloseMigrationFailed
	CloseProtocolViolation
	CloseResourceLimit
)

// FrameTypeName returns a human-readable name for a frame type, for
// logging and debugging.
func FrameTypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeStreamOpen:
		return "STREAM_OPEN"
	case TypeStreamClose:
		return "STREAM_CLOSE"
	case TypeHandshakePhase1:
		return "HANDSHAKE_PHASE1"
	case TypeHandshakePhase2:
		return "HANDSHAKE_PHASE2"
	case TypeHandshakePhase3:
		return "HANDSHAKE_PHASE3"
	case TypeRekey:
		return "REKEY"
	case TypePathChallenge:
		return "PATH_CHALLENGE"
	case TypePathResponse:
		return "PATH_RESPONSE"
	case TypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// IsHandshakeFrame reports whether t is one of the three handshake phases.
func IsHandshakeFrame(t uint8) bool {
	return t == TypeHandshakePhase1 || t == TypeHandshakePhase2 || t == TypeHandshakePhase3
}
