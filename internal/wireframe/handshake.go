package wireframe

import (
	"encoding/binary"
	"fmt"
)

// EphemeralKeySize is the size of an X25519 public key as carried in
// handshake frames.
const EphemeralKeySize = 32

// Phase1Body is the Init→Resp handshake message: the initiator's
// ephemeral public key, sent entirely unencrypted.
type Phase1Body struct {
	EphemeralPub [EphemeralKeySize]byte
}

// Encode serializes the phase-1 body.
func (b *Phase1Body) Encode() []byte {
	out := make([]byte, EphemeralKeySize)
	copy(out, b.EphemeralPub[:])
	return out
}

// DecodePhase1Body parses a phase-1 body.
func DecodePhase1Body(buf []byte) (*Phase1Body, error) {
	if len(buf) < EphemeralKeySize {
		return nil, fmt.Errorf("%w: phase1 body too short", ErrInvalidFrame)
	}
	b := &Phase1Body{}
	copy(b.EphemeralPub[:], buf[:EphemeralKeySize])
	return b, nil
}

// EncryptedHandshakeBody is the common shape of phase-2 and phase-3
// messages: an optional cleartext ephemeral public key prefix (present
// in phase 2, absent in phase 3 since no new ephemeral is introduced)
// followed by an AEAD-encrypted payload (ciphertext‖tag).
type EncryptedHandshakeBody struct {
	HasEphemeral bool
	EphemeralPub [EphemeralKeySize]byte
	Ciphertext   []byte
}

// Encode serializes the body as [hasEph(1)][ephPub(32) if present][ciphertext].
func (b *EncryptedHandshakeBody) Encode() []byte {
	hdr := 1
	if b.HasEphemeral {
		hdr += EphemeralKeySize
	}
	out := make([]byte, hdr+len(b.Ciphertext))
	if b.HasEphemeral {
		out[0] = 1
		copy(out[1:1+EphemeralKeySize], b.EphemeralPub[:])
		copy(out[1+EphemeralKeySize:], b.Ciphertext)
	} else {
		out[0] = 0
		copy(out[1:], b.Ciphertext)
	}
	return out
}

// DecodeEncryptedHandshakeBody parses a phase-2/phase-3 body.
func DecodeEncryptedHandshakeBody(buf []byte) (*EncryptedHandshakeBody, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: handshake body too short", ErrInvalidFrame)
	}
	b := &EncryptedHandshakeBody{HasEphemeral: buf[0] == 1}
	rest := buf[1:]
	if b.HasEphemeral {
		if len(rest) < EphemeralKeySize {
			return nil, fmt.Errorf("%w: handshake body missing ephemeral key", ErrInvalidFrame)
		}
		copy(b.EphemeralPub[:], rest[:EphemeralKeySize])
		rest = rest[EphemeralKeySize:]
	}
	b.Ciphertext = append([]byte(nil), rest...)
	return b, nil
}

// HandshakeInner is the plaintext carried inside a phase-2 or phase-3
// encrypted payload: the sender's static public key plus the key
// commitment used to defeat attacker-controlled multi-recipient key
// collisions.
type HandshakeInner struct {
	StaticPub  [EphemeralKeySize]byte
	Commitment [32]byte
}

// Encode serializes the inner handshake plaintext.
func (in *HandshakeInner) Encode() []byte {
	out := make([]byte, EphemeralKeySize+32)
	copy(out[:EphemeralKeySize], in.StaticPub[:])
	copy(out[EphemeralKeySize:], in.Commitment[:])
	return out
}

// DecodeHandshakeInner parses the inner handshake plaintext.
func DecodeHandshakeInner(buf []byte) (*HandshakeInner, error) {
	if len(buf) < EphemeralKeySize+32 {
		return nil, fmt.Errorf("%w: handshake inner too short", ErrInvalidFrame)
	}
	in := &HandshakeInner{}
	copy(in.StaticPub[:], buf[:EphemeralKeySize])
	copy(in.Commitment[:], buf[EphemeralKeySize:EphemeralKeySize+32])
	return in, nil
}

// PathChallengeBody carries 8 bytes of random for connection migration
// validation.
type PathChallengeBody struct {
	Data [8]byte
}

func (b *PathChallengeBody) Encode() []byte {
	out := make([]byte, 8)
	copy(out, b.Data[:])
	return out
}

func DecodePathChallengeBody(buf []byte) (*PathChallengeBody, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: path challenge body too short", ErrInvalidFrame)
	}
	b := &PathChallengeBody{}
	copy(b.Data[:], buf[:8])
	return b, nil
}

// CloseBody carries a numeric close reason.
type CloseBody struct {
	Reason CloseReason
}

func (b *CloseBody) Encode() []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(b.Reason))
	return out
}

func DecodeCloseBody(buf []byte) (*CloseBody, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: close body too short", ErrInvalidFrame)
	}
	return &CloseBody{Reason: CloseReason(binary.BigEndian.Uint16(buf))}, nil
}
