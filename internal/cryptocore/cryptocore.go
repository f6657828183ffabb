// Package cryptocore provides the cryptographic primitives WRAITH builds
// its session and ratchet layers on: an AEAD, X25519 key agreement,
// Ed25519 signatures, a BLAKE3-based hash/KDF, constant-time comparison,
// and key zeroisation.
package cryptocore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

const (
	// KeySize is the size in bytes of AEAD keys, X25519 keys, and BLAKE3 digests.
	KeySize = 32

	// NonceSize is the size in bytes of the XChaCha20-Poly1305 nonce.
	NonceSize = 24

	// TagSize is the size in bytes of the Poly1305 authentication tag.
	TagSize = 16

	// MaxPlaintextSize bounds the plaintext a single frame body may carry.
	// Chosen so that ciphertext+tag never exceeds a jumbo frame's body.
	MaxPlaintextSize = 65535 - TagSize
)

var (
	// ErrPlaintextTooLarge is returned by Encrypt when pt would overflow the
	// maximum allowed frame body.
	ErrPlaintextTooLarge = errors.New("cryptocore: plaintext exceeds maximum frame body size")

	// ErrDecryptFailed is returned by Decrypt on any authentication failure
	// or malformed input. It never distinguishes *why* decryption failed.
	ErrDecryptFailed = errors.New("cryptocore: decryption failed")

	// ErrLowOrderPoint is returned by X25519 when the computed shared
	// secret is the all-zero low-order point.
	ErrLowOrderPoint = errors.New("cryptocore: low-order DH result")

	// ErrInvalidPublicKey is returned when a peer's public key is the
	// all-zero point.
	ErrInvalidPublicKey = errors.New("cryptocore: invalid public key")
)

// Key is a 32-byte symmetric key.
type Key [KeySize]byte

// Nonce is a 24-byte XChaCha20-Poly1305 nonce.
type Nonce [NonceSize]byte

// Encrypt seals pt under key/nonce, authenticating aad, and returns
// ciphertext‖tag. It never fails on well-formed inputs except when pt
// would overflow MaxPlaintextSize.
func Encrypt(key Key, nonce Nonce, aad, pt []byte) ([]byte, error) {
	if len(pt) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: construct aead: %w", err)
	}
	return aead.Seal(nil, nonce[:], pt, aad), nil
}

// Decrypt opens ct (ciphertext‖tag) under key/nonce, authenticating aad.
// It returns ErrDecryptFailed iff authentication fails or the input is
// malformed; no partial plaintext is ever returned.
func Decrypt(key Key, nonce Nonce, aad, ct []byte) ([]byte, error) {
	if len(ct) < TagSize {
		return nil, ErrDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, nonce[:], ct, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// GenerateX25519Keypair generates a new X25519 private/public keypair,
// clamping the private scalar per RFC 7748.
func GenerateX25519Keypair(rnd io.Reader) (priv, pub Key, err error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if _, err = io.ReadFull(rnd, priv[:]); err != nil {
		return Key{}, Key{}, fmt.Errorf("cryptocore: generate private key: %w", err)
	}
	ClampScalar(&priv)

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, Key{}, fmt.Errorf("cryptocore: derive public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// ClampScalar applies the RFC 7748 scalar-clamping rules to k in place.
// This is a protocol requirement for static and ephemeral X25519 keys;
// raw, unclamped scalar test vectors will not round-trip through this
// package without explicit bypass (there is none).
func ClampScalar(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DH computes the X25519 shared secret between priv and peerPub,
// rejecting the all-zero low-order result.
func DH(priv, peerPub Key) (Key, error) {
	var zero Key
	if subtleEqual(peerPub[:], zero[:]) {
		return Key{}, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return Key{}, fmt.Errorf("cryptocore: x25519: %w", err)
	}
	var out Key
	copy(out[:], shared)
	if subtleEqual(out[:], zero[:]) {
		return Key{}, ErrLowOrderPoint
	}
	return out, nil
}

// SigningKeypair is a long-term Ed25519 identity keypair.
type SigningKeypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeypair generates a new Ed25519 signing keypair.
func GenerateSigningKeypair(rnd io.Reader) (*SigningKeypair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate signing key: %w", err)
	}
	return &SigningKeypair{Public: pub, Private: priv}, nil
}

// Sign signs msg with the keypair's private key.
func (k *SigningKeypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// Hash returns the 32-byte BLAKE3 hash of data.
func Hash(data []byte) [KeySize]byte {
	return blake3.Sum256(data)
}

// KDF derives a deterministic outLen-byte key from (context, ikm) using
// BLAKE3 keyed by a hash of context. Identical (context, ikm) always
// yields identical output.
func KDF(context string, ikm []byte, outLen int) []byte {
	ctxKey := blake3.Sum256([]byte(context))
	h := blake3.New(outLen, ctxKey[:])
	h.Write(ikm)
	return h.Sum(nil)
}

// KDF32 is KDF specialized to the common 32-byte output case.
func KDF32(context string, ikm []byte) Key {
	var out Key
	copy(out[:], KDF(context, ikm, KeySize))
	return out
}

// Commitment computes the key-commitment tag BLAKE3(key ‖ "commit") used
// to defeat attacker-controlled multi-recipient key collisions during
// the handshake.
func Commitment(key Key) [KeySize]byte {
	buf := make([]byte, 0, KeySize+len("commit"))
	buf = append(buf, key[:]...)
	buf = append(buf, "commit"...)
	return blake3.Sum256(buf)
}

// ConstantTimeEqual reports whether a and b are equal using a
// constant-time comparison. Unequal lengths compare as unequal.
func ConstantTimeEqual(a, b []byte) bool {
	return subtleEqual(a, b)
}

func subtleEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites k's contents with zeroes.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// ZeroBytes overwrites b's contents with zeroes in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
