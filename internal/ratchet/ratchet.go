// Package ratchet implements WRAITH's forward-secret key schedule: the
// post-handshake key derivation, the per-direction symmetric ratchet,
// the Diffie-Hellman ratchet step driven by Rekey frames, replay
// protection, and bounded skipped-key handling for reordered frames.
//
// The design generalizes ericlagergren/dr's asynchronous Double Ratchet
// (per-message DH step, header-carried public keys) to WRAITH's
// counter-based symmetric ratchet where a DH step only happens on an
// explicit Rekey frame rather than on every message.
package ratchet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shranto27/wraith/internal/cryptocore"
)

// Role distinguishes which side of a session a Ratchet represents; it
// determines the send/recv chain assignment so that one side's send
// chain always matches the other's receive chain.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

const (
	// maxSkippedKeys bounds the per-direction skipped-key map.
	maxSkippedKeys = 64

	// rekeyWarnThreshold triggers a mandatory rekey as the counter nears exhaustion.
	rekeyWarnThreshold uint64 = 1 << 60

	// forceCloseThreshold forces session close if rekey hasn't completed by here.
	forceCloseThreshold uint64 = 1 << 63
)

var (
	// ErrReplayDetected is returned when a counter has already been accepted.
	ErrReplayDetected = errors.New("ratchet: replay detected")

	// ErrNonceExhausted is returned once a direction's counter reaches
	// forceCloseThreshold without a completed rekey.
	ErrNonceExhausted = errors.New("ratchet: nonce counter exhausted, close required")

	// ErrTooManySkipped is returned when a gap would require storing more
	// than maxSkippedKeys message keys.
	ErrTooManySkipped = errors.New("ratchet: too many skipped messages")

	// ErrCommitmentMismatch is returned when a handshake key commitment
	// does not match the locally derived key.
	ErrCommitmentMismatch = errors.New("ratchet: key commitment mismatch")
)

// chain is one direction's forward-secret symmetric ratchet state.
type chain struct {
	key     cryptocore.Key // current chain key
	salt    [16]byte       // sender_salt, derived once per direction per epoch
	counter uint64         // next counter to use/expect
}

// Schedule is the output of the post-handshake key derivation: a root
// key plus the two per-direction chains, assigned so that an
// initiator's send chain is its peer's recv chain.
type Schedule struct {
	Root cryptocore.Key
	Send chain
	Recv chain
}

// DeriveSchedule computes the initial key schedule from the handshake
// transcript hash and DH shared secret:
//
//	root = KDF("wraith-root", ss‖h)
//	initiator's send chain = KDF("wraith-keys", root)
//	responder's send chain = KDF("wraith-keys-peer", root)
func DeriveSchedule(role Role, sharedSecret cryptocore.Key, transcriptHash [32]byte) *Schedule {
	ikm := make([]byte, 0, cryptocore.KeySize+len(transcriptHash))
	ikm = append(ikm, sharedSecret[:]...)
	ikm = append(ikm, transcriptHash[:]...)
	root := cryptocore.KDF32("wraith-root", ikm)

	initChain := cryptocore.KDF32("wraith-keys", root[:])
	respChain := cryptocore.KDF32("wraith-keys-peer", root[:])

	s := &Schedule{Root: root}
	switch role {
	case RoleInitiator:
		s.Send = chain{key: initChain, salt: deriveSalt(root, "send")}
		s.Recv = chain{key: respChain, salt: deriveSalt(root, "recv")}
	default:
		s.Send = chain{key: respChain, salt: deriveSalt(root, "recv")}
		s.Recv = chain{key: initChain, salt: deriveSalt(root, "send")}
	}
	return s
}

func deriveSalt(root cryptocore.Key, label string) (salt [16]byte) {
	copy(salt[:], cryptocore.KDF("wraith-salt-"+label, root[:], 16))
	return salt
}

// Ratchet wraps a Schedule with replay protection, skipped-key recovery,
// and the DH ratchet step. It is safe for concurrent use.
type Ratchet struct {
	mu sync.Mutex

	role     Role
	schedule *Schedule

	recvWindow *ReplayWindow
	skipped    map[uint64]cryptocore.Key // recv counter -> message key

	sendFailures int // consecutive decrypt failures on this session (no Ratchet method updates it; the session layer keeps its own count)
}

// New creates a Ratchet from an initial key schedule.
func New(role Role, schedule *Schedule) *Ratchet {
	return &Ratchet{
		role:       role,
		schedule:   schedule,
		recvWindow: NewReplayWindow(),
		skipped:    make(map[uint64]cryptocore.Key),
	}
}

// NextSendKey advances the send chain and returns the message key,
// nonce, and counter to use for the next outgoing frame.
//
//	message_key = KDF("msg", chain_key ‖ counter)
//	chain_key  <- KDF("chain", chain_key)
func (r *Ratchet) NextSendKey() (key cryptocore.Key, nonce cryptocore.Nonce, counter uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter = r.schedule.Send.counter
	if counter >= forceCloseThreshold {
		return cryptocore.Key{}, cryptocore.Nonce{}, 0, ErrNonceExhausted
	}

	key = messageKey(r.schedule.Send.key, counter)
	nonce = buildNonce(r.schedule.Send.salt, counter)
	r.schedule.Send.key = advanceChain(r.schedule.Send.key)
	r.schedule.Send.counter++
	return key, nonce, counter, nil
}

// SendCounter returns the next send counter without advancing state.
func (r *Ratchet) SendCounter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedule.Send.counter
}

// NeedsRekey reports whether the send counter has crossed the
// mandatory-rekey threshold as the counter nears exhaustion.
func (r *Ratchet) NeedsRekey() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedule.Send.counter >= rekeyWarnThreshold
}

// AcceptRecv validates and derives the message key for an incoming frame
// at the given counter, handling replay rejection and skipped-key
// recovery for reordered frames. It does not itself perform AEAD
// decryption — callers decrypt with the returned key/nonce and must call
// CommitRecv only after authentication succeeds.
func (r *Ratchet) AcceptRecv(counter uint64) (key cryptocore.Key, nonce cryptocore.Nonce, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if counter >= forceCloseThreshold {
		return cryptocore.Key{}, cryptocore.Nonce{}, ErrNonceExhausted
	}

	if !r.recvWindow.Check(counter) {
		return cryptocore.Key{}, cryptocore.Nonce{}, ErrReplayDetected
	}

	nonce = buildNonce(r.schedule.Recv.salt, counter)

	if k, ok := r.skipped[counter]; ok {
		return k, nonce, nil
	}

	if counter < r.schedule.Recv.counter {
		// Below our current chain position but not in the skip map and
		// not caught by the replay window (can happen across a fresh
		// window with no prior high water) — treat as replay.
		return cryptocore.Key{}, cryptocore.Nonce{}, ErrReplayDetected
	}

	if counter > r.schedule.Recv.counter {
		if err := r.skipAhead(counter); err != nil {
			return cryptocore.Key{}, cryptocore.Nonce{}, err
		}
	}

	key = messageKey(r.schedule.Recv.key, counter)
	r.schedule.Recv.key = advanceChain(r.schedule.Recv.key)
	r.schedule.Recv.counter = counter + 1
	return key, nonce, nil
}

// CommitRecv records counter as successfully authenticated, advancing
// the replay window and evicting the now-consumed skipped key (if any).
func (r *Ratchet) CommitRecv(counter uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recvWindow.Accept(counter)
	delete(r.skipped, counter)
}

// skipAhead derives and stores message keys for counters in
// [recv.counter, target) so that reordered in-flight frames still
// decrypt, bounded to maxSkippedKeys total.
func (r *Ratchet) skipAhead(target uint64) error {
	n := target - r.schedule.Recv.counter
	if uint64(len(r.skipped))+n > maxSkippedKeys {
		return ErrTooManySkipped
	}
	for c := r.schedule.Recv.counter; c < target; c++ {
		r.skipped[c] = messageKey(r.schedule.Recv.key, c)
		r.schedule.Recv.key = advanceChain(r.schedule.Recv.key)
	}
	r.schedule.Recv.counter = target
	return nil
}

// EvictSkippedBelow zeroises and removes skipped keys whose counter is
// at or below the replay window's low-water mark.
func (r *Ratchet) EvictSkippedBelow(lowWater uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c, k := range r.skipped {
		if c <= lowWater {
			k.Zero()
			delete(r.skipped, c)
		}
	}
}

// DHRatchetStep performs a DH ratchet step in response to a Rekey frame:
// both sides compute ss' = DH(ownEph, peerEph), fold it into the root
// key, and re-derive fresh send/recv chains. The old schedule is
// returned so the caller can retain it briefly for in-flight frames
// before zeroising.
func (r *Ratchet) DHRatchetStep(ownEphPriv, peerEphPub cryptocore.Key) (old *Schedule, err error) {
	ss, err := cryptocore.DH(ownEphPriv, peerEphPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: dh step: %w", err)
	}
	defer ss.Zero()

	r.mu.Lock()
	defer r.mu.Unlock()

	old = r.schedule

	ikm := make([]byte, 0, 2*cryptocore.KeySize)
	ikm = append(ikm, old.Root[:]...)
	ikm = append(ikm, ss[:]...)
	newRoot := cryptocore.KDF32("rekey", ikm)

	fresh := DeriveSchedule(r.role, newRoot, [32]byte(newRoot))
	// Re-key using newRoot as both the "shared secret" and transcript
	// input is intentional: after the initial handshake there is no
	// separate transcript hash to mix in, so the rekey-folded root
	// alone seeds the next epoch's chains.
	fresh.Root = newRoot

	r.schedule = fresh
	r.recvWindow = NewReplayWindow()
	r.skipped = make(map[uint64]cryptocore.Key)

	return old, nil
}

// Zero wipes all key material reachable from the ratchet.
func (r *Ratchet) Zero() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedule.Root.Zero()
	r.schedule.Send.key.Zero()
	r.schedule.Recv.key.Zero()
	for c, k := range r.skipped {
		k.Zero()
		delete(r.skipped, c)
	}
}

func messageKey(chainKey cryptocore.Key, counter uint64) cryptocore.Key {
	buf := make([]byte, cryptocore.KeySize+8)
	copy(buf, chainKey[:])
	putUint64(buf[cryptocore.KeySize:], counter)
	return cryptocore.KDF32("msg", buf)
}

func advanceChain(chainKey cryptocore.Key) cryptocore.Key {
	return cryptocore.KDF32("chain", chainKey[:])
}

func buildNonce(salt [16]byte, counter uint64) cryptocore.Nonce {
	var n cryptocore.Nonce
	copy(n[:16], salt[:])
	putUint64(n[16:], counter)
	return n
}

func putUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}
