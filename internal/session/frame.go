package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/ratchet"
	"github.com/shranto27/wraith/internal/wireframe"
)

// HandleFrame processes one decoded datagram addressed to this
// session's connection ID. fromAddr is the source address the
// datagram actually arrived from, which may differ from RemoteAddr()
// during connection migration.
func (s *Session) HandleFrame(raw []byte, fromAddr net.Addr) error {
	frame, err := wireframe.Decode(raw)
	if err != nil {
		return err
	}
	s.touch()

	switch frame.Type {
	case wireframe.TypeHandshakePhase1:
		return s.handlePhase1(frame, fromAddr)
	case wireframe.TypeHandshakePhase2:
		return s.handlePhase2(frame)
	case wireframe.TypeHandshakePhase3:
		return s.handlePhase3(frame)
	default:
		return s.handleEstablishedFrame(frame, fromAddr)
	}
}

// handlePhase1 runs on the responder side for a fresh incoming
// handshake. The caller (node layer) is expected to have just created
// this Session via NewResponder with a freshly allocated connection ID.
func (s *Session) handlePhase1(frame *wireframe.Frame, fromAddr net.Addr) error {
	p1, err := wireframe.DecodePhase1Body(frame.Body)
	if err != nil {
		return err
	}

	priv, pub, err := cryptocore.GenerateX25519Keypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("session: generate responder ephemeral: %w", err)
	}

	ee, err := cryptocore.DH(priv, p1.EphemeralPub)
	if err != nil {
		return fmt.Errorf("session: ee dh: %w", err)
	}

	hs := &handshakeState{ownEphPriv: priv, ownEphPub: pub, peerEphPub: p1.EphemeralPub, ee: ee}

	inner := &wireframe.HandshakeInner{
		StaticPub:  s.cfg.Identity.StaticPub,
		Commitment: cryptocore.Commitment(ee),
	}
	var nonce cryptocore.Nonce
	ciphertext, err := cryptocore.Encrypt(hsKey1(ee), nonce, nil, inner.Encode())
	if err != nil {
		return fmt.Errorf("session: phase2 encrypt: %w", err)
	}

	phase2Bytes := (&wireframe.EncryptedHandshakeBody{
		HasEphemeral: true,
		EphemeralPub: pub,
		Ciphertext:   ciphertext,
	}).Encode()

	s.mu.Lock()
	s.remoteAddr = fromAddr
	s.responderHS = hs
	s.mu.Unlock()

	return s.sendHandshakeFrame(wireframe.TypeHandshakePhase2, phase2Bytes)
}

// handlePhase2 runs on the initiator side: decrypt the responder's
// static key under ee, compute es, send Phase3 encrypted under ee‖es.
func (s *Session) handlePhase2(frame *wireframe.Frame) error {
	s.mu.Lock()
	hs := s.dialerHS
	s.mu.Unlock()
	if hs == nil {
		return fmt.Errorf("%w: phase2 with no phase1 state", ErrHandshakeFailed)
	}

	body, err := wireframe.DecodeEncryptedHandshakeBody(frame.Body)
	if err != nil {
		return err
	}
	if !body.HasEphemeral {
		return fmt.Errorf("%w: phase2 missing ephemeral", ErrHandshakeFailed)
	}
	hs.peerEphPub = body.EphemeralPub

	ee, err := cryptocore.DH(hs.ownEphPriv, hs.peerEphPub)
	if err != nil {
		return fmt.Errorf("%w: ee dh: %v", ErrHandshakeFailed, err)
	}
	hs.ee = ee

	var nonce cryptocore.Nonce
	plaintext, err := cryptocore.Decrypt(hsKey1(ee), nonce, nil, body.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: phase2 decrypt: %v", ErrHandshakeFailed, err)
	}
	inner, err := wireframe.DecodeHandshakeInner(plaintext)
	if err != nil {
		return err
	}
	if inner.Commitment != cryptocore.Commitment(ee) {
		return fmt.Errorf("%w: phase2 commitment mismatch", ErrHandshakeFailed)
	}

	if s.cfg.RemoteStatic != (cryptocore.Key{}) && inner.StaticPub != s.cfg.RemoteStatic {
		return ErrPeerIdentityMismatch
	}
	hs.peerStatic = inner.StaticPub

	es, err := cryptocore.DH(hs.ownEphPriv, hs.peerStatic)
	if err != nil {
		return fmt.Errorf("%w: es dh: %v", ErrHandshakeFailed, err)
	}
	hs.es = es

	key2 := hsKey2(ee, es)
	myInner := &wireframe.HandshakeInner{
		StaticPub:  s.cfg.Identity.StaticPub,
		Commitment: cryptocore.Commitment(key2),
	}
	ciphertext, err := cryptocore.Encrypt(key2, nonce, nil, myInner.Encode())
	if err != nil {
		return fmt.Errorf("%w: phase3 encrypt: %v", ErrHandshakeFailed, err)
	}
	phase3Bytes := (&wireframe.EncryptedHandshakeBody{HasEphemeral: false, Ciphertext: ciphertext}).Encode()

	if err := s.sendHandshakeFrame(wireframe.TypeHandshakePhase3, phase3Bytes); err != nil {
		return err
	}

	se, err := cryptocore.DH(s.cfg.Identity.StaticPriv, hs.peerEphPub)
	if err != nil {
		return fmt.Errorf("%w: se dh: %v", ErrHandshakeFailed, err)
	}
	hs.se = se

	s.finishHandshake(ratchet.RoleInitiator, hs)
	return nil
}

// handlePhase3 runs on the responder side: decrypt the initiator's
// static key under ee‖es, compute se, and establish the session.
func (s *Session) handlePhase3(frame *wireframe.Frame) error {
	s.mu.Lock()
	hs := s.responderHS
	s.mu.Unlock()
	if hs == nil {
		return fmt.Errorf("%w: phase3 with no phase1/2 state", ErrHandshakeFailed)
	}

	body, err := wireframe.DecodeEncryptedHandshakeBody(frame.Body)
	if err != nil {
		return err
	}
	if body.HasEphemeral {
		return fmt.Errorf("%w: phase3 unexpected ephemeral", ErrHandshakeFailed)
	}

	key2 := hsKey2(hs.ee, hs.es)
	var nonce cryptocore.Nonce
	plaintext, err := cryptocore.Decrypt(key2, nonce, nil, body.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: phase3 decrypt: %v", ErrHandshakeFailed, err)
	}
	inner, err := wireframe.DecodeHandshakeInner(plaintext)
	if err != nil {
		return err
	}
	if inner.Commitment != cryptocore.Commitment(key2) {
		return fmt.Errorf("%w: phase3 commitment mismatch", ErrHandshakeFailed)
	}
	if s.cfg.RemoteStatic != (cryptocore.Key{}) && inner.StaticPub != s.cfg.RemoteStatic {
		return ErrPeerIdentityMismatch
	}
	hs.peerStatic = inner.StaticPub

	se, err := cryptocore.DH(hs.ownEphPriv, hs.peerStatic)
	if err != nil {
		return fmt.Errorf("%w: se dh: %v", ErrHandshakeFailed, err)
	}
	hs.se = se

	s.finishHandshake(ratchet.RoleResponder, hs)
	return nil
}

// finishHandshake derives the root key schedule, builds the ratchet,
// and transitions the session to StateEstablished.
func (s *Session) finishHandshake(role ratchet.Role, hs *handshakeState) {
	root := deriveRoot(hs.ee, hs.es, hs.se)
	schedule := ratchet.DeriveSchedule(role, root, [32]byte(root))

	s.mu.Lock()
	s.ratchet = ratchet.New(role, schedule)
	s.remoteStatic = hs.peerStatic
	s.state = StateEstablished
	s.dialerHS = nil
	s.responderHS = nil
	s.mu.Unlock()

	root.Zero()
	s.markReady()
}

// handleEstablishedFrame decrypts and dispatches a Data/Ack/Ping/Pong/
// StreamOpen/StreamClose/Rekey/Close frame against the ratchet.
func (s *Session) handleEstablishedFrame(frame *wireframe.Frame, fromAddr net.Addr) error {
	s.mu.Lock()
	r := s.ratchet
	s.mu.Unlock()
	if r == nil {
		return ErrNotEstablished
	}

	key, nonce, err := r.AcceptRecv(frame.Sequence)
	if err != nil {
		if errors.Is(err, ratchet.ErrReplayDetected) {
			return s.recordReplay(err)
		}
		return s.recordDecryptFailure(err)
	}

	aad := wireframe.EncodeHeader(frame.Header)
	plaintext, err := cryptocore.Decrypt(key, nonce, aad, frame.Body)
	if err != nil {
		return s.recordDecryptFailure(err)
	}
	r.CommitRecv(frame.Sequence)
	s.decryptFailures.Store(0)

	s.noteSourceAddr(fromAddr)

	switch frame.Type {
	case wireframe.TypeRekey:
		return s.handleRekey(plaintext)
	case wireframe.TypeClose:
		return s.handleClose(plaintext)
	case wireframe.TypePing:
		_, err := s.sendFrame(wireframe.TypePong, 0, 0, 0, nil)
		return err
	case wireframe.TypePong:
		return nil
	case wireframe.TypePathChallenge:
		return s.handlePathChallenge(plaintext, fromAddr)
	case wireframe.TypePathResponse:
		return s.handlePathResponse(plaintext)
	default:
		frame.Body = plaintext
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(frame)
		}
		return nil
	}
}

func (s *Session) recordDecryptFailure(cause error) error {
	n := s.decryptFailures.Add(1)
	if s.cfg.OnDecryptFailure != nil {
		s.cfg.OnDecryptFailure()
	}
	if n >= maxDecryptFailures {
		s.log.Warn("too many consecutive decrypt failures, closing session", "failures", n)
		s.Close()
	}
	return fmt.Errorf("session: decrypt established frame: %w", cause)
}

// recordReplay handles a frame rejected for reusing an already-accepted
// sequence number. Unlike recordDecryptFailure, it never touches
// decryptFailures and never closes the session: a passive attacker can
// replay captured frames indefinitely without forging anything, and
// that must not be a path to forcing a session closed.
func (s *Session) recordReplay(cause error) error {
	if s.cfg.OnReplay != nil {
		s.cfg.OnReplay()
	}
	return fmt.Errorf("session: replayed frame: %w", cause)
}

// handleRekey processes an incoming Rekey frame carrying the peer's
// fresh ephemeral public key. If we already initiated our own rekey
// this epoch, step using the ephemeral we already sent; otherwise
// generate and send one now before stepping, so both sides converge
// on the same new schedule from a single round trip.
func (s *Session) handleRekey(plaintext []byte) error {
	var peerEph cryptocore.Key
	if len(plaintext) < cryptocore.KeySize {
		return fmt.Errorf("%w: rekey payload too short", wireframe.ErrInvalidFrame)
	}
	copy(peerEph[:], plaintext[:cryptocore.KeySize])

	s.mu.Lock()
	pending := s.pendingRekey
	r := s.ratchet
	s.mu.Unlock()

	if pending == nil {
		priv, pub, err := cryptocore.GenerateX25519Keypair(rand.Reader)
		if err != nil {
			return fmt.Errorf("session: generate reactive rekey ephemeral: %w", err)
		}
		if _, err := s.sendFrame(wireframe.TypeRekey, 0, 0, 0, pub[:]); err != nil {
			return err
		}
		pending = &priv
	}

	old, err := r.DHRatchetStep(*pending, peerEph)
	if err != nil {
		return fmt.Errorf("session: rekey dh step: %w", err)
	}
	old.Root.Zero()

	s.mu.Lock()
	s.pendingRekey = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) handleClose(plaintext []byte) error {
	body, err := wireframe.DecodeCloseBody(plaintext)
	if err != nil {
		return err
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(body.Reason)
	}
	s.Close()
	return nil
}
