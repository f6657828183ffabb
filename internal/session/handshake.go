package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/wireframe"
)

// handshakeState tracks per-attempt ephemeral and DH material across
// the three handshake phases. The key derivation order mirrors
// Noise XX: ee is available to both sides immediately after the
// ephemeral exchange, es becomes available once the responder's
// static key is known, and se becomes available once the initiator's
// static key is known — each DH unlocks the key that decrypts the
// next message's embedded static key, so no side ever needs a DH
// output before it is computable from keys already in hand.
type handshakeState struct {
	ownEphPriv cryptocore.Key
	ownEphPub  cryptocore.Key
	peerEphPub cryptocore.Key

	peerStatic cryptocore.Key

	ee cryptocore.Key
	es cryptocore.Key
	se cryptocore.Key
}

func hsKey1(ee cryptocore.Key) cryptocore.Key {
	return cryptocore.KDF32("wraith-hs1", ee[:])
}

func hsKey2(ee, es cryptocore.Key) cryptocore.Key {
	ikm := make([]byte, 0, 2*cryptocore.KeySize)
	ikm = append(ikm, ee[:]...)
	ikm = append(ikm, es[:]...)
	return cryptocore.KDF32("wraith-hs2", ikm)
}

func deriveRoot(ee, es, se cryptocore.Key) cryptocore.Key {
	ikm := make([]byte, 0, 3*cryptocore.KeySize)
	ikm = append(ikm, ee[:]...)
	ikm = append(ikm, es[:]...)
	ikm = append(ikm, se[:]...)
	return cryptocore.KDF32("wraith-root", ikm)
}

// Dial drives the handshake as the initiating side: send Phase1 with
// exponential-backoff retransmission, process Phase2 once it arrives
// via HandleFrame, send Phase3, and establish the session.
func (s *Session) Dial(ctx context.Context) error {
	priv, pub, err := cryptocore.GenerateX25519Keypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("session: generate handshake ephemeral: %w", err)
	}

	s.mu.Lock()
	s.dialerHS = &handshakeState{ownEphPriv: priv, ownEphPub: pub}
	s.mu.Unlock()

	phase1Bytes := (&wireframe.Phase1Body{EphemeralPub: pub}).Encode()

	var lastErr error
	for attempt := 0; attempt < maxHandshakeAttempts; attempt++ {
		if err := s.sendHandshakeFrame(wireframe.TypeHandshakePhase1, phase1Bytes); err != nil {
			return err
		}

		wait := handshakeRetransmitSchedule[min(attempt, len(handshakeRetransmitSchedule)-1)]
		select {
		case <-s.Ready():
			return nil
		case <-time.After(wait):
			lastErr = fmt.Errorf("session: handshake timeout (attempt %d)", attempt+1)
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
}

func (s *Session) sendHandshakeFrame(frameType uint8, body []byte) error {
	s.mu.Lock()
	addr := s.remoteAddr
	s.mu.Unlock()

	h := wireframe.Header{
		Version:      wireframe.ProtocolVersion,
		Type:         frameType,
		ConnectionID: s.connectionID,
	}
	frame := &wireframe.Frame{Header: h, Body: body}
	return s.cfg.Sender.SendTo(frame.Encode(), addr)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
