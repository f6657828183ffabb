package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/wireframe"
)

// pathResponseTimeout is how long a path validation challenge waits for
// its matching PathResponse before the candidate path is abandoned.
const pathResponseTimeout = 1 * time.Second

// maxMigrationFailures is the number of consecutive failed migration
// attempts (unanswered PathChallenges) before the session gives up and
// closes rather than continuing to revert and retry.
const maxMigrationFailures = 3

// cidRetireDelay is how long the old path keeps absorbing stray
// datagrams after a successful migration before it is fully retired.
const cidRetireDelay = 3 * time.Second

// noteSourceAddr is called for every authenticated established frame.
// A frame arriving from an address other than the one the session
// currently trusts is evidence the peer's path changed (NAT rebind,
// Wi-Fi-to-cellular handoff); the session challenges the new address
// before committing to it rather than trusting source-address spoofing.
func (s *Session) noteSourceAddr(fromAddr net.Addr) {
	s.mu.Lock()
	current := s.remoteAddr
	alreadyPending := s.pendingMigration != nil && sameAddr(s.pendingMigration.candidate, fromAddr)
	retired := s.retiredAddr != nil && sameAddr(s.retiredAddr, fromAddr) &&
		time.Now().UnixNano() < s.retiredUntil.Load()
	s.mu.Unlock()

	if sameAddr(current, fromAddr) || alreadyPending || retired {
		return
	}

	if err := s.startPathValidation(fromAddr); err != nil {
		s.log.Warn("failed to start path validation", "error", err)
	}
}

func (s *Session) startPathValidation(candidate net.Addr) error {
	var challenge [8]byte
	if _, err := io.ReadFull(rand.Reader, challenge[:]); err != nil {
		return fmt.Errorf("session: generate path challenge: %w", err)
	}

	s.mu.Lock()
	oldAddr := s.remoteAddr
	pending := &migrationState{challenge: challenge, candidate: candidate, oldAddr: oldAddr}
	s.pendingMigration = pending
	s.state = StateMigrating
	s.mu.Unlock()

	pending.timer = time.AfterFunc(pathResponseTimeout, func() {
		s.onPathValidationTimeout(pending)
	})

	return s.sendPathFrameTo(wireframe.TypePathChallenge, challenge, candidate)
}

// onPathValidationTimeout fires when a candidate path fails to answer
// its PathChallenge within pathResponseTimeout. It reverts to the prior
// path and, after maxMigrationFailures consecutive failures, gives up on
// the peer entirely rather than continuing to probe.
func (s *Session) onPathValidationTimeout(pending *migrationState) {
	s.mu.Lock()
	if s.pendingMigration != pending {
		// Already resolved (succeeded, superseded by a newer candidate,
		// or the session closed) before the timer fired.
		s.mu.Unlock()
		return
	}
	s.pendingMigration = nil
	s.remoteAddr = pending.oldAddr
	s.state = StateEstablished
	s.mu.Unlock()

	n := s.migrationFailures.Add(1)
	s.log.Warn("path validation timed out, reverting to prior path",
		"candidate", pending.candidate.String(), "consecutive_failures", n)

	if n >= maxMigrationFailures {
		s.log.Warn("too many consecutive migration failures, closing session", "failures", n)
		_ = s.SendClose(wireframe.CloseMigrationFailed)
		s.Close()
	}
}

// sendPathFrameTo encrypts and sends a path-validation frame to an
// explicit address rather than the session's currently trusted
// RemoteAddr, since path validation frames target the candidate path.
func (s *Session) sendPathFrameTo(frameType uint8, data [8]byte, addr net.Addr) error {
	s.mu.Lock()
	r := s.ratchet
	s.mu.Unlock()
	if r == nil {
		return ErrNotEstablished
	}

	key, nonce, counter, err := r.NextSendKey()
	if err != nil {
		return fmt.Errorf("session: next send key: %w", err)
	}
	h := wireframe.Header{
		Version:      wireframe.ProtocolVersion,
		Type:         frameType,
		ConnectionID: s.connectionID,
		Sequence:     counter,
	}
	body := (&wireframe.PathChallengeBody{Data: data}).Encode()
	aad := wireframe.EncodeHeader(h)
	ciphertext, err := cryptocore.Encrypt(key, nonce, aad, body)
	if err != nil {
		return err
	}
	frame := &wireframe.Frame{Header: h, Body: ciphertext}
	return s.cfg.Sender.SendTo(frame.Encode(), addr)
}

func (s *Session) handlePathChallenge(plaintext []byte, fromAddr net.Addr) error {
	body, err := wireframe.DecodePathChallengeBody(plaintext)
	if err != nil {
		return err
	}
	return s.sendPathFrameTo(wireframe.TypePathResponse, body.Data, fromAddr)
}

func (s *Session) handlePathResponse(plaintext []byte) error {
	body, err := wireframe.DecodePathChallengeBody(plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pending := s.pendingMigration
	if pending == nil || pending.challenge != body.Data {
		s.mu.Unlock()
		return fmt.Errorf("%w: unexpected path response", wireframe.ErrInvalidFrame)
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}
	s.remoteAddr = pending.candidate
	s.retiredAddr = pending.oldAddr
	s.pendingMigration = nil
	s.state = StateEstablished
	s.mu.Unlock()

	s.retiredUntil.Store(time.Now().Add(cidRetireDelay).UnixNano())
	s.migrationFailures.Store(0)

	s.log.Info("connection migrated", "new_addr", pending.candidate.String())
	time.AfterFunc(cidRetireDelay, func() {
		s.log.Debug("old path fully retired", "addr", pending.oldAddr.String())
	})
	return nil
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
