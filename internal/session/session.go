// Package session implements the per-peer connection state machine: the
// three-phase handshake, established-state frame encryption/decryption
// through the ratchet, connection migration, idle timeout, and
// keepalive. A Session owns exactly one connection ID and one ratchet;
// the node layer multiplexes many sessions over a single UDP socket.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/identity"
	"github.com/shranto27/wraith/internal/ratchet"
	"github.com/shranto27/wraith/internal/wireframe"
)

// State is the session's position in its lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateMigrating
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateMigrating:
		return "MIGRATING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClosed is returned by operations attempted on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNotEstablished is returned when a data operation is attempted
	// before the handshake has completed.
	ErrNotEstablished = errors.New("session: not established")

	// ErrHandshakeFailed is returned when the handshake could not complete.
	ErrHandshakeFailed = errors.New("session: handshake failed")

	// ErrPeerIdentityMismatch is returned when the remote's static key does
	// not match the one the caller expected (known-peer pinning).
	ErrPeerIdentityMismatch = errors.New("session: remote identity mismatch")
)

// maxDecryptFailures is the number of consecutive AEAD authentication
// failures on established frames before a session tears itself down.
const maxDecryptFailures = 3

const (
	idleTimeout       = 180 * time.Second
	keepaliveInterval = idleTimeout / 3
)

var handshakeRetransmitSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

const maxHandshakeAttempts = 5

// Sender abstracts the UDP socket a session writes datagrams to. The
// node/ioglue layer supplies the concrete implementation.
type Sender interface {
	SendTo(b []byte, addr net.Addr) error
}

// FrameHandler is invoked for each decrypted, authenticated Data/Ack/
// StreamOpen/StreamClose frame delivered on an established session.
type FrameHandler func(f *wireframe.Frame)

// Config bundles the parameters a Session needs beyond its keys.
type Config struct {
	Identity     *identity.Identity
	RemoteStatic cryptocore.Key // required only for an expected/pinned peer; zero means accept-any
	RemoteAddr   net.Addr
	ConnectionID uint64
	Sender       Sender
	OnFrame      FrameHandler
	OnClose      func(reason wireframe.CloseReason)

	// OnDecryptFailure, if set, is called for every AEAD authentication
	// failure on an established frame (a forged or corrupted frame).
	// Distinct from OnReplay: repeated decrypt failures still count
	// toward maxDecryptFailures and can tear down the session.
	OnDecryptFailure func()

	// OnReplay, if set, is called whenever an established frame is
	// rejected for reusing an already-accepted sequence number. Replay
	// is expected background noise from a passive attacker re-sending
	// captured traffic, not evidence of a forged frame, so it is never
	// counted toward maxDecryptFailures and never closes the session.
	OnReplay func()

	Logger *slog.Logger
}

// Session is one authenticated, encrypted peer connection.
type Session struct {
	cfg Config
	log *slog.Logger

	connectionID uint64
	role         ratchet.Role

	mu          sync.Mutex
	state       State
	remoteAddr  net.Addr
	remoteStatic cryptocore.Key
	ratchet     *ratchet.Ratchet

	decryptFailures   atomic.Int32
	migrationFailures atomic.Int32
	lastActivity      atomic.Int64
	rttNanos          atomic.Int64

	pendingMigration *migrationState

	// retiredAddr/retiredUntil absorb reordered in-flight datagrams that
	// still arrive from the path a successful migration just moved off
	// of: a frame from retiredAddr before retiredUntil is accepted
	// without re-triggering path validation. After retiredUntil elapses
	// the address is fully retired and a frame from it starts a fresh
	// migration like any other unrecognized source.
	retiredAddr    net.Addr
	retiredUntil   atomic.Int64

	// Handshake-in-progress scratch state, guarded by mu.
	dialerHS     *handshakeState
	responderHS  *handshakeState
	pendingRekey *cryptocore.Key

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}
}

type migrationState struct {
	challenge [8]byte
	candidate net.Addr
	oldAddr   net.Addr
	timer     *time.Timer
}

// NewInitiator creates a Session that will dial out and drive the
// handshake as the initiating side.
func NewInitiator(cfg Config) *Session {
	return newSession(cfg, ratchet.RoleInitiator)
}

// NewResponder creates a Session seeded from an already-received
// HandshakePhase1 frame; the caller is responsible for invoking
// HandleFrame with that frame to continue the handshake.
func NewResponder(cfg Config) *Session {
	return newSession(cfg, ratchet.RoleResponder)
}

func newSession(cfg Config, role ratchet.Role) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:          cfg,
		log:          log.With("component", "session", "connection_id", cfg.ConnectionID),
		connectionID: cfg.ConnectionID,
		role:         role,
		state:        StateHandshaking,
		remoteAddr:   cfg.RemoteAddr,
		remoteStatic: cfg.RemoteStatic,
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
		ready:        make(chan struct{}),
	}
	s.touch()
	return s
}

// ConnectionID returns the session's connection ID.
func (s *Session) ConnectionID() uint64 { return s.connectionID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteAddr returns the address the session currently believes the
// peer is reachable at.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// RemoteStatic returns the peer's verified static public key. Only
// valid once the session has reached StateEstablished.
func (s *Session) RemoteStatic() cryptocore.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStatic
}

// Ready returns a channel closed once the handshake completes.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done returns a channel closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// LastActivity returns the time of the most recent send or receive.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RTT returns the most recently measured round-trip time.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rttNanos.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.LastActivity())
}

// sendFrame encrypts an arbitrary control/data payload with the session
// ratchet and writes it to the peer's current address, retrying a
// rekey if the ratchet is past its mandatory threshold is the caller's
// responsibility (checked by the owning node loop via NeedsRekey).
func (s *Session) sendFrame(frameType uint8, flags uint8, streamID, offset uint32, body []byte) (uint64, error) {
	s.mu.Lock()
	r := s.ratchet
	addr := s.remoteAddr
	s.mu.Unlock()

	if r == nil {
		return 0, ErrNotEstablished
	}

	key, nonce, counter, err := r.NextSendKey()
	if err != nil {
		return 0, fmt.Errorf("session: next send key: %w", err)
	}

	h := wireframe.Header{
		Version:      wireframe.ProtocolVersion,
		Type:         frameType,
		Flags:        flags,
		ConnectionID: s.connectionID,
		Sequence:     counter,
		StreamID:     streamID,
		Offset:       offset,
	}
	aad := wireframe.EncodeHeader(h)
	ciphertext, err := cryptocore.Encrypt(key, nonce, aad, body)
	if err != nil {
		return 0, fmt.Errorf("session: encrypt frame: %w", err)
	}

	frame := &wireframe.Frame{Header: h, Body: ciphertext}
	if err := s.cfg.Sender.SendTo(frame.Encode(), addr); err != nil {
		return 0, fmt.Errorf("session: send: %w", err)
	}
	s.touch()
	return counter, nil
}

// SendData sends an application data frame on the given stream,
// returning the frame sequence number it was sent under so the caller
// can correlate a later Ack back to this specific send.
func (s *Session) SendData(streamID uint32, offset uint32, payload []byte, endOfStream bool) (uint64, error) {
	var flags uint8
	if endOfStream {
		flags |= wireframe.FlagEndOfStream
	}
	return s.sendFrame(wireframe.TypeData, flags, streamID, offset, payload)
}

// SendAck sends an ack frame.
func (s *Session) SendAck(body *wireframe.AckBody) error {
	_, err := s.sendFrame(wireframe.TypeAck, 0, 0, 0, body.Encode())
	return err
}

// SendStreamOpen signals the start of a new stream.
func (s *Session) SendStreamOpen(streamID uint32) error {
	_, err := s.sendFrame(wireframe.TypeStreamOpen, 0, streamID, 0, nil)
	return err
}

// SendStreamClose signals the end of a stream.
func (s *Session) SendStreamClose(streamID uint32) error {
	_, err := s.sendFrame(wireframe.TypeStreamClose, 0, streamID, 0, nil)
	return err
}

// SendPing sends a keepalive probe.
func (s *Session) SendPing() error {
	_, err := s.sendFrame(wireframe.TypePing, 0, 0, 0, nil)
	return err
}

// SendClose sends a Close frame with the given reason and transitions
// to StateDraining; the caller should stop using the session afterward.
func (s *Session) SendClose(reason wireframe.CloseReason) error {
	body := &wireframe.CloseBody{Reason: reason}
	_, err := s.sendFrame(wireframe.TypeClose, 0, 0, 0, body.Encode())
	s.setState(StateDraining)
	return err
}

// NeedsRekey reports whether the session's send ratchet has crossed
// its mandatory-rekey threshold.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	r := s.ratchet
	s.mu.Unlock()
	if r == nil {
		return false
	}
	return r.NeedsRekey()
}

// InitiateRekey generates a fresh ephemeral keypair and sends a Rekey
// frame carrying its public half. The DH ratchet step itself happens
// once the peer's own Rekey frame is processed by HandleFrame, so both
// sides step using both ephemerals from this epoch.
func (s *Session) InitiateRekey() error {
	priv, pub, err := cryptocore.GenerateX25519Keypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("session: generate rekey ephemeral: %w", err)
	}

	s.mu.Lock()
	s.pendingRekey = &priv
	s.mu.Unlock()

	_, err = s.sendFrame(wireframe.TypeRekey, 0, 0, 0, pub[:])
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close tears the session down, zeroising key material.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.state = StateClosed
		if s.ratchet != nil {
			s.ratchet.Zero()
		}
		if s.dialerHS != nil {
			s.dialerHS.ownEphPriv.Zero()
		}
		if s.responderHS != nil {
			s.responderHS.ownEphPriv.Zero()
		}
		if s.pendingMigration != nil && s.pendingMigration.timer != nil {
			s.pendingMigration.timer.Stop()
		}
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *Session) markReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}
