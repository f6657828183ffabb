// Package ioglue binds the session layer to a physical UDP socket: it
// demultiplexes inbound datagrams to the owning Session by connection
// ID, hands unrecognized-but-handshake-shaped datagrams to an accept
// callback so the node layer can spin up a responder Session, and
// implements session.Sender for outbound writes. It also provides a
// bounded worker pool for the blocking disk I/O and hashing work the
// transfer layer needs to do off the read loop.
package ioglue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shranto27/wraith/internal/session"
	"github.com/shranto27/wraith/internal/wireframe"
)

// MaxDatagramSize is the largest UDP payload the handler will read.
// Comfortably above any PMTU this implementation will probe to.
const MaxDatagramSize = 1500

// AcceptFunc is invoked when a datagram with an unknown connection ID
// arrives bearing a handshake phase-1 frame. It must construct and
// register a responder Session (via session.NewResponder + Register)
// and return it so the handler can continue dispatching the triggering
// datagram into it. Returning a nil session with a nil error causes
// the datagram to be silently dropped.
type AcceptFunc func(connectionID uint64, fromAddr net.Addr) (*session.Session, error)

// Config bundles the parameters a Handler needs to run.
type Config struct {
	Conn                *net.UDPConn
	Accept              AcceptFunc
	IdleCleanupInterval time.Duration // 0 disables the cleanup loop
	Logger              *slog.Logger
}

// Handler owns a single UDP socket shared by every Session the node
// maintains, in contrast to one socket per connection.
type Handler struct {
	conn   *net.UDPConn
	accept AcceptFunc
	log    *slog.Logger

	idleCleanupInterval time.Duration

	mu       sync.RWMutex
	sessions map[uint64]*session.Session

	bufPool sync.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a Handler bound to cfg.Conn. Call Run to start the
// read loop (and, if configured, the cleanup loop) in the background.
func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		conn:                cfg.Conn,
		accept:              cfg.Accept,
		log:                 log.With(slog.String("component", "ioglue")),
		idleCleanupInterval: cfg.IdleCleanupInterval,
		sessions:            make(map[uint64]*session.Session),
		ctx:                 ctx,
		cancel:              cancel,
	}
	h.bufPool.New = func() any {
		return make([]byte, MaxDatagramSize)
	}
	return h
}

// Run starts the read loop and, when an idle cleanup interval is set,
// the cleanup loop, each in its own goroutine, and returns without
// waiting for them.
func (h *Handler) Run() {
	h.wg.Add(1)
	go h.readLoop()

	if h.idleCleanupInterval > 0 {
		h.wg.Add(1)
		go h.cleanupLoop()
	}
}

// SendTo implements session.Sender.
func (h *Handler) SendTo(b []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			return fmt.Errorf("ioglue: resolve %s: %w", addr, err)
		}
		udpAddr = resolved
	}
	_, err := h.conn.WriteToUDP(b, udpAddr)
	return err
}

// Register adds a session to the demux table, keyed by its connection
// ID. The node layer calls this immediately after NewInitiator or
// inside an AcceptFunc for NewResponder.
func (h *Handler) Register(s *session.Session) {
	h.mu.Lock()
	h.sessions[s.ConnectionID()] = s
	h.mu.Unlock()
}

// Remove drops a session from the demux table.
func (h *Handler) Remove(connectionID uint64) {
	h.mu.Lock()
	delete(h.sessions, connectionID)
	h.mu.Unlock()
}

// Lookup returns the session owning connectionID, if any.
func (h *Handler) Lookup(connectionID uint64) (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connectionID]
	return s, ok
}

// Count returns the number of sessions currently registered.
func (h *Handler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close stops the read and cleanup loops, closes every registered
// session, and waits for both loops to exit. It does not close the
// underlying net.UDPConn, which the caller owns.
func (h *Handler) Close() error {
	h.cancel()

	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[uint64]*session.Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	h.wg.Wait()
	return nil
}

// readLoop reads datagrams off the shared socket and dispatches them
// to the owning session by connection ID, accepting new responder
// sessions for unrecognized handshake-phase-1 traffic.
func (h *Handler) readLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		buf := h.bufPool.Get().([]byte)
		h.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			h.bufPool.Put(buf)
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("udp read error", slog.String("error", err.Error()))
			continue
		}

		h.handleDatagram(buf[:n], addr)
		h.bufPool.Put(buf)
	}
}

func (h *Handler) handleDatagram(data []byte, addr *net.UDPAddr) {
	hdr, err := wireframe.DecodeHeader(data)
	if err != nil {
		h.log.Debug("dropped malformed datagram", slog.String("error", err.Error()))
		return
	}

	s, ok := h.Lookup(hdr.ConnectionID)
	if !ok {
		if hdr.Type != wireframe.TypeHandshakePhase1 || h.accept == nil {
			h.log.Debug("dropped datagram for unknown connection",
				slog.Uint64("connection_id", hdr.ConnectionID))
			return
		}
		newSession, err := h.accept(hdr.ConnectionID, addr)
		if err != nil {
			h.log.Warn("accept failed", slog.String("error", err.Error()))
			return
		}
		if newSession == nil {
			return
		}
		s = newSession
	}

	// Copy out of the pooled buffer: the session may retain references
	// (e.g. across the handshake) past this function's return, at
	// which point the pool could recycle the backing array.
	owned := make([]byte, len(data))
	copy(owned, data)

	if err := s.HandleFrame(owned, addr); err != nil {
		h.log.Debug("frame handling error",
			slog.Uint64("connection_id", hdr.ConnectionID),
			slog.String("error", err.Error()))
	}
}

// cleanupLoop periodically evicts sessions that have fully closed.
func (h *Handler) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.idleCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.evictClosed()
		}
	}
}

func (h *Handler) evictClosed() {
	h.mu.RLock()
	var dead []uint64
	for id, s := range h.sessions {
		select {
		case <-s.Done():
			dead = append(dead, id)
		default:
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range dead {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}
