// Package streammux implements WRAITH's stream multiplexing layer:
// per-stream half-close state, offset-addressed reassembly, flow
// control, and ACK generation timing. One streammux.Manager sits on
// top of one established session.Session.
package streammux

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// State mirrors a QUIC-style bidirectional stream lifecycle.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateHalfClosedLocal  // we sent end-of-stream
	StateHalfClosedRemote // peer sent end-of-stream
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultFlowWindow is the default reorder-buffer cap per stream.
const DefaultFlowWindow = 4 << 20 // 4 MiB

// Stream is one multiplexed, offset-addressed byte stream within a
// session. The transfer engine writes/reads through it; streammux is
// responsible only for ordering, flow control, and ack bookkeeping.
type Stream struct {
	ID   uint32
	Name string // from StreamOpen metadata, empty if none
	Size uint64 // advertised total size, 0 if unknown

	state atomic.Int32

	reassembler *Reassembler

	mu             sync.Mutex
	localFinSent   bool
	remoteFinSeen  bool
	readCh         chan []byte
	closed         chan struct{}
	closeOnce      sync.Once
	nextSendOffset uint64

	BytesSent atomic.Uint64
	BytesRecv atomic.Uint64

	onData  func(*Stream, []byte)
	onClose func(*Stream, error)
}

// NewStream creates a stream in StateOpening.
func NewStream(id uint32, name string, size uint64, flowWindow uint64) *Stream {
	if flowWindow == 0 {
		flowWindow = DefaultFlowWindow
	}
	s := &Stream{
		ID:          id,
		Name:        name,
		Size:        size,
		reassembler: NewReassembler(flowWindow),
		readCh:      make(chan []byte, 64),
		closed:      make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))
	return s
}

func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) setState(st State) { s.state.Store(int32(st)) }

// Open transitions a newly-created stream to StateOpen.
func (s *Stream) Open() { s.setState(StateOpen) }

// CanRead reports whether new data may still be received.
func (s *Stream) CanRead() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedLocal:
		return true
	default:
		return false
	}
}

// CanWrite reports whether new data may still be sent.
func (s *Stream) CanWrite() bool {
	switch s.State() {
	case StateOpen, StateHalfClosedRemote:
		return true
	default:
		return false
	}
}

// NextSendOffset returns the offset the next SendData call should use
// and advances it by n.
func (s *Stream) NextSendOffset(n int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.nextSendOffset
	s.nextSendOffset += uint64(n)
	return off
}

// MarkLocalFin records that we have sent our end-of-stream frame.
func (s *Stream) MarkLocalFin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localFinSent {
		return
	}
	s.localFinSent = true
	switch s.State() {
	case StateOpen:
		s.setState(StateHalfClosedLocal)
	case StateHalfClosedRemote:
		s.setState(StateClosed)
		s.closeLocked()
	}
}

// HandleData feeds an incoming (offset, data, endOfStream) range
// through reassembly and, for each contiguous run it releases,
// delivers it to the read channel and onData callback.
func (s *Stream) HandleData(offset uint64, data []byte, endOfStream bool) error {
	released, err := s.reassembler.Push(offset, data, endOfStream)
	if err != nil {
		return fmt.Errorf("streammux: stream %d: %w", s.ID, err)
	}
	if len(released) > 0 {
		s.BytesRecv.Add(uint64(len(released)))
		select {
		case s.readCh <- released:
		case <-s.closed:
			return io.EOF
		}
		if s.onData != nil {
			s.onData(s, released)
		}
	}
	if endOfStream && s.reassembler.FullyDelivered() {
		s.handleRemoteFin()
	}
	return nil
}

func (s *Stream) handleRemoteFin() {
	s.mu.Lock()
	if s.remoteFinSeen {
		s.mu.Unlock()
		return
	}
	s.remoteFinSeen = true
	switch s.State() {
	case StateOpen:
		s.setState(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		s.setState(StateClosed)
		s.closeLocked()
	}
	s.mu.Unlock()
}

// Read blocks until a contiguous chunk of data is available, the
// stream is fully closed, or ctx is done.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.readCh:
		return data, nil
	default:
	}
	select {
	case data := <-s.readCh:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		select {
		case data := <-s.readCh:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

// ReadTimeout is a convenience wrapper around Read with a deadline.
func (s *Stream) ReadTimeout(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Read(ctx)
}

// FullyDelivered reports whether every byte up to the stream's
// advertised end-of-stream offset has been released to the reader,
// i.e. a caller accumulating onData callbacks has seen the whole
// message.
func (s *Stream) FullyDelivered() bool {
	return s.reassembler.FullyDelivered()
}

// FlowWindowOffset returns the highest offset the peer may send
// without exceeding our reassembly buffer, for use in outgoing Ack
// frames' MaxOffset field.
func (s *Stream) FlowWindowOffset() uint64 {
	return s.reassembler.WindowOffset()
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Stream) closeLocked() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		if s.onClose != nil {
			s.onClose(s, nil)
		}
	})
}

func (s *Stream) Done() <-chan struct{} { return s.closed }

// IsInitiatorOpened reports whether id was allocated by the
// connection initiator, by its low bit (even = initiator, odd =
// responder), mirroring QUIC's stream-id allocation convention.
func IsInitiatorOpened(id uint32) bool { return id%2 == 0 }
