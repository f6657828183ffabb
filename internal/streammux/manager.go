package streammux

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ManagerConfig bounds resource usage for one connection's streams.
type ManagerConfig struct {
	MaxStreams int
	FlowWindow uint64
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxStreams: 256,
		FlowWindow: DefaultFlowWindow,
	}
}

// Manager owns every stream multiplexed over one session. isInitiator
// decides which half of the stream-id space this side allocates from.
type Manager struct {
	cfg         ManagerConfig
	isInitiator bool
	nextID      atomic.Uint32

	mu      sync.RWMutex
	streams map[uint32]*Stream

	onStreamOpen  func(*Stream)
	onStreamClose func(*Stream, error)
	onStreamData  func(*Stream, []byte)
}

// NewManager creates a stream manager for one side of a connection.
func NewManager(cfg ManagerConfig, isInitiator bool) *Manager {
	m := &Manager{
		cfg:         cfg,
		isInitiator: isInitiator,
		streams:     make(map[uint32]*Stream),
	}
	if !isInitiator {
		m.nextID.Store(1)
	}
	return m
}

// SetCallbacks wires delivery/close notifications.
func (m *Manager) SetCallbacks(onOpen func(*Stream), onClose func(*Stream, error), onData func(*Stream, []byte)) {
	m.onStreamOpen = onOpen
	m.onStreamClose = onClose
	m.onStreamData = onData
}

// OpenStream allocates a new locally-initiated stream. The caller
// still must send a StreamOpen frame carrying the returned stream's
// ID/Name/Size to the peer.
func (m *Manager) OpenStream(name string, size uint64) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) >= m.cfg.MaxStreams {
		return nil, fmt.Errorf("streammux: max streams (%d) reached", m.cfg.MaxStreams)
	}
	id := m.allocateIDLocked()
	s := NewStream(id, name, size, m.cfg.FlowWindow)
	s.Open()
	s.onData = m.onStreamData
	s.onClose = m.onStreamClose
	m.streams[id] = s
	return s, nil
}

func (m *Manager) allocateIDLocked() uint32 {
	id := m.nextID.Load()
	m.nextID.Add(2)
	return id
}

// AcceptStreamOpen handles an incoming StreamOpen frame, creating
// receive-side stream state on first sight of streamID.
func (m *Manager) AcceptStreamOpen(streamID uint32, name string, size uint64) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamID]; ok {
		return s, nil // duplicate StreamOpen, e.g. handshake-era retransmit
	}
	if len(m.streams) >= m.cfg.MaxStreams {
		return nil, fmt.Errorf("streammux: max streams (%d) reached", m.cfg.MaxStreams)
	}
	s := NewStream(streamID, name, size, m.cfg.FlowWindow)
	s.Open()
	s.onData = m.onStreamData
	s.onClose = m.onStreamClose
	m.streams[streamID] = s
	if m.onStreamOpen != nil {
		m.onStreamOpen(s)
	}
	return s, nil
}

// HandleData routes an incoming Data frame's payload to its stream,
// creating implicit receive-side state if the stream was never
// explicitly opened (the StreamOpen frame was lost but data arrived
// via reordering — harmless since WRAITH's transfer engine tolerates
// out-of-order chunk delivery regardless).
func (m *Manager) HandleData(streamID uint32, offset uint64, data []byte, endOfStream bool) error {
	m.mu.RLock()
	s, ok := m.streams[streamID]
	m.mu.RUnlock()
	if !ok {
		var err error
		s, err = m.AcceptStreamOpen(streamID, "", 0)
		if err != nil {
			return err
		}
	}
	return s.HandleData(offset, data, endOfStream)
}

// GetStream returns a stream by ID, or nil if unknown.
func (m *Manager) GetStream(streamID uint32) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[streamID]
}

// CloseStream marks a stream closed and removes it from the manager.
func (m *Manager) CloseStream(streamID uint32) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if ok {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// StreamCount returns the number of active streams.
func (m *Manager) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Close tears down every stream the manager owns.
func (m *Manager) Close() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
