package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shranto27/wraith/internal/congestion"
	"github.com/shranto27/wraith/internal/pmtu"
	"github.com/shranto27/wraith/internal/session"
	"github.com/shranto27/wraith/internal/streammux"
	"github.com/shranto27/wraith/internal/wireframe"
)

// pendingSend tracks one outbound Data frame awaiting acknowledgment,
// so Peer can feed real round-trip samples into the congestion
// controller and loss detector and notify the transfer engine once a
// specific chunk's frame is acked.
type pendingSend struct {
	sentAt time.Time
	size   int
	onAck  func()
}

// Peer is one established session plus everything scoped to it: the
// generic stream mux (used for small ordered control exchanges like a
// transfer offer), the congestion controller and loss detector driving
// its pacing, a PMTU prober, and the set of chunked transfers reading
// or writing frames directly against Data frames, bypassing streammux
// reassembly since chunk delivery already tolerates reordering at the
// bitmap level.
type Peer struct {
	node *Node
	log  *slog.Logger

	sess       *session.Session
	mux        *streammux.Manager
	congestion *congestion.Controller
	loss       *congestion.LossDetector
	mtu        pmtu.Prober
	ackgen     *streammux.AckGenerator

	mu          sync.Mutex
	pending     map[uint64]*pendingSend
	transfersIn map[uint32]*incomingTransfer
	controlBuf  map[uint32][]byte
}

// ConnectionID returns the underlying session's connection ID.
func (p *Peer) ConnectionID() uint64 { return p.sess.ConnectionID() }

// RemoteStatic returns the peer's authenticated static public key.
func (p *Peer) RemoteStatic() [32]byte { return [32]byte(p.sess.RemoteStatic()) }

// Ready returns a channel closed once the handshake completes.
func (p *Peer) Ready() <-chan struct{} { return p.sess.Ready() }

// CurrentMTU returns the effective payload size this peer's frames
// should target after header, AEAD tag, and padding-class overhead.
func (p *Peer) CurrentMTU() int {
	// The trailing 2 is the in-body length prefix the padding transform adds.
	usable := int(p.mtu.CurrentMTU()) - wireframe.HeaderSize - wireframe.TagSize - 2
	if usable < 0 {
		usable = 0
	}
	return usable
}

// Close tears down the peer's stream mux and session.
func (p *Peer) Close() {
	p.mux.Close()
	p.sess.Close()
}

func (p *Peer) onSessionClose(reason wireframe.CloseReason) {
	p.node.metrics.RecordSessionClosed(reasonName(reason))
	p.node.unregister(p)
}

// runLifecycle drives keepalive pings for as long as the session stays
// established, and reclaims any pending sends the loss detector has
// given up on.
func (p *Peer) runLifecycle() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.sess.Done():
			return
		case <-ticker.C:
			_ = p.sess.SendPing()
			p.reapLostSends()
		}
	}
}

func (p *Peer) reapLostSends() {
	for _, seq := range p.loss.DetectLost(0, time.Now()) {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
	}
}

// sendDataFrame pads payload, sends it as a Data frame on streamID at
// offset, and (if onAcked is non-nil) arranges for onAcked to be
// called once this specific frame is acknowledged.
func (p *Peer) sendDataFrame(streamID uint32, offset uint32, payload []byte, eof bool, onAcked func()) error {
	padded := p.node.obf.Pad(payload, p.CurrentMTU())
	seq, err := p.sess.SendData(streamID, offset, padded, eof)
	if err != nil {
		return fmt.Errorf("node: send data: %w", err)
	}
	now := time.Now()
	p.loss.OnSend(seq, now)
	p.mu.Lock()
	p.pending[seq] = &pendingSend{sentAt: now, size: len(padded), onAck: onAcked}
	p.mu.Unlock()
	return nil
}

// onFrame is session.FrameHandler: invoked for every decrypted
// Data/Ack/StreamOpen/StreamClose frame on an established session.
func (p *Peer) onFrame(f *wireframe.Frame) {
	switch f.Type {
	case wireframe.TypeData:
		p.onData(f)
	case wireframe.TypeAck:
		p.onAck(f)
	case wireframe.TypeStreamOpen:
		p.onRemoteStreamOpen(f)
	case wireframe.TypeStreamClose:
		p.mux.CloseStream(f.StreamID)
	}
}

func (p *Peer) onData(f *wireframe.Frame) {
	p.ackgen.Observe(f.Sequence)
	body, err := p.node.obf.Unpad(f.Body)
	if err != nil {
		p.log.Debug("dropped frame with invalid padding", slog.String("error", err.Error()))
		return
	}
	endOfStream := f.Flags&wireframe.FlagEndOfStream != 0

	p.mu.Lock()
	t, ok := p.transfersIn[f.StreamID]
	p.mu.Unlock()
	if ok {
		offset := f.Offset
		p.node.pool.Submit(func() error {
			return t.onChunkFrame(offset, body)
		})
		return
	}

	if err := p.mux.HandleData(f.StreamID, uint64(f.Offset), body, endOfStream); err != nil {
		p.log.Debug("stream data rejected", slog.String("error", err.Error()))
	}
}

func (p *Peer) onAck(f *wireframe.Frame) {
	ack, err := wireframe.DecodeAckBody(f.Body)
	if err != nil {
		p.log.Debug("malformed ack", slog.String("error", err.Error()))
		return
	}
	now := time.Now()
	for _, seq := range ackedSequences(ack) {
		p.mu.Lock()
		send, ok := p.pending[seq]
		if ok {
			delete(p.pending, seq)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		rtt := now.Sub(send.sentAt)
		p.loss.OnAck(seq, rtt)
		p.congestion.OnAck(send.size, send.sentAt, now, rtt)
		if send.onAck != nil {
			send.onAck()
		}
	}
	for _, seq := range p.loss.DetectLost(ack.LargestAcked, now) {
		p.node.metrics.PacketsLost.Inc()
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
	}
}

// ackedSequences expands an AckBody's descending (gap, length) range
// list back into the individual sequence numbers it covers.
func ackedSequences(ack *wireframe.AckBody) []uint64 {
	var out []uint64
	hi := ack.LargestAcked
	for i, r := range ack.Ranges {
		if i > 0 {
			hi -= r.Gap + 1
		}
		lo := hi - r.Length + 1
		for seq := lo; seq <= hi; seq++ {
			out = append(out, seq)
		}
		hi = lo - 1
	}
	return out
}

func (p *Peer) onRemoteStreamOpen(f *wireframe.Frame) {
	p.mu.Lock()
	_, isTransfer := p.transfersIn[f.StreamID]
	p.mu.Unlock()
	if isTransfer {
		return // data stream already registered from its offer; nothing for mux to track
	}
	if _, err := p.mux.AcceptStreamOpen(f.StreamID, "", 0); err != nil {
		p.log.Warn("stream open rejected", slog.String("error", err.Error()))
	}
}

func (p *Peer) onStreamOpen(s *streammux.Stream)  {}
func (p *Peer) onStreamClose(s *streammux.Stream, err error) {
	p.mu.Lock()
	delete(p.controlBuf, s.ID)
	p.mu.Unlock()
}

// onControlData accumulates bytes released on any mux-routed stream.
// Every such stream in this design carries a single JSON control
// message (currently only a file offer) rather than raw application
// bytes, since chunked transfer data bypasses the mux entirely via
// Peer.transfersIn.
func (p *Peer) onControlData(s *streammux.Stream, data []byte) {
	p.mu.Lock()
	p.controlBuf[s.ID] = append(p.controlBuf[s.ID], data...)
	buf := p.controlBuf[s.ID]
	p.mu.Unlock()

	if !s.FullyDelivered() {
		return
	}
	p.node.handleOffer(p, buf)
}

// FirstIncomingTransfer returns the stream ID of an arbitrary
// registered incoming transfer, for callers that only expect to ever
// receive one at a time.
func (p *Peer) FirstIncomingTransfer() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.transfersIn {
		return id, true
	}
	return 0, false
}

// allocateOutgoingStream opens a locally-initiated stream and tells
// the peer about it; the caller still sends the StreamOpen frame
// itself once it has decided on frame ordering relative to other
// setup traffic (e.g. sending a control message before the StreamOpen
// for the stream it describes).
func (p *Peer) allocateOutgoingStream(name string, size uint64) (*streammux.Stream, error) {
	return p.mux.OpenStream(name, size)
}

func (p *Peer) flushAck(body *wireframe.AckBody) {
	if err := p.sess.SendAck(body); err != nil {
		p.log.Debug("send ack failed", slog.String("error", err.Error()))
	}
}

func reasonName(r wireframe.CloseReason) string {
	switch r {
	case wireframe.CloseNormal:
		return "normal"
	case wireframe.CloseIdleTimeout:
		return "idle_timeout"
	case wireframe.CloseDecryptFailures:
		return "decrypt_failures"
	case wireframe.CloseHandshakeFailed:
		return "handshake_failed"
	case wireframe.CloseNonceExhausted:
		return "nonce_exhausted"
	case wireframe.CloseMigrationFailed:
		return "migration_failed"
	case wireframe.CloseProtocolViolation:
		return "protocol_violation"
	case wireframe.CloseResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}
