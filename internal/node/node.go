// Package node wires every layer of wraith together into one running
// peer: the shared UDP socket, per-peer sessions and their ratchets,
// stream multiplexing, congestion control, path MTU discovery, traffic
// padding, and the chunked file transfer engine. It is the package
// cmd/wraith drives; everything below it is a reusable collaborator.
package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shranto27/wraith/internal/config"
	"github.com/shranto27/wraith/internal/congestion"
	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/discovery"
	"github.com/shranto27/wraith/internal/identity"
	"github.com/shranto27/wraith/internal/ioglue"
	"github.com/shranto27/wraith/internal/metrics"
	"github.com/shranto27/wraith/internal/obfuscation"
	"github.com/shranto27/wraith/internal/pmtu"
	"github.com/shranto27/wraith/internal/session"
	"github.com/shranto27/wraith/internal/streammux"
	"github.com/shranto27/wraith/internal/wireframe"
)

// ErrAlreadyConnected is returned by DialPeer when a session to the
// requested address is already established or handshaking.
var ErrAlreadyConnected = errors.New("node: already connected to this address")

// ErrClosed is returned by node operations attempted after Close.
var ErrClosed = errors.New("node: closed")

// Config bundles everything a Node needs beyond the parsed file
// configuration: the resolved identity and the collaborators the
// config's Enabled flags pick between.
type Config struct {
	Config   *config.Config
	Identity *identity.Identity
	Resolver discovery.Resolver // optional; nil disables Resolve-by-peer-id
	Opener   discovery.PathOpener
	Obf      obfuscation.Transform
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Node is one running wraith endpoint: a bound UDP socket multiplexing
// any number of peer sessions, each carrying its own stream mux,
// congestion controller, and PMTU prober.
type Node struct {
	cfg      config.Config
	identity *identity.Identity
	resolver discovery.Resolver
	opener   discovery.PathOpener
	obf      obfuscation.Transform
	log      *slog.Logger
	metrics  *metrics.Metrics

	conn    *net.UDPConn
	io      *ioglue.Handler
	pool    *ioglue.WorkerPool
	muxCfg  streammux.ManagerConfig

	acceptIncoming acceptIncomingFunc

	mu      sync.RWMutex
	peers   map[uint64]*Peer
	byAddr  map[string]*Peer
	closed  atomic.Bool
}

// New binds the configured UDP listener and constructs a Node. Call
// Run to start servicing it.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, errors.New("node: Config.Identity is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	obf := cfg.Obf
	if obf == nil {
		obf = obfuscation.NewDefault()
	}
	opener := cfg.Opener
	if opener == nil {
		opener = discovery.DirectPathOpener{}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Config.Node.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("node: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: listen: %w", err)
	}

	n := &Node{
		cfg:      *cfg.Config,
		identity: cfg.Identity,
		resolver: cfg.Resolver,
		opener:   opener,
		obf:      obf,
		log:      log.With(slog.String("component", "node")),
		metrics:  m,
		conn:     conn,
		pool:     ioglue.NewWorkerPool(cfg.Config.Transfer.MaxConcurrentTransfers),
		muxCfg:   streammux.DefaultManagerConfig(),
		acceptIncoming: defaultAcceptIncoming(cfg.Config.Node.DataDir),
		peers:    make(map[uint64]*Peer),
		byAddr:   make(map[string]*Peer),
	}

	n.io = ioglue.NewHandler(ioglue.Config{
		Conn:                conn,
		Accept:              n.acceptResponder,
		IdleCleanupInterval: 30 * time.Second,
		Logger:              log,
	})
	return n, nil
}

// LocalAddr returns the bound UDP socket's address.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Run starts the read loop and background peer maintenance. It
// returns immediately; call Close to stop.
func (n *Node) Run() {
	n.io.Run()
	go n.maintainLoop()
}

// Close tears down every peer session and the underlying socket.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.io.Close()

	n.mu.Lock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peers = make(map[uint64]*Peer)
	n.byAddr = make(map[string]*Peer)
	n.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	return n.conn.Close()
}

// DialPeer opens a session to remoteAddr, expecting (if expectedStatic
// is non-zero) the peer's static key to match. It blocks until the
// handshake completes or ctx is done.
func (n *Node) DialPeer(ctx context.Context, remoteAddr net.Addr, expectedStatic cryptocore.Key) (*Peer, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	n.mu.Lock()
	if _, ok := n.byAddr[remoteAddr.String()]; ok {
		n.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	connID := n.newConnectionID()
	n.mu.Unlock()

	p := n.newPeer(connID, remoteAddr, expectedStatic, true, session.NewInitiator)
	n.register(p)

	start := time.Now()
	if err := p.sess.Dial(ctx); err != nil {
		n.unregister(p)
		n.metrics.RecordHandshakeError("dial_failed")
		return nil, fmt.Errorf("node: dial %s: %w", remoteAddr, err)
	}
	n.metrics.RecordSessionEstablished(time.Since(start).Seconds())
	go p.runLifecycle()
	return p, nil
}

// ResolveAndDial looks peerKey up via the configured Resolver and
// dials its first candidate address.
func (n *Node) ResolveAndDial(ctx context.Context, peerKey cryptocore.Key) (*Peer, error) {
	if n.resolver == nil {
		return nil, errors.New("node: no Resolver configured")
	}
	addrs, err := n.resolver.Resolve(ctx, peerKey)
	if err != nil {
		return nil, fmt.Errorf("node: resolve peer: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("node: resolver returned no addresses for peer")
	}
	for _, addr := range addrs {
		reachable, err := n.opener.OpenPath(ctx, n.LocalAddr(), addr)
		if err != nil || !reachable {
			continue
		}
		return n.DialPeer(ctx, addr, peerKey)
	}
	return nil, fmt.Errorf("node: no reachable address for peer")
}

// acceptResponder is ioglue.AcceptFunc: it spins up a responder
// Session for an unrecognized connection ID bearing a handshake
// phase-1 frame.
func (n *Node) acceptResponder(connectionID uint64, fromAddr net.Addr) (*session.Session, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	p := n.newPeer(connectionID, fromAddr, cryptocore.Key{}, false, session.NewResponder)
	n.register(p)
	go func() {
		select {
		case <-p.sess.Ready():
			n.metrics.RecordSessionEstablished(0)
			go p.runLifecycle()
		case <-p.sess.Done():
			n.unregister(p)
		}
	}()
	return p.sess, nil
}

type sessionCtor func(session.Config) *session.Session

func (n *Node) newPeer(connID uint64, addr net.Addr, expectedStatic cryptocore.Key, isInitiator bool, ctor sessionCtor) *Peer {
	p := &Peer{
		node: n,
		log:  n.log.With(slog.Uint64("connection_id", connID)),
	}
	p.mux = streammux.NewManager(n.muxCfg, isInitiator)
	p.congestion = congestion.NewController()
	p.loss = congestion.NewLossDetector()
	p.mtu = n.newProber()
	p.ackgen = streammux.NewAckGenerator(p.flushAck)
	p.pending = make(map[uint64]*pendingSend)
	p.transfersIn = make(map[uint32]*incomingTransfer)
	p.controlBuf = make(map[uint32][]byte)
	p.mux.SetCallbacks(p.onStreamOpen, p.onStreamClose, p.onControlData)

	p.sess = ctor(session.Config{
		Identity:         n.identity,
		RemoteStatic:     expectedStatic,
		RemoteAddr:       addr,
		ConnectionID:     connID,
		Sender:           n.io,
		OnFrame:          p.onFrame,
		OnClose:          p.onSessionClose,
		OnDecryptFailure: n.metrics.RecordDecryptFailure,
		OnReplay:         n.metrics.RecordReplayDetected,
		Logger:           n.log,
	})
	return p
}

func (n *Node) newProber() pmtu.Prober {
	pc := n.cfg.PMTU
	if !pc.Enabled {
		return pmtu.NewStatic(uint16(pc.InitialMTU))
	}
	return pmtu.NewClimbing(uint16(pc.InitialMTU), uint16(pc.MinMTU), uint16(pc.MaxMTU))
}

func (n *Node) register(p *Peer) {
	n.mu.Lock()
	n.peers[p.sess.ConnectionID()] = p
	n.byAddr[p.sess.RemoteAddr().String()] = p
	n.mu.Unlock()
	n.io.Register(p.sess)
}

func (n *Node) unregister(p *Peer) {
	n.mu.Lock()
	delete(n.peers, p.sess.ConnectionID())
	delete(n.byAddr, p.sess.RemoteAddr().String())
	n.mu.Unlock()
	n.io.Remove(p.sess.ConnectionID())
}

func (n *Node) newConnectionID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		id := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
			uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
		if id == 0 {
			continue
		}
		if _, ok := n.peers[id]; !ok {
			return id
		}
	}
}

// Peers returns every currently registered peer.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// maintainLoop periodically drives rekey and idle-timeout policy for
// every live peer, mirroring the per-connection keepalive goroutine
// the session layer expects the owning node to run.
func (n *Node) maintainLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if n.closed.Load() {
			return
		}
		for _, p := range n.Peers() {
			if p.sess.NeedsRekey() {
				if err := p.sess.InitiateRekey(); err != nil {
					p.log.Warn("rekey failed", slog.String("error", err.Error()))
				}
			}
			if p.sess.IdleFor() > n.cfg.Session.IdleTimeout {
				_ = p.sess.SendClose(wireframe.CloseIdleTimeout)
				p.Close()
				n.unregister(p)
			}
		}
	}
}
