package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shranto27/wraith/internal/config"
	"github.com/shranto27/wraith/internal/identity"
	"github.com/shranto27/wraith/internal/logging"
)

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ListenAddress = "127.0.0.1:0"
	cfg.Node.DataDir = dataDir
	cfg.Transfer.ChunkSize = 4096
	cfg.Transfer.MaxConcurrentTransfers = 4
	cfg.Session.HandshakeTimeout = 3 * time.Second
	return cfg
}

func newTestNode(t *testing.T, dataDir string) *Node {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	n, err := New(Config{
		Config:   testConfig(t, dataDir),
		Identity: id,
		Logger:   logging.NopLogger(),
	})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	n.Run()
	t.Cleanup(func() { n.Close() })
	return n
}

// TestDialPeerEstablishesSession drives a real handshake between two
// Nodes bound to distinct loopback sockets and checks both sides agree
// on the peer's identity.
func TestDialPeerEstablishesSession(t *testing.T) {
	a := newTestNode(t, t.TempDir())
	b := newTestNode(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peerFromA, err := a.DialPeer(ctx, b.LocalAddr(), b.identity.StaticPub)
	if err != nil {
		t.Fatalf("DialPeer: %v", err)
	}

	if peerFromA.RemoteStatic() != [32]byte(b.identity.StaticPub) {
		t.Fatal("initiator sees the wrong remote static key")
	}

	deadline := time.After(2 * time.Second)
	for len(b.Peers()) == 0 {
		select {
		case <-deadline:
			t.Fatal("responder never registered a peer")
		case <-time.After(10 * time.Millisecond):
		}
	}
	peerFromB := b.Peers()[0]
	if peerFromB.RemoteStatic() != [32]byte(a.identity.StaticPub) {
		t.Fatal("responder sees the wrong remote static key")
	}
}

// TestSendFileRoundTrip sends a file larger than one chunk across a
// real handshake and checks the receiver reassembles and verifies it
// byte for byte.
func TestSendFileRoundTrip(t *testing.T) {
	senderDir, receiverDir := t.TempDir(), t.TempDir()
	sender := newTestNode(t, senderDir)
	receiver := newTestNode(t, receiverDir)

	content := make([]byte, 4096*3+777) // spans multiple 4096-byte chunks
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	srcPath := filepath.Join(senderDir, "payload.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer, err := sender.DialPeer(ctx, receiver.LocalAddr(), receiver.identity.StaticPub)
	if err != nil {
		t.Fatalf("DialPeer: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- sender.SendFile(ctx, peer, srcPath) }()

	var incomingPeer *Peer
	var streamID uint32
	deadline := time.After(5 * time.Second)
	for incomingPeer == nil {
		for _, p := range receiver.Peers() {
			if id, ok := p.FirstIncomingTransfer(); ok {
				incomingPeer, streamID = p, id
				break
			}
		}
		if incomingPeer != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("receiver never registered the incoming transfer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := receiver.WaitIncoming(ctx, incomingPeer, streamID); err != nil {
		t.Fatalf("WaitIncoming: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(receiverDir, "incoming", "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("received file content does not match what was sent")
	}
}
