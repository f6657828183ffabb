package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/shranto27/wraith/internal/cryptocore"
)

func TestStaticResolverResolvesKnownPeer(t *testing.T) {
	peer := cryptocore.Key{1, 2, 3}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7777}
	r := NewStaticResolver(map[cryptocore.Key][]net.Addr{peer: {addr}})

	got, err := r.Resolve(context.Background(), peer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0].String() != addr.String() {
		t.Errorf("Resolve = %v, want [%v]", got, addr)
	}
}

func TestStaticResolverRejectsUnknownPeer(t *testing.T) {
	r := NewStaticResolver(nil)
	_, err := r.Resolve(context.Background(), cryptocore.Key{9})
	if err != ErrUnknownPeer {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestStaticResolverRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewStaticResolver(nil)
	_, err := r.Resolve(ctx, cryptocore.Key{})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestDirectPathOpenerAssumesReachable(t *testing.T) {
	var o DirectPathOpener
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	ok, err := o.OpenPath(context.Background(), nil, remote)
	if err != nil || !ok {
		t.Fatalf("OpenPath = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestDirectPathOpenerRejectsNilRemote(t *testing.T) {
	var o DirectPathOpener
	ok, err := o.OpenPath(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unreachable for nil remote")
	}
}
