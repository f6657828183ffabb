// Package discovery defines the peer-discovery collaborator the node
// layer depends on to turn a peer identifier into a reachable UDP
// endpoint. No DHT, STUN, or hole-punching implementation lives here
// — that networking is out of scope for this module — but the
// interfaces exist so internal/node can be built and tested against a
// real dependency shape rather than left to invent its own ad hoc one
// later.
package discovery

import (
	"context"
	"errors"
	"net"

	"github.com/shranto27/wraith/internal/cryptocore"
)

// ErrUnknownPeer is returned by StaticResolver when asked to resolve a
// peer it has no address-book entry for.
var ErrUnknownPeer = errors.New("discovery: unknown peer")

// Resolver turns a peer's static public key into the set of endpoints
// it might currently be reachable at. A Kademlia DHT, a rendezvous
// server, or a static address book could all implement this.
type Resolver interface {
	Resolve(ctx context.Context, peer cryptocore.Key) ([]net.Addr, error)
}

// PathOpener attempts to establish a usable UDP path between a local
// and remote address, performing whatever hole-punching or relay
// negotiation the underlying strategy needs before a handshake
// datagram can get through.
type PathOpener interface {
	OpenPath(ctx context.Context, local, remote net.Addr) (reachable bool, err error)
}

// StaticResolver is a trivial Resolver backed by a fixed address book,
// useful for tests and for deployments that configure peers directly
// rather than discovering them.
type StaticResolver struct {
	addrs map[cryptocore.Key][]net.Addr
}

// NewStaticResolver builds a StaticResolver from a fixed peer->addrs map.
func NewStaticResolver(addrs map[cryptocore.Key][]net.Addr) *StaticResolver {
	return &StaticResolver{addrs: addrs}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, peer cryptocore.Key) ([]net.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, ok := r.addrs[peer]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return addrs, nil
}

// DirectPathOpener is a PathOpener that assumes the path is already
// reachable (no NAT traversal attempted), suitable for LAN deployments
// or peers with public addresses.
type DirectPathOpener struct{}

// OpenPath implements PathOpener by trusting the caller's addresses.
func (DirectPathOpener) OpenPath(ctx context.Context, local, remote net.Addr) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return remote != nil, nil
}
