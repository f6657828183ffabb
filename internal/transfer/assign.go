package transfer

import (
	"sync"
	"time"
)

// emaAlpha weights the newest sample in a peer's completion-speed
// estimate: the same exponential smoothing internal/congestion's loss
// detector applies to RTT, with a heavier weight than that detector's
// 1/8.
const emaAlpha = 0.3

// peerStats tracks one peer's exponentially-weighted average
// seconds-per-chunk, used both to size its share of a scheduling
// window and to compute when its outstanding chunks should be stolen.
type peerStats struct {
	emaSeconds float64
	haveSample bool
}

func (p *peerStats) observe(d time.Duration) {
	secs := d.Seconds()
	if secs <= 0 {
		secs = 0.001
	}
	if !p.haveSample {
		p.emaSeconds = secs
		p.haveSample = true
		return
	}
	p.emaSeconds = emaAlpha*secs + (1-emaAlpha)*p.emaSeconds
}

// estimatedSeconds returns the peer's current per-chunk speed
// estimate, defaulting to 1s/chunk before any sample has landed.
func (p *peerStats) estimatedSeconds() float64 {
	if !p.haveSample {
		return 1.0
	}
	return p.emaSeconds
}

type assignment struct {
	peer   string
	sentAt time.Time
}

// Assigner distributes a transfer's missing chunks across multiple
// peers. Each scheduling round hands out a window of
// max(4, 2*len(peers)) chunks, split between peers in proportion to
// their EMA speed so faster peers get more work. A chunk still
// outstanding after 2x its owner's estimated completion time is
// stolen back into the missing queue for reassignment; a late
// delivery from the original owner is resolved harmlessly at the
// bitmap level as a duplicate.
type Assigner struct {
	mu sync.Mutex

	missing *MissingSet
	peers   map[string]*peerStats
	current map[int]assignment
}

// NewAssigner creates an assigner over an existing missing-chunk set.
func NewAssigner(missing *MissingSet) *Assigner {
	return &Assigner{
		missing: missing,
		peers:   make(map[string]*peerStats),
		current: make(map[int]assignment),
	}
}

// AddPeer registers a peer as eligible to receive chunk assignments.
func (a *Assigner) AddPeer(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peers[id]; !ok {
		a.peers[id] = &peerStats{}
	}
}

// RemovePeer drops a peer and requeues anything still assigned to it.
func (a *Assigner) RemovePeer(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, id)
	for idx, asg := range a.current {
		if asg.peer == id {
			delete(a.current, idx)
			a.missing.Requeue(idx)
		}
	}
}

// PeerCount returns the number of registered peers.
func (a *Assigner) PeerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

func (a *Assigner) windowSizeLocked() int {
	n := 2 * len(a.peers)
	if n < 4 {
		n = 4
	}
	return n
}

// weightedShareLocked gives a peer a fraction of the window
// proportional to its inverse completion time (faster peers get more
// chunks per round).
func (a *Assigner) weightedShareLocked(id string, window int) int {
	if len(a.peers) <= 1 {
		return window
	}
	var totalRate float64
	for _, p := range a.peers {
		totalRate += 1.0 / p.estimatedSeconds()
	}
	if totalRate <= 0 {
		return window / len(a.peers)
	}
	rate := 1.0 / a.peers[id].estimatedSeconds()
	share := int(float64(window) * (rate / totalRate))
	if share < 1 {
		share = 1
	}
	return share
}

// NextAssignment hands peerID its weighted share of the next
// scheduling window's still-missing chunks.
func (a *Assigner) NextAssignment(peerID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.peers[peerID]; !ok {
		return nil
	}

	window := a.windowSizeLocked()
	share := a.weightedShareLocked(peerID, window)

	chunks := a.missing.NextMissing(share)
	now := time.Now()
	for _, idx := range chunks {
		a.current[idx] = assignment{peer: peerID, sentAt: now}
	}
	return chunks
}

// OnChunkAcked records a successful delivery by peerID, feeding its
// completion time into that peer's EMA speed estimate.
func (a *Assigner) OnChunkAcked(peerID string, chunkIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asg, ok := a.current[chunkIndex]; ok && asg.peer == peerID {
		if stats, ok := a.peers[peerID]; ok {
			stats.observe(time.Since(asg.sentAt))
		}
		delete(a.current, chunkIndex)
	}
	a.missing.MarkReceived(chunkIndex)
}

// StealStale reassigns chunks that have been outstanding with their
// current owner for longer than 2x that peer's estimated completion
// time, returning the stolen chunk indices.
func (a *Assigner) StealStale() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var stolen []int
	for idx, asg := range a.current {
		stats, ok := a.peers[asg.peer]
		if !ok {
			continue
		}
		deadline := time.Duration(2 * stats.estimatedSeconds() * float64(time.Second))
		if now.Sub(asg.sentAt) > deadline {
			delete(a.current, idx)
			a.missing.Requeue(idx)
			stolen = append(stolen, idx)
		}
	}
	return stolen
}
