package streammux

import (
	"sync"
	"time"

	"github.com/shranto27/wraith/internal/wireframe"
)

// AckDelay is the timer used to coalesce acks for in-order data.
const AckDelay = 25 * time.Millisecond

// MaxUnackedBeforeForce bounds how many received frames accumulate
// before an ack is forced even if the delay timer hasn't fired.
const MaxUnackedBeforeForce = 2

type seqInterval struct {
	lo, hi uint64 // inclusive
}

// AckGenerator tracks received frame sequence numbers for one session
// and decides when to emit an Ack: immediately for out-of-order
// arrivals, on a coalescing timer for in-order arrivals, and forced
// once too many frames have accumulated unacked.
type AckGenerator struct {
	mu        sync.Mutex
	intervals []seqInterval // ascending, non-overlapping, non-adjacent
	haveAny   bool
	largest   uint64
	unacked   int

	timer      *time.Timer
	timerFires bool
	flush      func(*wireframe.AckBody)
}

// NewAckGenerator creates an AckGenerator that invokes flush whenever
// an ack should be sent.
func NewAckGenerator(flush func(*wireframe.AckBody)) *AckGenerator {
	return &AckGenerator{flush: flush}
}

// Observe records receipt of sequence seq and triggers an immediate
// or delayed flush per the ack timing rules.
func (g *AckGenerator) Observe(seq uint64) {
	g.mu.Lock()
	inOrder := g.haveAny && seq == g.largest+1
	g.insertLocked(seq)
	if seq > g.largest || !g.haveAny {
		g.largest = seq
	}
	g.haveAny = true
	g.unacked++

	force := g.unacked >= MaxUnackedBeforeForce
	immediate := !inOrder || force
	var toFlush *wireframe.AckBody
	if immediate {
		toFlush = g.buildLocked()
		g.unacked = 0
		g.stopTimerLocked()
	} else if !g.timerFires {
		g.armTimerLocked()
	}
	g.mu.Unlock()

	if toFlush != nil {
		g.flush(toFlush)
	}
}

func (g *AckGenerator) armTimerLocked() {
	g.timerFires = true
	g.timer = time.AfterFunc(AckDelay, func() {
		g.mu.Lock()
		g.timerFires = false
		body := g.buildLocked()
		g.unacked = 0
		g.mu.Unlock()
		if body != nil {
			g.flush(body)
		}
	})
}

func (g *AckGenerator) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timerFires = false
}

func (g *AckGenerator) insertLocked(seq uint64) {
	for i, iv := range g.intervals {
		switch {
		case seq+1 == iv.lo:
			g.intervals[i].lo = seq
			g.mergeWithPrevLocked(i)
			return
		case seq == iv.hi+1:
			g.intervals[i].hi = seq
			g.mergeWithNextLocked(i)
			return
		case seq >= iv.lo && seq <= iv.hi:
			return // already seen
		case seq < iv.lo:
			g.intervals = append(g.intervals, seqInterval{})
			copy(g.intervals[i+1:], g.intervals[i:])
			g.intervals[i] = seqInterval{lo: seq, hi: seq}
			return
		}
	}
	g.intervals = append(g.intervals, seqInterval{lo: seq, hi: seq})
}

func (g *AckGenerator) mergeWithPrevLocked(i int) {
	if i > 0 && g.intervals[i-1].hi+1 == g.intervals[i].lo {
		g.intervals[i-1].hi = g.intervals[i].hi
		g.intervals = append(g.intervals[:i], g.intervals[i+1:]...)
	}
}

func (g *AckGenerator) mergeWithNextLocked(i int) {
	if i+1 < len(g.intervals) && g.intervals[i].hi+1 == g.intervals[i+1].lo {
		g.intervals[i].hi = g.intervals[i+1].hi
		g.intervals = append(g.intervals[:i+1], g.intervals[i+2:]...)
	}
}

// buildLocked encodes the current interval set as a QUIC-style
// descending (gap, length) range list, highest range first.
func (g *AckGenerator) buildLocked() *wireframe.AckBody {
	if !g.haveAny {
		return nil
	}
	body := &wireframe.AckBody{LargestAcked: g.largest}
	ranges := make([]wireframe.AckRange, 0, len(g.intervals))
	prevLow := uint64(0)
	for i := len(g.intervals) - 1; i >= 0; i-- {
		iv := g.intervals[i]
		length := iv.hi - iv.lo + 1
		if i == len(g.intervals)-1 {
			ranges = append(ranges, wireframe.AckRange{Gap: 0, Length: length})
		} else {
			gap := prevLow - iv.hi - 1
			ranges = append(ranges, wireframe.AckRange{Gap: gap, Length: length})
		}
		prevLow = iv.lo
	}
	body.Ranges = ranges
	return body
}

// EvictBelow discards interval bookkeeping for sequence numbers below
// low, mirroring the ratchet replay window's own eviction so the ack
// generator's memory doesn't grow unbounded over a long session.
func (g *AckGenerator) EvictBelow(low uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.intervals[:0]
	for _, iv := range g.intervals {
		if iv.hi < low {
			continue
		}
		if iv.lo < low {
			iv.lo = low
		}
		kept = append(kept, iv)
	}
	g.intervals = kept
}
