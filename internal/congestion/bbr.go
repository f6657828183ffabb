// Package congestion implements a BBR-style congestion controller:
// four states (Startup, Drain, ProbeBandwidth, ProbeRTT) driven off
// windowed bottleneck-bandwidth and round-trip-propagation-delay
// estimates, with pacing enforced through a token bucket.
package congestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State is BBR's current operating mode.
type State int

const (
	StateStartup State = iota
	StateDrain
	StateProbeBandwidth
	StateProbeRTT
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateDrain:
		return "DRAIN"
	case StateProbeBandwidth:
		return "PROBE_BANDWIDTH"
	case StateProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

const (
	// startupGrowthThreshold is the minimum per-round BtlBw growth
	// (25%) required to remain in Startup.
	startupGrowthThreshold = 1.25
	// startupRoundsNoGain is how many consecutive rounds below the
	// growth threshold before Startup exits to Drain.
	startupRoundsNoGain = 3

	// btlBwWindowRounds is the windowed-max filter depth for BtlBw,
	// expressed in delivery "rounds" (roughly one per RTT).
	btlBwWindowRounds = 10

	// rtPropWindow is the windowed-min filter depth for RTProp.
	rtPropWindow = 10 * time.Second

	probeRTTInterval    = 10 * time.Second
	probeRTTDuration    = 200 * time.Millisecond
	probeRTTCwndPackets = 4

	// segmentSize approximates one wire frame's payload for cwnd-in-
	// packets calculations (ProbeRTT's "4 packets" floor).
	segmentSize = 1200
)

// probeBandwidthGainCycle is ProbeBandwidth's 8-phase pacing_gain
// cycle, one phase per RTProp.
var probeBandwidthGainCycle = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

type bwSample struct {
	round int
	rate  float64 // bytes/sec
}

type rttSample struct {
	at  time.Time
	rtt time.Duration
}

// Controller is one connection's BBR state.
type Controller struct {
	mu sync.Mutex

	state State

	round         int
	bwSamples     []bwSample
	rttSamples    []rttSample
	btlBw         float64 // bytes/sec, windowed max of bwSamples
	rtProp        time.Duration

	roundsNoGain    int
	lastBtlBwAtLast float64

	cycleIndex int
	cycleStart time.Time

	probeRTTDeadline time.Time
	inProbeRTT       bool
	lastProbeRTT     time.Time

	limiter *rate.Limiter
}

// NewController creates a BBR controller starting in Startup with an
// optimistic initial pacing rate, ramped down once real samples
// arrive.
func NewController() *Controller {
	now := time.Now()
	c := &Controller{
		state:        StateStartup,
		cycleStart:   now,
		lastProbeRTT: now,
		limiter:      rate.NewLimiter(rate.Limit(1<<20), 64*1024), // 1 MB/s burst-of-64KiB until first sample
	}
	return c
}

// OnAck reports that bytesAcked bytes sent at sendTime were acked at
// ackTime, with measured round-trip time rtt. It updates the BtlBw/
// RTProp filters, advances the state machine, and retunes pacing.
func (c *Controller) OnAck(bytesAcked int, sendTime, ackTime time.Time, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	interval := ackTime.Sub(sendTime)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deliveryRate := float64(bytesAcked) / interval.Seconds()

	c.round++
	c.bwSamples = append(c.bwSamples, bwSample{round: c.round, rate: deliveryRate})
	c.trimBwSamplesLocked()
	c.btlBw = c.maxBwLocked()

	c.rttSamples = append(c.rttSamples, rttSample{at: ackTime, rtt: rtt})
	c.trimRTTSamplesLocked(ackTime)
	c.rtProp = c.minRTTLocked()

	c.advanceStateLocked(ackTime)
	c.retunePacingLocked()
}

func (c *Controller) trimBwSamplesLocked() {
	cutoff := c.round - btlBwWindowRounds
	i := 0
	for ; i < len(c.bwSamples); i++ {
		if c.bwSamples[i].round > cutoff {
			break
		}
	}
	c.bwSamples = c.bwSamples[i:]
}

func (c *Controller) maxBwLocked() float64 {
	var max float64
	for _, s := range c.bwSamples {
		if s.rate > max {
			max = s.rate
		}
	}
	return max
}

func (c *Controller) trimRTTSamplesLocked(now time.Time) {
	cutoff := now.Add(-rtPropWindow)
	i := 0
	for ; i < len(c.rttSamples); i++ {
		if c.rttSamples[i].at.After(cutoff) {
			break
		}
	}
	c.rttSamples = c.rttSamples[i:]
}

func (c *Controller) minRTTLocked() time.Duration {
	if len(c.rttSamples) == 0 {
		return c.rtProp
	}
	min := c.rttSamples[0].rtt
	for _, s := range c.rttSamples[1:] {
		if s.rtt < min {
			min = s.rtt
		}
	}
	return min
}

func (c *Controller) advanceStateLocked(now time.Time) {
	switch c.state {
	case StateStartup:
		if c.btlBw > c.lastBtlBwAtLast*startupGrowthThreshold {
			c.roundsNoGain = 0
		} else {
			c.roundsNoGain++
		}
		c.lastBtlBwAtLast = c.btlBw
		if c.roundsNoGain >= startupRoundsNoGain {
			c.state = StateDrain
			c.cycleStart = now
		}
	case StateDrain:
		// Drain until the estimated in-flight backlog empties to the
		// BDP; approximated here by a single RTProp of draining since
		// OnAck is the only clock we have.
		if now.Sub(c.cycleStart) >= c.rtProp {
			c.state = StateProbeBandwidth
			c.cycleIndex = 0
			c.cycleStart = now
		}
	case StateProbeBandwidth:
		if c.rtProp > 0 && now.Sub(c.cycleStart) >= c.rtProp {
			c.cycleIndex = (c.cycleIndex + 1) % len(probeBandwidthGainCycle)
			c.cycleStart = now
		}
	case StateProbeRTT:
		if !c.inProbeRTT {
			c.inProbeRTT = true
			c.probeRTTDeadline = now.Add(probeRTTDuration)
		} else if now.After(c.probeRTTDeadline) {
			c.inProbeRTT = false
			c.lastProbeRTT = now
			c.state = StateProbeBandwidth
			c.cycleIndex = 0
			c.cycleStart = now
		}
	}

	if c.state != StateProbeRTT && now.Sub(c.lastProbeRTT) >= probeRTTInterval {
		c.state = StateProbeRTT
		c.inProbeRTT = false
	}
}

// pacingGainLocked returns the current phase's pacing multiplier.
func (c *Controller) pacingGainLocked() float64 {
	switch c.state {
	case StateStartup:
		return 2.0 // doubles the send rate each round, per spec
	case StateDrain:
		return 1 / 2.0
	case StateProbeBandwidth:
		return probeBandwidthGainCycle[c.cycleIndex]
	case StateProbeRTT:
		return 1
	default:
		return 1
	}
}

func (c *Controller) retunePacingLocked() {
	if c.btlBw <= 0 {
		return
	}
	pacingRate := c.btlBw * c.pacingGainLocked()
	burst := int(pacingRate / 10) // ~100ms worth of burst
	if burst < segmentSize {
		burst = segmentSize
	}
	c.limiter.SetLimit(rate.Limit(pacingRate))
	c.limiter.SetBurst(burst)
}

// Cwnd returns the current congestion window in bytes: BtlBw × RTProp
// × gain; while a ProbeRTT interval runs it is exactly
// probeRTTCwndPackets segments.
func (c *Controller) Cwnd() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateProbeRTT && c.inProbeRTT {
		return probeRTTCwndPackets * segmentSize
	}
	if c.btlBw <= 0 || c.rtProp <= 0 {
		return 4 * segmentSize // conservative floor before any samples
	}
	bdp := c.btlBw * c.rtProp.Seconds()
	gain := c.pacingGainLocked()
	return uint64(bdp * gain)
}

// State returns the controller's current BBR state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BtlBw returns the current bottleneck bandwidth estimate, bytes/sec.
func (c *Controller) BtlBw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btlBw
}

// RTProp returns the current round-trip propagation delay estimate.
func (c *Controller) RTProp() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtProp
}

// Limiter exposes the underlying pacing token bucket so the send
// scheduler can gate frame emission through it directly.
func (c *Controller) Limiter() *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter
}
