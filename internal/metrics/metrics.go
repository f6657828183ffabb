// Package metrics provides Prometheus metrics for wraith.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wraith"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal       prometheus.Counter
	SessionCloses       *prometheus.CounterVec
	HandshakeLatency    prometheus.Histogram
	HandshakeErrors     *prometheus.CounterVec
	RekeysCompleted     prometheus.Counter
	MigrationsCompleted prometheus.Counter
	MigrationsFailed    prometheus.Counter

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram

	// Frame / data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	DecryptFailures prometheus.Counter
	ReplayDetected  prometheus.Counter

	// Congestion control metrics
	CongestionState prometheus.Gauge
	BtlBwBytesPerSec prometheus.Gauge
	RTPropSeconds    prometheus.Gauge
	PacketsLost      prometheus.Counter

	// File transfer metrics
	ChunksSent        prometheus.Counter
	ChunksReceived    prometheus.Counter
	ChunksVerifyFailed prometheus.Counter
	ChunksStolen      prometheus.Counter
	TransfersStarted  prometheus.Counter
	TransfersComplete prometheus.Counter
	TransfersResumed  prometheus.Counter
	TransferBytesDone prometheus.Gauge

	// Path / PMTU metrics
	PMTUDiscovered prometheus.Gauge
	PMTUBlackholes prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total session closures by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake completion latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		RekeysCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_completed_total",
			Help:      "Total ratchet rekeys completed",
		}),
		MigrationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_completed_total",
			Help:      "Total successful connection migrations",
		}),
		MigrationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_failed_total",
			Help:      "Total failed connection migrations",
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by frame type",
		}, []string{"frame_type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by frame type",
		}, []string{"frame_type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total AEAD decrypt failures on established frames",
		}),
		ReplayDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_detected_total",
			Help:      "Total frames rejected as replays of an already-accepted sequence number",
		}),

		CongestionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_state",
			Help:      "Current BBR state (0=Startup,1=Drain,2=ProbeBandwidth,3=ProbeRTT)",
		}),
		BtlBwBytesPerSec: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "btlbw_bytes_per_second",
			Help:      "Current bottleneck bandwidth estimate",
		}),
		RTPropSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtprop_seconds",
			Help:      "Current round-trip propagation time estimate",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Total packets detected lost",
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total file chunks sent",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total file chunks received and verified",
		}),
		ChunksVerifyFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_verify_failed_total",
			Help:      "Total chunks that failed Merkle leaf verification",
		}),
		ChunksStolen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_stolen_total",
			Help:      "Total chunk assignments reclaimed from a slow peer",
		}),
		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_started_total",
			Help:      "Total file transfers started",
		}),
		TransfersComplete: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_complete_total",
			Help:      "Total file transfers completed and root-verified",
		}),
		TransfersResumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_resumed_total",
			Help:      "Total file transfers resumed from a journal sidecar",
		}),
		TransferBytesDone: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_done",
			Help:      "Bytes written for the most recently updated transfer",
		}),

		PMTUDiscovered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pmtu_discovered_bytes",
			Help:      "Most recently discovered path MTU",
		}),
		PMTUBlackholes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pmtu_blackholes_total",
			Help:      "Total PMTU blackhole detections (probe loss at current size)",
		}),
	}

	return m
}

// RecordSessionEstablished records a session reaching StateEstablished.
func (m *Metrics) RecordSessionEstablished(latencySeconds float64) {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordSessionClosed records a session closing for the given reason.
func (m *Metrics) RecordSessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionCloses.WithLabelValues(reason).Inc()
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordDecryptFailure records an AEAD authentication failure on an
// established frame.
func (m *Metrics) RecordDecryptFailure() { m.DecryptFailures.Inc() }

// RecordReplayDetected records a frame rejected for reusing an
// already-accepted sequence number. Distinct from a decrypt failure:
// it is expected background noise from a passive attacker re-sending
// captured traffic, not evidence of a forged frame.
func (m *Metrics) RecordReplayDetected() { m.ReplayDetected.Inc() }

// RecordFrameSent records an outbound frame of the given type.
func (m *Metrics) RecordFrameSent(frameType string, n int) {
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.WithLabelValues(frameType).Add(float64(n))
}

// RecordFrameReceived records an inbound frame of the given type.
func (m *Metrics) RecordFrameReceived(frameType string, n int) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.WithLabelValues(frameType).Add(float64(n))
}

// RecordChunkSent records one chunk handed to the transport.
func (m *Metrics) RecordChunkSent() { m.ChunksSent.Inc() }

// RecordChunkReceived records one chunk written and verified.
func (m *Metrics) RecordChunkReceived() { m.ChunksReceived.Inc() }

// RecordChunkVerifyFailed records a chunk that failed verification.
func (m *Metrics) RecordChunkVerifyFailed() { m.ChunksVerifyFailed.Inc() }

// SetCongestionState reports the current BBR state and estimates.
func (m *Metrics) SetCongestionState(state int, btlBwBytesPerSec, rtPropSeconds float64) {
	m.CongestionState.Set(float64(state))
	m.BtlBwBytesPerSec.Set(btlBwBytesPerSec)
	m.RTPropSeconds.Set(rtPropSeconds)
}
