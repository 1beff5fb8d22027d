package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the replication core.
type Metrics struct {
	// Transfer session metrics
	SessionsTotal       *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	SessionDuration     prometheus.Histogram
	BytesReplicatedTotal prometheus.Counter
	ChunksVerifiedTotal  prometheus.Counter
	ChunksFailedTotal    *prometheus.CounterVec
	PeersBlacklistedTotal prometheus.Counter

	// Peer catalog metrics
	PeerProbesTotal      *prometheus.CounterVec
	PeerProbeLatency     prometheus.Histogram
	PeersUnreachableTotal prometheus.Counter

	// Scheduler metrics
	QueueDepth           *prometheus.GaugeVec
	SessionsPreemptedTotal prometheus.Counter
	SlotsInUse           prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	ChunkStoreBytesUsed     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replicore_sessions_total",
				Help: "Total transfer sessions initiated, by terminal status",
			},
			[]string{"status"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "replicore_sessions_active",
				Help: "Currently active transfer sessions",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "replicore_session_duration_seconds",
				Help:    "Transfer session completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesReplicatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replicore_bytes_replicated_total",
				Help: "Total verified chunk bytes replicated",
			},
		),

		ChunksVerifiedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replicore_chunks_verified_total",
				Help: "Total chunks passing digest verification",
			},
		),

		ChunksFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replicore_chunks_failed_total",
				Help: "Chunks failing digest verification, by reason",
			},
			[]string{"reason"},
		),

		PeersBlacklistedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replicore_peers_blacklisted_total",
				Help: "Peers blacklisted within a session after repeated chunk failures",
			},
		),

		PeerProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replicore_peer_probes_total",
				Help: "Peer network probes, by result",
			},
			[]string{"result"},
		),

		PeerProbeLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "replicore_peer_probe_latency_ms",
				Help:    "Observed peer probe latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
		),

		PeersUnreachableTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replicore_peers_unreachable_total",
				Help: "Peer connections demoted to unreachable",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "replicore_queue_depth",
				Help: "Pending sync tasks, by scheduling priority",
			},
			[]string{"priority"},
		),

		SessionsPreemptedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "replicore_sessions_preempted_total",
				Help: "Sessions paused to free a concurrency slot for a higher-priority one",
			},
		),

		SlotsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "replicore_slots_in_use",
				Help: "Concurrency slots currently occupied by active sessions",
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replicore_database_operations_total",
				Help: "Database operation count, by operation and result",
			},
			[]string{"operation", "result"},
		),

		ChunkStoreBytesUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "replicore_chunkstore_bytes_used",
				Help: "Disk space used by the local verified-chunk store",
			},
		),
	}

	return m
}

// RecordSessionStart increments active-session gauges.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records terminal-session metrics.
func (m *Metrics) RecordSessionEnd(status string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkVerified updates metrics for a chunk passing verification.
func (m *Metrics) RecordChunkVerified(bytes int) {
	m.ChunksVerifiedTotal.Inc()
	m.BytesReplicatedTotal.Add(float64(bytes))
}

// RecordChunkFailed updates metrics for a chunk failing verification.
func (m *Metrics) RecordChunkFailed(reason string) {
	m.ChunksFailedTotal.WithLabelValues(reason).Inc()
}

// RecordPeerBlacklisted increments the session-scoped blacklist counter.
func (m *Metrics) RecordPeerBlacklisted() {
	m.PeersBlacklistedTotal.Inc()
}

// RecordPeerProbe records a network probe outcome and latency.
func (m *Metrics) RecordPeerProbe(success bool, latencyMs float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.PeerProbesTotal.WithLabelValues(result).Inc()
	if success {
		m.PeerProbeLatency.Observe(latencyMs)
	}
}

// RecordPeerUnreachable increments the unreachable-demotion counter.
func (m *Metrics) RecordPeerUnreachable() {
	m.PeersUnreachableTotal.Inc()
}

// SetQueueDepth sets the pending-task gauge for a scheduling priority.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordSessionPreempted increments the pre-emption counter.
func (m *Metrics) RecordSessionPreempted() {
	m.SessionsPreemptedTotal.Inc()
}

// SetSlotsInUse sets the occupied-concurrency-slot gauge.
func (m *Metrics) SetSlotsInUse(n int) {
	m.SlotsInUse.Set(float64(n))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
