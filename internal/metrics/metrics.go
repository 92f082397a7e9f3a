// Package metrics exposes Prometheus collectors for the delegation
// pipeline, escrow flows, mesh membership, and the journal.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the daemon registers.
type Metrics struct {
	// Delegation pipeline
	DelegationsTotal   *prometheus.CounterVec
	DelegationDuration *prometheus.HistogramVec
	FrictionScore      prometheus.Histogram
	FirebreakActions   *prometheus.CounterVec

	// Escrow
	BondsHeld    prometheus.Counter
	BondsSlashed *prometheus.CounterVec
	SinkBalance  prometheus.Gauge
	PeerBalance  *prometheus.GaugeVec
	PeerTrust    *prometheus.GaugeVec

	// Mesh
	ActivePeers      prometheus.Gauge
	QuarantinedPeers prometheus.Gauge
	HeartbeatLatency *prometheus.HistogramVec

	// Auctions
	AuctionsTotal *prometheus.CounterVec
	BidsReceived  prometheus.Counter

	// Journal
	JournalEvents   *prometheus.CounterVec
	AnomaliesTotal  *prometheus.CounterVec
	SybilFlagsTotal *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		DelegationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_delegations_total",
				Help: "Delegations by terminal outcome",
			},
			[]string{"outcome"}, // completed, violated, timeout, rejected
		),
		DelegationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mesh_delegation_duration_seconds",
				Help:    "Wall-clock duration of dispatched delegations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"peer_node_id"},
		),
		FrictionScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mesh_friction_score",
				Help:    "Cognitive friction score assigned before dispatch",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
			},
		),
		FirebreakActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_firebreak_actions_total",
				Help: "Firebreak gate decisions",
			},
			[]string{"action"}, // allow, require_confirmation, block
		),

		BondsHeld: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_bonds_held_total",
				Help: "Bonds successfully held",
			},
		),
		BondsSlashed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_bonds_slashed_total",
				Help: "Bond slashes by cause",
			},
			[]string{"cause"}, // violation, timeout
		),
		SinkBalance: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_escrow_sink_usd",
				Help: "Cumulative slashed amount in the sink",
			},
		),
		PeerBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_escrow_free_balance_usd",
				Help: "Free escrow balance per peer",
			},
			[]string{"node_id"},
		),
		PeerTrust: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_peer_trust_score",
				Help: "Derived trust score per peer",
			},
			[]string{"node_id"},
		),

		ActivePeers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_active_peers",
				Help: "Peers currently in the active state",
			},
		),
		QuarantinedPeers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_quarantined_peers",
				Help: "Peers currently quarantined by the anomaly detector",
			},
		),
		HeartbeatLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mesh_heartbeat_latency_seconds",
				Help:    "Round-trip latency of outbound heartbeats",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"peer_node_id"},
		),

		AuctionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_auctions_total",
				Help: "Auctions by terminal status",
			},
			[]string{"status"}, // awarded, expired, cancelled
		),
		BidsReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_bids_received_total",
				Help: "Bids accepted across all auctions",
			},
		),

		JournalEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_journal_events_total",
				Help: "Journal events emitted by type",
			},
			[]string{"type"},
		),
		AnomaliesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_anomalies_total",
				Help: "Anomaly reports by type and severity",
			},
			[]string{"type", "severity"},
		),
		SybilFlagsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_sybil_flags_total",
				Help: "Sybil reports by indicator",
			},
			[]string{"indicator"},
		),
	}
}

// RecordDelegation records one terminal delegation outcome.
func (m *Metrics) RecordDelegation(outcome, peerNodeID string, durationSeconds float64) {
	m.DelegationsTotal.WithLabelValues(outcome).Inc()
	if peerNodeID != "" {
		m.DelegationDuration.WithLabelValues(peerNodeID).Observe(durationSeconds)
	}
}

// RecordSlash records a bond slash and the sink growth.
func (m *Metrics) RecordSlash(cause string, sinkTotal float64) {
	m.BondsSlashed.WithLabelValues(cause).Inc()
	m.SinkBalance.Set(sinkTotal)
}

// UpdatePeer refreshes the per-peer gauges.
func (m *Metrics) UpdatePeer(nodeID string, trust, freeBalance float64) {
	m.PeerTrust.WithLabelValues(nodeID).Set(trust)
	m.PeerBalance.WithLabelValues(nodeID).Set(freeBalance)
}
