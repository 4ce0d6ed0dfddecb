package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Logging
// =============================================================================

var (
	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)
)

// =============================================================================
// Relay & Peer Transport
// =============================================================================

var (
	// RelayPeersActive tracks peers currently registered with the relay
	RelayPeersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_relay_peers_active",
			Help: "Number of peers currently connected to the relay",
		},
	)

	// RelayDisconnectsTotal counts peer deregistrations by kind (graceful, abrupt)
	RelayDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_relay_disconnects_total",
			Help: "Total number of peer disconnections",
		},
		[]string{"kind"},
	)

	// FramesReceivedTotal counts inbound frames by role (relay, peer)
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_frames_received_total",
			Help: "Total number of frames received",
		},
		[]string{"role"},
	)

	// FramesSentTotal counts outbound frames by role (relay, peer)
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_frames_sent_total",
			Help: "Total number of frames written to sockets",
		},
		[]string{"role"},
	)

	// BroadcastDropsTotal counts frames that could not be queued for a peer
	BroadcastDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabtext_broadcast_drops_total",
			Help: "Total number of frames dropped because a peer queue was full or closed",
		},
	)

	// BridgeFramesTotal counts frames crossing the redis bridge by direction
	BridgeFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_bridge_frames_total",
			Help: "Total number of frames mirrored through the redis bridge",
		},
		[]string{"direction"},
	)
)

// =============================================================================
// Sync
// =============================================================================

var (
	// DecodeResultsTotal counts decoder classifications by kind
	DecodeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_decode_results_total",
			Help: "Total number of decoded frames by classification",
		},
		[]string{"kind"},
	)

	// OutboundEditsTotal counts local edits transmitted by kind (insertion, deletion, full)
	OutboundEditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_outbound_edits_total",
			Help: "Total number of local edits transmitted",
		},
		[]string{"kind"},
	)

	// AppliedEditsTotal counts remote edits applied to the buffer by kind
	AppliedEditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_applied_edits_total",
			Help: "Total number of remote edits applied to the local buffer",
		},
		[]string{"kind"},
	)

	// SessionStartsTotal counts role starts by role and outcome
	SessionStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_session_starts_total",
			Help: "Total number of session role starts",
		},
		[]string{"role", "status"},
	)
)
