// Package metrics provides Prometheus metrics collection for the streaming
// inference gateway. It tracks admissions, denials, stream outcomes, content
// policy blocks, and quota broadcast activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "streamgate"
)

// =============================================================================
// Admission Metrics
// =============================================================================

var (
	// AdmissionsTotal counts admitted generation requests.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admitted generation requests",
		},
		[]string{"model"},
	)

	// DenialsTotal counts denied generation requests by reason.
	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Total number of denied generation requests",
		},
		[]string{"model", "reason"},
	)

	// ThrottleEventsTotal counts upstream-reported throttle events.
	ThrottleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Total number of provider-reported throttle events",
		},
		[]string{"model"},
	)
)

// =============================================================================
// Stream Metrics
// =============================================================================

var (
	// ActiveStreams tracks currently relayed generations.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of in-flight relayed generations",
		},
	)

	// StreamOutcomesTotal counts terminal relay states.
	StreamOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Total number of relayed generations by terminal state",
		},
		[]string{"model", "outcome"},
	)

	// ChunksForwardedTotal counts content chunks forwarded to clients.
	ChunksForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_forwarded_total",
			Help:      "Total number of content chunks forwarded to clients",
		},
		[]string{"model"},
	)

	// BlockedGenerationsTotal counts generations terminated by content policy.
	BlockedGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_generations_total",
			Help:      "Total number of generations blocked by content policy",
		},
		[]string{"model", "mode"},
	)

	// StreamDurationSeconds tracks end-to-end relay duration.
	StreamDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "End-to-end relayed generation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)
)

// =============================================================================
// Broadcast Metrics
// =============================================================================

var (
	// Observers tracks currently subscribed countdown observers.
	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Number of subscribed quota countdown observers",
		},
	)

	// BroadcastSendsTotal counts snapshot writes to observers.
	BroadcastSendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Total number of countdown snapshots written to observers",
		},
	)

	// BroadcastSuppressedTotal counts snapshots skipped by delta suppression.
	BroadcastSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_suppressed_total",
			Help:      "Total number of countdown snapshots suppressed as unchanged",
		},
	)

	// ObserverWriteFailuresTotal counts failed observer writes.
	ObserverWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_write_failures_total",
			Help:      "Total number of observer writes that failed and triggered unregistration",
		},
	)
)

// =============================================================================
// Persistence Metrics
// =============================================================================

var (
	// SnapshotPersistFailuresTotal counts failed quota snapshot writes.
	// Persistence failures are swallowed; this is the only place they surface.
	SnapshotPersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_persist_failures_total",
			Help:      "Total number of failed quota snapshot persistence attempts",
		},
	)
)
