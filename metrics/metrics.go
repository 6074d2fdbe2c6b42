// Package metrics defines the prometheus metric types the connection
// tracking engine exposes, and convenience accessors for them.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things coming into or out of the system: packets, snapshots, ticks.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollingHistogram tracks how long each tracker tick takes, from the
	// socket-table enumeration through the returned snapshot.
	PollingHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowwatch_polling_interval_seconds",
			Help:    "tracker tick duration distribution (seconds)",
			Buckets: prometheus.LinearBuckets(0, .01, 20),
		},
	)

	// PacketCountHistogram tracks how many packets a single poll drained
	// from the capture source.
	PacketCountHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowwatch_packets_per_poll",
			Help:    "packets drained per capture poll",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 50, 75, 100},
		},
	)

	// TrackedFlowsGauge tracks the number of flows currently in the
	// tracker's authoritative map.
	TrackedFlowsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowwatch_tracked_flows",
			Help: "number of flows currently tracked",
		},
	)

	// ReassemblerGauge tracks the number of live QUIC crypto-fragment
	// reassemblers.
	ReassemblerGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowwatch_reassemblers",
			Help: "number of live QUIC crypto fragment reassemblers",
		},
	)

	// ErrorCount measures the number of errors, labeled by kind, per the
	// error taxonomy (capture_open, capture_read, snapshot_source, parse,
	// buffer_limit, stale).
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowwatch_errors_total",
			Help: "total number of errors encountered, by kind",
		}, []string{"type"})

	// DroppedPacketsCount counts packets dropped for any reason (too
	// short, unparseable, non-IPv4) since tracker start.
	DroppedPacketsCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowwatch_dropped_packets_total",
			Help: "total packets dropped before reaching the tracker",
		},
	)

	// SnapshotCount counts the total number of consumer-visible snapshots
	// produced.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowwatch_snapshots_total",
			Help: "number of tracker snapshots produced",
		},
	)

	// FlowEventsCounter counts open/close events emitted over the event
	// bridge, labeled by event kind.
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowwatch_flow_events_total",
			Help: "number of flow open/close events emitted",
		}, []string{"event"})

	// RecordedFileCount counts the number of archive files the recorder
	// has rotated to.
	RecordedFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowwatch_recorded_files_total",
			Help: "number of recorder archive files created",
		},
	)
)

func init() {
	log.Println("Prometheus metrics in flowwatch.metrics are registered.")
}
