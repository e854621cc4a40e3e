package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempo_sessions_active",
			Help: "Number of connected game sessions",
		},
	)

	SessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tempo_sessions_total",
			Help: "Total number of game sessions accepted",
		},
	)

	SessionsLagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tempo_sessions_lagged_total",
			Help: "Sessions dropped for falling behind the broadcast bus",
		},
	)

	// Command pipeline metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_commands_total",
			Help: "Commands processed by type and result",
		},
		[]string{"type", "result"},
	)

	EventsBroadcast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tempo_events_broadcast_total",
			Help: "Event frames published to the broadcast bus",
		},
	)

	WorldRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempo_world_revision",
			Help: "Current world revision",
		},
	)

	// Save file metrics
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tempo_flush_duration_seconds",
			Help:    "Save file flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tempo_flush_errors_total",
			Help: "Save file flushes that failed to commit",
		},
	)

	// Snapshot metrics
	SnapshotBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tempo_snapshot_bytes",
			Help:    "Size of snapshot frames sent to connecting clients",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		SessionsLagged,
		CommandsTotal,
		EventsBroadcast,
		WorldRevision,
		FlushDuration,
		FlushErrors,
		SnapshotBytes,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
