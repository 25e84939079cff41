// Package metrics provides Prometheus instrumentation for the drift
// coordinator. It exposes gauges for connection, queue, and session counts,
// counters for message throughput, and a histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the current number of users in the waiting pool.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_queue_size",
		Help: "Current number of users in the waiting pool",
	})

	// ActiveSessions tracks the current number of live chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts processed chat messages, labeled by outcome:
	// "sent" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// MatchDuration records the time from queue join to match creation.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_duration_seconds",
		Help:    "Time from queue join to match creation",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActiveSessions,
		MessagesTotal,
		MatchDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
