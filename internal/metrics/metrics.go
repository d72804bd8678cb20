package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktrack_session_transitions_total",
			Help: "Session lifecycle transitions",
		},
		[]string{"transition", "result"},
	)

	SessionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worktrack_session_cas_retries_total",
			Help: "Session writes retried after a concurrent modification",
		},
	)

	LivenessSignals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worktrack_liveness_signals_total",
			Help: "Heartbeats received from clients",
		},
	)

	// Sweeper metrics
	SweepStopped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worktrack_sweep_sessions_stopped_total",
			Help: "Sessions auto-stopped for missing liveness",
		},
	)

	SweepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worktrack_sweep_failures_total",
			Help: "Per-session save failures during sweeps",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worktrack_sweep_duration_seconds",
			Help:    "Duration of one idle sweep",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Manual time metrics
	ManualMinutesCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worktrack_manual_minutes_credited_total",
			Help: "Minutes credited from approved manual time requests",
		},
	)

	RequestDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktrack_manual_request_decisions_total",
			Help: "Manual time request decisions",
		},
		[]string{"decision", "source"},
	)

	// HTTP metrics
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worktrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worktrack_websocket_connections",
			Help: "Open websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionTransitions,
		SessionConflicts,
		LivenessSignals,
		SweepStopped,
		SweepFailures,
		SweepDuration,
		ManualMinutesCredited,
		RequestDecisions,
		HTTPRequestDuration,
		WebsocketConnections,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
