package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpull",
			Name:      "session_events_total",
			Help:      "Count of session events emitted by the orchestrator.",
		},
		[]string{"type"},
	)

	FileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpull",
			Name:      "file_outcomes_total",
			Help:      "Terminal per-file outcomes, by status.",
		},
		[]string{"status"},
	)

	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "claimpull",
			Name:      "fetch_errors_total",
			Help:      "Adapter fetch errors, by source and error class.",
		},
		[]string{"source", "class"},
	)

	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "claimpull",
			Name:      "fetch_latency_seconds",
			Help:      "Latency of adapter fetch calls.",
		},
		[]string{"source"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "claimpull",
			Name:      "active_sessions",
			Help:      "Number of sessions currently discovering or downloading.",
		},
	)

	StuckFilesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimpull",
			Name:      "stuck_files_reclaimed_total",
			Help:      "Downloading rows reset to pending by the watchdog.",
		},
	)
)

// Register registers the claimpull metrics into the default registry.
func Register() {
	prometheus.MustRegister(SessionEvents, FileOutcomes, FetchErrors, FetchLatency, ActiveSessions, StuckFilesReclaimed)
}
