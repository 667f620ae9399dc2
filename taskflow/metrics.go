package taskflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	offlineGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_offline",
			Help: "1 while the backend is considered unreachable",
		},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_probe_duration_seconds",
			Help:    "Duration of reachability probes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.3, 1, 3, 5},
		},
		[]string{"result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskflow_offline_queue_depth",
			Help: "Number of mutations waiting in the offline queue",
		},
	)

	syncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_sync_runs_total",
			Help: "Sync engine runs by result",
		},
		[]string{"result"},
	)

	replayedMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_replayed_mutations_total",
			Help: "Offline mutations replayed against the backend",
		},
		[]string{"kind", "outcome"},
	)

	liveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_live_events_total",
			Help: "Live events folded into the task list",
		},
		[]string{"type"},
	)
)

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
