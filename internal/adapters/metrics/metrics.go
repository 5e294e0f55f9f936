// Package metrics holds the prometheus collectors shared by the server,
// executors and launcher, and the HTTP endpoint that exposes them.
package metrics

import (
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_stage_transitions_total",
			Help: "Total number of stage state transitions, by target state",
		},
		[]string{"state"},
	)

	StagesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagecoach_stages",
			Help: "Current number of stages in each state",
		},
		[]string{"state"},
	)

	ExecutorsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagecoach_executors_registered",
			Help: "Number of executors currently registered with the server",
		},
	)

	ReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagecoach_reclaims_total",
			Help: "Total number of stages reclaimed from lost executors",
		},
	)

	LaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecoach_executor_launches_total",
			Help: "Total number of executor launches through the queue backend",
		},
		[]string{"backend", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagecoach_stage_duration_seconds",
			Help:    "Wall time of stage commands as seen by executors",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"outcome"},
	)
)

// ObserveCounts publishes per-state stage counts.
func ObserveCounts(counts map[domain.StageState]int) {
	for _, state := range domain.AllStageStates() {
		StagesByState.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

func RecordTransition(state domain.StageState, n int) {
	if n <= 0 {
		return
	}
	StageTransitionsTotal.WithLabelValues(state.String()).Add(float64(n))
}
