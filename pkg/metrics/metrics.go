package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// PhaseDuration tracks how long each fleet phase took.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsim_phase_duration_seconds",
			Help:    "Fleet phase duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
		[]string{"phase", "outcome"},
	)

	HostOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsim_host_operations_total",
			Help: "Total number of per-host operations",
		},
		[]string{"op", "outcome"},
	)

	StatusPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsim_project_status_polls_total",
			Help: "Total number of project status polls",
		},
		[]string{"status"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsim_runs_total",
			Help: "Total number of orchestration runs",
		},
		[]string{"outcome"},
	)

	FleetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fedsim_fleet_size",
			Help: "Number of clients in the current fleet",
		},
	)
)

// Outcome labels err as success or failure.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}

	return OutcomeSuccess
}
