package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Attempt result label values.
const (
	resultSucceeded = "succeeded"
	resultTransient = "transient"
	resultFailed    = "failed"
)

// Outcome label values beyond the error kinds.
const outcomeSucceeded = "succeeded"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_total",
			Help: "Generation requests by modality and outcome.",
		},
		[]string{"modality", "outcome"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_job_attempts_total",
			Help: "Backend job submissions by result.",
		},
		[]string{"result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_job_duration_seconds",
			Help:    "Wall-clock time from first submission to artifact retrieval, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"modality"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(jobDuration)

	for _, m := range model.Modalities {
		jobsTotal.WithLabelValues(m, outcomeSucceeded)
		jobDuration.WithLabelValues(m)
	}
	for _, r := range []string{resultSucceeded, resultTransient, resultFailed} {
		attemptsTotal.WithLabelValues(r)
	}
}
