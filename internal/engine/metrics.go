package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. One instance is
// created at startup and handed to every engine by reference.
type Metrics struct {
	StepsDispatched  prometheus.Counter
	Attempts         *prometheus.CounterVec
	Retries          prometheus.Counter
	PolicyViolations prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	RunDuration      prometheus.Histogram
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arazzo_steps_dispatched_total",
			Help: "Steps claimed and dispatched to workers.",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arazzo_step_attempts_total",
			Help: "HTTP attempts by terminal status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arazzo_step_retries_total",
			Help: "Attempts rescheduled by the retry controller.",
		}),
		PolicyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arazzo_policy_violations_total",
			Help: "Requests refused by the network policy.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arazzo_runs_finished_total",
			Help: "Runs reaching a terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arazzo_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StepsDispatched, m.Attempts, m.Retries,
			m.PolicyViolations, m.RunsFinished, m.RunDuration)
	}
	return m
}
