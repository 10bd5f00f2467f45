// Package metrics provides Prometheus collectors for recorder sessions and
// the child processes they spawn.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Start outcomes.
const (
	OutcomeStarted     = "started"
	OutcomeInvalid     = "invalid_options"
	OutcomeBusy        = "already_active"
	OutcomeTimeout     = "timeout"
	OutcomeFailed      = "child_failure"
	OutcomeInterrupted = "interrupted"
)

type Metrics struct {
	ChildProcessesSpawned *prometheus.CounterVec
	ChildProcessesRunning prometheus.Gauge
	ChildProcessExits     *prometheus.CounterVec

	StartsTotal     *prometheus.CounterVec
	StartDuration   prometheus.Histogram
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
}

// New creates the collectors and registers them in reg; a nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChildProcessesSpawned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screencapture_child_processes_spawned_total",
				Help: "Total number of spawned recorder child processes",
			},
			[]string{"mode"},
		),
		ChildProcessesRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "screencapture_child_processes_running",
				Help: "Number of recorder child processes that have not exited yet",
			},
		),
		ChildProcessExits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screencapture_child_process_exits_total",
				Help: "Total number of recorder child process exits",
			},
			[]string{"mode", "status"}, // status: "success", "failure", "signal"
		),
		StartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screencapture_starts_total",
				Help: "Total number of Start calls by outcome",
			},
			[]string{"outcome"},
		),
		StartDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screencapture_start_duration_seconds",
				Help:    "Time between spawning the recorder and the confirmation of recording",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10},
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "screencapture_sessions_active",
				Help: "Number of recording sessions that are not idle",
			},
		),
		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screencapture_session_duration_seconds",
				Help:    "Lifetime of recording sessions from spawn to child exit",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
	}
}
