// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation.
// Counters and gauges are registered on the default registry; the
// /metrics endpoint serves them through promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

var (
	// runsTotal counts finalised runs by pipeline and terminal status.
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastflow_runs_total",
			Help: "Total finalised pipeline runs by pipeline and terminal status",
		},
		[]string{"pipeline", "status"},
	)

	// liveRuns tracks admitted, unfinalised runs.
	liveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastflow_live_runs",
			Help: "Number of currently admitted (pending or running) runs",
		},
	)

	// runDuration observes wall time from workload start to exit.
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fastflow_run_duration_seconds",
			Help:    "Run wall time from workload start to exit",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"pipeline"},
	)

	// setupDuration observes environment cold-start overhead: workload
	// creation to the setup sentinel.
	setupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fastflow_setup_duration_seconds",
			Help:    "Time from workload creation to the setup-ready sentinel",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"pipeline"},
	)

	// submissionsRejected counts admission failures by reason.
	submissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastflow_submissions_rejected_total",
			Help: "Run submissions rejected at admission by reason",
		},
		[]string{"reason"},
	)

	// breakerState exports each circuit breaker's state
	// (0 closed, 1 half-open, 2 open).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fastflow_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	// preheatsTotal counts dependency pre-heats by outcome.
	preheatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastflow_preheats_total",
			Help: "Dependency cache warmups by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// cleanupRunsDeleted counts runs removed by retention sweeps.
	cleanupRunsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastflow_cleanup_runs_deleted_total",
			Help: "Terminal runs deleted by retention sweeps",
		},
	)

	// gitSyncsTotal counts pipeline repository syncs by outcome.
	gitSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastflow_git_syncs_total",
			Help: "Pipeline repository syncs by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler serves the default registry, which promauto registered
// everything above on.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunFinished counts one finalised run and observes its duration.
func RecordRunFinished(pipeline, status string, durationSeconds float64) {
	runsTotal.WithLabelValues(pipeline, status).Inc()
	if durationSeconds > 0 {
		runDuration.WithLabelValues(pipeline).Observe(durationSeconds)
	}
}

// RecordSetupDuration observes one run's cold-start overhead.
func RecordSetupDuration(pipeline string, seconds float64) {
	if seconds > 0 {
		setupDuration.WithLabelValues(pipeline).Observe(seconds)
	}
}

// SetLiveRuns updates the live-run gauge.
func SetLiveRuns(n int) {
	liveRuns.Set(float64(n))
}

// RecordRejection counts one admission failure.
func RecordRejection(reason string) {
	submissionsRejected.WithLabelValues(reason).Inc()
}

// RecordPreheat counts one warmup attempt.
func RecordPreheat(pipeline string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	preheatsTotal.WithLabelValues(pipeline, outcome).Inc()
}

// RecordCleanupDeleted counts runs removed by one sweep.
func RecordCleanupDeleted(n int) {
	cleanupRunsDeleted.Add(float64(n))
}

// RecordGitSync counts one repository sync.
func RecordGitSync(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	gitSyncsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBreaker records a breaker state transition. Wire it to
// resilience.SetConfig.OnStateChange.
func ObserveBreaker(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}
