/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus collectors for every observation
// point spec.md §6 names (job lifecycle, worker lifecycle, adapter
// errors), plus Record* helpers that keep instrumentation call sites
// one-liners.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobChainsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "job_chains_created_total",
		Help: "Total number of job chains started via the Client API.",
	})

	JobsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_created_total",
		Help: "Total number of jobs created, labeled by type name.",
	}, []string{"type_name"})

	JobsBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_blocked_total",
		Help: "Total number of jobs that gained at least one unsatisfied blocker.",
	})

	JobsUnblockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_unblocked_total",
		Help: "Total number of jobs whose last blocker was satisfied, making them eligible for acquisition.",
	})

	JobAttemptsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_attempts_started_total",
		Help: "Total number of job attempts a worker acquired and began running.",
	}, []string{"type_name"})

	JobAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_attempt_duration_seconds",
		Help:    "Duration of a single job attempt, from acquisition to completion or failure.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type_name", "outcome"})

	JobAttemptsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_attempts_failed_total",
		Help: "Total number of job attempts that failed, labeled by type name and whether the failure is retriable.",
	}, []string{"type_name", "retriable"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached a completed state.",
	}, []string{"type_name"})

	JobChainsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "job_chains_completed_total",
		Help: "Total number of job chains whose root job reached completion.",
	})

	JobsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_reaped_total",
		Help: "Total number of jobs reclaimed by the reaper after an expired lease.",
	}, []string{"type_name"})

	WorkerStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_starts_total",
		Help: "Total number of times an Executor worker loop started.",
	})

	WorkerStopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_stops_total",
		Help: "Total number of times an Executor worker loop stopped cleanly.",
	})

	WorkerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_errors_total",
		Help: "Total number of unexpected errors surfaced by the worker loop, labeled by stage.",
	}, []string{"stage"})

	AdapterErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_errors_total",
		Help: "Total number of State Adapter operation failures, labeled by operation and error kind.",
	}, []string{"operation", "kind"})

	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workers_running",
		Help: "Number of Executor worker loops currently running.",
	})
)

// RecordJobChainCreated records a successful startJobChain call.
func RecordJobChainCreated() {
	JobChainsCreatedTotal.Inc()
}

// RecordJobCreated records a job row created for typeName, whether as
// a chain head or as a continuation/blocker.
func RecordJobCreated(typeName string) {
	JobsCreatedTotal.WithLabelValues(typeName).Inc()
}

// RecordJobBlocked records a job gaining at least one unsatisfied blocker.
func RecordJobBlocked() {
	JobsBlockedTotal.Inc()
}

// RecordJobUnblocked records a job's last blocker being satisfied.
func RecordJobUnblocked() {
	JobsUnblockedTotal.Inc()
}

// RecordJobAttemptStarted records a worker acquiring a job of typeName.
func RecordJobAttemptStarted(typeName string) {
	JobAttemptsStartedTotal.WithLabelValues(typeName).Inc()
}

// RecordJobAttempt records the duration and outcome ("completed" or
// "failed") of a finished attempt.
func RecordJobAttempt(typeName, outcome string, d time.Duration) {
	JobAttemptDuration.WithLabelValues(typeName, outcome).Observe(d.Seconds())
}

// RecordJobAttemptFailed records a failed attempt, distinguishing
// retriable failures (will be retried per the retry policy) from
// terminal ones.
func RecordJobAttemptFailed(typeName string, retriable bool) {
	JobAttemptsFailedTotal.WithLabelValues(typeName, boolLabel(retriable)).Inc()
}

// RecordJobCompleted records a job of typeName reaching a completed state.
func RecordJobCompleted(typeName string) {
	JobsCompletedTotal.WithLabelValues(typeName).Inc()
}

// RecordJobChainCompleted records a chain's root job reaching completion.
func RecordJobChainCompleted() {
	JobChainsCompletedTotal.Inc()
}

// RecordJobReaped records the reaper reclaiming a job of typeName.
func RecordJobReaped(typeName string) {
	JobsReapedTotal.WithLabelValues(typeName).Inc()
}

// RecordWorkerStarted records an Executor worker loop starting.
func RecordWorkerStarted() {
	WorkerStartsTotal.Inc()
	WorkersRunning.Inc()
}

// RecordWorkerStopped records an Executor worker loop stopping.
func RecordWorkerStopped() {
	WorkerStopsTotal.Inc()
	WorkersRunning.Dec()
}

// RecordWorkerError records an unexpected error surfaced during stage
// of the worker loop (e.g. "acquire", "run", "complete").
func RecordWorkerError(stage string) {
	WorkerErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordAdapterError records a State Adapter operation failing with kind.
func RecordAdapterError(operation, kind string) {
	AdapterErrorsTotal.WithLabelValues(operation, kind).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Timer measures elapsed wall time between NewTimer and a Record* call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since NewTimer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordJobAttempt records the timer's elapsed duration as a completed
// job attempt of typeName with the given outcome.
func (t *Timer) RecordJobAttempt(typeName, outcome string) {
	RecordJobAttempt(typeName, outcome, t.Elapsed())
}
