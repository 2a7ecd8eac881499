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

// Package retry implements the Error and Retry Policy (spec.md §4.2,
// §7): it classifies attempt failures, computes the exponential
// backoff-with-jitter schedule for reschedules, and wraps worker-loop
// level transient retries with sethvargo/go-retry.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jordigilh/jobengine/pkg/jobengine"
)

// Policy is the set of backoff parameters for a single job type
// (spec.md §6 "retryConfig{initialDelayMs, multiplier, maxDelayMs}").
type Policy struct {
	InitialDelayMs int64
	Multiplier     float64
	MaxDelayMs     int64
}

// DefaultPolicy mirrors the values used throughout spec.md's worked
// examples: a doubling backoff capped at five minutes.
func DefaultPolicy() Policy {
	return Policy{InitialDelayMs: 1000, Multiplier: 2.0, MaxDelayMs: 5 * 60 * 1000}
}

// NextDelay computes delay = min(maxDelayMs, initialDelayMs *
// multiplier^(attempt-1)) with +/-10% jitter, per spec.md §4.2's retry
// policy. attempt is 1-indexed: the value of Job.Attempt after the
// failed try.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.InitialDelayMs) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.MaxDelayMs) {
		raw = float64(p.MaxDelayMs)
	}
	return jitter(time.Duration(raw) * time.Millisecond)
}

// jitter applies +/-10% uniform jitter, matching every "± 10% jitter"
// callout in spec.md (retry delay, poll sleep, lease renewal).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.10
	delta := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + delta)
}

// Jitter exposes the +/-10% jitter helper for callers outside this
// package (the worker loop's poll/inner-loop sleeps).
func Jitter(d time.Duration) time.Duration {
	return jitter(d)
}

// Disposition is what the runner should do after a handler returns an error.
type Disposition int

const (
	// DispositionReschedule retries the job using a computed or
	// explicit schedule.
	DispositionReschedule Disposition = iota
	// DispositionTerminal marks the failure unrecoverable; the job is
	// left in its current status for operator inspection (spec.md §4.2
	// does not auto-fail a job permanently; terminal here means "do not
	// reschedule automatically").
	DispositionTerminal
)

// Classify inspects a handler error and returns the disposition plus,
// for a reschedule, the schedule to apply. A *jobengine.RescheduleError
// always wins over the computed policy delay (spec.md line 119).
func Classify(err error, policy Policy, attempt int) (Disposition, jobengine.Schedule) {
	if reErr, ok := jobengine.AsReschedule(err); ok {
		return DispositionReschedule, reErr.Schedule
	}
	return DispositionReschedule, jobengine.Schedule{DelayMs: policy.NextDelay(attempt).Milliseconds()}
}

// WorkerLoopRetryConfig bounds the worker-loop level backoff used when
// the loop itself hits repeated transient store errors (spec.md line
// 252, "workerLoopRetryConfig with its own backoff"), independent of
// any single job's retry policy.
type WorkerLoopRetryConfig struct {
	MaxRetries     uint64
	InitialDelay   time.Duration
	MaxDelay       time.Duration
}

// DefaultWorkerLoopRetryConfig matches the DefaultPolicy shape, scaled
// down for loop-level transient hiccups rather than per-job backoff.
func DefaultWorkerLoopRetryConfig() WorkerLoopRetryConfig {
	return WorkerLoopRetryConfig{MaxRetries: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Do runs fn with exponential backoff via go-retry, retrying only on
// transient jobengine errors; NotFound/AlreadyCompleted/TakenByAnotherWorker
// are returned immediately since another attempt will never succeed.
func Do(ctx context.Context, cfg WorkerLoopRetryConfig, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(cfg.InitialDelay)
	b = retry.WithMaxDuration(cfg.MaxDelay, b)
	b = retry.WithMaxRetries(cfg.MaxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if jobengine.Is(err, jobengine.KindTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}
