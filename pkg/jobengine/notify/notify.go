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

// Package notify defines the best-effort pub/sub contract (spec.md
// §4.1/§6): two channels, job-scheduled(typeNames) and
// job-ownership-lost(jobId). Delivery may be lost; correctness never
// depends on it — the authoritative signal is always a state-adapter
// ownership check.
package notify

import "context"

// Disposer cancels a subscription started by Listen*.
type Disposer func()

// Adapter is the notify contract. pkg/jobengine/notify/redisnotify is
// the reference implementation, backed by Redis pub/sub.
type Adapter interface {
	// NotifyJobScheduled emits a best-effort signal that at least one
	// job of one of these type names became eligible to run. Called
	// after a transaction that created or rescheduled such a job commits.
	NotifyJobScheduled(ctx context.Context, typeNames []string) error

	// ListenJobScheduled subscribes onEvent to job-scheduled signals for
	// any of typeNames. Fires at most once per event and may coalesce
	// bursts into a single callback invocation.
	ListenJobScheduled(ctx context.Context, typeNames []string, onEvent func()) (Disposer, error)

	// NotifyJobOwnershipLost emits a best-effort signal that jobID's
	// lease was reclaimed by the reaper or that it was completed out
	// from under a running worker (workerless completion).
	NotifyJobOwnershipLost(ctx context.Context, jobID string) error

	// ListenJobOwnershipLost subscribes onEvent to ownership-lost
	// signals for jobID.
	ListenJobOwnershipLost(ctx context.Context, jobID string, onEvent func()) (Disposer, error)
}
