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

// Package scheduler computes how long the worker loop should sleep
// before its next poll (spec.md §4.9/§6): the store tells it when the
// next eligible job becomes available, capped at pollIntervalMs, and
// jitter smooths out thundering-herd wakeups across workers.
package scheduler

import (
	"context"
	"time"

	"github.com/jordigilh/jobengine/pkg/jobengine/retry"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
)

// NextPollDelay asks the state adapter when the next pending job of
// ownTypes becomes eligible, capped at pollIntervalMs, then applies
// +/-10% jitter (spec.md line 139). Must be called outside a
// transaction; GetNextJobAvailableInMs is read-only.
func NextPollDelay(ctx context.Context, adapter state.Adapter, ownTypes []string, pollInterval time.Duration) (time.Duration, error) {
	ms, err := adapter.GetNextJobAvailableInMs(ctx, ownTypes, pollInterval.Milliseconds())
	if err != nil {
		return 0, err
	}
	return retry.Jitter(time.Duration(ms) * time.Millisecond), nil
}

// InnerLoopDelay applies jitter to the fixed nextJobDelayMs used
// between successive performJob iterations while work keeps draining
// (spec.md line 140).
func InnerLoopDelay(nextJobDelay time.Duration) time.Duration {
	return retry.Jitter(nextJobDelay)
}
