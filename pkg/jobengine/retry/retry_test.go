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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/jobengine/pkg/jobengine"
)

func TestPolicy_NextDelay_ExponentialWithCap(t *testing.T) {
	p := Policy{InitialDelayMs: 1000, Multiplier: 2.0, MaxDelayMs: 5000}

	d1 := p.NextDelay(1)
	require.InDelta(t, 1000, d1.Milliseconds(), 150)

	d2 := p.NextDelay(2)
	require.InDelta(t, 2000, d2.Milliseconds(), 250)

	d5 := p.NextDelay(5)
	require.InDelta(t, 5000, d5.Milliseconds(), 550, "delay must be capped at MaxDelayMs plus jitter")
}

func TestClassify_RescheduleErrorWinsOverPolicy(t *testing.T) {
	explicit := jobengine.Schedule{DelayMs: 42}
	disp, sched := Classify(jobengine.Reschedule(explicit, errors.New("rate limited")), DefaultPolicy(), 1)

	require.Equal(t, DispositionReschedule, disp)
	require.Equal(t, explicit, sched)
}

func TestClassify_PlainErrorUsesPolicy(t *testing.T) {
	disp, sched := Classify(errors.New("boom"), Policy{InitialDelayMs: 1000, Multiplier: 2, MaxDelayMs: 60000}, 1)

	require.Equal(t, DispositionReschedule, disp)
	require.InDelta(t, 1000, sched.DelayMs, 150)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), WorkerLoopRetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return jobengine.NewTransient("poll", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_DoesNotRetryNonTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultWorkerLoopRetryConfig(), func(ctx context.Context) error {
		calls++
		return jobengine.NewNotFound("acquire job")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}
