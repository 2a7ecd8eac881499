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

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/lease"
	"github.com/jordigilh/jobengine/pkg/jobengine/runner"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
)

type fakeAdapter struct {
	state.Adapter
	jobs      []*jobengine.Job
	idx       int32
	completed int32
	reapCalls int32
}

func (f *fakeAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeAdapter) AcquireJob(ctx context.Context, typeNames []string, workerID string, initialLeaseMs int64) (*jobengine.Job, error) {
	i := atomic.AddInt32(&f.idx, 1) - 1
	if int(i) >= len(f.jobs) {
		return nil, nil
	}
	return f.jobs[i], nil
}

func (f *fakeAdapter) CompleteJob(ctx context.Context, jobID string, output []byte, workerID string) error {
	atomic.AddInt32(&f.completed, 1)
	return nil
}

func (f *fakeAdapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string, cap int64) (int64, error) {
	return 0, nil
}

func (f *fakeAdapter) ReapExpiredLeases(ctx context.Context, typeNames []string) ([]string, error) {
	atomic.AddInt32(&f.reapCalls, 1)
	return nil, nil
}

func (f *fakeAdapter) RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	return nil
}

func (f *fakeAdapter) RefetchJobForUpdate(ctx context.Context, jobID, workerID string) (*jobengine.Job, error) {
	return &jobengine.Job{ID: jobID, WorkerID: workerID, Attempt: 1}, nil
}

func (f *fakeAdapter) ScheduleBlockedJobs(ctx context.Context, blockerChainID string) ([]string, error) {
	return nil, nil
}

func TestExecutor_PerformJob_AtomicCompletesSynchronously(t *testing.T) {
	a := &fakeAdapter{jobs: []*jobengine.Job{{ID: "job-1", TypeName: "send_email", Attempt: 1}}}

	e := New(a, nil, []Processor{
		{
			TypeName: "send_email",
			Staged:   false,
			Process: func(ctx context.Context, job *jobengine.Job, attempt *runner.Attempt) error {
				return attempt.Complete(ctx, func(ctx context.Context, job *jobengine.Job, c *runner.Completer) error {
					return c.Output(ctx, []byte(`{}`))
				})
			},
		},
	}, Config{WorkerID: "worker-1", Concurrency: 2, PollInterval: time.Millisecond, NextJobDelay: time.Millisecond}, nil)

	more, err := e.performJob(context.Background(), []string{"send_email"})
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, int32(1), atomic.LoadInt32(&a.completed))

	more, err = e.performJob(context.Background(), []string{"send_email"})
	require.NoError(t, err)
	require.False(t, more)
}

func TestExecutor_Stop_DrainsInFlightStagedAttempt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	a := &fakeAdapter{jobs: []*jobengine.Job{{ID: "job-1", TypeName: "slow_job", Attempt: 1}}}
	e := New(a, nil, []Processor{
		{
			TypeName: "slow_job",
			Staged:   true,
			Process: func(ctx context.Context, job *jobengine.Job, attempt *runner.Attempt) error {
				close(started)
				<-release
				return attempt.Complete(ctx, func(ctx context.Context, job *jobengine.Job, c *runner.Completer) error {
					return c.Output(ctx, []byte(`{}`))
				})
			},
		},
	}, Config{WorkerID: "worker-1", Concurrency: 2, Lease: lease.Config{LeaseMs: 30, RenewIntervalMs: 5}, PollInterval: time.Millisecond, NextJobDelay: time.Millisecond}, nil)

	more, err := e.performJob(context.Background(), []string{"slow_job"})
	require.NoError(t, err)
	require.True(t, more)

	<-started
	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight attempt drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned after attempt finished")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&a.completed))
}

func TestExecutor_Run_ReapsPeriodicallyAndStopsCleanly(t *testing.T) {
	a := &fakeAdapter{}
	e := New(a, nil, nil, Config{
		WorkerID:     "worker-1",
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		NextJobDelay: time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
	}, nil)

	runDone := make(chan struct{})
	go func() {
		_ = e.Run(context.Background())
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&a.reapCalls) >= 2
	}, time.Second, 5*time.Millisecond, "expected the reaper to run more than once")

	e.Stop()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Stop")
	}
}
