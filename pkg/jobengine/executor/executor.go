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

// Package executor implements the worker loop (spec.md §4.4): it reaps
// stale leases on start, races a job-scheduled subscription against a
// computed poll delay, keeps draining while work is available, and
// bounds concurrent attempts.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/lease"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/reaper"
	"github.com/jordigilh/jobengine/pkg/jobengine/retry"
	"github.com/jordigilh/jobengine/pkg/jobengine/runner"
	"github.com/jordigilh/jobengine/pkg/jobengine/scheduler"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// Processor binds a job type to its attempt handler and prepare mode.
type Processor struct {
	TypeName string
	Process  runner.ProcessFunc
	// Staged selects spec.md §4.2's staged prepare mode (commit the
	// acquiring transaction, run the handler under lease renewal, open
	// a fresh transaction to complete). false runs atomic mode: the
	// whole attempt inside the acquiring transaction.
	Staged bool
}

// Config is the executor's per-worker tuning (spec.md §6).
type Config struct {
	WorkerID        string
	PollInterval    time.Duration
	NextJobDelay    time.Duration
	Concurrency     int
	Lease           lease.Config
	Retry           retry.Policy
	WorkerLoopRetry retry.WorkerLoopRetryConfig
	// ReapInterval is how often the background reaper re-scans for
	// expired leases while the worker runs (spec.md §4.7: "runs at
	// worker start and periodically"). Defaults to the lease duration
	// when unset.
	ReapInterval time.Duration
}

// Executor is the worker loop over a fixed set of Processors.
type Executor struct {
	adapter    state.Adapter
	notify     notify.Adapter
	runner     *runner.Runner
	reaper     *reaper.Reaper
	processors map[string]Processor
	cfg        Config
	log        *logrus.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// New builds an Executor. notifier may be nil — the loop then falls
// back to polling alone, which is always correct, just less prompt.
func New(adapter state.Adapter, notifier notify.Adapter, processors []Processor, cfg Config, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Duration(cfg.Lease.LeaseMs) * time.Millisecond
		if cfg.ReapInterval <= 0 {
			cfg.ReapInterval = 30 * time.Second
		}
	}
	byType := make(map[string]Processor, len(processors))
	for _, p := range processors {
		byType[p.TypeName] = p
	}
	return &Executor{
		adapter:    adapter,
		notify:     notifier,
		runner:     runner.New(adapter, notifier, log),
		reaper:     reaper.New(adapter, notifier, log),
		processors: byType,
		cfg:        cfg,
		log:        log,
		sem:        make(chan struct{}, cfg.Concurrency),
		stopCh:     make(chan struct{}),
	}
}

func (e *Executor) ownTypes() []string {
	types := make([]string, 0, len(e.processors))
	for t := range e.processors {
		types = append(types, t)
	}
	return types
}

// Run blocks, driving the worker loop until ctx is cancelled or Stop is called.
func (e *Executor) Run(ctx context.Context) error {
	ownTypes := e.ownTypes()

	if _, err := e.reaper.ReapOnce(ctx, ownTypes); err != nil {
		e.log.WithFields(logging.NewFields().Component("executor").Operation("reap_on_start").Error(err).ToLogrus()).
			Warn("reap on start failed")
	}

	// RunPeriodically only observes ctx.Done(); derive a context that
	// also ends when Stop() closes stopCh, so e.wg.Wait() below can't
	// deadlock waiting on a reaper goroutine that outlives the loop.
	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go func() {
		select {
		case <-e.stopCh:
			cancelReap()
		case <-reapCtx.Done():
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reaper.RunPeriodically(reapCtx, ownTypes, e.cfg.ReapInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-e.stopCh:
			e.wg.Wait()
			return nil
		default:
		}

		if err := e.waitForWork(ctx, ownTypes); err != nil {
			if ctx.Err() != nil {
				e.wg.Wait()
				return ctx.Err()
			}
		}

		for {
			more, err := e.performJob(ctx, ownTypes)
			if err != nil {
				e.log.WithFields(logging.NewFields().Component("executor").Operation("perform_job").Error(err).ToLogrus()).
					Error("perform job failed")
			}
			if !more {
				break
			}
			if !e.sleep(ctx, scheduler.InnerLoopDelay(e.cfg.NextJobDelay)) {
				e.wg.Wait()
				return ctx.Err()
			}
		}
	}
}

// waitForWork races a job-scheduled subscription against a computed
// poll delay (spec.md line 139), returning when either fires.
func (e *Executor) waitForWork(ctx context.Context, ownTypes []string) error {
	pullDelay, err := scheduler.NextPollDelay(ctx, e.adapter, ownTypes, e.cfg.PollInterval)
	if err != nil {
		pullDelay = retry.Jitter(e.cfg.PollInterval)
	}

	var signalled chan struct{}
	var dispose notify.Disposer
	if e.notify != nil {
		signalled = make(chan struct{}, 1)
		d, err := e.notify.ListenJobScheduled(ctx, ownTypes, func() {
			select {
			case signalled <- struct{}{}:
			default:
			}
		})
		if err == nil {
			dispose = d
			defer dispose()
		}
	}

	timer := time.NewTimer(pullDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return nil
	case <-timer.C:
		return nil
	case <-signalled:
		return nil
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// performJob implements spec.md line 141: acquire under a transaction,
// then either run the attempt to completion inside it (atomic) or let
// it commit and hand off to the runner out of band (staged).
func (e *Executor) performJob(ctx context.Context, ownTypes []string) (bool, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	var job *jobengine.Job
	var proc Processor
	var attemptErr error

	err := e.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
		acquired, err := e.adapter.AcquireJob(txCtx, ownTypes, e.cfg.WorkerID, e.cfg.Lease.LeaseMs)
		if err != nil {
			return err
		}
		if acquired == nil {
			return nil
		}
		p, ok := e.processors[acquired.TypeName]
		if !ok {
			return fmt.Errorf("jobengine: no processor registered for type %q", acquired.TypeName)
		}
		job, proc = acquired, p

		if !p.Staged {
			attemptErr = e.runner.RunAtomic(txCtx, acquired, e.cfg.WorkerID, p.Process, e.cfg.Retry)
			return attemptErr
		}
		return nil
	})

	if err != nil {
		<-e.sem
		return false, err
	}
	if job == nil {
		<-e.sem
		return false, nil
	}
	if !proc.Staged {
		<-e.sem
		return true, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		if err := e.runner.RunStaged(ctx, job, e.cfg.WorkerID, proc.Process, e.cfg.Lease, e.cfg.Retry); err != nil {
			e.log.WithFields(logging.NewFields().Component("executor").Operation("run_staged").
				Custom("job_id", job.ID).Error(err).ToLogrus()).Error("staged attempt failed")
		}
	}()
	return true, nil
}

// Stop aborts all sleeps and waits for in-flight attempts to drain
// (spec.md line 144). Idempotent.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
