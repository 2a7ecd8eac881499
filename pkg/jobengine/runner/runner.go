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

// Package runner implements the Job Process Runner (spec.md §4.2): the
// per-attempt state machine that takes an acquired job through
// prepare -> work -> complete and decides its disposition. The
// REDESIGN FLAGS in spec.md call for replacing the original's
// closed-over callbacks and deferred-promise prepare/complete pair
// with channels and a synchronous handler signature; this package
// does that via the Mode choice baked into Run's two entry points
// (RunAtomic, RunStaged) instead of a runtime prepare() call, and via
// lease.AbortSignal for the typed-reason cancellation channel.
package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/blocker"
	"github.com/jordigilh/jobengine/pkg/jobengine/lease"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/retry"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/tracing"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// ProcessFunc is the user-supplied attempt handler. It receives the
// acquired job and an Attempt through which it calls Complete exactly
// once. Returning a non-nil error before Complete has run requests a
// reschedule (via the retry policy, or a specific one if the error is
// a *jobengine.RescheduleError).
type ProcessFunc func(ctx context.Context, job *jobengine.Job, attempt *Attempt) error

// CompleteFunc is run inside the transaction that finalizes the
// attempt. It must call exactly one of Completer.Output or
// Completer.ContinueWith.
type CompleteFunc func(ctx context.Context, job *jobengine.Job, c *Completer) error

// errSilentExit marks a disposition the spec treats as "not a worker
// error": the attempt lost ownership by the time it tried to
// finalize, and something else already owns the outcome.
var errSilentExit = errors.New("jobengine: attempt exited silently, ownership no longer held")

// Attempt is the handle a ProcessFunc uses to reach the complete phase
// and to observe the shared abort signal.
type Attempt struct {
	staged   bool
	adapter  state.Adapter
	notify   notify.Adapter
	job      *jobengine.Job
	workerID string
	abort    *lease.AbortSignal

	mu        sync.Mutex
	completed bool
}

// Abort returns the channel the handler should select on to detect
// ownership loss or lease-manager failure (spec.md §4.2 signal list).
func (a *Attempt) Abort() <-chan lease.Reason {
	return a.abort.C()
}

// Complete runs fn exactly once. In atomic mode it runs directly on
// ctx (already inside the acquiring transaction); in staged mode it
// opens a fresh transaction that first calls refetchJobForUpdate to
// re-validate ownership, per spec.md §4.2's staged contract.
func (a *Attempt) Complete(ctx context.Context, fn CompleteFunc) error {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return errors.New("jobengine: complete called more than once")
	}
	a.completed = true
	a.mu.Unlock()

	if !a.staged {
		return fn(ctx, a.job, &Completer{adapter: a.adapter, notify: a.notify, job: a.job, workerID: a.workerID})
	}

	return a.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
		refetched, err := a.adapter.RefetchJobForUpdate(txCtx, a.job.ID, a.workerID)
		if err != nil {
			if jobengine.Is(err, jobengine.KindAlreadyCompleted) || jobengine.Is(err, jobengine.KindNotFound) || jobengine.Is(err, jobengine.KindTakenByAnotherWorker) {
				return errSilentExit
			}
			return err
		}
		return fn(txCtx, refetched, &Completer{adapter: a.adapter, notify: a.notify, job: refetched, workerID: a.workerID})
	})
}

// Completer is the transaction-scoped handle passed to a CompleteFunc.
type Completer struct {
	adapter      state.Adapter
	notify       notify.Adapter
	job          *jobengine.Job
	workerID     string
	continuation bool
}

// Output finalizes the job with output. If this was the chain's
// terminal job (no ContinueWith call followed), it also cascades the
// unblock: any job blocked on this chain with every other blocker
// already satisfied moves from blocked to pending (spec.md §4.5).
func (c *Completer) Output(ctx context.Context, output []byte) error {
	if err := c.adapter.CompleteJob(ctx, c.job.ID, output, c.workerID); err != nil {
		return err
	}
	return blocker.New(c.adapter).Unblock(ctx, c.job.ChainID, c.notify)
}

// ContinueSpec describes the successor job to insert.
type ContinueSpec struct {
	TypeName string
	Input    []byte
	Schedule jobengine.Schedule
	Output   []byte // this job's own output, recorded as it completes
}

// ContinueWith inserts the successor job in the same transaction that
// completes this one. May be called at most once.
func (c *Completer) ContinueWith(ctx context.Context, spec ContinueSpec) (*jobengine.Job, error) {
	if c.continuation {
		return nil, errors.New("jobengine: continueWith called more than once")
	}
	c.continuation = true
	return c.adapter.ContinueWithJob(ctx, state.ContinueInput{
		FromJobID: c.job.ID,
		TypeName:  spec.TypeName,
		Input:     spec.Input,
		Schedule:  spec.Schedule,
		Output:    spec.Output,
	}, c.workerID)
}

// Runner runs attempts to disposition, per spec.md §4.2.
type Runner struct {
	adapter state.Adapter
	notify  notify.Adapter
	log     *logrus.Logger
}

// New builds a Runner. notify may be nil if ownership-lost signals are
// not wired (the authoritative check, refetchJobForUpdate, still
// applies regardless).
func New(adapter state.Adapter, notifier notify.Adapter, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.New()
	}
	return &Runner{adapter: adapter, notify: notifier, log: log}
}

// RunAtomic runs process entirely inside the caller's already-open
// acquiring transaction (ctx must carry that transaction). On a
// handler error, it reschedules within the same transaction.
func (r *Runner) RunAtomic(ctx context.Context, job *jobengine.Job, workerID string, process ProcessFunc, policy retry.Policy) error {
	attempt := &Attempt{staged: false, adapter: r.adapter, notify: r.notify, job: job, workerID: workerID, abort: lease.NewAbortSignal()}

	ctx = tracing.WithTrace(ctx, job.TraceContext)
	err := process(ctx, job, attempt)
	if err == nil {
		return nil
	}
	return r.reschedule(ctx, job, workerID, err, policy)
}

// RunStaged commits the acquiring transaction before calling this (the
// caller does that); ctx here carries no open transaction. It starts
// the Lease Manager and the ownership-lost listener, runs process,
// and lets Attempt.Complete open the finalizing transaction.
func (r *Runner) RunStaged(ctx context.Context, job *jobengine.Job, workerID string, process ProcessFunc, leaseCfg lease.Config, policy retry.Policy) error {
	abort := lease.NewAbortSignal()
	attempt := &Attempt{staged: true, adapter: r.adapter, notify: r.notify, job: job, workerID: workerID, abort: abort}

	lm := lease.New(r.adapter, leaseCfg, job.ID, workerID, abort, r.log)
	if err := lm.Start(ctx); err != nil {
		lm.Stop()
		return r.reschedule(ctx, job, workerID, err, policy)
	}
	defer lm.Stop()

	var dispose notify.Disposer
	if r.notify != nil {
		d, err := r.notify.ListenJobOwnershipLost(ctx, job.ID, func() { abort.Fire(lease.ReasonAlreadyCompleted) })
		if err == nil {
			dispose = d
			defer dispose()
		}
	}

	ctx = tracing.WithTrace(ctx, job.TraceContext)
	err := process(ctx, job, attempt)
	if err == nil {
		return nil
	}
	if errors.Is(err, errSilentExit) {
		return nil
	}

	rerr := r.reschedule(ctx, job, workerID, err, policy)
	if errors.Is(rerr, errSilentExit) {
		return nil
	}
	return rerr
}

func (r *Runner) reschedule(ctx context.Context, job *jobengine.Job, workerID string, cause error, policy retry.Policy) error {
	_, schedule := retry.Classify(cause, policy, job.Attempt+1)

	run := func(txCtx context.Context) error {
		return r.adapter.RescheduleJob(txCtx, job.ID, schedule, cause.Error(), workerID)
	}

	// If ctx already carries an open transaction (atomic mode), reuse
	// it; RunInTransaction would otherwise nest transactions.
	var err error
	if _, ok := txctx.FromContext(ctx); ok {
		err = run(ctx)
	} else {
		err = r.adapter.RunInTransaction(ctx, run)
	}
	if err != nil {
		if jobengine.Is(err, jobengine.KindAlreadyCompleted) || jobengine.Is(err, jobengine.KindNotFound) || jobengine.Is(err, jobengine.KindTakenByAnotherWorker) {
			return errSilentExit
		}
		return err
	}

	r.log.WithFields(logging.NewFields().Component("runner").Operation("reschedule").
		Custom("job_id", job.ID).Error(cause).ToLogrus()).Info("attempt rescheduled")
	return nil
}
