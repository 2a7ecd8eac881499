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

// Package lease implements the Lease Manager (spec.md §4.3): it
// renews a worker's lease on an acquired job on a fixed interval,
// signals "committed" after the first successful renewal, and aborts
// the attempt with a typed reason on an unrecoverable renewal failure.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// Reason is why an attempt's abort signal fired.
type Reason string

const (
	ReasonTakenByAnotherWorker Reason = "taken_by_another_worker"
	ReasonAlreadyCompleted     Reason = "already_completed"
	ReasonNotFound             Reason = "not_found"
	ReasonError                Reason = "error"
)

// AbortSignal is the single in-band cancellation channel shared by the
// Lease Manager, the ownership-lost listener, and the attempt handler
// (spec.md §4.2/§5: "typed-reason abort signal is the only in-band way
// to cancel a handler"). Fire is safe to call more than once; only the
// first reason is kept.
type AbortSignal struct {
	once   sync.Once
	ch     chan Reason
	reason Reason
}

// NewAbortSignal returns a ready, unfired AbortSignal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan Reason, 1)}
}

// Fire records reason and closes the channel, if not already fired.
func (a *AbortSignal) Fire(reason Reason) {
	a.once.Do(func() {
		a.reason = reason
		a.ch <- reason
		close(a.ch)
	})
}

// C returns the channel the handler selects on to observe an abort.
func (a *AbortSignal) C() <-chan Reason {
	return a.ch
}

// Fired reports whether Fire has been called, and with what reason.
func (a *AbortSignal) Fired() (Reason, bool) {
	select {
	case r, ok := <-a.ch:
		if !ok {
			return a.reason, true
		}
		return r, true
	default:
		return "", false
	}
}

// Config is the per-worker lease tuning (spec.md §6 "leaseConfig{leaseMs, renewIntervalMs}").
type Config struct {
	LeaseMs         int64
	RenewIntervalMs int64
}

// DefaultConfig renews at roughly leaseMs/3, per spec.md §4.3.
func DefaultConfig(leaseMs int64) Config {
	return Config{LeaseMs: leaseMs, RenewIntervalMs: leaseMs / 3}
}

// Manager periodically renews a single job's lease.
type Manager struct {
	adapter state.Adapter
	cfg     Config
	jobID   string
	workerID string
	abort   *AbortSignal
	log     *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager for one acquired job. abort is the shared
// signal the runner's handler also observes.
func New(adapter state.Adapter, cfg Config, jobID, workerID string, abort *AbortSignal, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{adapter: adapter, cfg: cfg, jobID: jobID, workerID: workerID, abort: abort, log: log}
}

// Start begins the renewal loop and blocks until either the first
// renewal succeeds ("committed") or it fails unrecoverably.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	committed := make(chan error, 1)
	go m.run(runCtx, committed)

	select {
	case err := <-committed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, committed chan<- error) {
	defer close(m.done)

	interval := time.Duration(m.cfg.RenewIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.adapter.RunInTransaction(ctx, func(ctx context.Context) error {
				return m.adapter.RenewJobLease(ctx, m.jobID, m.workerID, m.cfg.LeaseMs)
			})
			if err == nil {
				if first {
					first = false
					committed <- nil
				}
				continue
			}

			m.log.WithFields(logging.NewFields().Component("lease").Operation("renew").
				Custom("job_id", m.jobID).Error(err).ToLogrus()).Warn("lease renewal failed")

			switch jobengine.KindOf(err) {
			case jobengine.KindTakenByAnotherWorker:
				m.abort.Fire(ReasonTakenByAnotherWorker)
			case jobengine.KindAlreadyCompleted:
				m.abort.Fire(ReasonAlreadyCompleted)
			case jobengine.KindNotFound:
				m.abort.Fire(ReasonNotFound)
			default:
				m.abort.Fire(ReasonError)
			}
			if first {
				first = false
				committed <- err
			}
			return
		}
	}
}

// Stop cancels the renewal loop and blocks until the in-flight
// renewal (if any) has returned. Idempotent.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
