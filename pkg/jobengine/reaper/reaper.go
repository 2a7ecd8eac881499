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

// Package reaper implements the Reaper (spec.md §4.7): it reclaims
// jobs whose lease has expired, reverting them to pending and bumping
// their attempt count, then emits a best-effort ownership-lost
// notification for each so any still-running handler aborts promptly.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// Reaper runs reapExpiredLeases on demand or on a timer.
type Reaper struct {
	adapter state.Adapter
	notify  notify.Adapter
	log     *logrus.Logger
}

// New builds a Reaper. notifier may be nil; the authoritative reclaim
// still happens, just without the acceleration signal.
func New(adapter state.Adapter, notifier notify.Adapter, log *logrus.Logger) *Reaper {
	if log == nil {
		log = logrus.New()
	}
	return &Reaper{adapter: adapter, notify: notifier, log: log}
}

// ReapOnce reclaims every acquired job of typeNames whose lease has
// expired, and returns the ids reclaimed. Ownership-lost notify
// emissions are deferred on the transaction and flushed on commit
// (spec.md §4.9 notify-deferral), matching every other mutating path.
func (r *Reaper) ReapOnce(ctx context.Context, typeNames []string) ([]string, error) {
	var ids []string
	err := r.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
		reaped, err := r.adapter.ReapExpiredLeases(txCtx, typeNames)
		if err != nil {
			return err
		}
		ids = reaped
		if r.notify == nil || len(reaped) == 0 {
			return nil
		}
		if tc, ok := txctx.FromContext(txCtx); ok {
			for _, id := range reaped {
				jobID := id
				tc.Defer(func(ctx context.Context) {
					if err := r.notify.NotifyJobOwnershipLost(ctx, jobID); err != nil {
						r.log.WithFields(logging.NewFields().Component("reaper").Operation("notify_ownership_lost").
							Custom("job_id", jobID).Error(err).ToLogrus()).Debug("best-effort notify failed")
					}
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.log.WithFields(logging.NewFields().Component("reaper").Operation("reap").Count(len(ids)).ToLogrus()).
			Info("reclaimed expired leases")
	}
	return ids, nil
}

// RunPeriodically calls ReapOnce every interval until ctx is done.
func (r *Reaper) RunPeriodically(ctx context.Context, typeNames []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx, typeNames); err != nil {
				r.log.WithFields(logging.NewFields().Component("reaper").Operation("reap_periodic").Error(err).ToLogrus()).
					Warn("periodic reap failed")
			}
		}
	}
}
