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

// Package dedup implements the Deduplication Engine (spec.md §4.6): it
// resolves a (key, scope, window) triple to either a new chain or a
// reference to an existing chain's head job. The authoritative
// decision is always made by the state adapter's CreateJobChain inside
// its transaction (see jobs.dedup_key/dedup_scope/dedup_window_ms and
// the unique lookup in pkg/jobengine/state/postgres); this package
// adds a process-local singleflight layer so that a burst of
// concurrent identical requests in the same worker process collapses
// into one transaction instead of racing N of them against the same
// DB row.
package dedup

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
)

// Engine coalesces concurrent CreateJobChain calls that share a dedup key.
type Engine struct {
	group singleflight.Group
}

// New returns a ready Engine.
func New() *Engine {
	return &Engine{}
}

func groupKey(d *jobengine.Dedup) string {
	window := "unbounded"
	if d.WindowMs != nil {
		window = fmt.Sprintf("%d", *d.WindowMs)
	}
	return fmt.Sprintf("%s|%s|%s", d.Key, d.Scope, window)
}

// Resolve runs create, collapsing concurrent calls carrying the same
// (key, scope, windowMs) triple into a single in-flight call. When
// in.Dedup is nil, create always runs directly — there's nothing to
// collapse on.
func (e *Engine) Resolve(ctx context.Context, in state.CreateChainInput, create func(context.Context, state.CreateChainInput) (state.CreateChainResult, error)) (state.CreateChainResult, error) {
	if in.Dedup == nil || in.Dedup.Key == "" {
		return create(ctx, in)
	}

	v, err, _ := e.group.Do(groupKey(in.Dedup), func() (interface{}, error) {
		return create(ctx, in)
	})
	if err != nil {
		return state.CreateChainResult{}, err
	}
	return v.(state.CreateChainResult), nil
}
