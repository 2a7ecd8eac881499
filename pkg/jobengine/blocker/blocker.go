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

// Package blocker implements the Blocker Resolver (spec.md §4.5): it
// wires structural dependencies between chains at creation time and
// applies the adoption rule decided in SPEC_FULL.md §4 — a blocker
// chain declared at the head's creation, in the same transaction, is
// adopted into the head's root immediately, so deleteJobChains from
// that root cascades to it. A chain started independently (not named
// as a blocker at creation time) keeps its own root and is never
// adopted.
package blocker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
)

// Spec describes one blocker to create inline alongside the head it
// will block, or a reference to a pre-existing chain.
type Spec struct {
	// ExistingChainID, if set, references an already-existing chain
	// root; TypeName/Input are ignored.
	ExistingChainID string

	TypeName     string
	Input        []byte
	Schedule     jobengine.Schedule
	TraceContext []byte
}

// Resolver creates a chain head together with its blockers in one
// transaction and performs the adoption/satisfied-edge bookkeeping.
type Resolver struct {
	adapter state.Adapter
}

// New wraps adapter.
func New(adapter state.Adapter) *Resolver {
	return &Resolver{adapter: adapter}
}

// CreateHeadWithBlockers implements the creation half of spec.md §4.5.
// It must run inside a transaction already opened by the caller (the
// Client API's startJobChain).
func (r *Resolver) CreateHeadWithBlockers(ctx context.Context, head state.CreateChainInput, blockers []Spec) (state.CreateChainResult, error) {
	if len(blockers) == 0 {
		return r.adapter.CreateJobChain(ctx, head)
	}

	headID := head.ID
	if headID == "" {
		headID = uuid.NewString()
	}
	head.ID = headID
	if head.RootChainID == "" {
		head.RootChainID = headID
	}

	chainIDs := make([]string, 0, len(blockers))
	for _, b := range blockers {
		if b.ExistingChainID != "" {
			chainIDs = append(chainIDs, b.ExistingChainID)
			continue
		}
		res, err := r.adapter.CreateJobChain(ctx, state.CreateChainInput{
			TypeName:     b.TypeName,
			Input:        b.Input,
			RootChainID:  head.RootChainID, // adoption: same root as the head that declares it
			Schedule:     b.Schedule,
			TraceContext: b.TraceContext,
		})
		if err != nil {
			return state.CreateChainResult{}, fmt.Errorf("jobengine: create blocker chain for %s: %w", headID, err)
		}
		chainIDs = append(chainIDs, res.ID)
	}

	result, err := r.adapter.CreateJobChain(ctx, head)
	if err != nil {
		return state.CreateChainResult{}, err
	}
	if result.Deduplicated {
		// The head collapsed onto an existing chain; the blockers we
		// just created are independent work items, not structurally
		// tied to anything — nothing left to wire.
		return result, nil
	}

	if err := r.adapter.AddJobBlockers(ctx, result.ID, chainIDs); err != nil {
		return state.CreateChainResult{}, err
	}
	return result, nil
}

// Unblock runs ScheduleBlockedJobs for blockerChainID and, on success,
// defers a job-scheduled notify on the active TxContext so waiting
// workers wake up as soon as the transaction commits (spec.md §4.5/§4.9).
// Callers invoke this whenever a chain reaches its terminal completed
// state, since the completing chain may itself be someone else's blocker.
func (r *Resolver) Unblock(ctx context.Context, blockerChainID string, notifier notify.Adapter) error {
	typeNames, err := r.adapter.ScheduleBlockedJobs(ctx, blockerChainID)
	if err != nil {
		return err
	}
	if notifier == nil || len(typeNames) == 0 {
		return nil
	}
	if tc, ok := txctx.FromContext(ctx); ok {
		tc.Defer(func(ctx context.Context) {
			_ = notifier.NotifyJobScheduled(ctx, typeNames)
		})
	}
	return nil
}
