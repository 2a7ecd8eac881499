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

// Package state defines the State Adapter contract (spec.md §4.1): the
// single transactional boundary through which every job/chain
// invariant is enforced. Concrete back-ends (pkg/jobengine/state/postgres
// is the reference implementation) satisfy Adapter.
package state

import (
	"context"
	"time"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
)

// CreateChainInput is the set of arguments to CreateJobChain.
type CreateChainInput struct {
	// ID overrides the generated chain/job id when non-empty. The
	// Blocker Resolver pre-allocates a head id so blocker chains
	// created in the same transaction can be adopted into it directly
	// (spec.md §4.5), instead of created independently and patched
	// afterward.
	ID            string
	TypeName      string
	ChainTypeName string
	Input         []byte
	OriginID      string // empty for an independently created chain
	RootChainID   string // defaults to the new chain's own id when empty
	Schedule      jobengine.Schedule
	TraceContext  []byte
	Dedup         *jobengine.Dedup
}

// CreateChainResult is returned by CreateJobChain.
type CreateChainResult struct {
	ID           string
	Deduplicated bool
}

// ContinueInput is the set of arguments to ContinueWithJob.
type ContinueInput struct {
	FromJobID string
	TypeName  string
	Input     []byte
	Schedule  jobengine.Schedule
	Output    []byte // predecessor's output, written by the same call
}

// BlockerEdgeView pairs a blocker edge with the original and current
// state of the chain it references, as returned by GetJobBlockers.
type BlockerEdgeView struct {
	Edge          jobengine.BlockerEdge
	BlockerHeadID string
	BlockerStatus jobengine.Status
}

// Adapter is the fixed set of transactional operations spec.md §4.1
// requires. Every method must be called with a context carrying a
// *txctx.TxContext (see txctx.MustFromContext) except where noted.
type Adapter interface {
	// RunInTransaction opens a transaction, attaches a *txctx.TxContext
	// to the context passed to fn, and commits on a nil return or rolls
	// back otherwise. On commit, the TxContext's deferred notify
	// functions are flushed; on rollback they are dropped.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	CreateJobChain(ctx context.Context, in CreateChainInput) (CreateChainResult, error)
	AddJobBlockers(ctx context.Context, jobID string, chainIDs []string) error
	AcquireJob(ctx context.Context, typeNames []string, workerID string, initialLeaseMs int64) (*jobengine.Job, error)
	RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error
	RefetchJobForUpdate(ctx context.Context, jobID, workerID string) (*jobengine.Job, error)
	GetJobBlockers(ctx context.Context, jobID string) ([]BlockerEdgeView, error)
	CompleteJob(ctx context.Context, jobID string, output []byte, workerID string) error
	ContinueWithJob(ctx context.Context, in ContinueInput, workerID string) (*jobengine.Job, error)
	// ScheduleBlockedJobs satisfies every job_blockers edge pointing at
	// blockerChainID and moves any job left with no unsatisfied edge
	// from blocked to pending. It returns the distinct type names of
	// the jobs it unblocked, so callers can notify without having to
	// know them in advance.
	ScheduleBlockedJobs(ctx context.Context, blockerChainID string) ([]string, error)
	RescheduleJob(ctx context.Context, jobID string, schedule jobengine.Schedule, errText string, workerID string) error
	GetNextJobAvailableInMs(ctx context.Context, typeNames []string, cap int64) (int64, error)
	ReapExpiredLeases(ctx context.Context, typeNames []string) ([]string, error)
	DeleteJobChains(ctx context.Context, rootChainIDs []string) error
	GetJobChain(ctx context.Context, id, typeName string) (*jobengine.Chain, error)
}

// Now is overridable in tests; production code leaves it as time.Now.
var Now = time.Now

// WithTx is a convenience re-export so callers of this package don't
// need a second import for the common case of building a fresh,
// detached TxContext (e.g. in tests).
func WithTx(ctx context.Context) (context.Context, *txctx.TxContext) {
	tx := &txctx.TxContext{}
	return txctx.WithTx(ctx, tx), tx
}
