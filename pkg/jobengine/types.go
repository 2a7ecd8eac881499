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

// Package jobengine holds the durable job/chain data model shared by
// every component of the orchestration engine: the state adapter, the
// runner, the executor, the reaper, the blocker resolver, the
// deduplication engine, and the client API.
package jobengine

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusAcquired  Status = "acquired"
	StatusCompleted Status = "completed"
)

// DedupScope selects how a deduplication key collapses against existing chains.
type DedupScope string

const (
	// DedupScopeIncomplete collapses only against non-completed chains.
	DedupScopeIncomplete DedupScope = "incomplete"
	// DedupScopeAny collapses against any chain within the window.
	DedupScopeAny DedupScope = "any"
)

// JobType is a registered, immutable-per-process job type definition.
// The concrete input/output schema validation lives behind the Type
// Registry contract (see registry.Registry); JobType only carries the
// structural facts the core needs to enforce graph invariants.
type JobType struct {
	TypeName string
	// Entry reports whether this type may be a chain head.
	Entry bool
	// ContinueWith is the set of type names this type may continue into.
	ContinueWith []string
	// Blockers is the ordered tuple of type names permitted as blockers
	// when this type is used as a chain head.
	Blockers []string
}

// Dedup carries the deduplication request attached to a chain-creation call.
type Dedup struct {
	Key   string
	Scope DedupScope
	// WindowMs bounds the lookback: nil means unbounded (match against
	// any prior chain with this key/scope regardless of age), a
	// pointer to 0 means "no match" (every call creates a new chain),
	// and a pointer to a positive value bounds the match to that many
	// milliseconds (see SPEC_FULL.md open question #2).
	WindowMs *int64
}

// DedupWindow returns a pointer to ms, for constructing a bounded
// Dedup.WindowMs without a throwaway local variable at call sites.
func DedupWindow(ms int64) *int64 {
	return &ms
}

// Schedule describes when a job should next become eligible for acquisition.
type Schedule struct {
	// At, if non-zero, pins the exact scheduled time. Otherwise DelayMs
	// is added to "now" at the point the schedule is applied.
	At      time.Time
	DelayMs int64
}

// BlockerRef names a chain that must complete before the referencing
// job may run, either an already-existing chain id or a chain created
// in the same call.
type BlockerRef struct {
	ChainID string
}

// Job is the durable unit of work. See spec.md §3 for the field-level
// invariants; they are enforced by the state adapter, not by this struct.
type Job struct {
	ID            string
	TypeName      string
	ChainID       string
	ChainTypeName string
	RootChainID   string
	OriginID      string // empty for independently created chain heads

	Input  []byte
	Output []byte

	Status Status

	Attempt int

	ScheduledAt     time.Time
	LeaseExpiresAt  time.Time
	WorkerID        string
	LastAttemptErr  string

	CreatedAt   time.Time
	CompletedAt time.Time

	TraceContext []byte

	DedupKey      string
	DedupScope    DedupScope
	DedupWindowMs int64
}

// IsChainHead reports whether this job is the head of its chain.
func (j *Job) IsChainHead() bool {
	return j.ChainID == j.ID
}

// BlockerEdge is a structural dependency from a blocked job to a
// blocker chain; it becomes satisfied when the blocker chain completes.
type BlockerEdge struct {
	BlockedJobID   string
	BlockerChainID string
	Satisfied      bool
}

// DedupRecord is the durable row backing deduplication lookups.
type DedupRecord struct {
	Key       string
	Scope     DedupScope
	CreatedAt time.Time
	ChainID   string
}

// Chain is a derived, read-only view over a chain's jobs, assembled by
// the state adapter for client consumption (spec.md §4.8 getJobChain).
type Chain struct {
	ID       string
	TypeName string

	// Current is the latest non-completed job in the continuation
	// sequence, or the terminal completed job.
	Current Job

	Status Status

	Output []byte

	CreatedAt   time.Time
	CompletedAt time.Time
}
