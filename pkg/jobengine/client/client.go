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

// Package client implements the Client API (spec.md §4.8): creates
// chains (with inline blockers and deduplication), completes chains
// externally (workerless), fetches chains, deletes chain trees, and
// waits for completion. It is the boundary where the Type Registry is
// consulted before any row is written.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/blocker"
	"github.com/jordigilh/jobengine/pkg/jobengine/dedup"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/registry"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/tracing"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// BlockerRequest names one blocker to attach to a new chain head,
// either inline (TypeName set) or by reference (ExistingChainID set).
type BlockerRequest struct {
	ExistingChainID string
	TypeName        string
	Input           interface{}
	Schedule        jobengine.Schedule
	TraceContext    []byte
}

// StartChainInput is the argument to StartJobChain.
type StartChainInput struct {
	TypeName     string
	Input        interface{}
	Blockers     []BlockerRequest
	Dedup        *jobengine.Dedup
	Schedule     jobengine.Schedule
	TraceContext []byte
}

// StartChainResult is returned by StartJobChain.
type StartChainResult struct {
	ID           string
	Status       jobengine.Status
	Deduplicated bool
}

// Producer finalizes a job under workerless completion; it receives
// the current head job and returns the output payload to persist.
type Producer func(ctx context.Context, job *jobengine.Job) (interface{}, error)

// Client is the application-facing entry point over the orchestration
// core: it wires the Type Registry, the Blocker Resolver, the
// Deduplication Engine, the State Adapter and the Notify Adapter
// together behind the five operations spec.md §4.8 names.
type Client struct {
	adapter  state.Adapter
	notifier notify.Adapter
	registry registry.Registry
	resolver *blocker.Resolver
	dedup    *dedup.Engine
	log      *logrus.Logger
}

// New builds a Client. notifier may be nil.
func New(adapter state.Adapter, notifier notify.Adapter, reg registry.Registry, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		adapter:  adapter,
		notifier: notifier,
		registry: reg,
		resolver: blocker.New(adapter),
		dedup:    dedup.New(),
		log:      log,
	}
}

// StartJobChain validates in against the registry, then creates the
// chain head together with any inline blockers in one transaction
// (spec.md §4.8, §4.5). Concurrent calls sharing the same dedup key
// collapse through the Deduplication Engine before ever reaching the
// database.
func (c *Client) StartJobChain(ctx context.Context, in StartChainInput) (StartChainResult, error) {
	if err := c.registry.ValidateEntry(in.TypeName); err != nil {
		return StartChainResult{}, err
	}
	parsedInput, err := c.registry.ParseInput(in.TypeName, in.Input)
	if err != nil {
		return StartChainResult{}, err
	}

	blockerReqs := make([]registry.ContinuationRequest, 0, len(in.Blockers))
	for _, b := range in.Blockers {
		if b.ExistingChainID != "" {
			continue
		}
		blockerReqs = append(blockerReqs, registry.ContinuationRequest{TypeName: b.TypeName, Input: b.Input})
	}
	if len(blockerReqs) > 0 {
		if err := c.registry.ValidateBlockers(in.TypeName, blockerReqs); err != nil {
			return StartChainResult{}, err
		}
	}

	inputBytes, err := encodePayload(parsedInput)
	if err != nil {
		return StartChainResult{}, fmt.Errorf("jobengine: encode input: %w", err)
	}

	traceContext := in.TraceContext
	if traceContext == nil {
		traceContext = tracing.Encode(ctx)
	}

	headID := uuid.NewString()
	head := state.CreateChainInput{
		ID:           headID,
		TypeName:     in.TypeName,
		Input:        inputBytes,
		Schedule:     in.Schedule,
		TraceContext: traceContext,
		Dedup:        in.Dedup,
	}

	blockerSpecs := make([]blocker.Spec, 0, len(in.Blockers))
	for _, b := range in.Blockers {
		if b.ExistingChainID != "" {
			blockerSpecs = append(blockerSpecs, blocker.Spec{ExistingChainID: b.ExistingChainID})
			continue
		}
		encoded, err := encodePayload(b.Input)
		if err != nil {
			return StartChainResult{}, fmt.Errorf("jobengine: encode blocker input: %w", err)
		}
		blockerTrace := b.TraceContext
		if blockerTrace == nil {
			blockerTrace = traceContext
		}
		blockerSpecs = append(blockerSpecs, blocker.Spec{
			TypeName:     b.TypeName,
			Input:        encoded,
			Schedule:     b.Schedule,
			TraceContext: blockerTrace,
		})
	}

	result, err := c.dedup.Resolve(ctx, head, func(ctx context.Context, head state.CreateChainInput) (state.CreateChainResult, error) {
		var res state.CreateChainResult
		txErr := c.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
			r, err := c.resolver.CreateHeadWithBlockers(txCtx, head, blockerSpecs)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		return res, txErr
	})
	if err != nil {
		return StartChainResult{}, err
	}

	status := jobengine.StatusPending
	if len(blockerSpecs) > 0 && !result.Deduplicated {
		status = jobengine.StatusBlocked
	}

	c.log.WithFields(logging.NewFields().Component("client").Operation("start_job_chain").
		Custom("type_name", in.TypeName).Custom("chain_id", result.ID).
		Custom("deduplicated", result.Deduplicated).ToLogrus()).Info("job chain started")

	return StartChainResult{ID: result.ID, Status: status, Deduplicated: result.Deduplicated}, nil
}

// CompleteJobChain implements workerless completion (spec.md §4.8): it
// opens a transaction, refetches the chain head, hands it to complete
// for finalization, persists the produced output via CompleteJob, and
// emits an already_completed notify so a racing worker attempt aborts
// promptly — delivery is best-effort, the abort is ultimately enforced
// by RefetchJobForUpdate's ownership check either way.
func (c *Client) CompleteJobChain(ctx context.Context, typeName, id string, complete Producer) error {
	if err := c.registry.ValidateEntry(typeName); err != nil {
		// Non-entry types may still be chain heads in continuation
		// chains; ValidateEntry is intentionally not enforced here for
		// the id lookup itself, only logged for visibility.
		c.log.WithFields(logging.NewFields().Component("client").Operation("complete_job_chain").
			Custom("chain_id", id).Error(err).ToLogrus()).Debug("completing non-entry chain type")
	}

	return c.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
		chain, err := c.adapter.GetJobChain(txCtx, id, typeName)
		if err != nil {
			return err
		}
		if chain == nil {
			return jobengine.NewNotFound("complete job chain")
		}
		job := chain.Current
		if job.Status == jobengine.StatusCompleted {
			return jobengine.NewAlreadyCompleted("complete job chain")
		}

		output, err := complete(txCtx, &job)
		if err != nil {
			return err
		}
		parsed, err := c.registry.ParseOutput(job.TypeName, output)
		if err != nil {
			return err
		}
		outputBytes, err := encodePayload(parsed)
		if err != nil {
			return fmt.Errorf("jobengine: encode output: %w", err)
		}

		if err := c.adapter.CompleteJob(txCtx, job.ID, outputBytes, ""); err != nil {
			return err
		}
		if err := c.resolver.Unblock(txCtx, job.ChainID, c.notifier); err != nil {
			return err
		}

		if c.notifier != nil {
			if tc, ok := txctx.FromContext(txCtx); ok {
				jobID := job.ID
				tc.Defer(func(ctx context.Context) {
					_ = c.notifier.NotifyJobOwnershipLost(ctx, jobID)
				})
			}
		}
		return nil
	})
}

// GetJobChain returns the chain view for id, or nil if it doesn't exist.
func (c *Client) GetJobChain(ctx context.Context, id, typeName string) (*jobengine.Chain, error) {
	return c.adapter.GetJobChain(ctx, id, typeName)
}

// DeleteJobChains deletes the transitive tree rooted at each id in
// rootChainIDs (spec.md §4.8); the state adapter rejects non-root ids
// and ids with external blocker dependents, distinguishing the two.
func (c *Client) DeleteJobChains(ctx context.Context, rootChainIDs []string) error {
	return c.adapter.RunInTransaction(ctx, func(txCtx context.Context) error {
		return c.adapter.DeleteJobChains(txCtx, rootChainIDs)
	})
}

// WaitOptions tunes WaitForJobChainCompletion.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Signal, if non-nil, is raced against the poll loop and the
	// deadline; closing it aborts the wait (context.Canceled is returned,
	// not ErrWaitTimeout, since that's an explicit cancellation, not a
	// deadline expiry).
	Signal <-chan struct{}
}

// WaitForJobChainCompletion polls GetJobChain until status is
// completed, the deadline elapses (jobengine.ErrWaitTimeout), the
// caller's ctx is done (ctx.Err()), the caller's signal fires
// (context.Canceled), or the chain no longer exists
// (jobengine.NewNotFound) — spec.md line 176.
func (c *Client) WaitForJobChainCompletion(ctx context.Context, id, typeName string, opts WaitOptions) (*jobengine.Chain, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(opts.Timeout)
	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutC = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		chain, err := c.adapter.GetJobChain(ctx, id, typeName)
		if err != nil {
			return nil, err
		}
		if chain == nil {
			return nil, jobengine.NewNotFound("wait for job chain completion")
		}
		if chain.Status == jobengine.StatusCompleted {
			return chain, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-opts.Signal:
			return nil, context.Canceled
		case <-timeoutC:
			return nil, jobengine.ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// WithNotify runs fn inside a notify deferral context (spec.md line
// 177): any notify emitted via the active TxContext's Defer queue
// inside fn fires exactly once, immediately after fn returns nil. If
// fn is not already running under a state-adapter transaction this
// builds a detached TxContext purely to host the deferral queue — no
// database transaction is implied.
func WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txctx.FromContext(ctx); ok {
		return fn(ctx)
	}
	tc := &txctx.TxContext{}
	txCtx := txctx.WithTx(ctx, tc)
	if err := fn(txCtx); err != nil {
		tc.Drop()
		return err
	}
	tc.Flush(ctx)
	return nil
}

// encodePayload is the single place client-supplied Go values become
// the []byte the state adapter stores; nil passes through unchanged so
// entry types with no input/output don't round-trip through "null".
func encodePayload(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}
