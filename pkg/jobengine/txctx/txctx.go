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

// Package txctx models the explicit transaction context that every
// state-adapter call must carry (spec.md §9: "model as an explicit
// TxContext passed to every state operation; forbid state calls
// outside a context"), plus the notify-deferral scope that queues
// notify emissions until the enclosing transaction commits.
package txctx

import (
	"context"
	"sync"
)

type contextKey struct{}

// NotifyFunc is a deferred notify emission, invoked once the
// transaction that queued it has committed.
type NotifyFunc func(context.Context)

// TxContext is attached to a context.Context for the lifetime of a
// single state-adapter transaction. State adapter implementations type
// assert it out of the context to find the underlying driver
// transaction handle; the core never inspects Handle itself.
type TxContext struct {
	// Handle is the underlying driver transaction (e.g. *sql.Tx,
	// pgx.Tx). Opaque to everything above the state adapter.
	Handle interface{}

	// RootChainID is not set or read by any package in this module;
	// blocker adoption (pkg/jobengine/blocker) takes the root chain id
	// from the declaring head job, not from the TxContext.
	RootChainID string

	mu      sync.Mutex
	deferred []NotifyFunc
}

// Defer queues a notify emission to run after the transaction commits.
// Called by components (blocker resolver, reaper, client API) instead
// of calling the notify adapter directly from inside a transaction.
func (t *TxContext) Defer(fn NotifyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferred = append(t.deferred, fn)
}

// Flush runs every deferred notify function, in the order queued. Call
// after a successful commit. Flush is a no-op if called more than
// once or on a nil TxContext.
func (t *TxContext) Flush(ctx context.Context) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fns := t.deferred
	t.deferred = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Drop discards every deferred notify function without running them.
// Call on rollback.
func (t *TxContext) Drop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.deferred = nil
	t.mu.Unlock()
}

// WithTx attaches tx to ctx.
func WithTx(ctx context.Context, tx *TxContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// FromContext retrieves the TxContext attached by WithTx, if any.
func FromContext(ctx context.Context) (*TxContext, bool) {
	tx, ok := ctx.Value(contextKey{}).(*TxContext)
	return tx, ok
}

// MustFromContext retrieves the TxContext or panics. State-adapter
// operations that must run inside a transaction call this to fail
// fast per spec.md §4.1 ("Calls outside a transaction must fail
// fast").
func MustFromContext(ctx context.Context) *TxContext {
	tx, ok := FromContext(ctx)
	if !ok {
		panic("jobengine: state operation called outside runInTransaction")
	}
	return tx
}
