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

package reaper

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
)

type fakeAdapter struct {
	state.Adapter
	reaped []string
}

func (f *fakeAdapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tc := &txctx.TxContext{}
	txCtx := txctx.WithTx(ctx, tc)
	if err := fn(txCtx); err != nil {
		tc.Drop()
		return err
	}
	tc.Flush(ctx)
	return nil
}

func (f *fakeAdapter) ReapExpiredLeases(ctx context.Context, typeNames []string) ([]string, error) {
	return f.reaped, nil
}

type fakeNotify struct {
	calls int32
}

func (f *fakeNotify) NotifyJobScheduled(ctx context.Context, typeNames []string) error { return nil }
func (f *fakeNotify) ListenJobScheduled(ctx context.Context, typeNames []string, onEvent func()) (notify.Disposer, error) {
	return func() {}, nil
}
func (f *fakeNotify) NotifyJobOwnershipLost(ctx context.Context, jobID string) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}
func (f *fakeNotify) ListenJobOwnershipLost(ctx context.Context, jobID string, onEvent func()) (notify.Disposer, error) {
	return func() {}, nil
}

var _ notify.Adapter = (*fakeNotify)(nil)

func TestReapOnce_EmitsOwnershipLostPerReapedJob(t *testing.T) {
	a := &fakeAdapter{reaped: []string{"job-1", "job-2"}}
	n := &fakeNotify{}
	r := New(a, n, nil)

	ids, err := r.ReapOnce(context.Background(), []string{"send_email"})
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, ids)
	require.Equal(t, int32(2), atomic.LoadInt32(&n.calls))
}

func TestReapOnce_NoneReapedNoNotify(t *testing.T) {
	a := &fakeAdapter{}
	n := &fakeNotify{}
	r := New(a, n, nil)

	ids, err := r.ReapOnce(context.Background(), []string{"send_email"})
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Equal(t, int32(0), atomic.LoadInt32(&n.calls))
}
