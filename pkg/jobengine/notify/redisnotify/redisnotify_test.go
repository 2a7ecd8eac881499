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

package redisnotify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, nil)
}

func TestAdapter_JobScheduled_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	var fired int32
	dispose, err := a.ListenJobScheduled(ctx, []string{"send_email", "charge_card"}, func() {
		atomic.AddInt32(&fired, 1)
	})
	require.NoError(t, err)
	defer dispose()

	require.NoError(t, a.NotifyJobScheduled(ctx, []string{"charge_card"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAdapter_JobOwnershipLost_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	dispose, err := a.ListenJobOwnershipLost(ctx, "job-1", func() {
		done <- struct{}{}
	})
	require.NoError(t, err)
	defer dispose()

	require.NoError(t, a.NotifyJobOwnershipLost(ctx, "job-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ownership-lost event was never delivered")
	}
}

func TestAdapter_DisposeStopsDelivery(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	var fired int32
	dispose, err := a.ListenJobScheduled(ctx, []string{"send_email"}, func() {
		atomic.AddInt32(&fired, 1)
	})
	require.NoError(t, err)
	dispose()

	require.NoError(t, a.NotifyJobScheduled(ctx, []string{"send_email"}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
