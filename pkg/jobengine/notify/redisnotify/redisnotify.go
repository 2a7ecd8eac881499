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

// Package redisnotify is the reference notify.Adapter implementation,
// backed by redis/go-redis/v9 pub/sub channels.
package redisnotify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine/notify"
	sharederrors "github.com/jordigilh/jobengine/pkg/shared/errors"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

const (
	scheduledChannelPrefix = "jobengine:job-scheduled:"
	ownershipLostPrefix    = "jobengine:job-ownership-lost:"
)

// Adapter is the Redis-backed notify.Adapter.
type Adapter struct {
	client *redis.Client
	log    *logrus.Logger
}

// New wraps client as a notify.Adapter.
func New(client *redis.Client, log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.New()
	}
	return &Adapter{client: client, log: log}
}

var _ notify.Adapter = (*Adapter)(nil)

func scheduledChannel(typeName string) string {
	return scheduledChannelPrefix + typeName
}

func ownershipLostChannel(jobID string) string {
	return ownershipLostPrefix + jobID
}

// NotifyJobScheduled implements notify.Adapter.
func (a *Adapter) NotifyJobScheduled(ctx context.Context, typeNames []string) error {
	for _, t := range typeNames {
		if err := a.client.Publish(ctx, scheduledChannel(t), "1").Err(); err != nil {
			a.log.WithFields(logging.NewFields().Component("notify").Operation("notify_job_scheduled").Error(err).ToLogrus()).
				Warn("best-effort notify publish failed")
			return sharederrors.NetworkError("notify job scheduled", scheduledChannel(t), err)
		}
	}
	return nil
}

// ListenJobScheduled implements notify.Adapter.
func (a *Adapter) ListenJobScheduled(ctx context.Context, typeNames []string, onEvent func()) (notify.Disposer, error) {
	channels := make([]string, len(typeNames))
	for i, t := range typeNames {
		channels[i] = scheduledChannel(t)
	}
	return a.subscribe(ctx, channels, onEvent)
}

// NotifyJobOwnershipLost implements notify.Adapter.
func (a *Adapter) NotifyJobOwnershipLost(ctx context.Context, jobID string) error {
	if err := a.client.Publish(ctx, ownershipLostChannel(jobID), "1").Err(); err != nil {
		a.log.WithFields(logging.NewFields().Component("notify").Operation("notify_job_ownership_lost").Error(err).ToLogrus()).
			Warn("best-effort notify publish failed")
		return sharederrors.NetworkError("notify job ownership lost", ownershipLostChannel(jobID), err)
	}
	return nil
}

// ListenJobOwnershipLost implements notify.Adapter.
func (a *Adapter) ListenJobOwnershipLost(ctx context.Context, jobID string, onEvent func()) (notify.Disposer, error) {
	return a.subscribe(ctx, []string{ownershipLostChannel(jobID)}, onEvent)
}

func (a *Adapter) subscribe(ctx context.Context, channels []string, onEvent func()) (notify.Disposer, error) {
	pubsub := a.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("jobengine: subscribe to %v: %w", channels, err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				onEvent()
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		if err := pubsub.Close(); err != nil {
			a.log.WithFields(logging.NewFields().Component("notify").Operation("dispose_subscription").Error(err).ToLogrus()).
				Debug("pubsub close failed")
		}
	}, nil
}
