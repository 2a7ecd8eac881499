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

// Command jobengine-worker runs an Executor worker loop (spec.md
// §4.4) against a Postgres-backed State Adapter and a Redis-backed
// Notify Adapter.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/internal/config"
	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/executor"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify/redisnotify"
	"github.com/jordigilh/jobengine/pkg/jobengine/retry"
	"github.com/jordigilh/jobengine/pkg/jobengine/runner"
	"github.com/jordigilh/jobengine/pkg/jobengine/state/postgres"
	"github.com/jordigilh/jobengine/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the worker config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, &cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()
	adapter := postgres.New(db, log)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	notifier := redisnotify.New(redisClient, log)

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, log)
	metricsSrv.StartAsync()

	exec := executor.New(adapter, notifier, processors(), executor.Config{
		WorkerID:        cfg.Worker.WorkerID,
		PollInterval:    time.Duration(cfg.Worker.PollInterval),
		NextJobDelay:    time.Duration(cfg.Worker.NextJobDelay),
		Concurrency:     cfg.Worker.Concurrency,
		Lease:           cfg.Worker.Lease,
		Retry:           cfg.Worker.Retry,
		WorkerLoopRetry: retry.DefaultWorkerLoopRetryConfig(),
	}, log)

	metrics.RecordWorkerStarted()
	log.WithField("worker_id", cfg.Worker.WorkerID).Info("worker started")

	if err := exec.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("worker loop exited with error")
	}
	metrics.RecordWorkerStopped()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server did not shut down cleanly")
	}
	log.Info("worker stopped")
}

// processors registers the job types this worker is willing to run.
// A real deployment wires its own handlers here; this illustrates the
// atomic mode spec.md §4.2 describes, completing with an empty output.
func processors() []executor.Processor {
	return []executor.Processor{
		{
			TypeName: "noop",
			Staged:   false,
			Process: func(ctx context.Context, job *jobengine.Job, attempt *runner.Attempt) error {
				return attempt.Complete(ctx, func(ctx context.Context, job *jobengine.Job, c *runner.Completer) error {
					return c.Output(ctx, nil)
				})
			},
		},
	}
}
