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

// Command jobengine-server exposes the Client API (spec.md §4.8) as a
// small JSON HTTP surface: startJobChain, getJobChain, deleteJobChains
// and waitForJobChainCompletion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/internal/config"
	apierrors "github.com/jordigilh/jobengine/internal/errors"
	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/client"
	"github.com/jordigilh/jobengine/pkg/jobengine/notify/redisnotify"
	"github.com/jordigilh/jobengine/pkg/jobengine/registry"
	"github.com/jordigilh/jobengine/pkg/jobengine/state/postgres"
	"github.com/jordigilh/jobengine/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server config file")
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

	reg := registry.NewInMemory()
	// A real deployment registers its own job types here. Validate
	// checks continuation and blocker targets and passes on an empty
	// registry; with no entry types registered, the API rejects every
	// chain start through ValidateEntry.
	if err := reg.Validate(); err != nil {
		log.WithError(err).Warn("type registry failed validation")
	}

	c := client.New(adapter, notifier, reg, log)

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, log)
	metricsSrv.StartAsync()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: newRouter(c, log),
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server did not shut down cleanly")
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server did not shut down cleanly")
	}
}

func newRouter(c *client.Client, log *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	h := newHandler(c, log)
	r.Route("/v1/chains", func(r chi.Router) {
		r.Post("/", h.startJobChain)
		r.Get("/{typeName}/{id}", h.getJobChain)
		r.Get("/{typeName}/{id}/wait", h.waitForJobChainCompletion)
		r.Delete("/", h.deleteJobChains)
	})
	return r
}

func apiError(w http.ResponseWriter, err error) {
	ae := toAppError(err)
	writeJSON(w, ae.StatusCode, map[string]string{"error": apierrors.SafeErrorMessage(ae)})
}

// toAppError maps the core orchestration engine's error taxonomy
// (spec.md §7) onto the HTTP-surface AppError shape.
func toAppError(err error) *apierrors.AppError {
	if err == nil {
		return apierrors.New(apierrors.ErrorTypeInternal, "unknown error")
	}
	if ve, ok := err.(*registry.ValidationError); ok {
		return apierrors.NewValidationError(ve.Message)
	}
	if de, ok := err.(*jobengine.DeleteError); ok {
		return apierrors.New(apierrors.ErrorTypeConflict, de.Error())
	}
	switch {
	case jobengine.Is(err, jobengine.KindNotFound):
		return apierrors.NewNotFoundError("job chain")
	case jobengine.Is(err, jobengine.KindAlreadyCompleted):
		return apierrors.New(apierrors.ErrorTypeConflict, "job chain is already completed")
	case jobengine.Is(err, jobengine.KindTakenByAnotherWorker):
		return apierrors.New(apierrors.ErrorTypeConflict, "job is owned by another worker")
	case jobengine.Is(err, jobengine.KindTransient):
		return apierrors.Wrap(err, apierrors.ErrorTypeDatabase, "transient adapter failure")
	case err == jobengine.ErrWaitTimeout:
		return apierrors.NewTimeoutError("wait for job chain completion")
	default:
		return apierrors.Wrap(err, apierrors.ErrorTypeInternal, "unexpected error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
