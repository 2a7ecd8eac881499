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

// Package config loads the YAML + environment configuration for the
// jobengine-worker and jobengine-server entrypoints: the Postgres
// state adapter, the Redis notify adapter, and the Executor's
// per-worker tunables (spec.md §6's Configuration table). This is
// application-boot plumbing, not a core package — the core packages
// (executor, lease, retry, postgres) never import it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordigilh/jobengine/pkg/jobengine/lease"
	"github.com/jordigilh/jobengine/pkg/jobengine/retry"
	"github.com/jordigilh/jobengine/pkg/jobengine/state/postgres"
)

// ServerConfig is the HTTP surface's listen configuration.
type ServerConfig struct {
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// RedisConfig is the notify adapter's connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Duration is a time.Duration that unmarshals from either a YAML
// duration string ("3s", "200ms") or a plain integer of nanoseconds,
// since yaml.v3 has no native support for the former.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && value.ShortTag() != "!!int" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(ns)
	return nil
}

// WorkerConfig is the Executor's per-worker tuning, matching spec.md
// §6's Configuration table (`workerId`, `pollIntervalMs`,
// `nextJobDelayMs`, `concurrency`, `leaseConfig`, `retryConfig`).
type WorkerConfig struct {
	WorkerID     string       `yaml:"worker_id"`
	PollInterval Duration     `yaml:"poll_interval"`
	NextJobDelay Duration     `yaml:"next_job_delay"`
	Concurrency  int          `yaml:"concurrency"`
	Lease        lease.Config `yaml:"lease"`
	Retry        retry.Policy `yaml:"retry"`
}

// Config is the top-level configuration for both entrypoints.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Postgres postgres.Config `yaml:"postgres"`
	Redis    RedisConfig     `yaml:"redis"`
	Worker   WorkerConfig    `yaml:"worker"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPPort: "8080", MetricsPort: "9090"},
		Postgres: func() postgres.Config {
			return *postgres.DefaultConfig()
		}(),
		Redis: RedisConfig{Addr: "localhost:6379", DB: 0},
		Worker: WorkerConfig{
			WorkerID:     "worker-1",
			PollInterval: Duration(2 * time.Second),
			NextJobDelay: Duration(100 * time.Millisecond),
			Concurrency:  4,
			Lease:        lease.DefaultConfig(30_000),
			Retry:        retry.DefaultPolicy(),
		},
	}
}

// Load reads and parses a YAML config file at path over the defaults
// (fields absent from the file keep their default; a value set in the
// file, zero included, replaces it), applies environment variable
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromEnv overlays JOBENGINE_* environment variables onto cfg,
// leaving any unset value untouched. An unparsable
// JOBENGINE_CONCURRENCY is returned as an error.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("JOBENGINE_WORKER_ID"); v != "" {
		cfg.Worker.WorkerID = v
	}
	if v := os.Getenv("JOBENGINE_HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("JOBENGINE_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("JOBENGINE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JOBENGINE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOBENGINE_CONCURRENCY: %w", err)
		}
		cfg.Worker.Concurrency = n
	}
	cfg.Postgres.LoadFromEnv()
	return nil
}

// validate checks the worker and redis settings and runs
// postgres.Config's own Validate on the postgres section.
func validate(cfg *Config) error {
	if cfg.Worker.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if cfg.Worker.Lease.LeaseMs <= 0 {
		return fmt.Errorf("worker lease leaseMs must be greater than 0")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if err := cfg.Postgres.Validate(); err != nil {
		return fmt.Errorf("postgres config: %w", err)
	}
	return nil
}
