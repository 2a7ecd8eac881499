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

package postgres

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the Postgres connection settings for the state adapter,
// following the same DefaultConfig/LoadFromEnv/Validate shape as the
// teacher's internal/database package.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "jobengine",
		Database:        "jobengine",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays JOBENGINE_DB_* environment variables onto the
// receiver, leaving any unset or unparsable value untouched.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("JOBENGINE_DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("JOBENGINE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("JOBENGINE_DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("JOBENGINE_DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("JOBENGINE_DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("JOBENGINE_DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate reports the first structurally invalid field.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("postgres config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("postgres config: port %d out of range", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("postgres config: user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("postgres config: database is required")
	}
	return nil
}

// DSN builds the libpq-style connection string for this config.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
