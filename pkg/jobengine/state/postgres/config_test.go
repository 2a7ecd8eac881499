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
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Postgres Config", func() {
	Describe("DefaultConfig", func() {
		It("should return correct default values", func() {
			config := DefaultConfig()

			Expect(config.Host).To(Equal("localhost"))
			Expect(config.Port).To(Equal(5432))
			Expect(config.User).To(Equal("jobengine"))
			Expect(config.Database).To(Equal("jobengine"))
			Expect(config.SSLMode).To(Equal("disable"))
			Expect(config.MaxOpenConns).To(Equal(25))
			Expect(config.MaxIdleConns).To(Equal(5))
			Expect(config.ConnMaxLifetime).To(Equal(5 * time.Minute))
			Expect(config.ConnMaxIdleTime).To(Equal(5 * time.Minute))
		})
	})

	Describe("LoadFromEnv", func() {
		var config *Config
		var originalEnvVars map[string]string

		BeforeEach(func() {
			config = DefaultConfig()
			originalEnvVars = map[string]string{
				"JOBENGINE_DB_HOST":     os.Getenv("JOBENGINE_DB_HOST"),
				"JOBENGINE_DB_PORT":     os.Getenv("JOBENGINE_DB_PORT"),
				"JOBENGINE_DB_USER":     os.Getenv("JOBENGINE_DB_USER"),
				"JOBENGINE_DB_PASSWORD": os.Getenv("JOBENGINE_DB_PASSWORD"),
				"JOBENGINE_DB_NAME":     os.Getenv("JOBENGINE_DB_NAME"),
				"JOBENGINE_DB_SSL_MODE": os.Getenv("JOBENGINE_DB_SSL_MODE"),
			}
		})

		AfterEach(func() {
			for key, value := range originalEnvVars {
				if value == "" {
					os.Unsetenv(key)
				} else {
					os.Setenv(key, value)
				}
			}
		})

		Context("when all environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("JOBENGINE_DB_HOST", "testhost")
				os.Setenv("JOBENGINE_DB_PORT", "6543")
				os.Setenv("JOBENGINE_DB_USER", "testuser")
				os.Setenv("JOBENGINE_DB_PASSWORD", "testpass")
				os.Setenv("JOBENGINE_DB_NAME", "testdb")
				os.Setenv("JOBENGINE_DB_SSL_MODE", "require")
			})

			It("should load values from environment", func() {
				config.LoadFromEnv()

				Expect(config.Host).To(Equal("testhost"))
				Expect(config.Port).To(Equal(6543))
				Expect(config.User).To(Equal("testuser"))
				Expect(config.Password).To(Equal("testpass"))
				Expect(config.Database).To(Equal("testdb"))
				Expect(config.SSLMode).To(Equal("require"))
			})
		})

		Context("when JOBENGINE_DB_PORT has an invalid value", func() {
			BeforeEach(func() {
				os.Setenv("JOBENGINE_DB_PORT", "not-a-port")
			})

			It("should keep the default port value", func() {
				originalPort := config.Port
				config.LoadFromEnv()

				Expect(config.Port).To(Equal(originalPort))
			})
		})

		Context("when environment variables are not set", func() {
			It("should keep default values", func() {
				originalConfig := *config
				config.LoadFromEnv()

				Expect(*config).To(Equal(originalConfig))
			})
		})
	})

	Describe("Validate", func() {
		var config *Config

		BeforeEach(func() {
			config = DefaultConfig()
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				Expect(config.Validate()).NotTo(HaveOccurred())
			})
		})

		Context("when host is empty", func() {
			BeforeEach(func() { config.Host = "" })

			It("should fail validation", func() {
				Expect(config.Validate()).To(HaveOccurred())
			})
		})

		Context("when port is out of range", func() {
			BeforeEach(func() { config.Port = 70000 })

			It("should fail validation", func() {
				Expect(config.Validate()).To(HaveOccurred())
			})
		})

		Context("when user is empty", func() {
			BeforeEach(func() { config.User = "" })

			It("should fail validation", func() {
				Expect(config.Validate()).To(HaveOccurred())
			})
		})

		Context("when database is empty", func() {
			BeforeEach(func() { config.Database = "" })

			It("should fail validation", func() {
				Expect(config.Validate()).To(HaveOccurred())
			})
		})
	})

	Describe("DSN", func() {
		It("renders a libpq-style connection string", func() {
			config := DefaultConfig()
			config.Password = "secret"
			Expect(config.DSN()).To(Equal("host=localhost port=5432 user=jobengine password=secret dbname=jobengine sslmode=disable"))
		})
	})
})
