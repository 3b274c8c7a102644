/*
Copyright 2025 The LogLens Authors.

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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/loglens/loglens/pkg/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Defaults", func() {
	It("carries the documented rate-limit table", func() {
		cfg := config.Default()
		Expect(cfg.RateLimits.Login).To(Equal(config.Limit{Requests: 5, Window: 5 * time.Minute}))
		Expect(cfg.RateLimits.Register).To(Equal(config.Limit{Requests: 3, Window: time.Hour}))
		Expect(cfg.RateLimits.Search).To(Equal(config.Limit{Requests: 100, Window: 5 * time.Minute}))
		Expect(cfg.RateLimits.Ingest).To(Equal(config.Limit{Requests: 1000, Window: time.Hour}))
		Expect(cfg.RateLimits.Admin).To(Equal(config.Limit{Requests: 200, Window: 5 * time.Minute}))
		Expect(cfg.RateLimits.Anonymous).To(Equal(config.Limit{Requests: 100, Window: time.Hour}))
		Expect(cfg.RateLimits.API).To(Equal(config.Limit{Requests: 5000, Window: time.Hour}))
	})

	It("defaults to the development environment", func() {
		Expect(config.Default().IsProduction()).To(BeFalse())
	})
})

var _ = Describe("Load", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	writeConfig := func(content string) string {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	It("merges the file over the defaults", func() {
		path := writeConfig(`
environment: production
server:
  port: 9090
database:
  url: postgres://loglens@db/loglens
auth:
  signing_secret: super-secret
cors:
  allowed_origins: ["https://app.example.com"]
`)
		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Server.Port).To(Equal(9090))
		Expect(cfg.IsProduction()).To(BeTrue())
		// Untouched keys keep their defaults.
		Expect(cfg.Ingest.MaxBatchSize).To(Equal(10000))
		Expect(cfg.Analyzer.Window).To(Equal(24 * time.Hour))
	})

	It("lets environment variables override the file", func() {
		path := writeConfig(`
database:
  url: postgres://file@db/loglens
auth:
  signing_secret: file-secret
`)
		GinkgoT().Setenv("LOGLENS_DATABASE_URL", "postgres://env@db/loglens")
		GinkgoT().Setenv("LOGLENS_PORT", "7070")
		GinkgoT().Setenv("LOGLENS_ACCESS_TTL", "15m")

		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Database.URL).To(Equal("postgres://env@db/loglens"))
		Expect(cfg.Server.Port).To(Equal(7070))
		Expect(cfg.Auth.AccessTTL).To(Equal(15 * time.Minute))
	})

	It("splits the CORS origin list from the environment", func() {
		path := writeConfig(`
database:
  url: postgres://file@db/loglens
auth:
  signing_secret: file-secret
`)
		GinkgoT().Setenv("LOGLENS_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.CORS.AllowedOrigins).To(Equal([]string{"https://a.example.com", "https://b.example.com"}))
	})

	It("fails on an unreadable file", func() {
		_, err := config.Load(filepath.Join(dir, "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Validate", func() {
	base := func() *config.Config {
		cfg := config.Default()
		cfg.Database.URL = "postgres://loglens@db/loglens"
		cfg.Auth.SigningSecret = "secret"
		return cfg
	}

	It("accepts a complete configuration", func() {
		Expect(base().Validate()).To(Succeed())
	})

	It("requires a database URL", func() {
		cfg := base()
		cfg.Database.URL = ""
		Expect(cfg.Validate()).ToNot(Succeed())
	})

	It("requires a signing secret", func() {
		cfg := base()
		cfg.Auth.SigningSecret = ""
		Expect(cfg.Validate()).ToNot(Succeed())
	})

	It("rejects weakened password hashing", func() {
		cfg := base()
		cfg.Auth.HashIterations = 1000
		Expect(cfg.Validate()).ToNot(Succeed())
	})

	It("rejects a wildcard CORS origin in production", func() {
		cfg := base()
		cfg.Environment = "production"
		cfg.CORS.AllowedOrigins = []string{"*"}
		Expect(cfg.Validate()).ToNot(Succeed())

		cfg.Environment = "development"
		Expect(cfg.Validate()).To(Succeed())
	})
})
