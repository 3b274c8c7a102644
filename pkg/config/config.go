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

// Package config loads backend configuration from a YAML file with
// LOGLENS_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Environment string         `yaml:"environment"` // "development" or "production"
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Index       IndexConfig    `yaml:"index"`
	Redis       RedisConfig    `yaml:"redis"`
	Auth        AuthConfig     `yaml:"auth"`
	RateLimits  RateLimits     `yaml:"rate_limits"`
	Ingest      IngestConfig   `yaml:"ingest"`
	Analyzer    AnalyzerConfig `yaml:"analyzer"`
	CORS        CORSConfig     `yaml:"cors"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`  // wall-clock budget for read endpoints
	IngestTimeout time.Duration `yaml:"ingest_timeout"` // wall-clock budget for ingest
}

// DatabaseConfig holds the row-store connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// IndexConfig holds the inverted-index store settings.
type IndexConfig struct {
	Path string `yaml:"path"` // index directory; ":memory:" for tests
}

// RedisConfig holds cache and rate-bucket backend settings. Empty Addr means
// process-local rate buckets and no result cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds token signing and lifetime settings.
type AuthConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	ResetTTL       time.Duration `yaml:"reset_ttl"`
	HashIterations int           `yaml:"hash_iterations"`
}

// Limit is one fixed-window quota: Requests per Window.
type Limit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RateLimits is the per-endpoint-class quota table.
type RateLimits struct {
	Login     Limit `yaml:"login"`
	Register  Limit `yaml:"register"`
	Search    Limit `yaml:"search"`
	Ingest    Limit `yaml:"ingest"`
	Admin     Limit `yaml:"admin"`
	Anonymous Limit `yaml:"anonymous"`
	API       Limit `yaml:"api"`
}

// IngestConfig bounds the ingestion coordinator.
type IngestConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// AnalyzerConfig configures the batch ML analyzer.
type AnalyzerConfig struct {
	ArtifactDir string        `yaml:"artifact_dir"`
	Window      time.Duration `yaml:"window"`  // recent window to scan
	Limit       int           `yaml:"limit"`   // max logs per run
	Cadence     time.Duration `yaml:"cadence"` // loop-mode interval
}

// CORSConfig restricts cross-origin access.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the development defaults; Load starts from these.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  60 * time.Second,
			QueryTimeout:  10 * time.Second,
			IngestTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Index: IndexConfig{Path: "data/loglens.bleve"},
		Auth: AuthConfig{
			AccessTTL:      30 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			ResetTTL:       time.Hour,
			HashIterations: 120000,
		},
		RateLimits: RateLimits{
			Login:     Limit{Requests: 5, Window: 5 * time.Minute},
			Register:  Limit{Requests: 3, Window: time.Hour},
			Search:    Limit{Requests: 100, Window: 5 * time.Minute},
			Ingest:    Limit{Requests: 1000, Window: time.Hour},
			Admin:     Limit{Requests: 200, Window: 5 * time.Minute},
			Anonymous: Limit{Requests: 100, Window: time.Hour},
			API:       Limit{Requests: 5000, Window: time.Hour},
		},
		Ingest: IngestConfig{MaxBatchSize: 10000},
		Analyzer: AnalyzerConfig{
			ArtifactDir: "models",
			Window:      24 * time.Hour,
			Limit:       1000,
			Cadence:     3 * time.Hour,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}
}

// Load reads the YAML file at path (optional; empty path skips the file),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("LOGLENS_ENVIRONMENT", &cfg.Environment)
	setInt("LOGLENS_PORT", &cfg.Server.Port)
	setString("LOGLENS_DATABASE_URL", &cfg.Database.URL)
	setString("LOGLENS_INDEX_PATH", &cfg.Index.Path)
	setString("LOGLENS_REDIS_ADDR", &cfg.Redis.Addr)
	setString("LOGLENS_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("LOGLENS_REDIS_DB", &cfg.Redis.DB)
	setString("LOGLENS_JWT_SECRET", &cfg.Auth.SigningSecret)
	setDuration("LOGLENS_ACCESS_TTL", &cfg.Auth.AccessTTL)
	setDuration("LOGLENS_REFRESH_TTL", &cfg.Auth.RefreshTTL)
	setString("LOGLENS_MODEL_DIR", &cfg.Analyzer.ArtifactDir)
	setDuration("LOGLENS_ANALYZER_WINDOW", &cfg.Analyzer.Window)
	setInt("LOGLENS_ANALYZER_LIMIT", &cfg.Analyzer.Limit)
	setDuration("LOGLENS_ANALYZER_CADENCE", &cfg.Analyzer.Cadence)
	setInt("LOGLENS_MAX_BATCH_SIZE", &cfg.Ingest.MaxBatchSize)

	if v := os.Getenv("LOGLENS_CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}
}

// Validate fails fast on configuration the server cannot safely run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set LOGLENS_DATABASE_URL)")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required (or set LOGLENS_JWT_SECRET)")
	}
	if c.Auth.HashIterations < 100000 {
		return fmt.Errorf("auth.hash_iterations must be at least 100000, got %d", c.Auth.HashIterations)
	}
	if c.Ingest.MaxBatchSize < 1 {
		return fmt.Errorf("ingest.max_batch_size must be positive, got %d", c.Ingest.MaxBatchSize)
	}
	if c.IsProduction() {
		for _, origin := range c.CORS.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("cors.allowed_origins must not contain %q in production", "*")
			}
		}
	}
	return nil
}

// IsProduction reports whether the production hardening rules apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
