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

// The loglens command runs the HTTP API server: ingestion, search,
// correlation, statistics, auth, and online ML serving.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/auth"
	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/ingest"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/ml"
	"github.com/loglens/loglens/pkg/query"
	"github.com/loglens/loglens/pkg/ratelimit"
	"github.com/loglens/loglens/pkg/search"
	"github.com/loglens/loglens/pkg/server"
	"github.com/loglens/loglens/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loglens: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logrLogger := zapr.NewLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Row store.
	db, err := storage.Open(&cfg.Database, logrLogger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := storage.Migrate(ctx, db, logrLogger); err != nil {
		return err
	}

	// Index store.
	index, err := search.NewStore(cfg.Index.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	// Cache / rate-bucket backend; optional.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	m := metrics.NewMetrics("loglens")

	logs := storage.NewLogRepository(db, logrLogger)
	preds := storage.NewPredictionRepository(db, logrLogger)
	users := storage.NewUserRepository(db, logrLogger)

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, &cfg.RateLimits, logger)
	} else {
		limiter = ratelimit.NewMemoryLimiter(&cfg.RateLimits)
	}

	srv := server.NewServer(cfg, server.Dependencies{
		Auth:    auth.NewService(users, &cfg.Auth, logger),
		Users:   users,
		Ingest:  ingest.NewCoordinator(logs, index, &cfg.Ingest, m, logger),
		Query:   query.NewEngine(logs, index, query.NewCache(redisClient, logger), m, logger),
		ML:      ml.NewServingService(logs, preds, m, logger),
		Limiter: limiter,
		Metrics: m,
		Logger:  logger,
		RowStore: func(ctx context.Context) error {
			return storage.HealthCheck(ctx, db)
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown sequence:
	// 1. Stop accepting connections and drain in-flight requests.
	// 2. Close the index store so pending segment writes flush.
	// 3. Deferred closes release the database pool and Redis client.
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
