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

// The loglens-analyzer command runs the batch ML analyzer: it loads trained
// model artifacts, scores recent unpredicted logs, and upserts predictions
// into the row store. Default is one run; -loop keeps it running on the
// configured cadence with artifact hot-reload.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/ml"
	"github.com/loglens/loglens/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loglens-analyzer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		loop       bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML config file (optional)")
	flag.BoolVar(&loop, "loop", false, "run continuously on the configured cadence")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zapLogger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapr.NewLogger(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(&cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := storage.Migrate(ctx, db, logger); err != nil {
		return err
	}

	m := metrics.NewMetrics("loglens_analyzer")
	logs := storage.NewLogRepository(db, logger)
	preds := storage.NewPredictionRepository(db, logger)
	analyzer := ml.NewAnalyzer(&cfg.Analyzer, logs, preds, m, logger)

	if loop {
		err := analyzer.Loop(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}

	summary, err := analyzer.Run(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(summary)
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
