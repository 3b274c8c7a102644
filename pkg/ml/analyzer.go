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

package ml

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/models"
)

// UnpredictedSource supplies the logs the analyzer still has to score.
type UnpredictedSource interface {
	FetchUnpredicted(ctx context.Context, window time.Duration, limit int) ([]*models.LogEntry, error)
}

// PredictionSink persists analyzer output and serializes runs.
type PredictionSink interface {
	Upsert(ctx context.Context, p *models.Prediction) error
	WithAnalyzerLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunSummary is the accounting emitted after each analyzer run.
type RunSummary struct {
	ModelVersion string                  `json:"model_version"`
	Fetched      int                     `json:"fetched"`
	Stored       int                     `json:"stored"`
	Skipped      int                     `json:"skipped"`
	Errored      int                     `json:"errored"`
	ByLevel      map[models.Level]int    `json:"by_level"`
	BySeverity   map[models.Severity]int `json:"by_severity"`
	Duration     time.Duration           `json:"-"`
	DurationMs   int64                   `json:"duration_ms"`
}

// Analyzer is the batch prediction job. One logical run executes at a time;
// the prediction sink's advisory lock enforces that across processes.
type Analyzer struct {
	cfg     *config.AnalyzerConfig
	logs    UnpredictedSource
	preds   PredictionSink
	metrics *metrics.Metrics
	logger  logr.Logger

	mu        sync.Mutex
	artifacts *Artifacts
	reload    atomic.Bool
}

// NewAnalyzer wires the batch analyzer. Artifacts load lazily on the first
// run, so construction never touches the filesystem.
func NewAnalyzer(cfg *config.AnalyzerConfig, logs UnpredictedSource, preds PredictionSink, m *metrics.Metrics, logger logr.Logger) *Analyzer {
	a := &Analyzer{cfg: cfg, logs: logs, preds: preds, metrics: m, logger: logger}
	a.reload.Store(true)
	return a
}

func (a *Analyzer) loadArtifacts() (*Artifacts, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.artifacts != nil && !a.reload.Load() {
		return a.artifacts, nil
	}
	art, err := LoadArtifacts(a.cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	a.artifacts = art
	a.reload.Store(false)
	a.logger.Info("model artifacts loaded",
		"model_version", art.Metadata.ModelVersion,
		"feature_dim", art.Metadata.FeatureDim,
		"has_severity_model", art.Severity != nil,
	)
	return art, nil
}

// Run executes one analyzer pass: load artifacts, fetch unpredicted logs in
// the recent window, score each, and upsert. A log the model chain cannot
// score counts as errored and the run moves on; a storage write failure
// aborts the run since later upserts would likely fail the same way.
func (a *Analyzer) Run(ctx context.Context) (*RunSummary, error) {
	art, err := a.loadArtifacts()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &RunSummary{
		ModelVersion: art.Metadata.ModelVersion,
		ByLevel:      make(map[models.Level]int),
		BySeverity:   make(map[models.Severity]int),
	}

	err = a.preds.WithAnalyzerLock(ctx, func(ctx context.Context) error {
		entries, err := a.logs.FetchUnpredicted(ctx, a.cfg.Window, a.cfg.Limit)
		if err != nil {
			return err
		}
		summary.Fetched = len(entries)

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(errors.KindAnalyzerFailed, "analyzer run cancelled", err)
			}

			if entry.InternalID <= 0 {
				// A prediction row cannot reference this entry yet.
				summary.Skipped++
				a.metrics.PredictionsSkipped.Inc()
				a.logger.V(1).Info("log not yet addressable, skipping", "log_id", entry.ExternalID)
				continue
			}

			prediction, err := a.score(art, entry)
			if err != nil {
				summary.Errored++
				a.metrics.PredictionsErrored.Inc()
				a.logger.V(1).Info("log could not be scored",
					"log_id", entry.ExternalID, "reason", err.Error())
				continue
			}
			if err := prediction.Validate(); err != nil {
				summary.Errored++
				a.metrics.PredictionsErrored.Inc()
				a.logger.Error(err, "model produced an invalid prediction", "log_id", entry.ExternalID)
				continue
			}

			if err := a.preds.Upsert(ctx, prediction); err != nil {
				return errors.Wrap(errors.KindAnalyzerFailed, "failed to store prediction", err)
			}
			summary.Stored++
			a.metrics.PredictionsStored.Inc()
			summary.ByLevel[prediction.PredictedLevel]++
			summary.BySeverity[prediction.Severity]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary.Duration = time.Since(start)
	summary.DurationMs = summary.Duration.Milliseconds()
	a.metrics.AnalyzerRunDuration.Observe(summary.Duration.Seconds())

	a.logger.Info("analyzer run complete",
		"model_version", summary.ModelVersion,
		"fetched", summary.Fetched,
		"stored", summary.Stored,
		"skipped", summary.Skipped,
		"errored", summary.Errored,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// score runs the full model chain on one entry.
func (a *Analyzer) score(art *Artifacts, entry *models.LogEntry) (*models.Prediction, error) {
	vec, err := art.Featurizer.Featurize(entry)
	if err != nil {
		return nil, err
	}

	label, levelConf := art.Level.Predict(vec)
	isAnomaly, score, anomalyConf := art.Anomaly.Score(vec)

	var severity models.Severity
	if art.Severity != nil {
		sevLabel, _ := art.Severity.Predict(vec)
		severity = models.Severity(sevLabel)
	} else {
		severity = DeriveSeverity(models.Level(label), isAnomaly, score)
	}

	return &models.Prediction{
		LogInternalID:     entry.InternalID,
		PredictedLevel:    models.Level(label),
		LevelConfidence:   levelConf,
		IsAnomaly:         isAnomaly,
		AnomalyScore:      score,
		AnomalyConfidence: anomalyConf,
		Severity:          severity,
		ModelVersion:      art.Metadata.ModelVersion,
		PredictedAt:       time.Now().UTC(),
	}, nil
}

// Loop runs the analyzer on the configured cadence until ctx is cancelled.
// Changes in the artifact directory trigger a reload before the next run,
// so a retrain rolls out without a restart. An immediate first run happens
// on entry.
func (a *Analyzer) Loop(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if werr := watcher.Add(a.cfg.ArtifactDir); werr != nil {
			a.logger.Info("artifact directory not watchable, reload on cadence only",
				"dir", a.cfg.ArtifactDir, "reason", werr.Error())
			watcher = nil
		}
	} else {
		a.logger.Info("fsnotify unavailable, reload on cadence only", "reason", err.Error())
		watcher = nil
	}

	if _, err := a.Run(ctx); err != nil {
		a.logger.Error(err, "analyzer run failed")
	}

	ticker := time.NewTicker(a.cfg.Cadence)
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				a.logger.Info("model artifacts changed, scheduling reload", "file", ev.Name)
				a.reload.Store(true)
			}
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error(err, "analyzer run failed")
			}
		}
	}
}
