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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/storage"
)

// Analyze response source markers. Clients key UI behavior off these, so
// the strings are part of the API contract.
const (
	SourcePredictions = "ml_predictions_table"
	SourceMockData    = "mock_data_fallback"
)

// LogSource resolves log identities for the serving path.
type LogSource interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.LogEntry, error)
}

// PredictionSource reads stored predictions.
type PredictionSource interface {
	GetByLogInternalID(ctx context.Context, logInternalID int64) (*models.Prediction, error)
	ListRecent(ctx context.Context, window time.Duration, limit int) ([]*storage.PredictedEntry, error)
	Rollup(ctx context.Context) (*models.PredictionRollup, error)
	LastPredictedAt(ctx context.Context) (*time.Time, error)
}

// recentWindow bounds the analyze listing to fresh predictions.
const recentWindow = 24 * time.Hour

// ServingService is the online half of the pipeline: read-only lookups over
// predictions the analyzer already stored. It never runs models in the
// request path.
type ServingService struct {
	logs    LogSource
	preds   PredictionSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServingService wires the serving path.
func NewServingService(logs LogSource, preds PredictionSource, m *metrics.Metrics, logger *zap.Logger) *ServingService {
	return &ServingService{logs: logs, preds: preds, metrics: m, logger: logger}
}

// GetPrediction returns the stored prediction for a log. A log the analyzer
// has not covered yet yields prediction_pending; an unknown log yields
// not_found.
func (s *ServingService) GetPrediction(ctx context.Context, externalID string) (*models.Prediction, error) {
	start := time.Now()
	defer func() { s.metrics.ServingLatency.Observe(time.Since(start).Seconds()) }()

	entry, err := s.logs.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.preds.GetByLogInternalID(ctx, entry.InternalID)
}

// AnalyzeItem is one row of the analyze report.
type AnalyzeItem struct {
	LogID      string             `json:"log_id"`
	Message    string             `json:"message,omitempty"`
	Prediction *models.Prediction `json:"prediction"`
	Mock       bool               `json:"mock,omitempty"`
}

// AnalyzeReport is the analyze action response. Source states whether the
// rows came from stored predictions or the mock fallback.
type AnalyzeReport struct {
	Source      string        `json:"source"`
	Predictions []AnalyzeItem `json:"predictions"`
}

// Analyze serves the analyze action. With a log ID it reports that single
// log, substituting a mock row when its prediction is still pending.
// Without one it reports recent stored predictions, or mock sample rows
// when the analyzer has produced nothing yet.
func (s *ServingService) Analyze(ctx context.Context, logID string, limit int) (*AnalyzeReport, error) {
	start := time.Now()
	defer func() { s.metrics.ServingLatency.Observe(time.Since(start).Seconds()) }()

	if logID != "" {
		entry, err := s.logs.GetByExternalID(ctx, logID)
		if err != nil {
			return nil, err
		}
		prediction, err := s.preds.GetByLogInternalID(ctx, entry.InternalID)
		if err != nil {
			if errors.KindOf(err) == errors.KindPredictionPending {
				return &AnalyzeReport{
					Source: SourceMockData,
					Predictions: []AnalyzeItem{
						{LogID: entry.ExternalID, Message: entry.Message, Prediction: nil, Mock: true},
					},
				}, nil
			}
			return nil, err
		}
		return &AnalyzeReport{
			Source: SourcePredictions,
			Predictions: []AnalyzeItem{
				{LogID: entry.ExternalID, Message: entry.Message, Prediction: prediction},
			},
		}, nil
	}

	recent, err := s.preds.ListRecent(ctx, recentWindow, limit)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return &AnalyzeReport{Source: SourceMockData, Predictions: mockSample()}, nil
	}

	items := make([]AnalyzeItem, 0, len(recent))
	for _, row := range recent {
		items = append(items, AnalyzeItem{
			LogID:      row.ExternalID,
			Message:    row.Message,
			Prediction: row.Prediction,
		})
	}
	return &AnalyzeReport{Source: SourcePredictions, Predictions: items}, nil
}

// mockSample produces placeholder rows for clients exercising the analyze
// action before any analyzer run. The shapes match real predictions; the
// mock flag and source marker make the substitution explicit.
func mockSample() []AnalyzeItem {
	now := time.Now().UTC()
	sample := []struct {
		level    models.Level
		score    float64
		severity models.Severity
	}{
		{models.LevelInfo, 0.05, models.SeverityLow},
		{models.LevelWarn, 0.35, models.SeverityMedium},
		{models.LevelError, 0.78, models.SeverityHigh},
	}

	items := make([]AnalyzeItem, 0, len(sample))
	for i, sm := range sample {
		items = append(items, AnalyzeItem{
			LogID: fmt.Sprintf("sample-%d", i+1),
			Mock:  true,
			Prediction: &models.Prediction{
				PredictedLevel:    sm.level,
				LevelConfidence:   0.9,
				IsAnomaly:         sm.score > 0.5,
				AnomalyScore:      sm.score,
				AnomalyConfidence: 0.8,
				Severity:          sm.severity,
				ModelVersion:      "mock",
				PredictedAt:       now,
			},
		})
	}
	return items
}

// AnalyticsRollup returns the aggregate prediction view.
func (s *ServingService) AnalyticsRollup(ctx context.Context) (*models.PredictionRollup, error) {
	return s.preds.Rollup(ctx)
}

// Status is the unauthenticated pipeline probe.
type Status struct {
	MLSystem         string     `json:"ml_system"`
	LastPredictionAt *time.Time `json:"last_prediction_at"`
	TotalPredictions int64      `json:"total_predictions"`
}

// PipelineStatus reports whether the pipeline has produced predictions and
// how fresh they are. Backend failures degrade the report instead of
// erroring, since this probe is what operators check during an outage.
func (s *ServingService) PipelineStatus(ctx context.Context) *Status {
	status := &Status{MLSystem: "operational"}

	rollup, err := s.preds.Rollup(ctx)
	if err != nil {
		s.logger.Warn("prediction rollup unavailable for status probe", zap.Error(err))
		status.MLSystem = "degraded"
		return status
	}
	status.TotalPredictions = rollup.TotalPredictions
	if rollup.TotalPredictions == 0 {
		status.MLSystem = "no_predictions"
	}

	last, err := s.preds.LastPredictedAt(ctx)
	if err != nil {
		s.logger.Warn("last prediction time unavailable for status probe", zap.Error(err))
	} else {
		status.LastPredictionAt = last
	}
	return status
}
