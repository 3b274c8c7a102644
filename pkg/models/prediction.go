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

package models

import (
	"fmt"
	"time"
)

// Severity is the four-level business-impact label, distinct from Level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a member of the severity enumeration.
func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Prediction is a stored row of model output linked 1:1 to a LogEntry. At
// most one prediction exists per log; a newer analyzer run replaces the row.
type Prediction struct {
	LogInternalID int64 `json:"log_internal_id" db:"log_internal_id"`

	PredictedLevel  Level   `json:"predicted_level" db:"predicted_level"`
	LevelConfidence float64 `json:"level_confidence" db:"level_confidence"`

	IsAnomaly         bool    `json:"is_anomaly" db:"is_anomaly"`
	AnomalyScore      float64 `json:"anomaly_score" db:"anomaly_score"`
	AnomalyConfidence float64 `json:"anomaly_confidence" db:"anomaly_confidence"`

	Severity     Severity  `json:"severity" db:"severity"`
	ModelVersion string    `json:"model_version" db:"model_version"`
	PredictedAt  time.Time `json:"predicted_at" db:"predicted_at"`
}

// Validate enforces the prediction invariants before the row is upserted.
func (p *Prediction) Validate() error {
	if p.LogInternalID <= 0 {
		return fmt.Errorf("log_internal_id must reference an existing log entry")
	}
	if !ValidLevel(string(p.PredictedLevel)) {
		return fmt.Errorf("predicted_level %q is not a valid level", p.PredictedLevel)
	}
	if !ValidSeverity(string(p.Severity)) {
		return fmt.Errorf("severity %q is not a valid severity", p.Severity)
	}
	for name, v := range map[string]float64{
		"level_confidence":   p.LevelConfidence,
		"anomaly_score":      p.AnomalyScore,
		"anomaly_confidence": p.AnomalyConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if p.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	return nil
}

// PredictionRollup is the aggregate view served by the analytics endpoint.
type PredictionRollup struct {
	SeverityDistribution map[Severity]int64 `json:"severity_distribution"`
	AnomalyCount         int64              `json:"anomaly_count"`
	AvgConfidence        float64            `json:"avg_confidence"`
	TotalPredictions     int64              `json:"total_predictions"`
}
