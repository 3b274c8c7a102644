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
	"fmt"
	"math"

	"github.com/loglens/loglens/pkg/models"
)

// LogisticModel is a multinomial logistic classifier: one weight row and
// bias per label, softmax over the scores.
type LogisticModel struct {
	Labels  []string    `json:"labels"`
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

func (m *LogisticModel) checkShape(dim int) error {
	if len(m.Labels) == 0 {
		return fmt.Errorf("classifier has no labels")
	}
	if len(m.Weights) != len(m.Labels) || len(m.Bias) != len(m.Labels) {
		return fmt.Errorf("classifier has %d labels but %d weight rows and %d biases",
			len(m.Labels), len(m.Weights), len(m.Bias))
	}
	for i, row := range m.Weights {
		if len(row) != dim {
			return fmt.Errorf("weight row %d has %d features, expected %d", i, len(row), dim)
		}
	}
	return nil
}

// Predict returns the best label and its softmax probability.
func (m *LogisticModel) Predict(vec []float64) (string, float64) {
	scores := make([]float64, len(m.Labels))
	maxScore := math.Inf(-1)
	for i, row := range m.Weights {
		scores[i] = dot(row, vec) + m.Bias[i]
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}

	// Softmax with the max subtracted for numeric stability.
	var sum float64
	for i := range scores {
		scores[i] = math.Exp(scores[i] - maxScore)
		sum += scores[i]
	}

	best, bestProb := 0, 0.0
	for i, s := range scores {
		p := s / sum
		if p > bestProb {
			best, bestProb = i, p
		}
	}
	return m.Labels[best], bestProb
}

// LinearScorer is a binary logistic scorer with a decision threshold.
type LinearScorer struct {
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Threshold float64   `json:"threshold"`
}

func (m *LinearScorer) checkShape(dim int) error {
	if len(m.Weights) != dim {
		return fmt.Errorf("scorer has %d features, expected %d", len(m.Weights), dim)
	}
	if m.Threshold <= 0 || m.Threshold >= 1 {
		return fmt.Errorf("scorer threshold %v is not in (0,1)", m.Threshold)
	}
	return nil
}

// Score returns the anomaly decision: flag, sigmoid score in [0,1], and a
// confidence measuring distance from the threshold.
func (m *LinearScorer) Score(vec []float64) (bool, float64, float64) {
	score := sigmoid(dot(m.Weights, vec) + m.Bias)
	flag := score >= m.Threshold

	// Confidence is how far the score sits from the threshold, scaled to the
	// room it had on that side.
	var confidence float64
	if flag {
		confidence = (score - m.Threshold) / (1 - m.Threshold)
	} else {
		confidence = (m.Threshold - score) / m.Threshold
	}
	return flag, score, confidence
}

// DeriveSeverity maps model outputs to the business-impact label when no
// enhanced severity model is available: FATAL or a confident anomaly is
// critical, ERROR is high, WARN is medium, the rest low.
func DeriveSeverity(level models.Level, isAnomaly bool, anomalyScore float64) models.Severity {
	switch {
	case level == models.LevelFatal, isAnomaly && anomalyScore > 0.9:
		return models.SeverityCritical
	case level == models.LevelError:
		return models.SeverityHigh
	case level == models.LevelWarn:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
