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

// Package ml implements the two-stage prediction pipeline: the batch
// analyzer that scores recent logs with trained model artifacts, and the
// online serving path that returns stored predictions.
//
// Model artifacts are produced by an external training program and loaded
// here as JSON documents. Their format is hidden behind Featurizer and the
// model types; nothing outside this package sees it.
package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loglens/loglens/pkg/errors"
)

const (
	metadataFile   = "metadata.json"
	vectorizerFile = "vectorizer.json"
	levelFile      = "level_classifier.json"
	anomalyFile    = "anomaly.json"
	severityFile   = "severity.json"
)

// Metadata describes the artifact set: version, expected feature shape, and
// whether the enhanced severity model is present.
type Metadata struct {
	ModelVersion     string   `json:"model_version"`
	FeatureDim       int      `json:"feature_dim"`
	Labels           []string `json:"labels"`
	HasSeverityModel bool     `json:"has_severity_model"`
	TrainedAt        string   `json:"trained_at,omitempty"`
}

// Artifacts is one fully loaded, self-consistent model set.
type Artifacts struct {
	Metadata   Metadata
	Featurizer *Featurizer
	Level      *LogisticModel
	Anomaly    *LinearScorer

	// Severity is nil unless the enhanced severity model shipped with the
	// artifact set; the analyzer then falls back to the derived mapping.
	Severity *LogisticModel
}

// LoadArtifacts reads and cross-validates the artifact set in dir. Any
// missing or inconsistent required artifact yields models_unavailable, so
// the analyzer can abort before touching the database.
func LoadArtifacts(dir string) (*Artifacts, error) {
	var meta Metadata
	if err := loadJSON(dir, metadataFile, &meta); err != nil {
		return nil, err
	}
	if meta.ModelVersion == "" {
		return nil, errors.New(errors.KindModelsUnavailable, "metadata is missing model_version")
	}

	var featurizer Featurizer
	if err := loadJSON(dir, vectorizerFile, &featurizer); err != nil {
		return nil, err
	}

	var level LogisticModel
	if err := loadJSON(dir, levelFile, &level); err != nil {
		return nil, err
	}

	var anomaly LinearScorer
	if err := loadJSON(dir, anomalyFile, &anomaly); err != nil {
		return nil, err
	}

	art := &Artifacts{
		Metadata:   meta,
		Featurizer: &featurizer,
		Level:      &level,
		Anomaly:    &anomaly,
	}

	if meta.HasSeverityModel {
		var severity LogisticModel
		if err := loadJSON(dir, severityFile, &severity); err != nil {
			return nil, err
		}
		art.Severity = &severity
	}

	if err := art.validate(); err != nil {
		return nil, err
	}
	return art, nil
}

func loadJSON(dir, name string, dest interface{}) error {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrap(errors.KindModelsUnavailable,
			fmt.Sprintf("model artifact %s is not available", name), err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Wrap(errors.KindModelsUnavailable,
			fmt.Sprintf("model artifact %s is not parseable", name), err)
	}
	return nil
}

// validate cross-checks the declared feature shape against every model so a
// stale artifact mix fails at load, not per-log.
func (a *Artifacts) validate() error {
	dim := a.Featurizer.FeatureDim()
	if a.Metadata.FeatureDim != dim {
		return errors.Newf(errors.KindModelsUnavailable,
			"metadata declares feature_dim %d but vectorizer produces %d", a.Metadata.FeatureDim, dim)
	}
	if err := a.Level.checkShape(dim); err != nil {
		return errors.Wrap(errors.KindModelsUnavailable, "level classifier shape mismatch", err)
	}
	if err := a.Anomaly.checkShape(dim); err != nil {
		return errors.Wrap(errors.KindModelsUnavailable, "anomaly scorer shape mismatch", err)
	}
	if a.Severity != nil {
		if err := a.Severity.checkShape(dim); err != nil {
			return errors.Wrap(errors.KindModelsUnavailable, "severity model shape mismatch", err)
		}
	}
	return nil
}
