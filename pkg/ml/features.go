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
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/loglens/loglens/pkg/models"
)

// numExtraFeatures is the fixed tail of non-text features appended after the
// hashed bag-of-words block: message length, response time, HTTP 4xx/5xx
// flags, SAP severity, and a one-hot source encoding.
const numExtraFeatures = 11

// Featurizer turns a log entry into the dense vector the models expect.
// The text block is a hashed bag-of-words: each token lands in one of
// TextDim buckets, weighted by its IDF (1.0 for unknown tokens).
type Featurizer struct {
	TextDim   int                `json:"text_dim"`
	Lowercase bool               `json:"lowercase"`
	IDF       map[string]float64 `json:"idf,omitempty"`
}

// FeatureDim is the full vector length the featurizer produces.
func (f *Featurizer) FeatureDim() int {
	return f.TextDim + numExtraFeatures
}

// Featurize builds the feature vector for one entry. It fails only on
// entries the vectorizer cannot represent; the analyzer skips those and
// moves on.
func (f *Featurizer) Featurize(entry *models.LogEntry) ([]float64, error) {
	if f.TextDim <= 0 {
		return nil, fmt.Errorf("vectorizer text_dim must be positive, got %d", f.TextDim)
	}
	if strings.TrimSpace(entry.Message) == "" {
		return nil, fmt.Errorf("entry %s has no message text to featurize", entry.ExternalID)
	}

	vec := make([]float64, f.FeatureDim())

	for _, token := range f.tokenize(entry.Message) {
		weight := 1.0
		if idf, ok := f.IDF[token]; ok {
			weight = idf
		}
		vec[f.bucket(token)] += weight
	}
	// L2-normalize the text block so message length only enters through the
	// explicit length feature.
	normalize(vec[:f.TextDim])

	extras := vec[f.TextDim:]
	extras[0] = math.Log1p(float64(len(entry.Message)))
	if entry.ResponseTimeMs != nil {
		extras[1] = math.Log1p(*entry.ResponseTimeMs)
	}
	if entry.HTTPStatus != nil {
		switch {
		case *entry.HTTPStatus >= 500:
			extras[2] = 1
		case *entry.HTTPStatus >= 400:
			extras[3] = 1
		}
	}
	if entry.SAPSeverity != nil {
		extras[4] = float64(*entry.SAPSeverity) / 8
	}
	if len(entry.ErrorDetails) > 0 {
		extras[5] = 1
	}
	switch entry.SourceType {
	case models.SourceSplunk:
		extras[6] = 1
	case models.SourceSAP:
		extras[7] = 1
	case models.SourceApplication:
		extras[8] = 1
	case models.SourceSystem:
		extras[9] = 1
	default:
		extras[10] = 1
	}

	return vec, nil
}

func (f *Featurizer) tokenize(message string) []string {
	if f.Lowercase {
		message = strings.ToLower(message)
	}
	return strings.FieldsFunc(message, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (f *Featurizer) bucket(token string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(f.TextDim))
}

func normalize(block []float64) {
	var sum float64
	for _, v := range block {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range block {
		block[i] /= norm
	}
}
