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
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loglens/loglens/pkg/errors"
)

// writeArtifactSet lays down a self-consistent artifact set with TextDim 4
// (feature dimension 4 + numExtraFeatures).
func writeArtifactSet(dir string) {
	dim := 4 + numExtraFeatures

	row := func(fill float64) []float64 {
		r := make([]float64, dim)
		for i := range r {
			r[i] = fill
		}
		return r
	}

	writeJSON(dir, metadataFile, Metadata{
		ModelVersion: "v3-test",
		FeatureDim:   dim,
		Labels:       []string{"INFO", "ERROR"},
	})
	writeJSON(dir, vectorizerFile, &Featurizer{TextDim: 4, Lowercase: true})
	writeJSON(dir, levelFile, &LogisticModel{
		Labels:  []string{"INFO", "ERROR"},
		Weights: [][]float64{row(0.1), row(-0.1)},
		Bias:    []float64{0, 0},
	})
	writeJSON(dir, anomalyFile, &LinearScorer{Weights: row(0.05), Bias: -1, Threshold: 0.5})
}

func writeJSON(dir, name string, v interface{}) {
	raw, err := json.Marshal(v)
	Expect(err).ToNot(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, name), raw, 0o600)).To(Succeed())
}

var _ = Describe("LoadArtifacts", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		writeArtifactSet(dir)
	})

	It("loads a consistent artifact set", func() {
		art, err := LoadArtifacts(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(art.Metadata.ModelVersion).To(Equal("v3-test"))
		Expect(art.Featurizer.FeatureDim()).To(Equal(4 + numExtraFeatures))
		Expect(art.Severity).To(BeNil(), "no enhanced severity model in the set")
	})

	It("loads the severity model when the metadata declares it", func() {
		dim := 4 + numExtraFeatures
		row := make([]float64, dim)
		writeJSON(dir, metadataFile, Metadata{
			ModelVersion:     "v3-test",
			FeatureDim:       dim,
			HasSeverityModel: true,
		})
		writeJSON(dir, severityFile, &LogisticModel{
			Labels:  []string{"low", "high"},
			Weights: [][]float64{row, row},
			Bias:    []float64{0, 0},
		})

		art, err := LoadArtifacts(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(art.Severity).ToNot(BeNil())
	})

	It("reports models_unavailable for a missing artifact", func() {
		Expect(os.Remove(filepath.Join(dir, anomalyFile))).To(Succeed())
		_, err := LoadArtifacts(dir)
		Expect(errors.KindOf(err)).To(Equal(errors.KindModelsUnavailable))
	})

	It("reports models_unavailable for an unparseable artifact", func() {
		Expect(os.WriteFile(filepath.Join(dir, levelFile), []byte("{broken"), 0o600)).To(Succeed())
		_, err := LoadArtifacts(dir)
		Expect(errors.KindOf(err)).To(Equal(errors.KindModelsUnavailable))
	})

	It("rejects a metadata/vectorizer dimension mismatch", func() {
		writeJSON(dir, metadataFile, Metadata{ModelVersion: "v3-test", FeatureDim: 99})
		_, err := LoadArtifacts(dir)
		Expect(errors.KindOf(err)).To(Equal(errors.KindModelsUnavailable))
	})

	It("rejects a classifier whose shape disagrees with the vectorizer", func() {
		writeJSON(dir, levelFile, &LogisticModel{
			Labels:  []string{"INFO"},
			Weights: [][]float64{{1, 2, 3}},
			Bias:    []float64{0},
		})
		_, err := LoadArtifacts(dir)
		Expect(errors.KindOf(err)).To(Equal(errors.KindModelsUnavailable))
	})

	It("rejects metadata without a model version", func() {
		writeJSON(dir, metadataFile, Metadata{FeatureDim: 4 + numExtraFeatures})
		_, err := LoadArtifacts(dir)
		Expect(errors.KindOf(err)).To(Equal(errors.KindModelsUnavailable))
	})
})
