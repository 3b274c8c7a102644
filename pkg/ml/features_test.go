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
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loglens/loglens/pkg/models"
)

var _ = Describe("Featurizer", func() {
	var f *Featurizer

	entry := func(mutate func(*models.LogEntry)) *models.LogEntry {
		e := &models.LogEntry{
			ExternalID: "log-1",
			Timestamp:  time.Now().UTC(),
			Level:      models.LevelInfo,
			Message:    "database connection timeout",
			SourceType: models.SourceApplication,
		}
		if mutate != nil {
			mutate(e)
		}
		return e
	}

	BeforeEach(func() {
		f = &Featurizer{TextDim: 16, Lowercase: true}
	})

	It("produces vectors of the declared dimension", func() {
		Expect(f.FeatureDim()).To(Equal(16 + numExtraFeatures))
		vec, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(vec).To(HaveLen(f.FeatureDim()))
	})

	It("is deterministic for the same entry", func() {
		a, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())
		b, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	It("L2-normalizes the text block", func() {
		vec, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())

		var sum float64
		for _, v := range vec[:f.TextDim] {
			sum += v * v
		}
		Expect(sum).To(BeNumerically("~", 1.0, 1e-9))
	})

	It("weights tokens by their IDF when known", func() {
		f.IDF = map[string]float64{"timeout": 5.0}
		weighted, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())

		f.IDF = nil
		flat, err := f.Featurize(entry(nil))
		Expect(err).ToNot(HaveOccurred())
		Expect(weighted).ToNot(Equal(flat))
	})

	It("encodes response time and message length", func() {
		rt := 250.0
		vec, err := f.Featurize(entry(func(e *models.LogEntry) { e.ResponseTimeMs = &rt }))
		Expect(err).ToNot(HaveOccurred())

		extras := vec[f.TextDim:]
		Expect(extras[0]).To(BeNumerically("~", math.Log1p(float64(len("database connection timeout"))), 1e-9))
		Expect(extras[1]).To(BeNumerically("~", math.Log1p(250.0), 1e-9))
	})

	It("flags 5xx and 4xx statuses separately", func() {
		s500 := 503
		vec, err := f.Featurize(entry(func(e *models.LogEntry) { e.HTTPStatus = &s500 }))
		Expect(err).ToNot(HaveOccurred())
		Expect(vec[f.TextDim+2]).To(Equal(1.0))
		Expect(vec[f.TextDim+3]).To(Equal(0.0))

		s404 := 404
		vec, err = f.Featurize(entry(func(e *models.LogEntry) { e.HTTPStatus = &s404 }))
		Expect(err).ToNot(HaveOccurred())
		Expect(vec[f.TextDim+2]).To(Equal(0.0))
		Expect(vec[f.TextDim+3]).To(Equal(1.0))
	})

	It("scales SAP severity into [0,1]", func() {
		sev := 4
		vec, err := f.Featurize(entry(func(e *models.LogEntry) {
			e.SourceType = models.SourceSAP
			e.SAPSeverity = &sev
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(vec[f.TextDim+4]).To(Equal(0.5))
	})

	It("one-hot encodes the source type", func() {
		vec, err := f.Featurize(entry(func(e *models.LogEntry) { e.SourceType = models.SourceSplunk }))
		Expect(err).ToNot(HaveOccurred())

		oneHot := vec[f.TextDim+6:]
		Expect(oneHot[0]).To(Equal(1.0))
		var active int
		for _, v := range oneHot {
			if v == 1.0 {
				active++
			}
		}
		Expect(active).To(Equal(1))
	})

	It("fails on an entry with no message text", func() {
		_, err := f.Featurize(entry(func(e *models.LogEntry) { e.Message = "   " }))
		Expect(err).To(HaveOccurred())
	})

	It("fails on a non-positive text dimension", func() {
		f.TextDim = 0
		_, err := f.Featurize(entry(nil))
		Expect(err).To(HaveOccurred())
	})
})
