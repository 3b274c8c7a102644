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

package metrics

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
)

var _ = Describe("Metrics", func() {
	gatherFamily := func(m *Metrics, name string) *dto.MetricFamily {
		families, err := m.Gatherer().Gather()
		Expect(err).ToNot(HaveOccurred())
		for _, mf := range families {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}

	It("namespaces every collector", func() {
		m := NewMetrics("loglens")
		m.IngestBatches.Inc()

		Expect(gatherFamily(m, "loglens_ingest_batches_total")).ToNot(BeNil())
	})

	It("records labeled counters through the registry", func() {
		m := NewMetrics("test")
		m.RequestsTotal.WithLabelValues("search", "ok").Inc()
		m.RequestsTotal.WithLabelValues("search", "ok").Inc()
		m.RequestsTotal.WithLabelValues("ingest", "error").Inc()

		mf := gatherFamily(m, "test_http_requests_total")
		Expect(mf).ToNot(BeNil())
		Expect(mf.GetMetric()).To(HaveLen(2))

		var searchOK float64
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "endpoint_class" && label.GetValue() == "search" {
					searchOK = metric.GetCounter().GetValue()
				}
			}
		}
		Expect(searchOK).To(Equal(2.0))
	})

	It("observes histogram samples", func() {
		m := NewMetrics("test")
		m.ServingLatency.Observe(0.02)
		m.ServingLatency.Observe(0.3)

		mf := gatherFamily(m, "test_ml_serving_latency_seconds")
		Expect(mf).ToNot(BeNil())
		Expect(mf.GetMetric()[0].GetHistogram().GetSampleCount()).To(Equal(uint64(2)))
	})

	It("isolates instances on separate registries", func() {
		a := NewMetrics("test")
		b := NewMetrics("test")
		a.PredictionsStored.Inc()

		mf := gatherFamily(b, "test_analyzer_predictions_stored_total")
		Expect(mf).ToNot(BeNil())
		Expect(mf.GetMetric()[0].GetCounter().GetValue()).To(BeZero())
	})
})
