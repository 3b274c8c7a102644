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

// Package metrics exposes the backend's Prometheus instrumentation on a
// per-process registry, so tests can gather in isolation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the backend records. NewMetrics always
// returns a valid instance.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface.
	RequestsTotal   *prometheus.CounterVec   // labels: endpoint_class, outcome
	RequestDuration *prometheus.HistogramVec // labels: endpoint_class
	RateLimitDenied *prometheus.CounterVec   // labels: endpoint_class

	// Ingestion.
	IngestOutcomes *prometheus.CounterVec // labels: outcome (accepted|storage_rejected|index_failed|validation_failed)
	IngestBatches  prometheus.Counter

	// Query engine.
	SearchRoutes *prometheus.CounterVec // labels: route (rowstore|index|fallback)
	CacheHits    *prometheus.CounterVec // labels: cache
	CacheMisses  *prometheus.CounterVec // labels: cache

	// ML pipeline.
	AnalyzerRunDuration prometheus.Histogram
	PredictionsStored   prometheus.Counter
	PredictionsSkipped  prometheus.Counter
	PredictionsErrored  prometheus.Counter
	ServingLatency      prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates the collectors on the given registry.
// Tests pass an isolated registry; production passes one shared per process.
func NewMetricsWithRegistry(namespace string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint class and outcome.",
		}, []string{"endpoint_class", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by endpoint class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint_class"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Requests denied by the rate limiter.",
		}, []string{"endpoint_class"}),
		IngestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_entries_total",
			Help:      "Per-entry ingest outcomes.",
		}, []string{"outcome"}),
		IngestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Ingest batches processed.",
		}),
		SearchRoutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_routes_total",
			Help:      "Search requests by chosen backing store.",
		}, []string{"route"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache name.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache name.",
		}, []string{"cache"}),
		AnalyzerRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_run_duration_seconds",
			Help:      "Batch analyzer run duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PredictionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_predictions_stored_total",
			Help:      "Predictions upserted by the analyzer.",
		}),
		PredictionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_predictions_skipped_total",
			Help:      "Logs skipped by the analyzer.",
		}),
		PredictionsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_predictions_errored_total",
			Help:      "Logs the analyzer failed to featurize or predict.",
		}),
		ServingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ml_serving_latency_seconds",
			Help:      "Online prediction lookup latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimitDenied,
		m.IngestOutcomes, m.IngestBatches,
		m.SearchRoutes, m.CacheHits, m.CacheMisses,
		m.AnalyzerRunDuration,
		m.PredictionsStored, m.PredictionsSkipped, m.PredictionsErrored,
		m.ServingLatency,
		collectors.NewGoCollector(),
	)

	return m
}

// Gatherer exposes the registry for promhttp and for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
