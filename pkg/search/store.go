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

// Package search is the inverted-index adapter. The index is derived from
// the row store and can be rebuilt from it at any time; it is never the
// source of truth.
package search

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// Store wraps a bleve index over log entries. Documents are keyed by the
// entry's external_id, so re-indexing the same entry replaces the document.
type Store struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewStore opens (or creates) a disk-backed index at path. An empty path or
// ":memory:" creates an in-memory index, used by tests and by deployments
// that prefer a boot-time rebuild over persistence.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "" || path == ":memory:":
		path = ""
		idx, err = bleve.NewMemOnly(indexMapping())
	default:
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	store := &Store{index: idx, logger: logger}
	count, _ := idx.DocCount()
	logger.Info("search index opened",
		zap.String("path", path),
		zap.Uint64("documents", count),
	)
	return store, nil
}

// Close releases the underlying index.
func (s *Store) Close() error {
	return s.index.Close()
}

// DocCount returns the number of indexed documents.
func (s *Store) DocCount() (uint64, error) {
	return s.index.DocCount()
}

func indexMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	dateField := bleve.NewDateTimeFieldMapping()
	boolField := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("message", textField)
	doc.AddFieldMappingsAt("timestamp", dateField)
	doc.AddFieldMappingsAt("is_anomaly", boolField)
	for _, f := range []string{
		"level", "source_type", "host", "service",
		"request_id", "session_id", "correlation_id", "ip_address",
	} {
		doc.AddFieldMappingsAt(f, keywordField)
	}

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

func toDocument(e *models.LogEntry) map[string]interface{} {
	doc := map[string]interface{}{
		"message":     e.Message,
		"timestamp":   e.Timestamp.UTC(),
		"level":       string(e.Level),
		"source_type": string(e.SourceType),
		"is_anomaly":  e.IsAnomaly,
	}
	for key, value := range map[string]string{
		"host":           e.Host,
		"service":        e.Service,
		"request_id":     e.RequestID,
		"session_id":     e.SessionID,
		"correlation_id": e.CorrelationID,
		"ip_address":     e.IPAddress,
	} {
		if value != "" {
			doc[key] = value
		}
	}
	return doc
}

// IndexBatch indexes entries and reports per-entry failures keyed by
// external_id. A partial failure does not abort the batch; the failed
// entries stay queryable from the row store and are picked up again by a
// rebuild.
func (s *Store) IndexBatch(ctx context.Context, entries []*models.LogEntry) map[string]error {
	failed := make(map[string]error)
	batch := s.index.NewBatch()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			failed[e.ExternalID] = err
			continue
		}
		if err := batch.Index(e.ExternalID, toDocument(e)); err != nil {
			failed[e.ExternalID] = err
		}
	}
	if err := s.index.Batch(batch); err != nil {
		// The whole batch failed to apply; every entry is unindexed.
		for _, e := range entries {
			failed[e.ExternalID] = err
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("search index batch partially failed",
			zap.Int("batch_size", len(entries)),
			zap.Int("failed", len(failed)),
		)
	}
	return failed
}

// Hit is one scored search result. The caller hydrates the full entry from
// the row store.
type Hit struct {
	ExternalID string  `json:"log_id"`
	Score      float64 `json:"score"`
}

// Query runs a filtered search. With free text the results are ordered by
// relevance score; without, by timestamp descending. Returns the page of
// hits and the total match count.
func (s *Store) Query(ctx context.Context, filter *models.SearchFilter, page models.Page) ([]Hit, int64, error) {
	page = page.Normalize()

	req := bleve.NewSearchRequestOptions(buildQuery(filter), page.Limit, page.Offset, false)
	if filter == nil || !filter.HasText() {
		req.SortBy([]string{"-timestamp"})
	}

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindIndexError, "search index query failed", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ExternalID: h.ID, Score: h.Score})
	}
	return hits, int64(res.Total), nil
}

// Aggregate computes level and source distributions plus anomaly count for
// the filter, via index facets. It backs the statistics fallback path when
// the row store cannot serve aggregates.
func (s *Store) Aggregate(ctx context.Context, filter *models.SearchFilter) (*models.AggregateStats, error) {
	req := bleve.NewSearchRequestOptions(buildQuery(filter), 0, 0, false)
	req.AddFacet("levels", bleve.NewFacetRequest("level", len(models.Levels())))
	req.AddFacet("sources", bleve.NewFacetRequest("source_type", 8))

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIndexError, "search index aggregation failed", err)
	}

	stats := &models.AggregateStats{
		TotalLogs:    int64(res.Total),
		LogsByLevel:  make(map[models.Level]int64),
		LogsBySource: make(map[string]int64),
	}
	if facet, ok := res.Facets["levels"]; ok {
		for _, term := range facet.Terms.Terms() {
			stats.LogsByLevel[models.Level(term.Term)] = int64(term.Count)
			if term.Term == string(models.LevelError) || term.Term == string(models.LevelFatal) {
				stats.ErrorCount += int64(term.Count)
			}
		}
	}
	if facet, ok := res.Facets["sources"]; ok {
		for _, term := range facet.Terms.Terms() {
			stats.LogsBySource[term.Term] = int64(term.Count)
		}
	}

	anomalies, err := s.countAnomalies(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats.AnomalyCount = anomalies
	if stats.TotalLogs > 0 {
		stats.AnomalyRate = float64(stats.AnomalyCount) / float64(stats.TotalLogs) * 100
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.TotalLogs) * 100
	}
	return stats, nil
}

func (s *Store) countAnomalies(ctx context.Context, filter *models.SearchFilter) (int64, error) {
	anomalous := true
	var narrowed models.SearchFilter
	if filter != nil {
		narrowed = *filter
	}
	narrowed.IsAnomaly = &anomalous

	req := bleve.NewSearchRequestOptions(buildQuery(&narrowed), 0, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, errors.Wrap(errors.KindIndexError, "search index anomaly count failed", err)
	}
	return int64(res.Total), nil
}

// Rebuild re-derives the index from row-store batches supplied by fetch.
// fetch is called with increasing offsets until it returns an empty batch.
// Existing documents with the same external_id are replaced, so a rebuild is
// idempotent.
func (s *Store) Rebuild(ctx context.Context, batchSize int, fetch func(ctx context.Context, offset, limit int) ([]*models.LogEntry, error)) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var indexed int64
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		entries, err := fetch(ctx, offset, batchSize)
		if err != nil {
			return indexed, errors.Wrap(errors.KindStorageError, "failed to fetch rebuild batch", err)
		}
		if len(entries) == 0 {
			break
		}
		failed := s.IndexBatch(ctx, entries)
		indexed += int64(len(entries) - len(failed))
		if len(failed) > 0 {
			return indexed, errors.Newf(errors.KindIndexError,
				"rebuild aborted: %d entries failed to index", len(failed))
		}
	}

	s.logger.Info("search index rebuilt", zap.Int64("documents", indexed))
	return indexed, nil
}

func buildQuery(filter *models.SearchFilter) query.Query {
	if filter == nil {
		return bleve.NewMatchAllQuery()
	}

	var musts []query.Query

	if filter.HasText() {
		match := bleve.NewMatchQuery(filter.TextQuery)
		match.SetField("message")
		musts = append(musts, match)
	}

	terms := map[string]string{
		"level":          string(filter.Level),
		"source_type":    string(filter.SourceType),
		"host":           filter.Host,
		"service":        filter.Service,
		"request_id":     filter.RequestID,
		"session_id":     filter.SessionID,
		"correlation_id": filter.CorrelationID,
		"ip_address":     filter.IPAddress,
	}
	for field, value := range terms {
		if value == "" {
			continue
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		musts = append(musts, tq)
	}

	if filter.StartTime != nil || filter.EndTime != nil {
		start, end := filter.TimeBounds(time.Now().UTC())
		dr := bleve.NewDateRangeQuery(start, end)
		dr.SetField("timestamp")
		musts = append(musts, dr)
	}

	if filter.IsAnomaly != nil {
		bq := bleve.NewBoolFieldQuery(*filter.IsAnomaly)
		bq.SetField("is_anomaly")
		musts = append(musts, bq)
	}

	if len(musts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewConjunctionQuery(musts...)
}

// RemoveIndexFiles deletes a disk-backed index directory so the next open
// starts clean. No-op for in-memory stores.
func RemoveIndexFiles(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
