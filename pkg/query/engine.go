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

// Package query is the read path: it routes searches between the inverted
// index and the row store, joins correlated entries, and serves cached
// aggregate statistics.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/search"
)

// statsCacheTTL bounds how stale the statistics endpoint may serve.
const statsCacheTTL = 30 * time.Second

// RowStore is the slice of the log repository the engine reads from.
type RowStore interface {
	Search(ctx context.Context, filter *models.SearchFilter, page models.Page) ([]*models.LogEntry, int64, error)
	Correlate(ctx context.Context, key, value string, limit int) ([]*models.LogEntry, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.LogEntry, error)
	GetByExternalIDs(ctx context.Context, externalIDs []string) ([]*models.LogEntry, error)
	Stats(ctx context.Context, start, end time.Time) (*models.AggregateStats, error)
	ListPage(ctx context.Context, offset, limit int) ([]*models.LogEntry, error)
}

// Index is the slice of the search store the engine reads from.
type Index interface {
	Query(ctx context.Context, filter *models.SearchFilter, page models.Page) ([]search.Hit, int64, error)
	Aggregate(ctx context.Context, filter *models.SearchFilter) (*models.AggregateStats, error)
	Rebuild(ctx context.Context, batchSize int, fetch func(ctx context.Context, offset, limit int) ([]*models.LogEntry, error)) (int64, error)
	DocCount() (uint64, error)
}

// SearchResult is a page of entries plus routing metadata.
type SearchResult struct {
	Entries []*models.LogEntry `json:"logs"`
	Total   int64              `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
	Route   string             `json:"route"` // index | rowstore | fallback
}

// Engine routes reads. Free-text searches go to the index behind a circuit
// breaker and fall back to the row store; everything else reads the row
// store directly.
type Engine struct {
	rows    RowStore
	index   Index
	breaker *gobreaker.CircuitBreaker
	cache   *Cache
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine wires the read path. cache may be backed by a nil Redis client.
func NewEngine(rows RowStore, index Index, cache *Cache, m *metrics.Metrics, logger *zap.Logger) *Engine {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "search-index",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("search index breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Engine{rows: rows, index: index, breaker: breaker, cache: cache, metrics: m, logger: logger}
}

// Search serves a filtered page of log entries. Free-text filters prefer
// the scored index; structured filters read the row store. An index failure
// (or open breaker) degrades free-text search to row-store filtering
// instead of failing the request.
func (e *Engine) Search(ctx context.Context, filter *models.SearchFilter, page models.Page) (*SearchResult, error) {
	page = page.Normalize()

	if filter != nil && filter.HasText() {
		result, err := e.searchIndex(ctx, filter, page)
		if err == nil {
			e.metrics.SearchRoutes.WithLabelValues("index").Inc()
			return result, nil
		}

		e.logger.Warn("index search degraded to row store", zap.Error(err))
		entries, total, rerr := e.rows.Search(ctx, filter, page)
		if rerr != nil {
			// Both stores failed; report the search path as unavailable.
			return nil, errors.Wrap(errors.KindSearchUnavailable, "search is temporarily unavailable", rerr)
		}
		e.metrics.SearchRoutes.WithLabelValues("fallback").Inc()
		return &SearchResult{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset, Route: "fallback"}, nil
	}

	entries, total, err := e.rows.Search(ctx, filter, page)
	if err != nil {
		return nil, err
	}
	e.metrics.SearchRoutes.WithLabelValues("rowstore").Inc()
	return &SearchResult{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset, Route: "rowstore"}, nil
}

func (e *Engine) searchIndex(ctx context.Context, filter *models.SearchFilter, page models.Page) (*SearchResult, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		hits, total, err := e.index.Query(ctx, filter, page)
		if err != nil {
			return nil, err
		}
		return &struct {
			hits  []search.Hit
			total int64
		}{hits, total}, nil
	})
	if err != nil {
		return nil, err
	}
	res := out.(*struct {
		hits  []search.Hit
		total int64
	})

	ids := make([]string, 0, len(res.hits))
	for _, h := range res.hits {
		ids = append(ids, h.ExternalID)
	}
	entries, err := e.rows.GetByExternalIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Entries: entries, Total: res.total, Limit: page.Limit, Offset: page.Offset, Route: "index"}, nil
}

// GetLog fetches one entry by its external ID.
func (e *Engine) GetLog(ctx context.Context, externalID string) (*models.LogEntry, error) {
	return e.rows.GetByExternalID(ctx, externalID)
}

// Correlate returns entries sharing the correlation key value, oldest first,
// so the result reads as a causal narrative across source types.
func (e *Engine) Correlate(ctx context.Context, key, value string, limit int) ([]*models.LogEntry, error) {
	if value == "" {
		return nil, errors.New(errors.KindValidationFailed, "correlation value is required")
	}
	return e.rows.Correlate(ctx, key, value, limit)
}

// Stats serves aggregate statistics for the window, collapsing concurrent
// identical requests and caching the result briefly. When the row store
// cannot aggregate, index facets serve a degraded (windowless anomaly
// detail) answer rather than an error.
func (e *Engine) Stats(ctx context.Context, start, end time.Time) (*models.AggregateStats, error) {
	key := fmt.Sprintf("stats:%d:%d", start.Unix(), end.Unix())

	var cached models.AggregateStats
	if e.cache.Get(ctx, key, &cached) {
		e.metrics.CacheHits.WithLabelValues("stats").Inc()
		return &cached, nil
	}
	e.metrics.CacheMisses.WithLabelValues("stats").Inc()

	out, err, _ := e.group.Do(key, func() (interface{}, error) {
		stats, err := e.rows.Stats(ctx, start, end)
		if err != nil {
			e.logger.Warn("row-store statistics failed, using index facets", zap.Error(err))
			filter := &models.SearchFilter{StartTime: &start, EndTime: &end}
			stats, err = e.index.Aggregate(ctx, filter)
			if err != nil {
				return nil, errors.Wrap(errors.KindSearchUnavailable, "statistics are temporarily unavailable", err)
			}
		}
		e.cache.Set(ctx, key, stats, statsCacheTTL)
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.AggregateStats), nil
}

// Rebuild re-derives the whole search index from the row store. Safe to run
// while serving; documents are replaced in place.
func (e *Engine) Rebuild(ctx context.Context, batchSize int) (int64, error) {
	return e.index.Rebuild(ctx, batchSize, e.rows.ListPage)
}

// IndexDocCount reports the current index size for the status endpoint.
func (e *Engine) IndexDocCount() (uint64, error) {
	return e.index.DocCount()
}
