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

// Package ingest coordinates the write path: validate, persist to the row
// store, then derive the search index. The row store is authoritative; an
// index failure never un-stores an entry.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/storage"
)

// RowStore is the slice of the log repository the coordinator writes to.
type RowStore interface {
	InsertLogs(ctx context.Context, batch []*models.LogEntry) ([]storage.InsertResult, error)
}

// Indexer derives search documents from stored entries.
type Indexer interface {
	IndexBatch(ctx context.Context, entries []*models.LogEntry) map[string]error
}

const (
	insertAttempts    = 3
	insertBackoffBase = 100 * time.Millisecond
	insertBackoffCap  = 400 * time.Millisecond
)

// EntryOutcome is the per-entry result reported back to the producer.
type EntryOutcome struct {
	ExternalID string      `json:"log_id"`
	Stored     bool        `json:"stored"`
	ErrorCode  errors.Kind `json:"error_code,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// BatchSummary is the accounting for one ingest call. Total always equals
// Stored + Rejected.
type BatchSummary struct {
	Total    int            `json:"total"`
	Stored   int            `json:"stored"`
	Rejected int            `json:"rejected"`
	Results  []EntryOutcome `json:"results"`

	// Index derivation status; informational, entries stay stored either way.
	IndexFailed int `json:"index_failed,omitempty"`
}

// Coordinator runs the dual-write ingest path.
type Coordinator struct {
	store   RowStore
	indexer Indexer
	cfg     *config.IngestConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator wires the ingest path.
func NewCoordinator(store RowStore, indexer Indexer, cfg *config.IngestConfig, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, indexer: indexer, cfg: cfg, metrics: m, logger: logger}
}

// Ingest validates and stores a batch, then indexes the stored entries.
// Entries are judged independently: a rejected entry never blocks its
// neighbors. Only a transient whole-batch storage failure is retried;
// retries are safe because inserts are idempotent on external_id.
func (c *Coordinator) Ingest(ctx context.Context, batch []*models.LogEntry) (*BatchSummary, error) {
	if len(batch) == 0 {
		return nil, errors.New(errors.KindValidationFailed, "batch must contain at least one log entry")
	}
	if len(batch) > c.cfg.MaxBatchSize {
		return nil, errors.Newf(errors.KindValidationFailed,
			"batch size %d exceeds maximum %d", len(batch), c.cfg.MaxBatchSize)
	}

	summary := &BatchSummary{Total: len(batch)}
	validIDs := make(map[string]bool, len(batch))
	valid := make([]*models.LogEntry, 0, len(batch))

	for _, entry := range batch {
		normalize(entry)
		outcome := &EntryOutcome{ExternalID: entry.ExternalID}

		if problems := models.ValidateEntry(entry); len(problems) > 0 {
			outcome.ErrorCode = errors.KindValidationFailed
			outcome.Detail = strings.Join(problems, "; ")
			c.metrics.IngestOutcomes.WithLabelValues("validation_failed").Inc()
		} else if validIDs[entry.ExternalID] {
			// Duplicate of an entry this batch already admitted: the first
			// admitted occurrence wins. A rejected occurrence claims nothing.
			outcome.ErrorCode = errors.KindDuplicateExternalID
			outcome.Detail = "duplicate log_id within batch"
			c.metrics.IngestOutcomes.WithLabelValues("storage_rejected").Inc()
		} else {
			valid = append(valid, entry)
			validIDs[entry.ExternalID] = true
		}
		summary.Results = append(summary.Results, *outcome)
	}

	if len(valid) > 0 {
		results, err := c.insertWithRetry(ctx, valid)
		if err != nil {
			return nil, err
		}
		applyInsertResults(summary.Results, results, c.metrics)

		stored := make([]*models.LogEntry, 0, len(valid))
		byID := make(map[string]*models.LogEntry, len(valid))
		for _, e := range valid {
			byID[e.ExternalID] = e
		}
		for _, res := range results {
			if res.Stored {
				entry := byID[res.ExternalID]
				entry.InternalID = res.InternalID
				stored = append(stored, entry)
			}
		}

		if len(stored) > 0 {
			failed := c.indexer.IndexBatch(ctx, stored)
			summary.IndexFailed = len(failed)
			for id := range failed {
				c.metrics.IngestOutcomes.WithLabelValues("index_failed").Inc()
				c.logger.Warn("entry stored but not indexed", zap.String("log_id", id))
			}
		}
	}

	for _, res := range summary.Results {
		if res.Stored {
			summary.Stored++
		} else {
			summary.Rejected++
		}
	}
	c.metrics.IngestBatches.Inc()

	c.logger.Info("ingest batch processed",
		zap.Int("total", summary.Total),
		zap.Int("stored", summary.Stored),
		zap.Int("rejected", summary.Rejected),
		zap.Int("index_failed", summary.IndexFailed),
	)
	return summary, nil
}

// insertWithRetry retries the whole insert on transient storage failures
// with capped exponential backoff.
func (c *Coordinator) insertWithRetry(ctx context.Context, entries []*models.LogEntry) ([]storage.InsertResult, error) {
	var lastErr error
	backoff := insertBackoffBase

	for attempt := 1; attempt <= insertAttempts; attempt++ {
		results, err := c.store.InsertLogs(ctx, entries)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !errors.Retriable(err) {
			return nil, err
		}

		c.logger.Warn("batch insert failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(entries)),
			zap.Error(err),
		)
		if attempt == insertAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindIngestUnavailable, "ingest cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > insertBackoffCap {
			backoff = insertBackoffCap
		}
	}
	return nil, errors.Wrap(errors.KindIngestUnavailable, "row store unavailable after retries", lastErr)
}

// applyInsertResults copies storage outcomes onto the summary rows matching
// by external_id.
func applyInsertResults(outcomes []EntryOutcome, results []storage.InsertResult, m *metrics.Metrics) {
	byID := make(map[string]storage.InsertResult, len(results))
	for _, res := range results {
		byID[res.ExternalID] = res
	}
	for i := range outcomes {
		res, ok := byID[outcomes[i].ExternalID]
		if !ok || outcomes[i].ErrorCode != "" {
			continue
		}
		if res.Stored {
			outcomes[i].Stored = true
			m.IngestOutcomes.WithLabelValues("accepted").Inc()
		} else {
			outcomes[i].ErrorCode = res.RejectKind
			outcomes[i].Detail = res.Detail
			m.IngestOutcomes.WithLabelValues("storage_rejected").Inc()
		}
	}
}

// normalize fills generated attributes before validation: a missing log_id
// gets a collision-resistant generated one, and timestamps are normalized
// to UTC.
func normalize(entry *models.LogEntry) {
	if entry.ExternalID == "" {
		entry.ExternalID = GenerateExternalID(entry.SourceType)
	}
	if !entry.Timestamp.IsZero() {
		entry.Timestamp = entry.Timestamp.UTC()
	}
}

// GenerateExternalID builds "<source_type>-<unix microseconds>-<8 hex>".
// The timestamp component keeps generated IDs roughly sortable; the random
// suffix keeps same-microsecond producers from colliding.
func GenerateExternalID(source models.SourceType) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", source, time.Now().UTC().UnixMicro(), suffix)
}
