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

package ingest

import (
	"context"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/storage"
)

// fakeRowStore scripts InsertLogs responses: failures are consumed first,
// then inserts succeed with sequential internal IDs.
type fakeRowStore struct {
	failures []error
	calls    int
	inserted []*models.LogEntry
	nextID   int64

	rejectID string // external_id to reject as a duplicate
}

func (f *fakeRowStore) InsertLogs(_ context.Context, batch []*models.LogEntry) ([]storage.InsertResult, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}

	results := make([]storage.InsertResult, 0, len(batch))
	for _, e := range batch {
		if e.ExternalID == f.rejectID {
			results = append(results, storage.InsertResult{
				ExternalID: e.ExternalID,
				RejectKind: errors.KindDuplicateExternalID,
				Detail:     "log entry with this log_id already exists",
			})
			continue
		}
		f.nextID++
		f.inserted = append(f.inserted, e)
		results = append(results, storage.InsertResult{
			ExternalID: e.ExternalID,
			InternalID: f.nextID,
			Stored:     true,
		})
	}
	return results, nil
}

// fakeIndexer records what it was asked to index and can fail chosen IDs.
type fakeIndexer struct {
	indexed []*models.LogEntry
	failIDs map[string]bool
}

func (f *fakeIndexer) IndexBatch(_ context.Context, entries []*models.LogEntry) map[string]error {
	failed := make(map[string]error)
	for _, e := range entries {
		if f.failIDs[e.ExternalID] {
			failed[e.ExternalID] = errors.New(errors.KindIndexError, "index write failed")
			continue
		}
		f.indexed = append(f.indexed, e)
	}
	return failed
}

var _ = Describe("Coordinator", func() {
	var (
		ctx     context.Context
		store   *fakeRowStore
		indexer *fakeIndexer
		coord   *Coordinator
	)

	entry := func(id string) *models.LogEntry {
		return &models.LogEntry{
			ExternalID: id,
			Timestamp:  time.Now().UTC().Add(-time.Minute),
			Level:      models.LevelInfo,
			Message:    "request completed",
			SourceType: models.SourceApplication,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = &fakeRowStore{}
		indexer = &fakeIndexer{failIDs: map[string]bool{}}
		coord = NewCoordinator(store, indexer,
			&config.IngestConfig{MaxBatchSize: 100},
			metrics.NewMetrics("test"),
			zap.NewNop(),
		)
	})

	It("stores and indexes a clean batch", func() {
		summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1"), entry("log-2")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Total).To(Equal(2))
		Expect(summary.Stored).To(Equal(2))
		Expect(summary.Rejected).To(Equal(0))
		Expect(summary.IndexFailed).To(Equal(0))
		Expect(indexer.indexed).To(HaveLen(2))
	})

	It("rejects an empty batch outright", func() {
		_, err := coord.Ingest(ctx, nil)
		Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
	})

	It("rejects an oversized batch outright", func() {
		batch := make([]*models.LogEntry, 101)
		for i := range batch {
			batch[i] = entry(GenerateExternalID(models.SourceApplication))
		}
		_, err := coord.Ingest(ctx, batch)
		Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
	})

	It("judges entries independently", func() {
		bad := entry("log-bad")
		bad.Message = ""

		summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1"), bad, entry("log-2")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Total).To(Equal(3))
		Expect(summary.Stored).To(Equal(2))
		Expect(summary.Rejected).To(Equal(1))

		Expect(summary.Results[1].Stored).To(BeFalse())
		Expect(summary.Results[1].ErrorCode).To(Equal(errors.KindValidationFailed))
		Expect(summary.Results[1].Detail).To(ContainSubstring("message is required"))
	})

	It("keeps Total equal to Stored plus Rejected", func() {
		bad := entry("log-bad")
		bad.Level = "TRACE"
		store.rejectID = "log-dup"

		summary, err := coord.Ingest(ctx, []*models.LogEntry{
			entry("log-1"), bad, entry("log-dup"), entry("log-2"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Total).To(Equal(summary.Stored + summary.Rejected))
		Expect(summary.Stored).To(Equal(2))
		Expect(summary.Rejected).To(Equal(2))
	})

	It("rejects the second occurrence of a log_id within the batch", func() {
		summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1"), entry("log-1")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stored).To(Equal(1))
		Expect(summary.Rejected).To(Equal(1))
		Expect(summary.Results[0].Stored).To(BeTrue())
		Expect(summary.Results[1].ErrorCode).To(Equal(errors.KindDuplicateExternalID))
		Expect(summary.Results[1].Detail).To(Equal("duplicate log_id within batch"))
	})

	It("judges a resent log_id on its own merits when the first copy was invalid", func() {
		bad := entry("log-1")
		bad.Message = ""

		summary, err := coord.Ingest(ctx, []*models.LogEntry{bad, entry("log-1")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stored).To(Equal(1))
		Expect(summary.Results[0].ErrorCode).To(Equal(errors.KindValidationFailed))
		Expect(summary.Results[1].Stored).To(BeTrue())
		Expect(summary.Results[1].ErrorCode).To(BeEmpty())
	})

	It("surfaces a storage duplicate as a per-entry rejection", func() {
		store.rejectID = "log-dup"
		summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-dup"), entry("log-2")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stored).To(Equal(1))
		Expect(summary.Results[0].ErrorCode).To(Equal(errors.KindDuplicateExternalID))
	})

	It("generates a log_id when the producer omits one", func() {
		e := entry("")
		summary, err := coord.Ingest(ctx, []*models.LogEntry{e})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stored).To(Equal(1))
		Expect(e.ExternalID).To(MatchRegexp(`^application-\d+-[0-9a-f]{8}$`))
	})

	It("assigns row-store internal IDs to stored entries before indexing", func() {
		_, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1")})
		Expect(err).ToNot(HaveOccurred())
		Expect(indexer.indexed[0].InternalID).To(Equal(int64(1)))
	})

	Describe("storage retries", func() {
		It("retries a transient failure and succeeds", func() {
			store.failures = []error{errors.New(errors.KindStorageError, "connection reset")}

			summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1")})
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Stored).To(Equal(1))
			Expect(store.calls).To(Equal(2))
		})

		It("gives up after the retry budget", func() {
			store.failures = []error{
				errors.New(errors.KindStorageError, "down"),
				errors.New(errors.KindStorageError, "down"),
				errors.New(errors.KindStorageError, "down"),
			}

			_, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1")})
			Expect(errors.KindOf(err)).To(Equal(errors.KindIngestUnavailable))
			Expect(store.calls).To(Equal(3))
		})

		It("does not retry a non-retriable failure", func() {
			store.failures = []error{errors.New(errors.KindValidationFailed, "bad column")}

			_, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1")})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
			Expect(store.calls).To(Equal(1))
		})
	})

	It("keeps entries stored when indexing fails", func() {
		indexer.failIDs["log-1"] = true

		summary, err := coord.Ingest(ctx, []*models.LogEntry{entry("log-1"), entry("log-2")})
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stored).To(Equal(2), "index failures never un-store entries")
		Expect(summary.IndexFailed).To(Equal(1))
		Expect(summary.Results[0].Stored).To(BeTrue())
	})
})

var _ = Describe("GenerateExternalID", func() {
	format := regexp.MustCompile(`^sap-\d+-[0-9a-f]{8}$`)

	It("encodes the source, a microsecond timestamp, and a random suffix", func() {
		Expect(format.MatchString(GenerateExternalID(models.SourceSAP))).To(BeTrue())
	})

	It("does not collide for same-instant producers", func() {
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			id := GenerateExternalID(models.SourceSAP)
			Expect(seen[id]).To(BeFalse(), id)
			seen[id] = true
		}
	})
})
