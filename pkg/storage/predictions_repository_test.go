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

package storage

import (
	"context"
	"database/sql/driver"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// timeNear matches a time argument within slack of the expected instant.
type timeNear struct {
	expect time.Time
	slack  time.Duration
}

func (m timeNear) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	if !ok {
		return false
	}
	d := t.Sub(m.expect)
	return d > -m.slack && d < m.slack
}

var predictionColumns = []string{
	"log_internal_id", "predicted_level", "level_confidence",
	"is_anomaly", "anomaly_score", "anomaly_confidence",
	"severity", "model_version", "predicted_at",
}

var _ = Describe("PredictionRepository", func() {
	var (
		ctx  context.Context
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *PredictionRepository
		now  time.Time
	)

	prediction := func(internalID int64) *models.Prediction {
		return &models.Prediction{
			LogInternalID:     internalID,
			PredictedLevel:    models.LevelError,
			LevelConfidence:   0.9,
			IsAnomaly:         true,
			AnomalyScore:      0.8,
			AnomalyConfidence: 0.7,
			Severity:          models.SeverityHigh,
			ModelVersion:      "v3",
			PredictedAt:       now,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		db, mock = newMockDB()
		repo = NewPredictionRepository(db, logr.Discard())
		now = time.Now().UTC().Truncate(time.Second)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	Describe("Upsert", func() {
		It("writes the prediction row", func() {
			mock.ExpectExec("INSERT INTO ml_predictions").
				WithArgs(int64(3), "ERROR", 0.9, true, 0.8, 0.7, "high", "v3", now).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.Upsert(ctx, prediction(3))).To(Succeed())
		})

		It("stamps a missing predicted_at before writing", func() {
			p := prediction(3)
			p.PredictedAt = time.Time{}
			mock.ExpectExec("INSERT INTO ml_predictions").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.Upsert(ctx, p)).To(Succeed())
			Expect(p.PredictedAt).ToNot(BeZero())
		})

		It("rejects an invalid prediction before touching the database", func() {
			p := prediction(3)
			p.LevelConfidence = 1.5

			err := repo.Upsert(ctx, p)
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})
	})

	Describe("GetByLogInternalID", func() {
		It("returns the stored prediction", func() {
			rows := sqlmock.NewRows(predictionColumns).
				AddRow(int64(3), "ERROR", 0.9, true, 0.8, 0.7, "high", "v3", now)
			mock.ExpectQuery("FROM ml_predictions WHERE log_internal_id = ").
				WithArgs(int64(3)).
				WillReturnRows(rows)

			p, err := repo.GetByLogInternalID(ctx, 3)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.PredictedLevel).To(Equal(models.LevelError))
			Expect(p.Severity).To(Equal(models.SeverityHigh))
		})

		It("maps an uncovered log to prediction_pending", func() {
			mock.ExpectQuery("FROM ml_predictions WHERE log_internal_id = ").
				WithArgs(int64(99)).
				WillReturnRows(sqlmock.NewRows(predictionColumns))

			_, err := repo.GetByLogInternalID(ctx, 99)
			Expect(errors.KindOf(err)).To(Equal(errors.KindPredictionPending))
		})

		It("wraps a driver failure as a storage error", func() {
			mock.ExpectQuery("FROM ml_predictions WHERE log_internal_id = ").
				WillReturnError(errors.New(errors.KindInternal, "connection reset"))

			_, err := repo.GetByLogInternalID(ctx, 3)
			Expect(errors.KindOf(err)).To(Equal(errors.KindStorageError))
		})
	})

	Describe("ListRecent", func() {
		joinColumns := []string{"external_id", "message"}

		It("joins windowed predictions to their log identities", func() {
			rows := sqlmock.NewRows(append(joinColumns, predictionColumns...)).
				AddRow("app-1", "disk pressure", int64(3), "ERROR", 0.9, true, 0.8, 0.7, "high", "v3", now)
			mock.ExpectQuery("JOIN log_entries e ON e.internal_id = p.log_internal_id WHERE p.predicted_at >= ").
				WithArgs(sqlmock.AnyArg(), 25).
				WillReturnRows(rows)

			out, err := repo.ListRecent(ctx, time.Hour, 25)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0].ExternalID).To(Equal("app-1"))
			Expect(out[0].Prediction.ModelVersion).To(Equal("v3"))
		})

		It("bounds the cutoff by the requested window", func() {
			cutoff := time.Now().UTC().Add(-6 * time.Hour)
			mock.ExpectQuery("WHERE p.predicted_at >= ").
				WithArgs(timeNear{expect: cutoff, slack: time.Minute}, 10).
				WillReturnRows(sqlmock.NewRows(append(joinColumns, predictionColumns...)))

			out, err := repo.ListRecent(ctx, 6*time.Hour, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(BeEmpty())
		})

		It("falls back to the default page size and window for bad inputs", func() {
			mock.ExpectQuery("WHERE p.predicted_at >= ").
				WithArgs(sqlmock.AnyArg(), models.DefaultPageSize).
				WillReturnRows(sqlmock.NewRows(append(joinColumns, predictionColumns...)))

			out, err := repo.ListRecent(ctx, 0, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(BeEmpty())
		})
	})

	Describe("Rollup", func() {
		It("aggregates totals and the severity distribution", func() {
			mock.ExpectQuery("SELECT COUNT.+FROM ml_predictions").
				WillReturnRows(sqlmock.NewRows([]string{"total", "anomalies", "avg_confidence"}).
					AddRow(int64(5), int64(2), 0.84))
			mock.ExpectQuery("GROUP BY severity").
				WillReturnRows(sqlmock.NewRows([]string{"severity", "count"}).
					AddRow("high", int64(2)).AddRow("low", int64(3)))

			rollup, err := repo.Rollup(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(rollup.TotalPredictions).To(Equal(int64(5)))
			Expect(rollup.AnomalyCount).To(Equal(int64(2)))
			Expect(rollup.AvgConfidence).To(BeNumerically("~", 0.84))
			Expect(rollup.SeverityDistribution[models.SeverityHigh]).To(Equal(int64(2)))
		})
	})

	Describe("LastPredictedAt", func() {
		It("returns the newest prediction time", func() {
			mock.ExpectQuery("SELECT MAX\\(predicted_at\\) FROM ml_predictions").
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now))

			last, err := repo.LastPredictedAt(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(last).ToNot(BeNil())
			Expect(last.Equal(now)).To(BeTrue())
		})

		It("returns nil for an empty table", func() {
			mock.ExpectQuery("SELECT MAX\\(predicted_at\\) FROM ml_predictions").
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

			last, err := repo.LastPredictedAt(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(last).To(BeNil())
		})
	})

	Describe("WithAnalyzerLock", func() {
		It("holds the advisory lock for the duration of the run", func() {
			mock.ExpectBegin()
			mock.ExpectExec("SELECT pg_advisory_xact_lock").
				WithArgs(analyzerLockID).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			ran := false
			err := repo.WithAnalyzerLock(ctx, func(ctx context.Context) error {
				ran = true
				return nil
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(ran).To(BeTrue())
		})

		It("rolls back when the run fails", func() {
			mock.ExpectBegin()
			mock.ExpectExec("SELECT pg_advisory_xact_lock").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectRollback()

			err := repo.WithAnalyzerLock(ctx, func(ctx context.Context) error {
				return errors.New(errors.KindAnalyzerFailed, "scoring failed")
			})
			Expect(errors.KindOf(err)).To(Equal(errors.KindAnalyzerFailed))
		})
	})
})
