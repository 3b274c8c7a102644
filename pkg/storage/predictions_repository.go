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
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// analyzerLockID serializes analyzer runs across processes via a Postgres
// advisory lock. Arbitrary but stable.
const analyzerLockID = 7120251

// PredictionRepository handles PostgreSQL operations for the ml_predictions
// table.
type PredictionRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *sqlx.DB, logger logr.Logger) *PredictionRepository {
	return &PredictionRepository{db: db, logger: logger}
}

const upsertPredictionSQL = `
	INSERT INTO ml_predictions (
		log_internal_id, predicted_level, level_confidence,
		is_anomaly, anomaly_score, anomaly_confidence,
		severity, model_version, predicted_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (log_internal_id) DO UPDATE SET
		predicted_level    = EXCLUDED.predicted_level,
		level_confidence   = EXCLUDED.level_confidence,
		is_anomaly         = EXCLUDED.is_anomaly,
		anomaly_score      = EXCLUDED.anomaly_score,
		anomaly_confidence = EXCLUDED.anomaly_confidence,
		severity           = EXCLUDED.severity,
		model_version      = EXCLUDED.model_version,
		predicted_at       = EXCLUDED.predicted_at`

// Upsert writes one prediction row, replacing any earlier prediction for the
// same log entry.
func (r *PredictionRepository) Upsert(ctx context.Context, p *models.Prediction) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(errors.KindValidationFailed, "invalid prediction", err)
	}
	if p.PredictedAt.IsZero() {
		p.PredictedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, upsertPredictionSQL,
		p.LogInternalID, string(p.PredictedLevel), p.LevelConfidence,
		p.IsAnomaly, p.AnomalyScore, p.AnomalyConfidence,
		string(p.Severity), p.ModelVersion, p.PredictedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to upsert prediction", err)
	}
	return nil
}

// GetByLogInternalID returns the prediction for a log entry, or a not_found
// error when the analyzer has not covered it yet.
func (r *PredictionRepository) GetByLogInternalID(ctx context.Context, logInternalID int64) (*models.Prediction, error) {
	const query = `
		SELECT log_internal_id, predicted_level, level_confidence,
		       is_anomaly, anomaly_score, anomaly_confidence,
		       severity, model_version, predicted_at
		FROM ml_predictions
		WHERE log_internal_id = $1`

	var p models.Prediction
	if err := r.db.GetContext(ctx, &p, query, logInternalID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.New(errors.KindPredictionPending, "no prediction available for this log entry yet")
		}
		return nil, errors.Wrap(errors.KindStorageError, "failed to fetch prediction", err)
	}
	return &p, nil
}

// PredictedEntry pairs a prediction with the identity of the log it covers.
type PredictedEntry struct {
	ExternalID string             `json:"log_id" db:"external_id"`
	Message    string             `json:"message" db:"message"`
	Prediction *models.Prediction `json:"prediction"`
}

// defaultRecentWindow bounds recent-prediction listings when the caller does
// not supply a window.
const defaultRecentWindow = 24 * time.Hour

// ListRecent returns predictions made inside the window joined to their log
// identities, newest first. A non-positive window falls back to the last 24
// hours.
func (r *PredictionRepository) ListRecent(ctx context.Context, window time.Duration, limit int) ([]*PredictedEntry, error) {
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.DefaultPageSize
	}
	if window <= 0 {
		window = defaultRecentWindow
	}

	const query = `
		SELECT e.external_id, e.message,
		       p.log_internal_id, p.predicted_level, p.level_confidence,
		       p.is_anomaly, p.anomaly_score, p.anomaly_confidence,
		       p.severity, p.model_version, p.predicted_at
		FROM ml_predictions p
		JOIN log_entries e ON e.internal_id = p.log_internal_id
		WHERE p.predicted_at >= $1
		ORDER BY p.predicted_at DESC
		LIMIT $2`

	since := time.Now().UTC().Add(-window)
	rows, err := r.db.QueryxContext(ctx, query, since, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to list recent predictions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PredictedEntry
	for rows.Next() {
		var (
			entry PredictedEntry
			p     models.Prediction
		)
		if err := rows.Scan(
			&entry.ExternalID, &entry.Message,
			&p.LogInternalID, &p.PredictedLevel, &p.LevelConfidence,
			&p.IsAnomaly, &p.AnomalyScore, &p.AnomalyConfidence,
			&p.Severity, &p.ModelVersion, &p.PredictedAt,
		); err != nil {
			return nil, errors.Wrap(errors.KindStorageError, "failed to scan prediction row", err)
		}
		entry.Prediction = &p
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to iterate prediction rows", err)
	}
	return out, nil
}

// Rollup aggregates all stored predictions: severity distribution, anomaly
// count, and mean level confidence.
func (r *PredictionRepository) Rollup(ctx context.Context) (*models.PredictionRollup, error) {
	rollup := &models.PredictionRollup{
		SeverityDistribution: make(map[models.Severity]int64),
	}

	const overall = `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE is_anomaly) AS anomalies,
		       COALESCE(AVG(level_confidence), 0) AS avg_confidence
		FROM ml_predictions`

	var row struct {
		Total         int64   `db:"total"`
		Anomalies     int64   `db:"anomalies"`
		AvgConfidence float64 `db:"avg_confidence"`
	}
	if err := r.db.GetContext(ctx, &row, overall); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to aggregate predictions", err)
	}
	rollup.TotalPredictions = row.Total
	rollup.AnomalyCount = row.Anomalies
	rollup.AvgConfidence = row.AvgConfidence

	const bySeverity = `SELECT severity, COUNT(*) AS count FROM ml_predictions GROUP BY severity`
	var buckets []struct {
		Severity string `db:"severity"`
		Count    int64  `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &buckets, bySeverity); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to aggregate severity distribution", err)
	}
	for _, b := range buckets {
		rollup.SeverityDistribution[models.Severity(b.Severity)] = b.Count
	}

	return rollup, nil
}

// LastPredictedAt returns the timestamp of the newest prediction, or nil when
// the table is empty. Used by the pipeline status report.
func (r *PredictionRepository) LastPredictedAt(ctx context.Context) (*time.Time, error) {
	const query = `SELECT MAX(predicted_at) FROM ml_predictions`

	var last sql.NullTime
	if err := r.db.GetContext(ctx, &last, query); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to fetch last prediction time", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

// WithAnalyzerLock runs fn inside a transaction that holds the analyzer
// advisory lock, so concurrent analyzer runs against the same database
// serialize instead of double-predicting. The lock releases with the
// transaction.
func (r *PredictionRepository) WithAnalyzerLock(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to begin analyzer transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", analyzerLockID); err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to acquire analyzer lock", err)
	}
	r.logger.V(1).Info("analyzer advisory lock acquired", "lock_id", analyzerLockID)

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}
