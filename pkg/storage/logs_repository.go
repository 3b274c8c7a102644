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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/storage/sqlutil"
)

// InsertResult is the per-entry outcome of a batch insert.
type InsertResult struct {
	ExternalID string      `json:"log_id"`
	InternalID int64       `json:"internal_id,omitempty"`
	Stored     bool        `json:"stored"`
	RejectKind errors.Kind `json:"error_code,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// LogRepository handles PostgreSQL operations for the log_entries table.
type LogRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewLogRepository creates a new repository instance.
func NewLogRepository(db *sqlx.DB, logger logr.Logger) *LogRepository {
	return &LogRepository{db: db, logger: logger}
}

const logColumns = `
	internal_id, external_id, timestamp, level, message, source_type, raw_log,
	host, service, category, tags,
	request_id, session_id, correlation_id, ip_address,
	http_method, http_status, endpoint, response_time_ms, application_type, framework,
	transaction_code, sap_system, sap_client, sap_message_type, sap_severity,
	structured_data, is_anomaly, anomaly_type, performance_metrics, error_details,
	created_at, updated_at`

const insertLogSQL = `
	INSERT INTO log_entries (
		external_id, timestamp, level, message, source_type, raw_log,
		host, service, category, tags,
		request_id, session_id, correlation_id, ip_address,
		http_method, http_status, endpoint, response_time_ms, application_type, framework,
		transaction_code, sap_system, sap_client, sap_message_type, sap_severity,
		structured_data, is_anomaly, anomaly_type, performance_metrics, error_details
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10,
		$11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25,
		$26, $27, $28, $29, $30
	)
	ON CONFLICT (external_id) DO NOTHING
	RETURNING internal_id`

// InsertLogs inserts a batch inside a single transaction and classifies each
// entry independently: Stored(internal_id), duplicate_external_id,
// validation_failed, or storage_error. A per-entry savepoint keeps one bad
// entry from poisoning the rest of the transaction. Entries are append-only;
// on a duplicate external_id the existing row wins.
func (r *LogRepository) InsertLogs(ctx context.Context, batch []*models.LogEntry) ([]InsertResult, error) {
	if len(batch) == 0 {
		return nil, errors.New(errors.KindValidationFailed, "batch cannot be empty")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	results := make([]InsertResult, 0, len(batch))
	for i, entry := range batch {
		res := InsertResult{ExternalID: entry.ExternalID}

		if _, spErr := tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT entry_%d", i)); spErr != nil {
			err = errors.Wrap(errors.KindStorageError, "failed to create savepoint", spErr)
			return nil, err
		}

		args, argErr := insertArgs(entry)
		if argErr != nil {
			res.RejectKind = errors.KindValidationFailed
			res.Detail = argErr.Error()
			results = append(results, res)
			continue
		}

		var internalID int64
		scanErr := tx.QueryRowContext(ctx, insertLogSQL, args...).Scan(&internalID)
		switch {
		case scanErr == nil:
			res.Stored = true
			res.InternalID = internalID
		case stderrors.Is(scanErr, sql.ErrNoRows):
			// ON CONFLICT DO NOTHING returned no row: the external_id exists.
			res.RejectKind = errors.KindDuplicateExternalID
			res.Detail = fmt.Sprintf("log with external_id %q already exists", entry.ExternalID)
		default:
			if _, rbErr := tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT entry_%d", i)); rbErr != nil {
				err = errors.Wrap(errors.KindStorageError, "failed to roll back savepoint", rbErr)
				return nil, err
			}
			res.RejectKind, res.Detail = classifyInsertError(scanErr)
		}
		results = append(results, res)
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to commit batch transaction", err)
	}

	stored := 0
	for _, res := range results {
		if res.Stored {
			stored++
		}
	}
	r.logger.V(1).Info("log batch inserted",
		"batch_size", len(batch),
		"stored", stored,
		"rejected", len(batch)-stored,
	)

	return results, nil
}

// classifyInsertError separates schema violations (not retriable) from
// transient storage failures (retriable). Raw driver text stays server-side.
func classifyInsertError(err error) (errors.Kind, string) {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		// Class 23: integrity constraint violations.
		if strings.HasPrefix(pgErr.Code, "23") {
			return errors.KindValidationFailed, "entry violates storage constraints"
		}
	}
	return errors.KindStorageError, "transient storage failure"
}

// GetByExternalID returns the entry or a not_found error.
func (r *LogRepository) GetByExternalID(ctx context.Context, externalID string) (*models.LogEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM log_entries WHERE external_id = $1", logColumns)

	var row logRow
	if err := r.db.GetContext(ctx, &row, query, externalID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Newf(errors.KindNotFound, "log %q not found", externalID)
		}
		return nil, errors.Wrap(errors.KindStorageError, "failed to fetch log entry", err)
	}
	return row.toModel()
}

// GetByExternalIDs hydrates entries for a set of external IDs, preserving
// the input order. Missing IDs are silently skipped, which covers the race
// where the index holds a document the row store has not committed yet.
func (r *LogRepository) GetByExternalIDs(ctx context.Context, externalIDs []string) ([]*models.LogEntry, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		fmt.Sprintf("SELECT %s FROM log_entries WHERE external_id IN (?)", logColumns), externalIDs)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to build hydration query", err)
	}
	query = r.db.Rebind(query)

	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to hydrate log entries", err)
	}

	byID := make(map[string]*models.LogEntry, len(rows))
	for i := range rows {
		entry, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		byID[entry.ExternalID] = entry
	}

	ordered := make([]*models.LogEntry, 0, len(byID))
	for _, id := range externalIDs {
		if entry, ok := byID[id]; ok {
			ordered = append(ordered, entry)
		}
	}
	return ordered, nil
}

// ListPage walks the table in internal_id order for index rebuilds.
func (r *LogRepository) ListPage(ctx context.Context, offset, limit int) ([]*models.LogEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM log_entries ORDER BY internal_id ASC LIMIT $1 OFFSET $2", logColumns)

	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to page log entries", err)
	}
	return rowsToModels(rows)
}

// Search filters, paginates, and sorts log entries; it also returns the
// total matching count for pagination metadata. Default sort is timestamp
// descending.
func (r *LogRepository) Search(ctx context.Context, filter *models.SearchFilter, page models.Page) ([]*models.LogEntry, int64, error) {
	page = page.Normalize()
	where, args := buildLogFilter(filter)

	countQuery := "SELECT COUNT(*) FROM log_entries" + where
	var total int64
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, errors.Wrap(errors.KindStorageError, "failed to count log entries", err)
	}

	query := fmt.Sprintf("SELECT %s FROM log_entries%s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d",
		logColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, errors.Wrap(errors.KindStorageError, "failed to search log entries", err)
	}

	entries, err := rowsToModels(rows)
	if err != nil {
		return nil, 0, err
	}

	r.logger.V(1).Info("log entries searched",
		"count", len(entries),
		"total", total,
		"limit", page.Limit,
		"offset", page.Offset,
	)
	return entries, total, nil
}

// Correlate returns all entries sharing a correlation key, across source
// types, in causal narrative order (timestamp ascending).
func (r *LogRepository) Correlate(ctx context.Context, key, value string, limit int) ([]*models.LogEntry, error) {
	if !models.ValidCorrelationKey(key) {
		return nil, errors.Newf(errors.KindValidationFailed,
			"correlation key must be one of: %s", strings.Join(models.CorrelationKeys, ", "))
	}
	if limit <= 0 || limit > models.MaxPageSize {
		limit = models.MaxPageSize
	}

	// key is validated against the closed correlation-key set above, so the
	// column name interpolation is safe.
	query := fmt.Sprintf("SELECT %s FROM log_entries WHERE %s = $1 ORDER BY timestamp ASC LIMIT $2",
		logColumns, key)

	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, value, limit); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to query correlated entries", err)
	}
	return rowsToModels(rows)
}

// Stats aggregates the window [start, end]: totals by level and source,
// anomaly/error counts and rates, and the average HTTP response time (nil
// when no application entries carry one).
func (r *LogRepository) Stats(ctx context.Context, start, end time.Time) (*models.AggregateStats, error) {
	stats := &models.AggregateStats{
		LogsByLevel:  make(map[models.Level]int64),
		LogsBySource: make(map[string]int64),
	}

	overall := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE is_anomaly) AS anomalies,
			COUNT(*) FILTER (WHERE level IN ('ERROR','FATAL')) AS errors,
			AVG(response_time_ms) AS avg_response_time
		FROM log_entries
		WHERE timestamp >= $1 AND timestamp <= $2`

	var row struct {
		Total           int64           `db:"total"`
		Anomalies       int64           `db:"anomalies"`
		Errors          int64           `db:"errors"`
		AvgResponseTime sql.NullFloat64 `db:"avg_response_time"`
	}
	if err := r.db.GetContext(ctx, &row, overall, start, end); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to aggregate log statistics", err)
	}
	stats.TotalLogs = row.Total
	stats.AnomalyCount = row.Anomalies
	stats.ErrorCount = row.Errors
	stats.AvgResponseTimeMs = sqlutil.FromNullFloat64(row.AvgResponseTime)
	if row.Total > 0 {
		stats.AnomalyRate = float64(row.Anomalies) / float64(row.Total) * 100
		stats.ErrorRate = float64(row.Errors) / float64(row.Total) * 100
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}

	var levels []bucket
	levelQuery := `SELECT level AS key, COUNT(*) AS count FROM log_entries
		WHERE timestamp >= $1 AND timestamp <= $2 GROUP BY level`
	if err := r.db.SelectContext(ctx, &levels, levelQuery, start, end); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to aggregate levels", err)
	}
	for _, b := range levels {
		stats.LogsByLevel[models.Level(b.Key)] = b.Count
	}

	var sources []bucket
	sourceQuery := `SELECT source_type AS key, COUNT(*) AS count FROM log_entries
		WHERE timestamp >= $1 AND timestamp <= $2 GROUP BY source_type`
	if err := r.db.SelectContext(ctx, &sources, sourceQuery, start, end); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to aggregate sources", err)
	}
	for _, b := range sources {
		stats.LogsBySource[b.Key] = b.Count
	}

	return stats, nil
}

// FetchUnpredicted returns up to limit entries inside the recent window that
// have no prediction row yet, newest first. Used only by the batch analyzer.
func (r *LogRepository) FetchUnpredicted(ctx context.Context, window time.Duration, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
		SELECT %s FROM log_entries e
		LEFT JOIN ml_predictions p ON p.log_internal_id = e.internal_id
		WHERE p.log_internal_id IS NULL
		  AND e.timestamp >= $1
		ORDER BY e.timestamp DESC
		LIMIT $2`, prefixColumns("e", logColumns))

	since := time.Now().UTC().Add(-window)
	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, query, since, limit); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to fetch unpredicted entries", err)
	}
	return rowsToModels(rows)
}

// buildLogFilter translates the filter into a WHERE clause with positional
// args. Free text uses the GIN-backed tsvector index.
func buildLogFilter(filter *models.SearchFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter != nil {
		if filter.SourceType != "" {
			add("source_type = $%d", string(filter.SourceType))
		}
		if filter.Level != "" {
			add("level = $%d", string(filter.Level))
		}
		if filter.Host != "" {
			add("host = $%d", filter.Host)
		}
		if filter.Service != "" {
			add("service = $%d", filter.Service)
		}
		if filter.StartTime != nil {
			add("timestamp >= $%d", *filter.StartTime)
		}
		if filter.EndTime != nil {
			add("timestamp <= $%d", *filter.EndTime)
		}
		if filter.IsAnomaly != nil {
			add("is_anomaly = $%d", *filter.IsAnomaly)
		}
		if filter.TextQuery != "" {
			add("to_tsvector('english', message) @@ plainto_tsquery('english', $%d)", filter.TextQuery)
		}
		if filter.RequestID != "" {
			add("request_id = $%d", filter.RequestID)
		}
		if filter.SessionID != "" {
			add("session_id = $%d", filter.SessionID)
		}
		if filter.CorrelationID != "" {
			add("correlation_id = $%d", filter.CorrelationID)
		}
		if filter.IPAddress != "" {
			add("ip_address = $%d", filter.IPAddress)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// logRow is the scan target; JSONB columns land as raw bytes and optional
// columns as sql.Null types.
type logRow struct {
	InternalID int64     `db:"internal_id"`
	ExternalID string    `db:"external_id"`
	Timestamp  time.Time `db:"timestamp"`
	Level      string    `db:"level"`
	Message    string    `db:"message"`
	SourceType string    `db:"source_type"`

	RawLog   sql.NullString `db:"raw_log"`
	Host     sql.NullString `db:"host"`
	Service  sql.NullString `db:"service"`
	Category sql.NullString `db:"category"`
	Tags     []byte         `db:"tags"`

	RequestID     sql.NullString `db:"request_id"`
	SessionID     sql.NullString `db:"session_id"`
	CorrelationID sql.NullString `db:"correlation_id"`
	IPAddress     sql.NullString `db:"ip_address"`

	HTTPMethod      sql.NullString  `db:"http_method"`
	HTTPStatus      sql.NullInt32   `db:"http_status"`
	Endpoint        sql.NullString  `db:"endpoint"`
	ResponseTimeMs  sql.NullFloat64 `db:"response_time_ms"`
	ApplicationType sql.NullString  `db:"application_type"`
	Framework       sql.NullString  `db:"framework"`

	TransactionCode sql.NullString `db:"transaction_code"`
	SAPSystem       sql.NullString `db:"sap_system"`
	SAPClient       sql.NullString `db:"sap_client"`
	SAPMessageType  sql.NullString `db:"sap_message_type"`
	SAPSeverity     sql.NullInt32  `db:"sap_severity"`

	StructuredData []byte `db:"structured_data"`

	IsAnomaly          bool           `db:"is_anomaly"`
	AnomalyType        sql.NullString `db:"anomaly_type"`
	PerformanceMetrics []byte         `db:"performance_metrics"`
	ErrorDetails       []byte         `db:"error_details"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row *logRow) toModel() (*models.LogEntry, error) {
	entry := &models.LogEntry{
		InternalID:      row.InternalID,
		ExternalID:      row.ExternalID,
		Timestamp:       row.Timestamp,
		Level:           models.Level(row.Level),
		Message:         row.Message,
		SourceType:      models.SourceType(row.SourceType),
		RawLog:          sqlutil.FromNullString(row.RawLog),
		Host:            sqlutil.FromNullString(row.Host),
		Service:         sqlutil.FromNullString(row.Service),
		Category:        sqlutil.FromNullString(row.Category),
		RequestID:       sqlutil.FromNullString(row.RequestID),
		SessionID:       sqlutil.FromNullString(row.SessionID),
		CorrelationID:   sqlutil.FromNullString(row.CorrelationID),
		IPAddress:       sqlutil.FromNullString(row.IPAddress),
		HTTPMethod:      sqlutil.FromNullString(row.HTTPMethod),
		HTTPStatus:      sqlutil.FromNullInt32(row.HTTPStatus),
		Endpoint:        sqlutil.FromNullString(row.Endpoint),
		ResponseTimeMs:  sqlutil.FromNullFloat64(row.ResponseTimeMs),
		ApplicationType: sqlutil.FromNullString(row.ApplicationType),
		Framework:       sqlutil.FromNullString(row.Framework),
		TransactionCode: sqlutil.FromNullString(row.TransactionCode),
		SAPSystem:       sqlutil.FromNullString(row.SAPSystem),
		SAPClient:       sqlutil.FromNullString(row.SAPClient),
		SAPMessageType:  sqlutil.FromNullString(row.SAPMessageType),
		SAPSeverity:     sqlutil.FromNullInt32(row.SAPSeverity),
		IsAnomaly:       row.IsAnomaly,
		AnomalyType:     sqlutil.FromNullString(row.AnomalyType),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}

	for _, blob := range []struct {
		raw  []byte
		dest interface{}
	}{
		{row.Tags, &entry.Tags},
		{row.StructuredData, &entry.StructuredData},
		{row.PerformanceMetrics, &entry.PerformanceMetrics},
		{row.ErrorDetails, &entry.ErrorDetails},
	} {
		if len(blob.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(blob.raw, blob.dest); err != nil {
			return nil, errors.Wrap(errors.KindStorageError, "failed to decode stored JSON column", err)
		}
	}

	return entry, nil
}

func rowsToModels(rows []logRow) ([]*models.LogEntry, error) {
	entries := make([]*models.LogEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func insertArgs(e *models.LogEntry) ([]interface{}, error) {
	marshal := func(v interface{}) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode JSON column: %w", err)
		}
		return raw, nil
	}

	var tags, structured, perf, errDetails interface{}
	var err error
	if len(e.Tags) > 0 {
		if tags, err = marshal(e.Tags); err != nil {
			return nil, err
		}
	}
	if len(e.StructuredData) > 0 {
		if structured, err = marshal(e.StructuredData); err != nil {
			return nil, err
		}
	}
	if len(e.PerformanceMetrics) > 0 {
		if perf, err = marshal(e.PerformanceMetrics); err != nil {
			return nil, err
		}
	}
	if len(e.ErrorDetails) > 0 {
		if errDetails, err = marshal(e.ErrorDetails); err != nil {
			return nil, err
		}
	}

	return []interface{}{
		e.ExternalID, e.Timestamp.UTC(), string(e.Level), e.Message, string(e.SourceType), sqlutil.ToNullString(e.RawLog),
		sqlutil.ToNullString(e.Host), sqlutil.ToNullString(e.Service), sqlutil.ToNullString(e.Category), tags,
		sqlutil.ToNullString(e.RequestID), sqlutil.ToNullString(e.SessionID), sqlutil.ToNullString(e.CorrelationID), sqlutil.ToNullString(e.IPAddress),
		sqlutil.ToNullString(e.HTTPMethod), sqlutil.ToNullInt32(e.HTTPStatus), sqlutil.ToNullString(e.Endpoint), sqlutil.ToNullFloat64(e.ResponseTimeMs),
		sqlutil.ToNullString(e.ApplicationType), sqlutil.ToNullString(e.Framework),
		sqlutil.ToNullString(e.TransactionCode), sqlutil.ToNullString(e.SAPSystem), sqlutil.ToNullString(e.SAPClient),
		sqlutil.ToNullString(e.SAPMessageType), sqlutil.ToNullInt32(e.SAPSeverity),
		structured, e.IsAnomaly, sqlutil.ToNullString(e.AnomalyType), perf, errDetails,
	}, nil
}
