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

// Package models holds the domain types shared across the backend: log
// entries, predictions, users, and the filter/pagination shapes the query
// paths accept.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Level is the producer-reported severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// Levels lists the accepted levels in ascending severity order.
func Levels() []Level {
	return []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}
}

// ValidLevel reports whether s is a member of the level enumeration.
func ValidLevel(s string) bool {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// SourceType is the broad origin of a log entry.
type SourceType string

const (
	SourceSplunk      SourceType = "splunk"
	SourceSAP         SourceType = "sap"
	SourceApplication SourceType = "application"
	SourceSystem      SourceType = "system"
	SourceCustom      SourceType = "custom"
)

// ValidSourceType reports whether s is a member of the source enumeration.
func ValidSourceType(s string) bool {
	switch SourceType(s) {
	case SourceSplunk, SourceSAP, SourceApplication, SourceSystem, SourceCustom:
		return true
	}
	return false
}

// CorrelationKeys are the flat attributes logs can be joined on across
// source types.
var CorrelationKeys = []string{"request_id", "session_id", "correlation_id", "ip_address"}

// ValidCorrelationKey reports whether key names a correlation attribute.
func ValidCorrelationKey(key string) bool {
	for _, k := range CorrelationKeys {
		if k == key {
			return true
		}
	}
	return false
}

// LogEntry is the canonical unit of ingest and search. Entries are created
// by the ingestion coordinator and never mutated afterwards.
//
// InternalID is assigned by the row store on insert and is the join key for
// predictions; ExternalID is the producer-supplied (or generated) identifier
// clients look entries up by.
type LogEntry struct {
	InternalID int64  `json:"internal_id,omitempty" db:"internal_id"`
	ExternalID string `json:"log_id" db:"external_id" validate:"required,max=256"`

	Timestamp  time.Time  `json:"timestamp" db:"timestamp" validate:"required"`
	Level      Level      `json:"level" db:"level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	Message    string     `json:"message" db:"message" validate:"required"`
	SourceType SourceType `json:"source_type" db:"source_type" validate:"required,oneof=splunk sap application system custom"`
	RawLog     string     `json:"raw_log,omitempty" db:"raw_log"`

	Host     string   `json:"host,omitempty" db:"host"`
	Service  string   `json:"service,omitempty" db:"service"`
	Category string   `json:"category,omitempty" db:"category"`
	Tags     []string `json:"tags,omitempty" db:"-"`

	// Correlation keys, all optional and indexed.
	RequestID     string `json:"request_id,omitempty" db:"request_id"`
	SessionID     string `json:"session_id,omitempty" db:"session_id"`
	CorrelationID string `json:"correlation_id,omitempty" db:"correlation_id"`
	IPAddress     string `json:"ip_address,omitempty" db:"ip_address"`

	// HTTP facet (application source).
	HTTPMethod      string   `json:"http_method,omitempty" db:"http_method"`
	HTTPStatus      *int     `json:"http_status,omitempty" db:"http_status" validate:"omitempty,gte=100,lte=599"`
	Endpoint        string   `json:"endpoint,omitempty" db:"endpoint"`
	ResponseTimeMs  *float64 `json:"response_time_ms,omitempty" db:"response_time_ms" validate:"omitempty,gte=0"`
	ApplicationType string   `json:"application_type,omitempty" db:"application_type"`
	Framework       string   `json:"framework,omitempty" db:"framework"`

	// Transaction facet (sap source).
	TransactionCode string `json:"transaction_code,omitempty" db:"transaction_code"`
	SAPSystem       string `json:"sap_system,omitempty" db:"sap_system"`
	SAPClient       string `json:"sap_client,omitempty" db:"sap_client"`
	SAPMessageType  string `json:"sap_message_type,omitempty" db:"sap_message_type" validate:"omitempty,oneof=S I W E A X"`
	SAPSeverity     *int   `json:"sap_severity,omitempty" db:"sap_severity" validate:"omitempty,gte=1,lte=8"`

	// Business fields for transactional logs, typed per transaction type and
	// carried alongside any other producer-supplied structure.
	StructuredData map[string]interface{} `json:"structured_data,omitempty" db:"-"`

	// Anomaly attributes.
	IsAnomaly          bool                   `json:"is_anomaly" db:"is_anomaly"`
	AnomalyType        string                 `json:"anomaly_type,omitempty" db:"anomaly_type"`
	PerformanceMetrics map[string]interface{} `json:"performance_metrics,omitempty" db:"-"`
	ErrorDetails       map[string]interface{} `json:"error_details,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// CorrelationValue returns the value of the named correlation key on the
// entry, or empty when unset.
func (e *LogEntry) CorrelationValue(key string) string {
	switch key {
	case "request_id":
		return e.RequestID
	case "session_id":
		return e.SessionID
	case "correlation_id":
		return e.CorrelationID
	case "ip_address":
		return e.IPAddress
	}
	return ""
}

var entryValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateEntry checks an entry against the type rules: mandatory attributes,
// enumeration membership, and facet ranges. It returns a human-readable list
// of violations, empty when the entry is valid.
func ValidateEntry(e *LogEntry) []string {
	var problems []string
	if err := entryValidator.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	if e.Timestamp.After(time.Now().UTC().Add(5 * time.Minute)) {
		problems = append(problems, "timestamp is in the future")
	}
	return problems
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds maximum length %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
