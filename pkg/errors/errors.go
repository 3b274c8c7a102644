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

// Package errors defines the closed set of error kinds the backend reports.
// Components return these; only the HTTP layer maps them to status codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies a stable, externally visible error category.
type Kind string

const (
	KindAuthRequired            Kind = "auth_required"
	KindInvalidToken            Kind = "invalid_token"
	KindAuthenticationFailed    Kind = "authentication_failed"
	KindInsufficientPermissions Kind = "insufficient_permissions"
	KindInsufficientRole        Kind = "insufficient_role"

	KindValidationFailed Kind = "validation_failed"
	KindMissingFields    Kind = "missing_fields"
	KindInvalidJSON      Kind = "invalid_json"

	KindNotFound            Kind = "not_found"
	KindDuplicateExternalID Kind = "duplicate_external_id"
	KindConflict            Kind = "conflict"

	KindRateLimitExceeded Kind = "rate_limit_exceeded"

	KindStorageError      Kind = "storage_error"
	KindIndexError        Kind = "index_error"
	KindIngestUnavailable Kind = "ingest_unavailable"
	KindSearchUnavailable Kind = "search_unavailable"
	KindPredictionPending Kind = "prediction_pending"
	KindModelsUnavailable Kind = "models_unavailable"
	KindAnalyzerFailed    Kind = "analyzer_failed"

	KindRequestTimeout Kind = "request_timeout"
	KindInternal       Kind = "internal_error"
)

// Error is the domain error carried between components. Storage-layer error
// text never reaches clients: Message is written for the API consumer and the
// wrapped cause stays server-side.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two domain errors by kind, so callers can compare against
// sentinel instances without caring about message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a domain error with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a domain error with a formatted client-facing message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a server-side cause to a domain error. The cause is logged,
// never serialized.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail returns a copy of the error carrying an extra detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Details: details, cause: e.cause}
}

// KindOf extracts the kind from an arbitrary error chain. Unknown errors are
// reported as internal_error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the domain error in the chain, or wraps the input as an
// internal error with a generic message. A deadline expiry anywhere in the
// chain takes precedence over the interrupted component's own classification:
// the request ran out of wall-clock time, and that is what the client needs
// to know.
func AsError(err error) *Error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindRequestTimeout, "request exceeded its time limit", err)
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal server error", err)
}

// Retriable reports whether the caller may retry the failed operation.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindStorageError, KindIndexError, KindIngestUnavailable,
		KindSearchUnavailable, KindRateLimitExceeded, KindRequestTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthRequired, KindInvalidToken, KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindInsufficientPermissions, KindInsufficientRole:
		return http.StatusForbidden
	case KindValidationFailed, KindMissingFields, KindInvalidJSON:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateExternalID, KindConflict:
		return http.StatusConflict
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindIngestUnavailable, KindSearchUnavailable, KindModelsUnavailable:
		return http.StatusServiceUnavailable
	case KindPredictionPending:
		return http.StatusAccepted
	case KindRequestTimeout:
		return http.StatusGatewayTimeout
	case KindStorageError, KindIndexError, KindAnalyzerFailed, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
