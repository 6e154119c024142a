// Package apperr implements the error taxonomy from the core's error
// handling design: every error surfaced across a component boundary carries
// a structured code, a human message, and a retryability hint so handlers
// and the thin HTTP/MCP adapters never have to sniff error strings.
package apperr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code is the structured error class surfaced at component boundaries.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict_error"
	CodeSchemaContext     Code = "schema_context_error"
	CodeBackendUnavailable Code = "backend_unavailable"
	CodeIntegrity         Code = "integrity_error"
	CodeFatal             Code = "fatal"
)

// Error is the common shape for every error this core returns across a
// component boundary.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller (typically the job worker) should
// requeue rather than terminally fail. BackendUnavailable is
// retryable; Validation/NotFound/Conflict/SchemaContext/Integrity/Fatal
// never are.
func (e *Error) Retryable() bool {
	return e.Code == CodeBackendUnavailable
}

func new_(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation builds a ValidationError (400-class, never retried).
func Validation(format string, args ...any) *Error { return new_(CodeValidation, nil, format, args...) }

// NotFound builds a NotFound error (404-class). DELETE on a missing row
// must return this, never a silent success.
func NotFound(format string, args ...any) *Error { return new_(CodeNotFound, nil, format, args...) }

// Conflict builds a ConflictError (409-class, never retried) — unique
// label violations, breadth limit, circular hierarchy.
func Conflict(format string, args ...any) *Error { return new_(CodeConflict, nil, format, args...) }

// SchemaContext builds a SchemaContextError (500-class, operator alert) —
// unknown archive, migration failure.
func SchemaContext(cause error, format string, args ...any) *Error {
	return new_(CodeSchemaContext, cause, format, args...)
}

// ArchiveNotFound builds the SchemaContextError the Archive Router returns
// when a hint names no registered archive.
func ArchiveNotFound(name string) *Error {
	return new_(CodeSchemaContext, nil, "archive %q is not registered", name)
}

// BackendUnavailable builds a retryable error for a down/timed-out
// inference backend.
func BackendUnavailable(cause error, format string, args ...any) *Error {
	return new_(CodeBackendUnavailable, cause, format, args...)
}

// Integrity builds an IntegrityError (500-class) for a core invariant
// violation detected before commit (e.g. the provenance "at least one"
// rule).
func Integrity(format string, args ...any) *Error { return new_(CodeIntegrity, nil, format, args...) }

// Fatal builds a Fatal error for data-corruption signals (e.g. a blob hash
// mismatch). Logged, operator alert, never retried.
func Fatal(cause error, format string, args ...any) *Error { return new_(CodeFatal, cause, format, args...) }

// Retryable reports whether err (or an error it wraps) should be retried.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// FromPgError translates a Postgres constraint violation into a
// ConflictError at the repository boundary. Non-constraint errors pass
// through unchanged so callers can still detect context cancellation,
// connection loss, etc.
func FromPgError(err error, context string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return Conflict("%s: duplicate value (%s)", context, pgErr.ConstraintName)
		case "23514": // check_violation
			return Conflict("%s: constraint violated (%s)", context, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return Conflict("%s: references a missing row (%s)", context, pgErr.ConstraintName)
		}
	}
	return err
}
