// Package failure defines the error taxonomy shared by every stage of a transfer.
// Errors carry a Kind, the operation that failed and the byte counters known at the
// time of failure, so callers can report partial progress.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind string

const (
	// SourceUnreachable is a connect, DNS, timeout or status failure before any byte was read.
	SourceUnreachable Kind = "SOURCE_UNREACHABLE"
	// SourceReadFailure means the source stream died mid-transfer.
	SourceReadFailure Kind = "SOURCE_READ_FAILURE"
	// UploadChunkFailure is a transient destination error (5xx, 429, timeout).
	UploadChunkFailure Kind = "UPLOAD_CHUNK_FAILURE"
	// OffsetMismatch means the destination committed a different offset than expected.
	OffsetMismatch Kind = "OFFSET_MISMATCH"
	// SizeMismatch is raised by the completion verifier only.
	SizeMismatch Kind = "SIZE_MISMATCH"
	// UnsupportedSeek is returned for any seek that would move the source position.
	UnsupportedSeek Kind = "UNSUPPORTED_SEEK"
	// SessionOpenFailure means the destination refused to open an upload session.
	SessionOpenFailure Kind = "SESSION_OPEN_FAILURE"
	// UploadRejected is a non-retryable destination error.
	UploadRejected Kind = "UPLOAD_REJECTED"
	// EmptySource means the source delivered no bytes and empty objects are not allowed.
	EmptySource Kind = "EMPTY_SOURCE"
	// Cancelled means the transfer was stopped through its context.
	Cancelled Kind = "CANCELLED"
	// DestinationBusy means another transfer holds the destination name.
	DestinationBusy Kind = "DESTINATION_BUSY"
	// InvalidInput covers malformed URLs, names and configuration.
	InvalidInput Kind = "INVALID_INPUT"
)

// Transient reports whether errors of this kind may be retried in place.
func (k Kind) Transient() bool {
	return k == UploadChunkFailure
}

// Error is a classified transfer error.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "open source" or "put chunk".
	Op  string
	Err error

	// Committed is the destination offset reported with an OffsetMismatch, -1 otherwise.
	Committed int64

	// Sourced and Acknowledged are filled in by the orchestrator before the
	// error leaves the transfer.
	Sourced      int64
	Acknowledged int64
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Committed: -1}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// NewOffsetMismatch reports that the destination holds committed bytes instead of the expected offset.
func NewOffsetMismatch(op string, expected, committed int64) *Error {
	e := Newf(OffsetMismatch, op, "destination committed %d bytes, expected offset %d", committed, expected)
	e.Committed = committed
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithCounters attaches the byte counters known at the time of failure.
func (e *Error) WithCounters(sourced, acknowledged int64) *Error {
	e.Sourced = sourced
	e.Acknowledged = acknowledged
	return e
}

// KindOf returns the Kind of the first classified error in err's chain.
// Context cancellation is reported as Cancelled, anything else unclassified as "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err may be retried in place.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
