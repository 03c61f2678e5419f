// Package network implements the destinations an upload driver writes to: an
// HTTP resumable-upload API, S3 and MinIO multipart uploads, and a discarding sink.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Object describes a committed object as reported by the destination.
type Object struct {
	ID          string
	Name        string
	Size        int64
	ContentType string
	// Link is a shareable link, empty when the destination has none.
	Link string
}

// OpenParams describes the object an upload session creates.
type OpenParams struct {
	Name        string
	ContentType string
	// SizeHint is the expected size in bytes, -1 when unknown. It is advisory.
	SizeHint int64
	// ChunkSize is the size of every non-final chunk the session will receive.
	ChunkSize int
}

// ChunkResult is the destination's answer to a chunk or status request.
type ChunkResult struct {
	// Committed is the total number of bytes the destination durably holds.
	Committed int64
	// Object is set once the upload is complete.
	Object *Object
}

// Destination opens upload sessions.
type Destination interface {
	Open(ctx context.Context, params OpenParams) (Session, error)
}

// Session is a resumable upload in progress.
//
// Errors are *failure.Error values: UploadChunkFailure for transient problems,
// OffsetMismatch when the destination holds a different offset, UploadRejected
// for anything that must not be retried.
type Session interface {
	// ID identifies the session at the destination, e.g. a session URI or upload ID.
	ID() string
	// PutChunk sends data starting at offset. final marks the last chunk, which may be empty.
	PutChunk(ctx context.Context, offset int64, data []byte, final bool) (ChunkResult, error)
	// Status queries the committed offset.
	Status(ctx context.Context) (ChunkResult, error)
	// Abort discards the session and everything committed so far.
	Abort(ctx context.Context) error
}

func closeBody(body io.ReadCloser, printf func(format string, v ...interface{})) {
	if err := body.Close(); err != nil {
		printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorBody[:n])
}

// transientStatus reports whether an HTTP status may be retried.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func isCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}
