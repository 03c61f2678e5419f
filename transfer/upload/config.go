package upload

import (
	"time"
)

// DefaultChunkSize is a multiple of the resumable-upload alignment and above the
// S3 minimum part size.
const DefaultChunkSize = 8 * 1024 * 1024

// Config holds configuration for the upload driver.
type Config struct {
	// ChunkSize is the size of every non-final chunk.
	// Default: 8 MiB
	ChunkSize int

	// Retry bounds the attempts made for a single chunk.
	Retry RetryPolicy

	// WriteTimeout bounds a single chunk request. A request exceeding it is
	// retried like any other transient failure. Zero disables it.
	// Default: 2 minutes
	WriteTimeout time.Duration

	// AllowEmpty permits committing an object of zero bytes.
	AllowEmpty bool

	// LeaveResumable keeps the destination session open when the transfer is
	// cancelled, instead of aborting it.
	LeaveResumable bool

	// AbortTimeout bounds the best-effort abort of a failed session.
	// Default: 30 seconds
	AbortTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Retry:        DefaultRetryPolicy(),
		WriteTimeout: 2 * time.Minute,
		AbortTimeout: 30 * time.Second,
	}
}
