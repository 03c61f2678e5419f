// Package source adapts a forward-only HTTP response body into a byte-exact pull
// interface: a read returns data, or io.EOF once the stream has truly ended.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
)

// maxConsecutiveEmptyReads bounds how often the underlying transport may return
// no data and no error before the stream is considered broken.
const maxConsecutiveEmptyReads = 100

// idleReadSize caps a single transport read while stall detection is on.
const idleReadSize = 64 * 1024

// ErrStalled is the cause of a SourceReadFailure raised by the idle timeout.
var ErrStalled = errors.New("source stalled")

// ReaderOptions configures stall detection on the read path.
type ReaderOptions struct {
	// IdleTimeout is the time a single read may take before it counts as a stall.
	// Zero disables stall detection.
	IdleTimeout time.Duration
	// MaxStalls is the number of consecutive stalls tolerated for one read.
	MaxStalls int
}

type readResult struct {
	n   int
	err error
}

// Reader is the forward-only source stream.
//
// Read returns 0 < n <= len(p) bytes with a nil error, or (0, io.EOF) once the
// stream has ended; io.EOF is returned on every later call. A short read from the
// transport is passed through as is, it is never reported as end-of-stream.
type Reader struct {
	body   io.ReadCloser
	opts   ReaderOptions
	logger log.Logger

	pos int64
	eof bool
	err error

	results chan readResult
	// buf is reused by every background read, pending is the part of it the
	// read in flight fills.
	buf     []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// NewReader wraps body.
func NewReader(body io.ReadCloser, opts ReaderOptions, logger log.Logger) *Reader {
	if opts.IdleTimeout > 0 && opts.MaxStalls < 1 {
		opts.MaxStalls = 1
	}
	return &Reader{
		body:    body,
		opts:    opts,
		logger:  logger,
		results: make(chan readResult, 1),
	}
}

// Read implements io.Reader with the stricter contract described on Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.eof {
		return 0, io.EOF
	}

	for empty := 0; empty < maxConsecutiveEmptyReads; empty++ {
		n, err := r.readOnce(p)
		if n > 0 {
			r.pos += int64(n)
			// Deliver the data now, report the terminal condition on the next call.
			if errors.Is(err, io.EOF) {
				r.eof = true
			} else if err != nil {
				r.err = classify(err)
			}
			return n, nil
		}

		switch {
		case errors.Is(err, io.EOF):
			r.eof = true
			return 0, io.EOF
		case err != nil:
			r.err = classify(err)
			return 0, r.err
		}
	}

	r.err = failure.New(failure.SourceReadFailure, "read source", io.ErrNoProgress)
	return 0, r.err
}

// Seek only supports seeking to the current position, which upload clients use
// to probe restart support. Any other target fails with UnsupportedSeek.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		if !r.eof || offset != 0 {
			return 0, failure.Newf(failure.UnsupportedSeek, "seek source", "seek relative to the end of a stream of unknown length")
		}
		target = r.pos
	default:
		return 0, failure.Newf(failure.UnsupportedSeek, "seek source", "invalid whence %d", whence)
	}

	if target != r.pos {
		return 0, failure.Newf(failure.UnsupportedSeek, "seek source", "cannot move from offset %d to %d on a forward-only stream", r.pos, target)
	}
	return r.pos, nil
}

// Position returns the number of bytes handed out so far.
func (r *Reader) Position() int64 {
	return r.pos
}

// Close releases the underlying connection. It is safe to call more than once.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}

func (r *Reader) readOnce(p []byte) (int, error) {
	if r.opts.IdleTimeout <= 0 {
		return r.body.Read(p)
	}
	return r.readWithIdleTimeout(p)
}

// readWithIdleTimeout runs the transport read in the background and waits for
// it. A read exceeding the idle timeout counts as a stall; the same in-flight
// read keeps being awaited so no data is lost, until MaxStalls is reached.
func (r *Reader) readWithIdleTimeout(p []byte) (int, error) {
	if r.pending == nil {
		if r.buf == nil {
			r.buf = make([]byte, idleReadSize)
		}
		buf := r.buf[:min(len(p), len(r.buf))]
		r.pending = buf
		go func() {
			n, err := r.body.Read(buf)
			r.results <- readResult{n: n, err: err}
		}()
	}

	timer := time.NewTimer(r.opts.IdleTimeout)
	defer timer.Stop()

	for stalls := 0; ; {
		select {
		case res := <-r.results:
			n := copy(p, r.pending[:res.n])
			r.pending = nil
			return n, res.err
		case <-timer.C:
			stalls++
			if stalls >= r.opts.MaxStalls {
				return 0, failure.New(failure.SourceReadFailure, "read source",
					fmt.Errorf("%w: no data for %s at offset %d", ErrStalled, time.Duration(stalls)*r.opts.IdleTimeout, r.pos))
			}
			r.logger.Warnf("Source read stalled at offset %d (%d/%d), still waiting", r.pos, stalls, r.opts.MaxStalls)
			timer.Reset(r.opts.IdleTimeout)
		}
	}
}

func classify(err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.Cancelled, "read source", err)
	}
	return failure.New(failure.SourceReadFailure, "read source", err)
}
