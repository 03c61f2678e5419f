// Package chunk turns a forward-only byte stream into fixed-size upload chunks.
package chunk

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
)

const maxConsecutiveEmptyReads = 100

// Assembler fills chunks of an exact size from a reader that may return
// arbitrarily short reads.
type Assembler struct {
	r    io.Reader
	done bool
}

// NewAssembler creates an Assembler reading from r.
func NewAssembler(r io.Reader) *Assembler {
	return &Assembler{r: r}
}

// Next reads until size bytes are buffered or the reader reports end-of-stream.
//
// It returns exactly size bytes with final=false, or the remaining 0..size bytes
// with final=true. Once the final chunk was returned every later call returns
// (nil, true, nil).
func (a *Assembler) Next(ctx context.Context, size int) ([]byte, bool, error) {
	if size <= 0 {
		return nil, false, failure.Newf(failure.InvalidInput, "assemble chunk", "chunk size must be positive, got %d", size)
	}
	if a.done {
		return nil, true, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	empty := 0
	for buf.Len() < size {
		if err := ctx.Err(); err != nil {
			return nil, false, failure.New(failure.Cancelled, "assemble chunk", err)
		}

		space := buf.AvailableBuffer()[:size-buf.Len()]
		n, err := a.r.Read(space)
		if n > 0 {
			buf.Write(space[:n])
			empty = 0
		}

		switch {
		case errors.Is(err, io.EOF):
			a.done = true
			return buf.Bytes(), true, nil
		case err != nil:
			return nil, false, classify(err)
		case n == 0:
			empty++
			if empty >= maxConsecutiveEmptyReads {
				return nil, false, failure.New(failure.SourceReadFailure, "assemble chunk", io.ErrNoProgress)
			}
		}
	}
	return buf.Bytes(), false, nil
}

func classify(err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.Cancelled, "assemble chunk", err)
	}
	return failure.New(failure.SourceReadFailure, "assemble chunk", err)
}
