package chunk

import (
	"context"
	"errors"
	"io"
)

// Chunk is one contiguous piece of the source stream.
type Chunk struct {
	Offset int64
	Data   []byte
	Final  bool
}

// End returns the offset right after the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// Source yields chunks with strictly increasing, contiguous offsets.
// After the final chunk it keeps returning an empty final chunk at the end offset.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// Sequential pulls chunks on demand, in the caller's goroutine. A full chunk
// that ends the stream is marked final, so a source whose length is an exact
// multiple of the chunk size needs no trailing empty chunk.
type Sequential struct {
	assembler *Assembler
	peek      *peekReader
	size      int
	offset    int64
	done      bool
}

// NewSequential creates a Source producing chunks of size bytes from r.
func NewSequential(r io.Reader, size int) *Sequential {
	peek := &peekReader{r: r}
	return &Sequential{assembler: NewAssembler(peek), peek: peek, size: size}
}

// Next returns the next chunk.
func (s *Sequential) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{Offset: s.offset, Final: true}, nil
	}

	data, final, err := s.assembler.Next(ctx, s.size)
	if err != nil {
		return Chunk{}, err
	}
	if !final {
		final = s.peek.atEOF()
	}

	c := Chunk{Offset: s.offset, Data: data, Final: final}
	s.offset = c.End()
	s.done = final
	return c, nil
}

// peekReader can tell whether the stream ended without losing a byte.
type peekReader struct {
	r    io.Reader
	b    [1]byte
	held bool
	eof  bool
	// err is a read error hit while peeking, returned by the next Read.
	err error
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if p.held {
		b[0] = p.b[0]
		p.held = false
		return 1, nil
	}
	if p.err != nil {
		return 0, p.err
	}
	if p.eof {
		return 0, io.EOF
	}
	return p.r.Read(b)
}

// atEOF reads one byte ahead. Errors are kept for the next Read.
func (p *peekReader) atEOF() bool {
	if p.held || p.err != nil {
		return false
	}
	if p.eof {
		return true
	}

	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := p.r.Read(p.b[:])
		if n > 0 {
			p.held = true
			p.eof = errors.Is(err, io.EOF)
			if err != nil && !p.eof {
				p.err = err
			}
			return false
		}
		switch {
		case errors.Is(err, io.EOF):
			p.eof = true
			return true
		case err != nil:
			p.err = err
			return false
		}
	}
	p.err = io.ErrNoProgress
	return false
}
