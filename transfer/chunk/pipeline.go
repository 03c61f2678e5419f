package chunk

import (
	"context"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"golang.org/x/sync/errgroup"
)

// Pipeline reads ahead of the consumer: a producer goroutine pulls chunks from
// a Source into a bounded queue so the next chunk is downloading while the
// current one is uploading. At most depth chunks wait in the queue.
type Pipeline struct {
	chunks chan Chunk
	group  *errgroup.Group
	cancel context.CancelFunc

	end      int64
	finished bool
	err      error
}

// NewPipeline starts reading from src. Close must be called to release the producer.
func NewPipeline(ctx context.Context, src Source, depth int) *Pipeline {
	if depth < 1 {
		depth = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	p := &Pipeline{
		chunks: make(chan Chunk, depth),
		group:  group,
		cancel: cancel,
	}

	group.Go(func() error {
		defer close(p.chunks)
		for {
			c, err := src.Next(gctx)
			if err != nil {
				return err
			}
			select {
			case p.chunks <- c:
			case <-gctx.Done():
				return failure.New(failure.Cancelled, "read ahead", gctx.Err())
			}
			if c.Final {
				return nil
			}
		}
	})

	return p
}

// Next returns queued chunks in source order. A producer error is returned once
// every chunk read before it has been consumed.
func (p *Pipeline) Next(ctx context.Context) (Chunk, error) {
	if p.finished {
		return Chunk{Offset: p.end, Final: true}, nil
	}
	if p.err != nil {
		return Chunk{}, p.err
	}

	select {
	case c, ok := <-p.chunks:
		if !ok {
			p.err = p.group.Wait()
			if p.err == nil {
				// The producer only exits cleanly after queueing the final chunk.
				p.finished = true
				return Chunk{Offset: p.end, Final: true}, nil
			}
			return Chunk{}, p.err
		}
		p.end = c.End()
		if c.Final {
			p.finished = true
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, failure.New(failure.Cancelled, "read ahead", ctx.Err())
	}
}

// Close stops the producer and waits for it to exit. A producer blocked in a
// source read only returns once the underlying stream is closed.
func (p *Pipeline) Close() {
	p.cancel()
	for range p.chunks {
	}
	_ = p.group.Wait()
}
