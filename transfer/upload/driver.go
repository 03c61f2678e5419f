// Package upload pushes chunks into a destination session, one at a time,
// retrying transient failures and resynchronizing on offset mismatches.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/chunk"
	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
)

// State is the driver's position in the upload protocol.
type State string

// Driver states, in protocol order. RETRYING may be entered and left repeatedly.
const (
	StateOpening    State = "OPENING"
	StateSending    State = "SENDING"
	StateRetrying   State = "RETRYING"
	StateCompleting State = "COMPLETING"
	StateClosed     State = "CLOSED"
)

// Listener receives progress events. Calls happen on the goroutine running Upload.
type Listener interface {
	StateChanged(state State)
	// ChunkSourced is called for every chunk pulled from the source, before it is sent.
	ChunkSourced(c chunk.Chunk)
	// BytesAcknowledged reports the total number of bytes the destination committed.
	BytesAcknowledged(total int64)
	// ChunkRetried is called before a chunk request is repeated.
	ChunkRetried(index int, attempt int, err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) StateChanged(State) {}

func (NopListener) ChunkSourced(chunk.Chunk) {}

func (NopListener) BytesAcknowledged(int64) {}

func (NopListener) ChunkRetried(int, int, error) {}

// Driver runs one upload session.
type Driver struct {
	dest     network.Destination
	config   Config
	logger   log.Logger
	listener Listener
	stats    *Stats

	state     State
	sessionID string
	acked     int64
}

// NewDriver creates a Driver. A nil listener is replaced by NopListener.
func NewDriver(dest network.Destination, config Config, logger log.Logger, listener Listener) *Driver {
	if listener == nil {
		listener = NopListener{}
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Driver{
		dest:     dest,
		config:   config,
		logger:   logger,
		listener: listener,
		stats:    NewStats(),
	}
}

// Stats returns the upload statistics.
func (d *Driver) Stats() *Stats {
	return d.stats
}

// State returns the current protocol state.
func (d *Driver) State() State {
	return d.state
}

// SessionID returns the destination session identifier, empty before the session is open.
func (d *Driver) SessionID() string {
	return d.sessionID
}

// Acknowledged returns the number of bytes the destination committed.
func (d *Driver) Acknowledged() int64 {
	return d.acked
}

// Upload opens a session, then pulls chunks from src and sends them until the
// final chunk is committed. It returns the object the destination reported.
// On failure the session is aborted, except on cancellation with LeaveResumable.
func (d *Driver) Upload(ctx context.Context, src chunk.Source, params network.OpenParams) (*network.Object, error) {
	params.ChunkSize = d.config.ChunkSize

	d.setState(StateOpening)
	session, err := d.dest.Open(ctx, params)
	if err != nil {
		d.setState(StateClosed)
		if _, ok := failure.As(err); ok {
			return nil, err
		}
		return nil, failure.New(failure.SessionOpenFailure, "open session", err)
	}
	d.sessionID = session.ID()
	d.setState(StateSending)

	for index := 1; ; index++ {
		c, err := src.Next(ctx)
		if err != nil {
			return nil, d.fail(ctx, session, err)
		}
		d.listener.ChunkSourced(c)

		if index == 1 && c.Final && len(c.Data) == 0 && !d.config.AllowEmpty {
			return nil, d.fail(ctx, session, failure.Newf(failure.EmptySource, "upload", "source delivered no bytes"))
		}
		if c.Final {
			d.setState(StateCompleting)
		}

		object, err := d.sendChunk(ctx, session, index, c)
		if err != nil {
			return nil, d.fail(ctx, session, err)
		}
		if !c.Final {
			continue
		}

		d.setState(StateClosed)
		if object == nil {
			return nil, failure.Newf(failure.UploadRejected, "complete upload", "destination did not report the committed object")
		}
		d.logger.Debugf("Upload finished: %d chunks, %s, %d retries [avg=%v]",
			d.stats.FinishedCount(), units.HumanSizeWithPrecision(float64(d.acked), 3), d.stats.RetryCount(),
			d.stats.Average().Round(time.Millisecond))
		return object, nil
	}
}

// sendChunk sends c until the destination committed all of it. Only the
// unacknowledged suffix is ever re-sent.
func (d *Driver) sendChunk(ctx context.Context, session network.Session, index int, c chunk.Chunk) (*network.Object, error) {
	const op = "put chunk"

	end := c.End()
	pos := c.Offset
	resynced := false
	schedule := d.config.Retry.NewBackOff(ctx)

	for attempt := 1; ; attempt++ {
		if pos == end && !c.Final {
			return nil, nil
		}

		d.logger.Debugf("Uploading chunk %d (attempt %d/%d) [offset=%d] [size=%s] [finished=%d] [avg=%v]",
			index, attempt, d.config.Retry.Attempts(), pos,
			units.HumanSizeWithPrecision(float64(end-pos), 3),
			d.stats.FinishedCount(), d.stats.Average().Round(time.Millisecond))

		start := time.Now()
		res, err := d.put(ctx, session, pos, c.Data[pos-c.Offset:], c.Final)
		if err == nil {
			switch {
			case res.Object != nil && c.Final:
				d.acknowledge(end)
				d.stats.Update(time.Since(start))
				return res.Object, nil
			case res.Object != nil:
				return nil, failure.Newf(failure.UploadRejected, op, "destination completed the object at offset %d before the final chunk", res.Committed)
			case res.Committed == end:
				d.acknowledge(end)
				if !c.Final {
					d.stats.Update(time.Since(start))
					return nil, nil
				}
				if pos == end {
					return nil, failure.Newf(failure.UploadRejected, op, "destination did not finalize the object at %d bytes", end)
				}
				// Everything is committed but the object is not finalized yet.
				pos = end
				continue
			case res.Committed > pos && res.Committed < end:
				d.logger.Debugf("Chunk %d partially accepted: %d of %d bytes", index, res.Committed-pos, end-pos)
				d.acknowledge(res.Committed)
				pos = res.Committed
				continue
			default:
				err = failure.NewOffsetMismatch(op, pos, res.Committed)
			}
		}

		if ctx.Err() != nil {
			return nil, failure.New(failure.Cancelled, op, ctx.Err())
		}

		switch {
		case failure.Is(err, failure.OffsetMismatch):
			if resynced {
				return nil, err
			}
			resynced = true

			committed, object, serr := d.resync(ctx, session, err)
			if serr != nil {
				return nil, serr
			}
			if object != nil && c.Final && committed == end {
				d.acknowledge(end)
				return object, nil
			}
			if committed < c.Offset || committed > end {
				// Bytes before this chunk cannot be re-read from a forward-only source.
				return nil, failure.NewOffsetMismatch(op, pos, committed)
			}
			d.logger.Warnf("Chunk %d: destination holds %d bytes, resuming from there", index, committed)
			d.acknowledge(committed)
			pos = committed
		case failure.IsTransient(err):
			wait := schedule.NextBackOff()
			if wait == backoff.Stop {
				if e, ok := failure.As(err); ok {
					e.Err = fmt.Errorf("chunk %d failed after %d attempts: %w", index, attempt, e.Err)
				}
				return nil, err
			}
			d.stats.Retried()
			d.listener.ChunkRetried(index, attempt, err)
			d.logger.Warnf("Chunk %d attempt %d failed: %v, retrying after %v", index, attempt, err, wait.Round(time.Millisecond))

			d.setState(StateRetrying)
			if err := sleep(ctx, wait); err != nil {
				return nil, failure.New(failure.Cancelled, op, err)
			}
			if c.Final {
				d.setState(StateCompleting)
			} else {
				d.setState(StateSending)
			}
		default:
			return nil, err
		}
	}
}

// put sends one request bounded by the write timeout.
func (d *Driver) put(ctx context.Context, session network.Session, offset int64, data []byte, final bool) (network.ChunkResult, error) {
	if d.config.WriteTimeout <= 0 {
		return session.PutChunk(ctx, offset, data, final)
	}

	putCtx, cancel := context.WithTimeout(ctx, d.config.WriteTimeout)
	defer cancel()

	res, err := session.PutChunk(putCtx, offset, data, final)
	if err != nil && ctx.Err() == nil && errors.Is(putCtx.Err(), context.DeadlineExceeded) {
		return res, failure.New(failure.UploadChunkFailure, "put chunk", fmt.Errorf("no response within %s: %w", d.config.WriteTimeout, err))
	}
	return res, err
}

// resync finds out how many bytes the destination holds after an offset mismatch.
func (d *Driver) resync(ctx context.Context, session network.Session, mismatch error) (int64, *network.Object, error) {
	if e, ok := failure.As(mismatch); ok && e.Committed >= 0 {
		return e.Committed, nil, nil
	}

	res, err := session.Status(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("query committed offset: %w", err)
	}
	return res.Committed, res.Object, nil
}

func (d *Driver) acknowledge(total int64) {
	if total <= d.acked {
		return
	}
	d.acked = total
	d.listener.BytesAcknowledged(total)
}

// fail aborts the session unless the transfer was cancelled and should stay resumable.
func (d *Driver) fail(ctx context.Context, session network.Session, cause error) error {
	defer d.setState(StateClosed)

	cancelled := failure.Is(cause, failure.Cancelled) || ctx.Err() != nil
	if cancelled && d.config.LeaveResumable {
		d.logger.Infof("Transfer cancelled, upload session %s is left open at %d bytes", session.ID(), d.acked)
		return cause
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.abortTimeout())
	defer cancel()
	if err := session.Abort(abortCtx); err != nil {
		d.logger.Warnf("Failed to abort upload session: %s", err)
	} else {
		d.logger.Debugf("Upload session aborted")
	}
	return cause
}

func (d *Driver) abortTimeout() time.Duration {
	if d.config.AbortTimeout > 0 {
		return d.config.AbortTimeout
	}
	return 30 * time.Second
}

func (d *Driver) setState(state State) {
	if d.state == state {
		return
	}
	d.state = state
	d.listener.StateChanged(state)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
