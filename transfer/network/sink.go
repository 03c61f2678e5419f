package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// SinkDestination accepts uploads without storing them. It counts and hashes
// the received bytes, which makes it useful for dry runs.
type SinkDestination struct {
	logger log.Logger

	mu       sync.Mutex
	sessions int
}

// NewSinkDestination creates a sink.
func NewSinkDestination(logger log.Logger) *SinkDestination {
	return &SinkDestination{logger: logger}
}

// Open starts a new sink session.
func (d *SinkDestination) Open(ctx context.Context, params OpenParams) (Session, error) {
	d.mu.Lock()
	d.sessions++
	d.mu.Unlock()

	return &sinkSession{
		id:          uuid.NewString(),
		name:        params.Name,
		contentType: params.ContentType,
		hash:        sha256.New(),
		logger:      d.logger,
	}, nil
}

// Sessions returns the number of sessions opened so far.
func (d *SinkDestination) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

type sinkSession struct {
	id          string
	name        string
	contentType string
	logger      log.Logger

	mu        sync.Mutex
	hash      hash.Hash
	committed int64
	object    *Object
	aborted   bool
}

func (s *sinkSession) ID() string {
	return s.id
}

func (s *sinkSession) PutChunk(ctx context.Context, offset int64, data []byte, final bool) (ChunkResult, error) {
	const op = "put chunk"

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.aborted:
		return ChunkResult{}, failure.Newf(failure.UploadRejected, op, "session %s was aborted", s.id)
	case s.object != nil:
		return ChunkResult{Committed: s.committed, Object: s.object}, nil
	case offset != s.committed:
		return ChunkResult{}, failure.NewOffsetMismatch(op, offset, s.committed)
	}

	s.hash.Write(data)
	s.committed += int64(len(data))

	if final {
		sum := hex.EncodeToString(s.hash.Sum(nil))
		s.object = &Object{
			ID:          sum,
			Name:        s.name,
			Size:        s.committed,
			ContentType: s.contentType,
		}
		s.logger.Debugf("Sink received %d bytes for %s, sha256: %s", s.committed, s.name, sum)
	}
	return ChunkResult{Committed: s.committed, Object: s.object}, nil
}

func (s *sinkSession) Status(ctx context.Context) (ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ChunkResult{Committed: s.committed, Object: s.object}, nil
}

func (s *sinkSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}
