package upload

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-transferbridge/transfer/chunk"
	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
)

type fakeDestination struct {
	openErr error
	session *fakeSession
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{session: &fakeSession{
		failures:       map[int64][]error{},
		commitThenFail: map[int64]bool{},
		block:          map[int64]bool{},
	}}
}

func (d *fakeDestination) Open(ctx context.Context, params network.OpenParams) (network.Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.session.params = params
	return d.session, nil
}

type fakePut struct {
	offset int64
	length int
	final  bool
}

type fakeSession struct {
	mu sync.Mutex

	params      network.OpenParams
	data        bytes.Buffer
	puts        []fakePut
	statusCalls int
	aborted     bool
	object      *network.Object

	// failures maps an offset to errors returned, in order, before a put at that offset is accepted.
	failures map[int64][]error
	// commitThenFail commits the put at an offset but reports a transient error once.
	commitThenFail map[int64]bool
	// block makes the first put at an offset wait for its context.
	block map[int64]bool
	// maxAccept limits the bytes committed per put.
	maxAccept int64
	// statusCommitted overrides the committed offset reported by Status.
	statusCommitted *int64
	// reportSize overrides the size of the finished object.
	reportSize func(int64) int64
}

func (s *fakeSession) ID() string { return "fake-session" }

func (s *fakeSession) PutChunk(ctx context.Context, offset int64, data []byte, final bool) (network.ChunkResult, error) {
	s.mu.Lock()
	s.puts = append(s.puts, fakePut{offset: offset, length: len(data), final: final})

	if s.block[offset] {
		delete(s.block, offset)
		s.mu.Unlock()
		<-ctx.Done()
		return network.ChunkResult{}, failure.New(failure.UploadChunkFailure, "put chunk", ctx.Err())
	}
	defer s.mu.Unlock()

	if errs := s.failures[offset]; len(errs) > 0 {
		s.failures[offset] = errs[1:]
		return network.ChunkResult{}, errs[0]
	}
	committed := int64(s.data.Len())
	if offset != committed {
		return network.ChunkResult{}, failure.NewOffsetMismatch("put chunk", offset, -1)
	}

	accepted := data
	if s.maxAccept > 0 && int64(len(accepted)) > s.maxAccept {
		accepted = accepted[:s.maxAccept]
	}
	s.data.Write(accepted)
	committed = int64(s.data.Len())

	if final && len(accepted) == len(data) {
		size := committed
		if s.reportSize != nil {
			size = s.reportSize(size)
		}
		s.object = &network.Object{ID: "object-1", Name: s.params.Name, Size: size}
	}

	if s.commitThenFail[offset] {
		delete(s.commitThenFail, offset)
		return network.ChunkResult{}, failure.New(failure.UploadChunkFailure, "put chunk", errors.New("connection reset by peer"))
	}
	return network.ChunkResult{Committed: committed, Object: s.object}, nil
}

func (s *fakeSession) Status(ctx context.Context) (network.ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if s.statusCommitted != nil {
		return network.ChunkResult{Committed: *s.statusCommitted}, nil
	}
	return network.ChunkResult{Committed: int64(s.data.Len()), Object: s.object}, nil
}

func (s *fakeSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *fakeSession) putsAt(offset int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.puts {
		if p.offset == offset {
			n++
		}
	}
	return n
}

// recordingListener keeps every event.
type recordingListener struct {
	states  []State
	sourced []chunk.Chunk
	acked   []int64
	retries int
}

func (l *recordingListener) StateChanged(state State) { l.states = append(l.states, state) }

func (l *recordingListener) ChunkSourced(c chunk.Chunk) { l.sourced = append(l.sourced, c) }

func (l *recordingListener) BytesAcknowledged(total int64) { l.acked = append(l.acked, total) }

func (l *recordingListener) ChunkRetried(int, int, error) { l.retries++ }
