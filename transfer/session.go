package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/google/uuid"
)

// State is the lifecycle state of a transfer session.
type State string

const (
	StateInit        State = "INIT"
	StateDownloading State = "DOWNLOADING"
	StateUploading   State = "UPLOADING"
	StateVerifying   State = "VERIFYING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

var transitions = map[State]State{
	StateInit:        StateDownloading,
	StateDownloading: StateUploading,
	StateUploading:   StateVerifying,
	StateVerifying:   StateDone,
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Snapshot is a consistent copy of a session's counters and state.
type Snapshot struct {
	ID              string
	SourceURL       string
	DestinationName string
	// ExpectedSize is the size announced by the source, -1 when unknown.
	ExpectedSize      int64
	BytesSourced      int64
	BytesAcknowledged int64
	// ObjectSize is the size the destination reported for the committed object, -1 until then.
	ObjectSize int64
	State      State
	// Reason is set when State is FAILED.
	Reason     failure.Kind
	StartedAt  time.Time
	FinishedAt time.Time
}

// Session tracks one transfer. Only the orchestrator mutates it.
type Session struct {
	mu sync.RWMutex
	s  Snapshot
}

func newSession(sourceURL, destinationName string) *Session {
	return &Session{s: Snapshot{
		ID:              uuid.NewString(),
		SourceURL:       sourceURL,
		DestinationName: destinationName,
		ExpectedSize:    -1,
		ObjectSize:      -1,
		State:           StateInit,
		StartedAt:       time.Now(),
	}}
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.Snapshot().ID
}

// State returns the current state.
func (s *Session) State() State {
	return s.Snapshot().State
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transitions[s.s.State] != to {
		return fmt.Errorf("invalid session transition %s -> %s", s.s.State, to)
	}
	s.s.State = to
	if to.Terminal() {
		s.s.FinishedAt = time.Now()
	}
	return nil
}

// fail moves any non-terminal session to FAILED. It reports false when the session already finished.
func (s *Session) fail(reason failure.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s.State.Terminal() {
		return false
	}
	s.s.State = StateFailed
	s.s.Reason = reason
	s.s.FinishedAt = time.Now()
	return true
}

func (s *Session) setSource(expectedSize int64, destinationName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.ExpectedSize = expectedSize
	s.s.DestinationName = destinationName
}

func (s *Session) addSourced(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.BytesSourced += n
}

// setAcknowledged never lowers the counter and never lets it pass the sourced bytes.
func (s *Session) setAcknowledged(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total > s.s.BytesSourced {
		total = s.s.BytesSourced
	}
	if total > s.s.BytesAcknowledged {
		s.s.BytesAcknowledged = total
	}
}

func (s *Session) setObjectSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.ObjectSize = size
}
