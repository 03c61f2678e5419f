package transfer

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-transferbridge/transfer/source"
	"github.com/bitrise-io/go-transferbridge/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// sourceServer serves payload at any path. Without a length the body is
// flushed in pieces, which forces chunked encoding.
type sourceServer struct {
	*httptest.Server
	payload    []byte
	withLength bool
	piece      int
	// block, when set, stalls the response after the first piece until the request ends.
	block bool
}

func newSourceServer(t *testing.T, payload []byte, withLength bool) *sourceServer {
	s := &sourceServer{payload: payload, withLength: withLength, piece: 64 * 1024}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *sourceServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if s.withLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))
	}
	w.WriteHeader(http.StatusOK)

	flusher := w.(http.Flusher)
	for start := 0; start < len(s.payload); start += s.piece {
		end := min(start+s.piece, len(s.payload))
		if _, err := w.Write(s.payload[start:end]); err != nil {
			return
		}
		flusher.Flush()
		if s.block {
			<-r.Context().Done()
			return
		}
	}
}

func payload(size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(b)
	return b
}

func testConfig(chunkSize int) Config {
	config := DefaultConfig()
	config.Upload.ChunkSize = chunkSize
	config.Upload.Retry = upload.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
	config.Upload.WriteTimeout = 10 * time.Second
	config.Upload.AbortTimeout = time.Second
	config.PublishRetries = 0
	config.PublishRetryWait = 0
	return config
}

func newTestOrchestrator(dest network.Destination, config Config) *Orchestrator {
	logger := log.NewLogger()
	return NewOrchestrator(source.NewOpener(source.Config{}, logger), dest, config, logger)
}

// countingPublisher records calls and fails with err when set.
type countingPublisher struct {
	visible  int
	grants   int
	err      error
	link     string
	lastPath string
}

func (p *countingPublisher) EnsureVisible(_ context.Context, _ network.Object, path string) error {
	p.visible++
	p.lastPath = path
	return p.err
}

func (p *countingPublisher) GrantRead(context.Context, network.Object) (string, error) {
	p.grants++
	if p.err != nil {
		return "", p.err
	}
	return p.link, nil
}
