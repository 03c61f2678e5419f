// Package transfer moves an HTTP source into a destination object store
// through a chunked, resumable upload without buffering the whole object.
package transfer

import (
	"context"
	"net/url"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/chunk"
	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-transferbridge/transfer/source"
	"github.com/bitrise-io/go-transferbridge/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Status is the outcome of a transfer.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result describes a finished transfer. On failure only the counters, the
// upload session and the session snapshot are meaningful.
type Result struct {
	Status            Status
	ObjectID          string
	Link              string
	AcknowledgedBytes int64
	SourcedBytes      int64
	Access            Access
	// UploadSession is the destination session ID, kept open after a
	// cancellation when LeaveResumable is set.
	UploadSession string
	Session       Snapshot
}

// SourceOpener opens the HTTP source of a transfer.
type SourceOpener interface {
	Open(ctx context.Context, rawURL string) (*source.Stream, error)
}

// Config configures the orchestrator.
type Config struct {
	Upload upload.Config
	// Concurrent reads the next chunks while the current one is being uploaded.
	Concurrent bool
	// QueueDepth bounds the chunks read ahead when Concurrent is set.
	QueueDepth int
	// VisiblePath is passed to Publisher.EnsureVisible.
	VisiblePath string
	// PublicRead asks the publisher for a public link.
	PublicRead bool

	PublishRetries   uint
	PublishRetryWait time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Upload:           upload.DefaultConfig(),
		QueueDepth:       2,
		PublishRetries:   2,
		PublishRetryWait: time.Second,
	}
}

// Orchestrator runs transfers from a source into a destination.
type Orchestrator struct {
	opener    SourceOpener
	dest      network.Destination
	publisher Publisher
	locker    Locker
	tracker   *Tracker
	verifier  Verifier
	config    Config
	logger    log.Logger
}

// defaultLocker is shared by every Orchestrator created without WithLocker, so
// orchestrators of one process never upload to the same name at once.
var defaultLocker Locker = NewLocalLocker()

// NewOrchestrator creates an Orchestrator with the process wide destination lock,
// no publisher and no metrics.
func NewOrchestrator(opener SourceOpener, dest network.Destination, config Config, logger log.Logger) *Orchestrator {
	if config.QueueDepth <= 0 {
		config.QueueDepth = 1
	}
	if config.Upload.ChunkSize <= 0 {
		config.Upload.ChunkSize = upload.DefaultChunkSize
	}
	return &Orchestrator{
		opener:   opener,
		dest:     dest,
		locker:   defaultLocker,
		verifier: NewVerifier(logger),
		config:   config,
		logger:   logger,
	}
}

// WithPublisher sets the collaborator used after a successful upload.
func (o *Orchestrator) WithPublisher(publisher Publisher) *Orchestrator {
	o.publisher = publisher
	return o
}

// WithLocker replaces the process wide destination lock, e.g. with a RedisLocker
// shared by several processes.
func (o *Orchestrator) WithLocker(locker Locker) *Orchestrator {
	o.locker = locker
	return o
}

// WithTracker enables metrics.
func (o *Orchestrator) WithTracker(tracker *Tracker) *Orchestrator {
	o.tracker = tracker
	return o
}

// Transfer streams sourceURL into the destination object destinationName. An
// empty destinationName falls back to the name advertised by the source.
//
// The returned Result is never nil. On failure the error is a *failure.Error
// carrying the kind and the byte counters at the time of failure.
func (o *Orchestrator) Transfer(ctx context.Context, sourceURL, destinationName string) (*Result, error) {
	session := newSession(sourceURL, destinationName)
	o.logger.Infof("Transfer %s: %s", session.ID(), redact(sourceURL))

	result := &Result{Status: StatusFailure, Access: AccessPrivate}
	object, err := o.run(ctx, session, result)
	if err != nil {
		ferr := o.fail(ctx, session, err)
		result.fill(session.Snapshot())
		o.tracker.finished(result.Session)
		o.logger.Errorf("Transfer %s failed after %s sourced, %s acknowledged: %s", session.ID(),
			units.BytesSize(float64(ferr.Sourced)), units.BytesSize(float64(ferr.Acknowledged)), ferr)
		return result, ferr
	}

	result.Status = StatusSuccess
	result.ObjectID = object.ID
	result.Access, result.Link = o.publish(ctx, *object)
	result.fill(session.Snapshot())
	o.tracker.finished(result.Session)

	o.logger.Donef("Transfer %s finished: %s stored as %s (%s)", session.ID(),
		units.BytesSize(float64(result.AcknowledgedBytes)), object.Name, result.Access)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, session *Session, result *Result) (*network.Object, error) {
	if err := session.transition(StateDownloading); err != nil {
		return nil, err
	}

	stream, err := o.opener.Open(ctx, session.Snapshot().SourceURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			o.logger.Debugf("Failed to close source: %s", err)
		}
	}()
	// Cancellation unblocks a read in progress.
	stopClose := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	defer stopClose()

	name := session.Snapshot().DestinationName
	if name == "" {
		name = stream.Metadata.Filename
	}
	session.setSource(stream.Metadata.ExpectedSize, name)
	if stream.Metadata.ExpectedSize >= 0 {
		o.logger.Printf("Source size: %s", units.HumanSizeWithPrecision(float64(stream.Metadata.ExpectedSize), 3))
	} else {
		o.logger.Printf("Source size unknown")
	}

	release, err := acquire(ctx, o.locker, name)
	if err != nil {
		return nil, err
	}
	defer release()

	var src chunk.Source = chunk.NewSequential(stream, o.config.Upload.ChunkSize)
	if o.config.Concurrent {
		pipeline := chunk.NewPipeline(ctx, src, o.config.QueueDepth)
		defer func() {
			// Closing the stream first unblocks a producer waiting on the source.
			_ = stream.Close()
			pipeline.Close()
		}()
		src = pipeline
	}

	driver := upload.NewDriver(o.dest, o.config.Upload, o.logger, &progress{o: o, session: session})
	object, err := driver.Upload(ctx, src, network.OpenParams{
		Name:        name,
		ContentType: stream.Metadata.ContentType,
		SizeHint:    stream.Metadata.ExpectedSize,
	})
	result.UploadSession = driver.SessionID()
	if err != nil {
		return nil, err
	}

	session.setObjectSize(object.Size)
	if err := session.transition(StateVerifying); err != nil {
		return nil, err
	}
	if err := o.verifier.Verify(session.Snapshot()); err != nil {
		return nil, err
	}
	if err := session.transition(StateDone); err != nil {
		return nil, err
	}
	return object, nil
}

// fail classifies err, attaches the counters and marks the session FAILED.
func (o *Orchestrator) fail(ctx context.Context, session *Session, err error) *failure.Error {
	kind := failure.KindOf(err)
	switch {
	case ctx.Err() != nil:
		// A read interrupted by cancellation surfaces as a source failure.
		kind = failure.Cancelled
	case kind == "":
		kind = failure.UploadRejected
	}

	ferr, ok := failure.As(err)
	if !ok || ferr.Kind != kind {
		ferr = failure.New(kind, "transfer", err)
	}

	session.fail(kind)
	s := session.Snapshot()
	return ferr.WithCounters(s.BytesSourced, s.BytesAcknowledged)
}

func (r *Result) fill(s Snapshot) {
	r.Session = s
	r.SourcedBytes = s.BytesSourced
	r.AcknowledgedBytes = s.BytesAcknowledged
}

// progress applies upload events to the session.
type progress struct {
	o       *Orchestrator
	session *Session
	acked   int64
}

func (p *progress) StateChanged(state upload.State) {
	p.o.tracker.driverState(state)
	if state == upload.StateSending && p.session.State() == StateDownloading {
		if err := p.session.transition(StateUploading); err != nil {
			p.o.logger.Warnf("%s", err)
		}
	}
}

func (p *progress) ChunkSourced(c chunk.Chunk) {
	p.session.addSourced(int64(len(c.Data)))
	p.o.tracker.sourced(len(c.Data))
}

func (p *progress) BytesAcknowledged(total int64) {
	p.session.setAcknowledged(total)
	p.o.tracker.acknowledged(total - p.acked)
	p.acked = total
}

func (p *progress) ChunkRetried(int, int, error) {
	p.o.tracker.retried()
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}
