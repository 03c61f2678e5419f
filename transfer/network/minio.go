package network

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the MinIO destination.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	Prefix          string
	// LinkExpiry is the lifetime of presigned links handed out by the publisher.
	LinkExpiry time.Duration
}

// MinIODestination uploads through the low level multipart API of minio-go.
type MinIODestination struct {
	core   *minio.Core
	config MinIOConfig
	logger log.Logger
}

// NewMinIODestination creates the MinIO client.
func NewMinIODestination(cfg MinIOConfig, logger log.Logger) (*MinIODestination, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if cfg.LinkExpiry <= 0 {
		cfg.LinkExpiry = 7 * 24 * time.Hour
	}

	return &MinIODestination{core: core, config: cfg, logger: logger}, nil
}

// Open starts a multipart upload.
func (d *MinIODestination) Open(ctx context.Context, params OpenParams) (Session, error) {
	const op = "open session"

	if params.ChunkSize < MinPartSize {
		return nil, failure.Newf(failure.InvalidInput, op, "chunk size %d is below the minimum part size %d", params.ChunkSize, MinPartSize)
	}

	key := d.config.Prefix + params.Name
	uploadID, err := d.core.NewMultipartUpload(ctx, d.config.Bucket, key, minio.PutObjectOptions{
		ContentType: params.ContentType,
	})
	if err != nil {
		if isCancelled(ctx, err) {
			return nil, failure.New(failure.Cancelled, op, err)
		}
		return nil, failure.New(failure.SessionOpenFailure, op, err)
	}
	d.logger.Debugf("Multipart upload %s opened for %s/%s", uploadID, d.config.Bucket, key)

	return &minioSession{dest: d, key: key, uploadID: uploadID, contentType: params.ContentType}, nil
}

type minioSession struct {
	dest        *MinIODestination
	key         string
	uploadID    string
	contentType string

	parts     []minio.CompletePart
	committed int64
	object    *Object
}

func (s *minioSession) ID() string {
	return s.uploadID
}

func (s *minioSession) PutChunk(ctx context.Context, offset int64, data []byte, final bool) (ChunkResult, error) {
	const op = "put chunk"

	if s.object != nil {
		return ChunkResult{Committed: s.committed, Object: s.object}, nil
	}
	if offset != s.committed {
		return ChunkResult{}, failure.NewOffsetMismatch(op, offset, s.committed)
	}

	if len(data) > 0 {
		partNumber := len(s.parts) + 1
		if partNumber > maxParts {
			return ChunkResult{}, failure.Newf(failure.UploadRejected, op, "upload exceeds %d parts", maxParts)
		}
		part, err := s.dest.core.PutObjectPart(ctx, s.dest.config.Bucket, s.key, s.uploadID, partNumber,
			bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return ChunkResult{}, minioError(ctx, op, err)
		}
		s.parts = append(s.parts, minio.CompletePart{PartNumber: partNumber, ETag: part.ETag})
		s.committed += int64(len(data))
	}

	if !final {
		return ChunkResult{Committed: s.committed}, nil
	}

	object, err := s.complete(ctx)
	if err != nil {
		return ChunkResult{}, err
	}
	s.object = object
	return ChunkResult{Committed: s.committed, Object: object}, nil
}

func (s *minioSession) complete(ctx context.Context) (*Object, error) {
	const op = "complete upload"
	bucket := s.dest.config.Bucket

	if len(s.parts) == 0 {
		if err := s.Abort(ctx); err != nil {
			s.dest.logger.Warnf("Failed to abort empty multipart upload: %s", err)
		}
		if _, err := s.dest.core.PutObject(ctx, bucket, s.key, bytes.NewReader(nil), 0, "", "",
			minio.PutObjectOptions{ContentType: s.contentType}); err != nil {
			return nil, minioError(ctx, op, err)
		}
	} else {
		if _, err := s.dest.core.CompleteMultipartUpload(ctx, bucket, s.key, s.uploadID, s.parts, minio.PutObjectOptions{}); err != nil {
			return nil, minioError(ctx, op, err)
		}
	}

	info, err := s.dest.core.StatObject(ctx, bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		return nil, minioError(ctx, op, err)
	}

	return &Object{
		ID:          s.key,
		Name:        s.key,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

func (s *minioSession) Status(ctx context.Context) (ChunkResult, error) {
	const op = "query upload status"

	if s.object != nil {
		return ChunkResult{Committed: s.committed, Object: s.object}, nil
	}

	var listed []minio.ObjectPart
	marker := 0
	for {
		result, err := s.dest.core.ListObjectParts(ctx, s.dest.config.Bucket, s.key, s.uploadID, marker, 1000)
		if err != nil {
			return ChunkResult{}, minioError(ctx, op, err)
		}
		listed = append(listed, result.ObjectParts...)
		if !result.IsTruncated {
			break
		}
		marker = result.NextPartNumberMarker
	}

	sort.Slice(listed, func(i, j int) bool { return listed[i].PartNumber < listed[j].PartNumber })

	var parts []minio.CompletePart
	var committed int64
	for i, part := range listed {
		if part.PartNumber != i+1 {
			break
		}
		parts = append(parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
		committed += part.Size
	}
	s.parts = parts
	s.committed = committed

	return ChunkResult{Committed: committed}, nil
}

func (s *minioSession) Abort(ctx context.Context) error {
	if s.object != nil {
		return nil
	}
	err := s.dest.core.AbortMultipartUpload(ctx, s.dest.config.Bucket, s.key, s.uploadID)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func minioError(ctx context.Context, op string, err error) error {
	if isCancelled(ctx, err) {
		return failure.New(failure.Cancelled, op, err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		// No response: connection reset, timeout, DNS.
		return failure.New(failure.UploadChunkFailure, op, err)
	case resp.Code == "SlowDown" || transientStatus(resp.StatusCode):
		return failure.New(failure.UploadChunkFailure, op, err)
	default:
		return failure.New(failure.UploadRejected, op, err)
	}
}

// MinIOPublisher checks uploaded objects and hands out presigned links.
type MinIOPublisher struct {
	dest *MinIODestination
}

// NewMinIOPublisher creates a publisher for objects written by dest.
func NewMinIOPublisher(dest *MinIODestination) *MinIOPublisher {
	return &MinIOPublisher{dest: dest}
}

// EnsureVisible checks the object can be stat'ed.
func (p *MinIOPublisher) EnsureVisible(ctx context.Context, object Object, path string) error {
	_, err := p.dest.core.StatObject(ctx, p.dest.config.Bucket, object.ID, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return fmt.Errorf("object %s is not visible yet", object.ID)
		}
		return fmt.Errorf("stat object: %w", err)
	}
	return nil
}

// GrantRead returns a presigned GET link valid for the configured expiry.
func (p *MinIOPublisher) GrantRead(ctx context.Context, object Object) (string, error) {
	link, err := p.dest.core.PresignedGetObject(ctx, p.dest.config.Bucket, object.ID, p.dest.config.LinkExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return link.String(), nil
}
