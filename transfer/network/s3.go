package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// MinPartSize is the smallest part S3 accepts, except for the last part.
	MinPartSize = 5 * 1024 * 1024
	maxParts    = 10000

	numStatusRetries = 3
	defaultRegion    = "us-east-1"
)

// S3Config configures the S3 destination.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
	// Prefix is prepended to every object key.
	Prefix string
}

// S3API is the part of the S3 client the destination uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
}

// S3Destination writes every chunk as one part of a multipart upload.
type S3Destination struct {
	client S3API
	bucket string
	region string
	prefix string
	logger log.Logger
}

// NewS3Destination loads credentials and creates the S3 client. When no region
// is configured it is detected from the bucket.
func NewS3Destination(ctx context.Context, cfg S3Config, logger log.Logger) (*S3Destination, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	clientOptions := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	region := cfg.Region
	if region == "" {
		probeCfg, err := loadAWSCredentials(ctx, defaultRegion, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
		if err != nil {
			return nil, fmt.Errorf("load aws credentials: %w", err)
		}
		region, err = manager.GetBucketRegion(ctx, s3.NewFromConfig(*probeCfg, clientOptions), cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("detect region of bucket %s: %w", cfg.Bucket, err)
		}
		logger.Debugf("Bucket %s is in region %s", cfg.Bucket, region)
	}

	awsCfg, err := loadAWSCredentials(ctx, region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3DestinationWithClient(s3.NewFromConfig(*awsCfg, clientOptions), cfg.Bucket, region, cfg.Prefix, logger), nil
}

// NewS3DestinationWithClient creates a destination using the given client.
func NewS3DestinationWithClient(client S3API, bucket, region, prefix string, logger log.Logger) *S3Destination {
	return &S3Destination{client: client, bucket: bucket, region: region, prefix: prefix, logger: logger}
}

// Open starts a multipart upload.
func (d *S3Destination) Open(ctx context.Context, params OpenParams) (Session, error) {
	const op = "open session"

	if params.ChunkSize < MinPartSize {
		return nil, failure.Newf(failure.InvalidInput, op, "chunk size %d is below the S3 minimum part size %d", params.ChunkSize, MinPartSize)
	}
	if params.SizeHint > 0 && (params.SizeHint+int64(params.ChunkSize)-1)/int64(params.ChunkSize) > maxParts {
		return nil, failure.Newf(failure.InvalidInput, op, "%d bytes need more than %d parts of %d bytes", params.SizeHint, maxParts, params.ChunkSize)
	}

	key := d.prefix + params.Name
	out, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(params.ContentType),
	})
	if err != nil {
		if isCancelled(ctx, err) {
			return nil, failure.New(failure.Cancelled, op, err)
		}
		return nil, failure.New(failure.SessionOpenFailure, op, err)
	}
	d.logger.Debugf("Multipart upload %s opened for s3://%s/%s", aws.ToString(out.UploadId), d.bucket, key)

	return &s3Session{
		dest:     d,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

type s3Session struct {
	dest     *S3Destination
	key      string
	uploadID string

	parts     []types.CompletedPart
	committed int64
	object    *Object
}

func (s *s3Session) ID() string {
	return s.uploadID
}

// PutChunk uploads data as the next part. The final chunk completes the upload.
func (s *s3Session) PutChunk(ctx context.Context, offset int64, data []byte, final bool) (ChunkResult, error) {
	const op = "put chunk"

	if s.object != nil {
		return ChunkResult{Committed: s.committed, Object: s.object}, nil
	}
	if offset != s.committed {
		return ChunkResult{}, failure.NewOffsetMismatch(op, offset, s.committed)
	}

	if len(data) > 0 {
		partNumber := int32(len(s.parts) + 1)
		if partNumber > maxParts {
			return ChunkResult{}, failure.Newf(failure.UploadRejected, op, "upload exceeds %d parts", maxParts)
		}
		out, err := s.dest.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.dest.bucket),
			Key:           aws.String(s.key),
			UploadId:      aws.String(s.uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return ChunkResult{}, s3Error(ctx, op, err)
		}
		s.parts = append(s.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
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

func (s *s3Session) complete(ctx context.Context) (*Object, error) {
	const op = "complete upload"

	if len(s.parts) == 0 {
		// A multipart upload needs at least one part, an empty object is a plain put.
		if err := s.Abort(ctx); err != nil {
			s.dest.logger.Warnf("Failed to abort empty multipart upload: %s", err)
		}
		if _, err := s.dest.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.dest.bucket),
			Key:           aws.String(s.key),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		}); err != nil {
			return nil, s3Error(ctx, op, err)
		}
	} else {
		if _, err := s.dest.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.dest.bucket),
			Key:             aws.String(s.key),
			UploadId:        aws.String(s.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: s.parts},
		}); err != nil {
			return nil, s3Error(ctx, op, err)
		}
	}

	head, err := s.dest.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.dest.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, s3Error(ctx, op, err)
	}

	return &Object{
		ID:          s.key,
		Name:        s.key,
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
		Link:        fmt.Sprintf("s3://%s/%s", s.dest.bucket, s.key),
	}, nil
}

// Status rebuilds the committed offset from the parts listed by S3. Only the
// contiguous run of parts starting at 1 counts as committed.
func (s *s3Session) Status(ctx context.Context) (ChunkResult, error) {
	const op = "query upload status"

	if s.object != nil {
		return ChunkResult{Committed: s.committed, Object: s.object}, nil
	}

	var listed []types.Part
	err := retry.Times(numStatusRetries).Wait(time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		listed = listed[:0]
		paginator := s3.NewListPartsPaginator(s.dest.client, &s3.ListPartsInput{
			Bucket:   aws.String(s.dest.bucket),
			Key:      aws.String(s.key),
			UploadId: aws.String(s.uploadID),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				classified := s3Error(ctx, op, err)
				return classified, !failure.IsTransient(classified)
			}
			listed = append(listed, page.Parts...)
		}
		return nil, true
	})
	if err != nil {
		if e, ok := failure.As(err); ok {
			return ChunkResult{}, e
		}
		return ChunkResult{}, failure.New(failure.UploadChunkFailure, op, err)
	}

	sort.Slice(listed, func(i, j int) bool {
		return aws.ToInt32(listed[i].PartNumber) < aws.ToInt32(listed[j].PartNumber)
	})

	var parts []types.CompletedPart
	var committed int64
	for i, part := range listed {
		if aws.ToInt32(part.PartNumber) != int32(i+1) {
			break
		}
		parts = append(parts, types.CompletedPart{ETag: part.ETag, PartNumber: part.PartNumber})
		committed += aws.ToInt64(part.Size)
	}
	s.parts = parts
	s.committed = committed

	return ChunkResult{Committed: committed}, nil
}

// Abort discards the multipart upload and its parts.
func (s *s3Session) Abort(ctx context.Context) error {
	if s.object != nil {
		return nil
	}
	_, err := s.dest.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.dest.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, ok := apiError.(*types.NoSuchUpload); ok {
				return nil
			}
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// s3Error classifies an S3 error by HTTP status, falling back to the error code.
func s3Error(ctx context.Context, op string, err error) error {
	if isCancelled(ctx, err) {
		return failure.New(failure.Cancelled, op, err)
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NoSuchUpload, *types.NoSuchBucket, *types.NoSuchKey:
			return failure.New(failure.UploadRejected, op, err)
		}
		switch apiError.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return failure.New(failure.UploadChunkFailure, op, err)
		}
	}

	var responseError interface{ HTTPStatusCode() int }
	if errors.As(err, &responseError) {
		if transientStatus(responseError.HTTPStatusCode()) {
			return failure.New(failure.UploadChunkFailure, op, err)
		}
		return failure.New(failure.UploadRejected, op, err)
	}

	// No response at all: connection reset, timeout, DNS.
	return failure.New(failure.UploadChunkFailure, op, err)
}

// S3Publisher checks and shares uploaded S3 objects.
type S3Publisher struct {
	dest *S3Destination
}

// NewS3Publisher creates a publisher for objects written by dest.
func NewS3Publisher(dest *S3Destination) *S3Publisher {
	return &S3Publisher{dest: dest}
}

// EnsureVisible checks that the object can be listed under its key. S3 has no
// folders, path is already part of the key through the configured prefix.
func (p *S3Publisher) EnsureVisible(ctx context.Context, object Object, path string) error {
	_, err := p.dest.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.dest.bucket),
		Key:    aws.String(object.ID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, ok := apiError.(*types.NotFound); ok {
				return fmt.Errorf("object %s is not visible yet", object.ID)
			}
		}
		return fmt.Errorf("head object: %w", err)
	}
	return nil
}

// GrantRead applies the public-read canned ACL and returns the public URL.
func (p *S3Publisher) GrantRead(ctx context.Context, object Object) (string, error) {
	_, err := p.dest.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(p.dest.bucket),
		Key:    aws.String(object.ID),
		ACL:    types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("put object acl: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.dest.bucket, p.dest.region, (&url.URL{Path: object.ID}).EscapedPath()), nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
