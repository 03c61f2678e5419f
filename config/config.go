// Package config reads the transfer bridge settings from the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-transferbridge/transfer/source"
	"github.com/bitrise-io/go-transferbridge/transfer/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
	"github.com/docker/go-units"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "TRANSFERBRIDGE_"

// Destination kinds.
const (
	DestinationResumable = "resumable"
	DestinationS3        = "s3"
	DestinationMinIO     = "minio"
	DestinationSink      = "sink"
)

// Secret is a string that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ByteSize is a size parsed from values like "8MiB", "5mb" or "262144".
// Units are binary.
type ByteSize int64

// UnmarshalText ...
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	if n < 0 {
		return fmt.Errorf("invalid size %q: must not be negative", text)
	}
	*b = ByteSize(n)
	return nil
}

// String ...
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// ResumableConfig configures the resumable-upload destination.
type ResumableConfig struct {
	UploadURL      string   `env:"UPLOAD_URL"`
	APIURL         string   `env:"API_URL"`
	Token          Secret   `env:"TOKEN"`
	FolderID       string   `env:"FOLDER_ID"`
	OwnerEmail     string   `env:"OWNER_EMAIL"`
	ChunkAlignment ByteSize `env:"CHUNK_ALIGNMENT" envDefault:"256KiB"`
}

// S3Config configures the S3 destination. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey Secret `env:"SECRET_ACCESS_KEY"`
	Endpoint        string `env:"ENDPOINT"`
	UsePathStyle    bool   `env:"USE_PATH_STYLE"`
	Prefix          string `env:"PREFIX"`
}

// MinIOConfig configures the MinIO destination.
type MinIOConfig struct {
	Endpoint        string        `env:"ENDPOINT"`
	AccessKeyID     string        `env:"ACCESS_KEY_ID"`
	SecretAccessKey Secret        `env:"SECRET_ACCESS_KEY"`
	Bucket          string        `env:"BUCKET"`
	Region          string        `env:"REGION"`
	UseSSL          bool          `env:"USE_SSL" envDefault:"true"`
	Prefix          string        `env:"PREFIX"`
	LinkExpiry      time.Duration `env:"LINK_EXPIRY" envDefault:"168h"`
}

// Config is the complete bridge configuration.
type Config struct {
	Destination string `env:"DESTINATION" envDefault:"resumable"`

	ChunkSize  ByteSize `env:"CHUNK_SIZE" envDefault:"8MiB"`
	Concurrent bool     `env:"CONCURRENT"`
	QueueDepth int      `env:"QUEUE_DEPTH" envDefault:"2"`
	AllowEmpty bool     `env:"ALLOW_EMPTY"`

	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"2m"`
	LeaveResumable bool          `env:"LEAVE_RESUMABLE"`

	SourceRetries   int           `env:"SOURCE_RETRIES"`
	HeaderTimeout   time.Duration `env:"HEADER_TIMEOUT" envDefault:"30s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"1m"`
	DecodeContent   bool          `env:"DECODE_CONTENT"`
	AllowedSources  []string      `env:"ALLOWED_SOURCES" envSeparator:","`

	VisiblePath string `env:"VISIBLE_PATH"`
	PublicRead  bool   `env:"PUBLIC_READ"`

	LockRedisAddr     string        `env:"LOCK_REDIS_ADDR"`
	LockRedisPassword Secret        `env:"LOCK_REDIS_PASSWORD"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
	Debug          bool   `env:"DEBUG"`

	Resumable ResumableConfig `envPrefix:"RESUMABLE_"`
	S3        S3Config        `envPrefix:"S3_"`
	MinIO     MinIOConfig     `envPrefix:"MINIO_"`
}

// Parse reads the configuration from environment, or from the process
// environment when it is nil, and validates it.
func Parse(environment map[string]string) (Config, error) {
	cfg, err := ParseEnv(environment)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ParseEnv reads the configuration without validating it, so callers can
// apply overrides first.
func ParseEnv(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return Config{}, fmt.Errorf("parse environment variables: %w", err)
	}
	return cfg, nil
}

// Validate checks the values and their combination with the chosen destination.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ChunkSize > 0, "chunk size must be positive")
	check(c.QueueDepth >= 1, "queue depth must be at least 1, got %d", c.QueueDepth)
	check(c.MaxAttempts >= 1, "max attempts must be at least 1, got %d", c.MaxAttempts)
	check(c.SourceRetries >= 0, "source retries must not be negative, got %d", c.SourceRetries)
	check(c.InitialBackoff <= c.MaxBackoff, "initial backoff %s exceeds max backoff %s", c.InitialBackoff, c.MaxBackoff)
	for _, pattern := range c.AllowedSources {
		check(doublestar.ValidatePattern(pattern), "invalid allowed source pattern %q", pattern)
	}

	switch c.Destination {
	case DestinationResumable:
		check(c.Resumable.UploadURL != "", "%sRESUMABLE_UPLOAD_URL is required", EnvPrefix)
		check(c.Resumable.Token != "", "%sRESUMABLE_TOKEN is required", EnvPrefix)
		if align := c.Resumable.ChunkAlignment; align > 0 {
			check(c.ChunkSize%align == 0, "chunk size %s must be a multiple of %s", c.ChunkSize, align)
		}
	case DestinationS3:
		check(c.S3.Bucket != "", "%sS3_BUCKET is required", EnvPrefix)
		check(c.ChunkSize >= network.MinPartSize, "chunk size %s is below the S3 minimum part size", c.ChunkSize)
	case DestinationMinIO:
		check(c.MinIO.Endpoint != "", "%sMINIO_ENDPOINT is required", EnvPrefix)
		check(c.MinIO.Bucket != "", "%sMINIO_BUCKET is required", EnvPrefix)
		check(c.ChunkSize >= network.MinPartSize, "chunk size %s is below the S3 minimum part size", c.ChunkSize)
	case DestinationSink:
	default:
		errs = append(errs, fmt.Errorf("unknown destination %q, use one of: %s", c.Destination,
			strings.Join([]string{DestinationResumable, DestinationS3, DestinationMinIO, DestinationSink}, ", ")))
	}

	return errors.Join(errs...)
}

// TransferConfig returns the orchestrator settings.
func (c Config) TransferConfig() transfer.Config {
	cfg := transfer.DefaultConfig()
	cfg.Upload = upload.Config{
		ChunkSize:      int(c.ChunkSize),
		Retry:          c.retryPolicy(),
		WriteTimeout:   c.WriteTimeout,
		AllowEmpty:     c.AllowEmpty,
		LeaveResumable: c.LeaveResumable,
		AbortTimeout:   upload.DefaultConfig().AbortTimeout,
	}
	cfg.Concurrent = c.Concurrent
	cfg.QueueDepth = c.QueueDepth
	cfg.VisiblePath = c.VisiblePath
	cfg.PublicRead = c.PublicRead
	return cfg
}

func (c Config) retryPolicy() upload.RetryPolicy {
	return upload.RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialBackoff,
		MaxInterval:     c.MaxBackoff,
		Multiplier:      2,
	}
}

// SourceConfig returns the source opener settings. A read may stall once per
// chunk attempt before the source is given up.
func (c Config) SourceConfig() source.Config {
	return source.Config{
		ConnectRetries: c.SourceRetries,
		HeaderTimeout:  c.HeaderTimeout,
		Reader: source.ReaderOptions{
			IdleTimeout: c.ReadIdleTimeout,
			MaxStalls:   c.retryPolicy().Attempts(),
		},
		Decode:         c.DecodeContent,
		AllowedSources: source.AllowList(c.AllowedSources),
	}
}

// ResumableClientConfig ...
func (c Config) ResumableClientConfig() network.ResumableConfig {
	return network.ResumableConfig{
		UploadURL:      c.Resumable.UploadURL,
		APIURL:         c.Resumable.APIURL,
		Token:          string(c.Resumable.Token),
		FolderID:       c.Resumable.FolderID,
		OwnerEmail:     c.Resumable.OwnerEmail,
		ChunkAlignment: int(c.Resumable.ChunkAlignment),
	}
}

// S3DestinationConfig ...
func (c Config) S3DestinationConfig() network.S3Config {
	return network.S3Config{
		Bucket:          c.S3.Bucket,
		Region:          c.S3.Region,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: string(c.S3.SecretAccessKey),
		Endpoint:        c.S3.Endpoint,
		UsePathStyle:    c.S3.UsePathStyle,
		Prefix:          c.S3.Prefix,
	}
}

// MinIODestinationConfig ...
func (c Config) MinIODestinationConfig() network.MinIOConfig {
	return network.MinIOConfig{
		Endpoint:        c.MinIO.Endpoint,
		AccessKeyID:     c.MinIO.AccessKeyID,
		SecretAccessKey: string(c.MinIO.SecretAccessKey),
		Bucket:          c.MinIO.Bucket,
		Region:          c.MinIO.Region,
		UseSSL:          c.MinIO.UseSSL,
		Prefix:          c.MinIO.Prefix,
		LinkExpiry:      c.MinIO.LinkExpiry,
	}
}

// Print logs every setting under its variable name. Secrets are redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	for _, line := range lines(reflect.ValueOf(c), EnvPrefix) {
		logger.Printf("- %s", line)
	}
}

func lines(v reflect.Value, prefix string) []string {
	var out []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if nested, ok := field.Tag.Lookup("envPrefix"); ok {
			out = append(out, lines(value, prefix+nested)...)
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("env"), ",")
		if name == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s%s: %v", prefix, name, value.Interface()))
	}
	return out
}
