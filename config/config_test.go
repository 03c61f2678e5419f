package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func resumableEnv(extra map[string]string) map[string]string {
	environment := map[string]string{
		"TRANSFERBRIDGE_RESUMABLE_UPLOAD_URL": "https://upload.example.com/files",
		"TRANSFERBRIDGE_RESUMABLE_TOKEN":      "token-1234",
	}
	for k, v := range extra {
		environment[k] = v
	}
	return environment
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(resumableEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, DestinationResumable, cfg.Destination)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 2, cfg.QueueDepth)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2*time.Minute, cfg.WriteTimeout)
	assert.Equal(t, ByteSize(256*1024), cfg.Resumable.ChunkAlignment)
	assert.Equal(t, Secret("token-1234"), cfg.Resumable.Token)
	assert.True(t, cfg.MinIO.UseSSL)
	assert.Equal(t, 7*24*time.Hour, cfg.MinIO.LinkExpiry)
	assert.Empty(t, cfg.AllowedSources)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"TRANSFERBRIDGE_DESTINATION":          "s3",
		"TRANSFERBRIDGE_CHUNK_SIZE":           "16MiB",
		"TRANSFERBRIDGE_CONCURRENT":           "true",
		"TRANSFERBRIDGE_QUEUE_DEPTH":          "4",
		"TRANSFERBRIDGE_ALLOWED_SOURCES":      "example.com/**,*.example.org/files/*",
		"TRANSFERBRIDGE_S3_BUCKET":            "bucket",
		"TRANSFERBRIDGE_S3_SECRET_ACCESS_KEY": "secret",
		"TRANSFERBRIDGE_INITIAL_BACKOFF":      "100ms",
	})
	require.NoError(t, err)

	assert.Equal(t, ByteSize(16*1024*1024), cfg.ChunkSize)
	assert.True(t, cfg.Concurrent)
	assert.Equal(t, []string{"example.com/**", "*.example.org/files/*"}, cfg.AllowedSources)

	transferConfig := cfg.TransferConfig()
	assert.Equal(t, 16*1024*1024, transferConfig.Upload.ChunkSize)
	assert.Equal(t, 4, transferConfig.QueueDepth)
	assert.True(t, transferConfig.Concurrent)
	assert.Equal(t, 100*time.Millisecond, transferConfig.Upload.Retry.InitialInterval)

	s3Config := cfg.S3DestinationConfig()
	assert.Equal(t, "bucket", s3Config.Bucket)
	assert.Equal(t, "secret", s3Config.SecretAccessKey)

	sourceConfig := cfg.SourceConfig()
	assert.Len(t, sourceConfig.AllowedSources, 2)
	assert.Equal(t, time.Minute, sourceConfig.Reader.IdleTimeout)
}

func TestParse_ResumableOwner(t *testing.T) {
	cfg, err := Parse(resumableEnv(map[string]string{
		"TRANSFERBRIDGE_RESUMABLE_OWNER_EMAIL": "owner@example.com",
	}))
	require.NoError(t, err)

	assert.Equal(t, "owner@example.com", cfg.ResumableClientConfig().OwnerEmail)
}

func TestSourceConfig_StallsFollowTheRetryPolicy(t *testing.T) {
	cfg, err := Parse(resumableEnv(map[string]string{
		"TRANSFERBRIDGE_MAX_ATTEMPTS": "7",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.SourceConfig().Reader.MaxStalls)
	assert.Equal(t, cfg.TransferConfig().Upload.Retry.Attempts(), cfg.SourceConfig().Reader.MaxStalls)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing token",
			env:     map[string]string{"TRANSFERBRIDGE_RESUMABLE_UPLOAD_URL": "https://upload.example.com"},
			wantErr: "TRANSFERBRIDGE_RESUMABLE_TOKEN is required",
		},
		{
			name:    "unaligned chunk size",
			env:     resumableEnv(map[string]string{"TRANSFERBRIDGE_CHUNK_SIZE": "1000000"}),
			wantErr: "must be a multiple of 256KiB",
		},
		{
			name:    "unparsable chunk size",
			env:     resumableEnv(map[string]string{"TRANSFERBRIDGE_CHUNK_SIZE": "lots"}),
			wantErr: `invalid size "lots"`,
		},
		{
			name:    "s3 part too small",
			env:     map[string]string{"TRANSFERBRIDGE_DESTINATION": "s3", "TRANSFERBRIDGE_S3_BUCKET": "b", "TRANSFERBRIDGE_CHUNK_SIZE": "1MiB"},
			wantErr: "below the S3 minimum part size",
		},
		{
			name:    "minio without endpoint",
			env:     map[string]string{"TRANSFERBRIDGE_DESTINATION": "minio", "TRANSFERBRIDGE_MINIO_BUCKET": "b"},
			wantErr: "TRANSFERBRIDGE_MINIO_ENDPOINT is required",
		},
		{
			name:    "unknown destination",
			env:     map[string]string{"TRANSFERBRIDGE_DESTINATION": "ftp"},
			wantErr: `unknown destination "ftp"`,
		},
		{
			name:    "bad pattern",
			env:     map[string]string{"TRANSFERBRIDGE_DESTINATION": "sink", "TRANSFERBRIDGE_ALLOWED_SOURCES": "example.com/[a"},
			wantErr: `invalid allowed source pattern "example.com/[a"`,
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"TRANSFERBRIDGE_DESTINATION": "sink", "TRANSFERBRIDGE_MAX_ATTEMPTS": "0"},
			wantErr: "max attempts must be at least 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", fmt.Sprintf("%v", Secret("token")))
	assert.Equal(t, "", Secret("").String())
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"262144", 262144},
		{"256KiB", 256 * 1024},
		{"5mb", 5 * 1024 * 1024},
		{"8M", 8 * 1024 * 1024},
	}
	for _, tt := range tests {
		var b ByteSize
		require.NoError(t, b.UnmarshalText([]byte(tt.in)), tt.in)
		assert.Equal(t, tt.want, b, tt.in)
	}

	var b ByteSize
	assert.Error(t, b.UnmarshalText([]byte("-1")))
	assert.Equal(t, "8MiB", ByteSize(8*1024*1024).String())
}

func TestConfig_Print(t *testing.T) {
	cfg, err := Parse(resumableEnv(nil))
	require.NoError(t, err)

	logger := new(mocks.Logger)
	logger.On("Infof", "Configuration:").Return()
	logger.On("Printf", "- %s", mock.Anything).Return()
	cfg.Print(logger)

	logger.AssertCalled(t, "Printf", "- %s", "TRANSFERBRIDGE_RESUMABLE_TOKEN: *****")
	logger.AssertCalled(t, "Printf", "- %s", "TRANSFERBRIDGE_CHUNK_SIZE: 8MiB")
	logger.AssertCalled(t, "Printf", "- %s", "TRANSFERBRIDGE_MINIO_USE_SSL: true")
	logger.AssertNotCalled(t, "Printf", "- %s", "TRANSFERBRIDGE_RESUMABLE_TOKEN: token-1234")

	var _ log.Logger = logger
}
