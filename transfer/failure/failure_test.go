package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "classified",
			err:  New(SourceReadFailure, "read", errors.New("connection reset")),
			want: SourceReadFailure,
		},
		{
			name: "wrapped classified",
			err:  fmt.Errorf("upload: %w", New(UploadRejected, "put chunk", nil)),
			want: UploadRejected,
		},
		{
			name: "context cancellation",
			err:  fmt.Errorf("waiting: %w", context.Canceled),
			want: Cancelled,
		},
		{
			name: "unclassified",
			err:  errors.New("boom"),
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(UploadChunkFailure, "put chunk", errors.New("HTTP 503"))))
	assert.False(t, IsTransient(New(UploadRejected, "put chunk", errors.New("HTTP 403"))))
	assert.False(t, IsTransient(NewOffsetMismatch("put chunk", 10, 5)))
	assert.False(t, IsTransient(nil))
}

func TestError_Message(t *testing.T) {
	err := New(SourceUnreachable, "open source", errors.New("dial tcp: no such host"))
	assert.Equal(t, "open source: SOURCE_UNREACHABLE: dial tcp: no such host", err.Error())

	cause := errors.New("root cause")
	wrapped := New(SizeMismatch, "verify", cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestNewOffsetMismatch(t *testing.T) {
	err := NewOffsetMismatch("put chunk", 1024, 512)

	e, ok := As(fmt.Errorf("driver: %w", err))
	require.True(t, ok)
	assert.Equal(t, OffsetMismatch, e.Kind)
	assert.Equal(t, int64(512), e.Committed)
	assert.Equal(t, int64(-1), New(UploadRejected, "", nil).Committed)
}

func TestWithCounters(t *testing.T) {
	err := New(SourceReadFailure, "read", nil).WithCounters(4096, 2048)
	assert.Equal(t, int64(4096), err.Sourced)
	assert.Equal(t, int64(2048), err.Acknowledged)
}
