package transfer

import (
	"testing"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestVerifier_Verify(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  string
	}{
		{
			name:     "unknown expected size",
			snapshot: Snapshot{ExpectedSize: -1, BytesSourced: 10, BytesAcknowledged: 10, ObjectSize: 10},
		},
		{
			name:     "known expected size",
			snapshot: Snapshot{ExpectedSize: 10, BytesSourced: 10, BytesAcknowledged: 10, ObjectSize: 10},
		},
		{
			name:     "empty object",
			snapshot: Snapshot{ExpectedSize: 0, ObjectSize: 0},
		},
		{
			name:     "unacknowledged bytes",
			snapshot: Snapshot{ExpectedSize: -1, BytesSourced: 10, BytesAcknowledged: 8, ObjectSize: 8},
			wantErr:  "destination acknowledged 8 of 10 sourced bytes",
		},
		{
			name:     "zero size object",
			snapshot: Snapshot{ExpectedSize: -1, BytesSourced: 10, BytesAcknowledged: 10, ObjectSize: 0},
			wantErr:  "destination reports a 0 byte object, 10 bytes were acknowledged",
		},
		{
			name:     "truncated source",
			snapshot: Snapshot{ExpectedSize: 12, BytesSourced: 10, BytesAcknowledged: 10, ObjectSize: 10},
			wantErr:  "source announced 12 bytes, 10 were transferred",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewVerifier(log.NewLogger()).Verify(tt.snapshot)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, failure.Is(err, failure.SizeMismatch))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
