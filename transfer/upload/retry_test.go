package upload

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NewBackOff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 15 * time.Millisecond, Multiplier: 2}
	schedule := policy.NewBackOff(context.Background())

	first := schedule.NextBackOff()
	second := schedule.NextBackOff()
	assert.NotEqual(t, backoff.Stop, first)
	assert.NotEqual(t, backoff.Stop, second)
	assert.LessOrEqual(t, second, 15*time.Millisecond*3/2)
	assert.Equal(t, backoff.Stop, schedule.NextBackOff())
}

func TestRetryPolicy_SingleAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 1}
	assert.Equal(t, backoff.Stop, policy.NewBackOff(context.Background()).NextBackOff())
	assert.Equal(t, 1, RetryPolicy{}.Attempts())
}

func TestRetryPolicy_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, DefaultRetryPolicy().NewBackOff(ctx).NextBackOff())
}
