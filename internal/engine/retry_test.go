package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"transient backend", schema.NewError(schema.ErrCodeTransientBackend, "tier unavailable"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "stage timed out"), true},
		{"all tiers exhausted", schema.NewError(schema.ErrCodeAllTiersExhausted, "no tier succeeded"), true},
		{"rate limited", schema.NewError(schema.ErrCodeRateLimited, "429"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad params"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "no such record"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "tier unhealthy"), false},
		{"wrapped transient", schema.NewError(schema.ErrCodeStageFailed, "x").WithCause(errors.New("boom")), false},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"eof string", errors.New("unexpected EOF"), true},
		{"plain error", errors.New("something unexpected"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoffExponential(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 3, Backoff: "exponential", Delay: "1s"}
	assert.Equal(t, 1*time.Second, ComputeBackoff(policy, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 2))
}

func TestComputeBackoffLinear(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "100ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(policy, 2))
}

func TestComputeBackoffConstant(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "250ms"}
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, 250*time.Millisecond, ComputeBackoff(policy, attempt))
	}
}

func TestComputeBackoffMaxDelayCap(t *testing.T) {
	policy := &schema.RetryPolicy{Max: 10, Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 5*time.Second, ComputeBackoff(policy, 3))
	assert.Equal(t, 5*time.Second, ComputeBackoff(policy, 8))
}

func TestComputeBackoffEdgeCases(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 0))
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{Max: 3}, 0), "no delay configured")
	assert.Zero(t, ComputeBackoff(&schema.RetryPolicy{Max: 3, Delay: "bogus"}, 0))
}

func TestDefaultRetryPolicyBackoffSequence(t *testing.T) {
	policy := schema.DefaultRetryPolicy()
	require.Equal(t, 3, policy.Max)
	assert.Equal(t, 1*time.Second, ComputeBackoff(policy, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 2))
}

func TestWaitForBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoffZeroDelay(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
