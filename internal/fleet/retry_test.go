package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

func TestRetryWithBackoffSucceedsWithoutRetryOnFirstTry(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), defaultRetryPolicy(), nil, func(attempt int) (time.Duration, error) {
		calls++
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffRetriesTransientUpstream(t *testing.T) {
	calls := 0
	policy := retryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	err := retryWithBackoff(context.Background(), policy, nil, func(attempt int) (time.Duration, error) {
		calls++
		if attempt < 3 {
			return 0, ferrors.Wrap("fleet", "test", ferrors.ErrTransientUpstream)
		}
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	policy := retryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	err := retryWithBackoff(context.Background(), policy, nil, func(attempt int) (time.Duration, error) {
		return 0, ferrors.Wrap("fleet", "test", ferrors.ErrTransientUpstream)
	})
	assert.ErrorIs(t, err, ferrors.ErrProviderExhausted)
}

func TestRetryWithBackoffDoesNotRetryNonRetryableError(t *testing.T) {
	calls := 0
	sentinel := errors.New("non-retryable")
	err := retryWithBackoff(context.Background(), defaultRetryPolicy(), nil, func(attempt int) (time.Duration, error) {
		calls++
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := retryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	err := retryWithBackoff(ctx, policy, nil, func(attempt int) (time.Duration, error) {
		return 0, ferrors.Wrap("fleet", "test", ferrors.ErrTransientUpstream)
	})
	assert.ErrorIs(t, err, ferrors.ErrCancelled)
}
