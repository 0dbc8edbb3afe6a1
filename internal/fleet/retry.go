package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

// retryPolicy controls the backoff schedule Execute applies to
// transport errors and 5xx responses: exponential backoff with
// jitter, base 100ms, cap 30s, per the connection-pool requirement.
type retryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// retryWithBackoff runs fn up to policy.MaxAttempts times. fn's first
// return value is a provider-specified retry-after duration; when it
// is non-zero it overrides the computed backoff for that attempt.
// Cancellation
// aborts the wait immediately with ferrors.ErrCancelled.
func retryWithBackoff(ctx context.Context, policy retryPolicy, onRetry func(attempt int, delay time.Duration), fn func(attempt int) (time.Duration, error)) error {
	delay := policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		retryAfterHint, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !ferrors.Retryable(err) && !isTransportOrServerError(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		currentDelay := addJitter(delay)
		if retryAfterHint > 0 {
			currentDelay = retryAfterHint
		}
		if onRetry != nil {
			onRetry(attempt, currentDelay)
		}

		select {
		case <-time.After(currentDelay):
		case <-ctx.Done():
			return ferrors.Wrap("fleet", "retryWithBackoff", ferrors.ErrCancelled)
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return ferrors.Wrap("fleet", "retryWithBackoff", fmt.Errorf("%w: %v", ferrors.ErrProviderExhausted, lastErr))
}

func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// isTransportOrServerError reports whether err looks like a bare
// network-transport failure (not yet wrapped into the closed
// taxonomy) so Execute can retry it even before status-code
// classification runs.
func isTransportOrServerError(err error) bool {
	var netErr net.Error
	return asNetError(err, &netErr)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
