// Package resilience holds deadline-enforcement helpers shared by
// components that call out to a Worker Slot or external store and need
// a bounded-time result rather than a bare context cancellation.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation's context deadline expires
// before fn returns.
var ErrTimeout = errors.New("operation timed out")

// WithTimeoutResult runs fn under a derived context bounded by timeout,
// returning fn's own result on completion or the zero value plus
// ErrTimeout (or ctx's own error, if that's what fired) otherwise.
func WithTimeoutResult[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		val, err := fn(ctx)
		done <- result{value: val, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zeroValue T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zeroValue, ErrTimeout
		}
		return zeroValue, ctx.Err()
	}
}
