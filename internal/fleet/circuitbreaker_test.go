package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 3, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.allow())
		cb.recordFailure()
	}

	assert.Equal(t, circuitOpen, cb.State())
	assert.Error(t, cb.allow())
}

func TestCircuitBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})
	require.NoError(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.allow())
	assert.Equal(t, circuitHalfOpen, cb.State())

	cb.recordSuccess()
	assert.Equal(t, circuitHalfOpen, cb.State())
	cb.recordSuccess()
	assert.Equal(t, circuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReturnsToOpen(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, Timeout: time.Millisecond})
	require.NoError(t, cb.allow())
	cb.recordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.allow())
	assert.Equal(t, circuitHalfOpen, cb.State())

	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.State())
}

func TestCircuitBreakerClosedResetsFailuresOnSuccess(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 3, Timeout: time.Hour})
	cb.recordFailure()
	cb.recordFailure()
	cb.recordSuccess()
	cb.recordFailure()
	cb.recordFailure()
	assert.Equal(t, circuitClosed, cb.State())
}
