package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainErrorUnwrap(t *testing.T) {
	err := Wrap("Fleet", "Execute", ErrProviderExhausted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderExhausted))

	var ce *ChainError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Fleet", ce.Component)
	assert.Equal(t, "Execute", ce.Operation)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap("x", "y", nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrRateLimited))
	assert.True(t, Retryable(ErrTransientUpstream))
	assert.True(t, Retryable(ErrIndexConflict))
	assert.False(t, Retryable(ErrInvalidInput))
	assert.True(t, Retryable(Wrap("Index", "Write", ErrIndexConflict)))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(ErrLedgerIntegrity))
	assert.True(t, Terminal(ErrFatal))
	assert.False(t, Terminal(ErrNotFound))
}
