package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryResponseCacheRoundTrip(t *testing.T) {
	c := NewMemoryResponseCache()
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	require := assert.New(t)
	require.NoError(c.Set(ctx, "k", []byte("v"), time.Minute))

	v, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestMemoryResponseCacheExpiresEntries(t *testing.T) {
	c := NewMemoryResponseCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCacheKeyIsStablePerProviderModelBody(t *testing.T) {
	k1 := CacheKey("openai", "gpt-4o", []byte(`{"prompt":"hi"}`))
	k2 := CacheKey("openai", "gpt-4o", []byte(`{"prompt":"hi"}`))
	k3 := CacheKey("openai", "gpt-4o", []byte(`{"prompt":"bye"}`))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
