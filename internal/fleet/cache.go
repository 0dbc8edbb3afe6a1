package fleet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache is the interface a Connection Pool's optional response
// cache satisfies, keyed on (provider, model, hashed-request-body).
// Only enabled for idempotent deterministic calls (temperature 0, no
// streaming); callers are responsible for that gating.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheKey builds the cache key for a (provider, model, request body)
// triple, hashing the body so arbitrarily large prompts never bloat
// the key space.
func CacheKey(provider, model string, body []byte) string {
	h := sha256.Sum256(body)
	return provider + ":" + model + ":" + hex.EncodeToString(h[:])
}

// MemoryResponseCache is an in-process cache for single-node
// deployments.
type MemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{entries: make(map[string]memoryCacheEntry)}
}

func (c *MemoryResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// RedisResponseCache backs the response cache with a shared Redis
// instance so multiple orchestrator processes share cache hits.
type RedisResponseCache struct {
	client *redis.Client
}

func NewRedisResponseCache(addr string) *RedisResponseCache {
	return &RedisResponseCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var entry struct {
		Value []byte `json:"value"`
	}
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false
	}
	return entry.Value, true
}

func (c *RedisResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := json.Marshal(struct {
		Value []byte `json:"value"`
	}{Value: value})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
