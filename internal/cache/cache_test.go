package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("POST", "/v1/responses", []byte(`{"model":"m"}`), "key-1")
	b := Fingerprint("POST", "/v1/responses", []byte(`{"model":"m"}`), "key-1")
	assert.Equal(t, a, b)

	// any component changing changes the key
	assert.NotEqual(t, a, Fingerprint("GET", "/v1/responses", []byte(`{"model":"m"}`), "key-1"))
	assert.NotEqual(t, a, Fingerprint("POST", "/v1/responses", []byte(`{"model":"m"}`), "key-2"))
	assert.NotEqual(t, a, Fingerprint("POST", "/v1/responses", []byte(`{"model":"x"}`), "key-1"))
}

func TestMemoryTierHitAndTTL(t *testing.T) {
	c := New(config.CacheConfig{
		Enabled:         true,
		TTL:             50 * time.Millisecond,
		CacheableRoutes: []string{"/v1/responses"},
	}, nil, zap.NewNop())

	key := Fingerprint("POST", "/v1/responses", []byte("{}"), "k")
	_, _, ok := c.Lookup(context.Background(), key)
	require.False(t, ok)

	c.Store(context.Background(), key, 200, http.Header{"Content-Type": {"application/json"}}, []byte(`{"id":"ok"}`), "primary")

	e, src, ok := c.Lookup(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, src)
	assert.Equal(t, 200, e.Status)
	assert.Equal(t, []byte(`{"id":"ok"}`), e.Body)
	assert.Equal(t, "primary", e.Backend)

	time.Sleep(60 * time.Millisecond)
	_, _, ok = c.Lookup(context.Background(), key)
	assert.False(t, ok, "entry must expire after TTL")
}

func TestCacheableGating(t *testing.T) {
	c := New(config.CacheConfig{Enabled: true, CacheableRoutes: []string{"/v1/responses"}}, nil, zap.NewNop())

	assert.True(t, c.Cacheable(http.MethodPost, "/v1/responses"))
	assert.False(t, c.Cacheable(http.MethodGet, "/v1/responses"))
	assert.False(t, c.Cacheable(http.MethodPost, "/v1/chat/completions"))

	var disabled *Cache
	assert.False(t, disabled.Enabled())
}

func TestMaxEntriesEviction(t *testing.T) {
	c := New(config.CacheConfig{
		Enabled:         true,
		TTL:             time.Minute,
		MaxEntries:      2,
		CacheableRoutes: []string{"/v1/responses"},
	}, nil, zap.NewNop())

	for _, k := range []string{"a", "b", "c"} {
		c.Store(context.Background(), k, 200, nil, []byte(k), "p")
	}

	_, _, ok := c.Lookup(context.Background(), "a")
	assert.False(t, ok, "oldest entry is evicted first")
	_, _, ok = c.Lookup(context.Background(), "c")
	assert.True(t, ok)
}

func TestRedisTierRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := NewRedisTierFromClient(client, zap.NewNop())
	defer tier.Close()

	c := New(config.CacheConfig{
		Enabled:         true,
		TTL:             time.Minute,
		CacheableRoutes: []string{"/v1/responses"},
		RedisTier:       true,
	}, tier, zap.NewNop())

	key := Fingerprint("POST", "/v1/responses", []byte("{}"), "k")
	c.Store(context.Background(), key, 200, http.Header{"Content-Type": {"application/json"}}, []byte(`{"id":"ok"}`), "primary")

	// evict the memory copy so the next lookup must come from Redis
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	e, src, ok := c.Lookup(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, SourceRedis, src)
	assert.Equal(t, []byte(`{"id":"ok"}`), e.Body)

	// the Redis hit is promoted back into memory
	_, src, ok = c.Lookup(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, SourceMemory, src)
}

func TestCachedHeaderSanitized(t *testing.T) {
	c := New(config.CacheConfig{Enabled: true, TTL: time.Minute}, nil, zap.NewNop())

	h := http.Header{
		"Content-Type":       {"application/json"},
		"X-Request-Id":       {"req-1"},
		"X-Ditto-Request-Id": {"req-1"},
		"Connection":         {"keep-alive"},
	}
	c.Store(context.Background(), "k", 200, h, []byte("{}"), "p")

	e, _, ok := c.Lookup(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "application/json", e.Header.Get("Content-Type"))
	assert.Empty(t, e.Header.Get("X-Request-Id"))
	assert.Empty(t, e.Header.Get("Connection"))
}
