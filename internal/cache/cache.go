package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
)

// Source identifies which tier served a hit.
type Source string

const (
	SourceMemory Source = "memory"
	SourceRedis  Source = "redis"
)

// Entry is one cached buffered response.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	Backend   string      `json:"backend"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Fingerprint computes the cache key: SHA-256 over
// method|path|body|scope, hex-encoded. The scope component keeps one
// caller's cached responses invisible to another.
func Fingerprint(method, path string, body []byte, scope string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	h.Write([]byte{'|'})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

// RemoteTier is the surface the cache needs from a shared store. The Redis
// implementation lives in redis.go; tests may substitute their own.
type RemoteTier interface {
	GetEntry(ctx context.Context, key string) (*Entry, bool, error)
	SetEntry(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
}

// Cache is the two-tier response cache.
type Cache struct {
	cfg    config.CacheConfig
	remote RemoteTier
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	// insertion order for cheap max-entries eviction
	order []string

	routes map[string]bool
}

// New builds a Cache from the configured policy. remote may be nil, in
// which case only the memory tier is used.
func New(cfg config.CacheConfig, remote RemoteTier, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	routes := make(map[string]bool, len(cfg.CacheableRoutes))
	for _, r := range cfg.CacheableRoutes {
		routes[r] = true
	}
	return &Cache{
		cfg:     cfg,
		remote:  remote,
		logger:  logger.With(zap.String("component", "cache")),
		entries: make(map[string]*Entry),
		routes:  routes,
	}
}

// Enabled reports whether caching is on at all.
func (c *Cache) Enabled() bool { return c != nil && c.cfg.Enabled }

// Cacheable reports whether the (method, normalized route) pair is
// eligible. Only POSTs to the configured routes are cached; streaming
// responses never reach Store.
func (c *Cache) Cacheable(method, route string) bool {
	if !c.Enabled() || method != http.MethodPost {
		return false
	}
	return c.routes[route]
}

// Lookup returns the live entry for key, if any, and which tier served it.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, Source, bool) {
	if !c.Enabled() {
		return nil, "", false
	}
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.expired(now) {
			delete(c.entries, key)
		} else {
			c.mu.Unlock()
			return e, SourceMemory, true
		}
	}
	c.mu.Unlock()

	if c.remote == nil {
		return nil, "", false
	}
	e, ok, err := c.remote.GetEntry(ctx, key)
	if err != nil {
		c.logger.Warn("remote cache lookup failed", zap.Error(err))
		return nil, "", false
	}
	if !ok || e.expired(now) {
		return nil, "", false
	}
	c.promote(key, e)
	return e, SourceRedis, true
}

// Store inserts a buffered response under key in every configured tier.
func (c *Cache) Store(ctx context.Context, key string, status int, header http.Header, body []byte, backend string) {
	if !c.Enabled() {
		return
	}
	ttl := c.cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	e := &Entry{
		Status:    status,
		Header:    cloneCachedHeader(header),
		Body:      append([]byte(nil), body...),
		Backend:   backend,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.promote(key, e)

	if c.remote != nil {
		if err := c.remote.SetEntry(ctx, key, e, ttl); err != nil {
			c.logger.Warn("remote cache store failed", zap.Error(err))
		}
	}
}

func (c *Cache) promote(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = e
	max := c.cfg.MaxEntries
	if max <= 0 {
		max = 1024
	}
	for len(c.entries) > max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// cloneCachedHeader copies the subset of headers worth replaying. Hop-by-hop
// and per-request headers are dropped so a replayed response does not carry
// another request's identifiers.
func cloneCachedHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer",
			"X-Request-Id", "X-Ditto-Request-Id", "Set-Cookie":
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}
