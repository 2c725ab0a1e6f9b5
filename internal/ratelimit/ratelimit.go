// Package ratelimit implements the per-scope, per-route sliding
// minute window: an in-memory Limiter for the common case, and a Redis-backed
// adapter sharing the same interface for multi-process deployments.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter checks-and-consumes request/token quota atomically for a
// (scope, route) pair, within the current minute bucket.
type Limiter interface {
	// CheckAndConsume admits the request if both the request count and the
	// token count stay within limit after this request. tokens may be 0 to
	// check request-count-only limits.
	CheckAndConsume(ctx context.Context, scope, route string, requestsPerMinute, tokensPerMinute, tokens int) (bool, error)
}

// normalizeRoute strips the query string and trailing slash and maps the
// path onto the closed set of known routes, or "other".
func normalizeRoute(path string) string {
	if i := indexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	switch path {
	case "/v1/chat/completions", "/v1/completions", "/v1/responses",
		"/v1/embeddings", "/v1/moderations", "/v1/rerank", "/v1/batches",
		"/v1/images/generations", "/v1/audio/transcriptions", "/v1/files":
		return path
	default:
		return "other"
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// NormalizeRoute is the exported form of the route normalization rule,
// used by admission and by the rate-limit key builders.
func NormalizeRoute(path string) string { return normalizeRoute(path) }

type bucket struct {
	minute   int64
	requests int
	tokens   int
}

// memoryLimiter is a mutex-protected map of per-(scope,route) minute
// buckets. Limits are minute-granular, so keying on the current UTC
// minute is enough; one limiter-wide mutex guards every bucket.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryLimiter returns the in-memory sliding-minute Limiter.
func NewMemoryLimiter() Limiter {
	return &memoryLimiter{buckets: make(map[string]*bucket)}
}

func (l *memoryLimiter) CheckAndConsume(_ context.Context, scope, route string, requestsPerMinute, tokensPerMinute, tokens int) (bool, error) {
	key := scope + "|" + route
	minute := time.Now().Unix() / 60

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.minute != minute {
		b = &bucket{minute: minute}
		l.buckets[key] = b
	}

	if requestsPerMinute > 0 && b.requests+1 > requestsPerMinute {
		return false, nil
	}
	if tokensPerMinute > 0 && b.tokens+tokens > tokensPerMinute {
		return false, nil
	}

	b.requests++
	b.tokens += tokens
	return true, nil
}

// RedisStore is the minimal surface ratelimit needs from a go-redis client,
// so tests can substitute miniredis without importing the concrete client.
type RedisStore interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)
}

// redisLimiter delegates to the same check-and-consume semantics via a
// single atomic script, keyed rl:{scope}:{route}:{epoch_minute}.
type redisLimiter struct {
	store RedisStore
}

// NewRedisLimiter returns a Limiter backed by an external store (Redis in
// production). Script failures are surfaced to the caller rather than
// silently admitting.
func NewRedisLimiter(store RedisStore) Limiter {
	return &redisLimiter{store: store}
}

// checkAndConsumeScript increments request/token counters and returns 1 if
// admitted, 0 if denied, leaving the counters unchanged on denial.
const checkAndConsumeScript = `
local requests = tonumber(redis.call('HGET', KEYS[1], 'r') or '0')
local tokens = tonumber(redis.call('HGET', KEYS[1], 't') or '0')
local reqLimit = tonumber(ARGV[1])
local tokLimit = tonumber(ARGV[2])
local addTokens = tonumber(ARGV[3])
if reqLimit > 0 and requests + 1 > reqLimit then
  return 0
end
if tokLimit > 0 and tokens + addTokens > tokLimit then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'r', 1)
redis.call('HINCRBY', KEYS[1], 't', addTokens)
redis.call('EXPIRE', KEYS[1], 90)
return 1
`

func (l *redisLimiter) CheckAndConsume(ctx context.Context, scope, route string, requestsPerMinute, tokensPerMinute, tokens int) (bool, error) {
	minute := time.Now().Unix() / 60
	key := fmt.Sprintf("rl:%s:%s:%d", scope, route, minute)

	res, err := l.store.Eval(ctx, checkAndConsumeScript, []string{key}, requestsPerMinute, tokensPerMinute, tokens)
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}
	return res == 1, nil
}
