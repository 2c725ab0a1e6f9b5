package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/config"
)

// RedisTier is the shared remote tier over a go-redis client. Entries are
// stored as JSON under "cache:{fingerprint}" with the policy TTL, so
// expiry is enforced server-side as well as by Entry.ExpiresAt.
type RedisTier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTier connects to the configured Redis and verifies the
// connection before returning.
func NewRedisTier(cfg config.RedisConfig, logger *zap.Logger) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connect: %w", err)
	}

	return &RedisTier{
		client: client,
		logger: logger.With(zap.String("component", "cache.redis")),
	}, nil
}

// NewRedisTierFromClient wraps an existing client; used when the rate
// limiter and the cache share one connection pool.
func NewRedisTierFromClient(client *redis.Client, logger *zap.Logger) *RedisTier {
	return &RedisTier{client: client, logger: logger.With(zap.String("component", "cache.redis"))}
}

func (t *RedisTier) key(fingerprint string) string { return "cache:" + fingerprint }

func (t *RedisTier) GetEntry(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	val, err := t.client.Get(ctx, t.key(fingerprint)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return nil, false, fmt.Errorf("cache: decode entry: %w", err)
	}
	return &e, true, nil
}

func (t *RedisTier) SetEntry(ctx context.Context, fingerprint string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := t.client.Set(ctx, t.key(fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (t *RedisTier) Close() error { return t.client.Close() }
