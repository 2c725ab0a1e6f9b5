package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// GoRedisStore adapts *redis.Client to the RedisStore interface so the
// limiter's Lua script runs against a real Redis deployment.
type GoRedisStore struct {
	Client *redis.Client
}

func NewGoRedisStore(client *redis.Client) *GoRedisStore {
	return &GoRedisStore{Client: client}
}

func (s *GoRedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error) {
	res, err := s.Client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, nil
	}
	return n, nil
}
