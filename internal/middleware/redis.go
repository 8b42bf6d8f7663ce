package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared by every instance using the
// same Redis.
type RedisLimiter struct {
	redis   *redis.Client
	prefix  string
	window  time.Duration
	maxReqs int
}

// NewRedisLimiter creates a limiter allowing maxReqs per window per key.
func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration, maxReqs int) *RedisLimiter {
	return &RedisLimiter{
		redis:   client,
		prefix:  prefix,
		window:  window,
		maxReqs: maxReqs,
	}
}

// Allow counts the request and sets the window TTL in one MULTI/EXEC. NX only
// sets a TTL on a key that has none, so the window is fixed and a key left
// without one is repaired on its next hit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + ":" + key

	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", k, err)
	}

	return incr.Val() <= int64(l.maxReqs), nil
}
