package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the counter and starts the window's TTL on the first
// hit, so the window begins at the first request rather than on a clock
// boundary. Returning the remaining TTL lets the caller compute the
// reset time without a second round trip.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisStore is a fixed-window counter store backed by Redis, for
// deployments running more than one gateway instance. INCR is atomic
// server-side, so concurrent gateways share one consistent count.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. An empty prefix is allowed.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.buildKey(key)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit incr: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("rate limit incr: unexpected reply %T", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("rate limit incr: unexpected count type %T", vals[0])
	}
	ttl, ok := vals[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("rate limit incr: unexpected ttl type %T", vals[1])
	}

	reset := now.Add(window)
	if ttl > 0 {
		reset = now.Add(time.Duration(ttl) * time.Millisecond)
	}
	return int(count), reset, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
