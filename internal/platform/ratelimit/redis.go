package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	fieldCount = "count"
	fieldSince = "since"
)

// RedisLimiter stores counters as hashes with a TTL equal to the window so
// expired windows disappear on their own.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// incrementScript bumps the counter and stamps the window start in one step.
// A counter without a TTL gets one, so a key can never outlive its window.
var incrementScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSETNX', KEYS[1], 'since', ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {n, tonumber(redis.call('HGET', KEYS[1], 'since'))}
`)

func (l *RedisLimiter) counterKey(key string) string {
	return l.prefix + "count:" + key
}

func (l *RedisLimiter) blockKey(key string) string {
	return l.prefix + "block:" + key
}

func (l *RedisLimiter) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	res, err := incrementScript.Run(ctx, l.client, []string{l.counterKey(key)},
		time.Now().UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("increment %s: unexpected reply %v", key, res)
	}
	n, _ := res[0].(int64)
	since, _ := res[1].(int64)
	return Counter{Count: int(n), Since: time.UnixMilli(since)}, nil
}

func (l *RedisLimiter) Peek(ctx context.Context, key string) (Counter, error) {
	vals, err := l.client.HGetAll(ctx, l.counterKey(key)).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("read %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Counter{}, nil
	}

	var c Counter
	if n, err := strconv.Atoi(vals[fieldCount]); err == nil {
		c.Count = n
	}
	if ms, err := strconv.ParseInt(vals[fieldSince], 10, 64); err == nil {
		c.Since = time.UnixMilli(ms)
	}
	return c, nil
}

func (l *RedisLimiter) Block(ctx context.Context, key string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.blockKey(key), time.Now().Add(ttl).UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("block %s: %w", key, err)
	}
	return nil
}

func (l *RedisLimiter) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.blockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("read block %s: %w", key, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}
