package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript performs the check-then-increment atomically on the
// server, preserving the per-key guarantee when the store is shared across
// gateway nodes.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)

if count >= limit then
    return 0
end

local seq = redis.call("INCR", key .. ":seq")
redis.call("ZADD", key, now, now .. "-" .. seq)
redis.call("EXPIRE", key, math.ceil(window / 1000) + 1)
redis.call("EXPIRE", key .. ":seq", math.ceil(window / 1000) + 1)
return 1
`

// RedisStore is a WindowStore backed by a shared redis instance, for
// deployments that need cross-node admission state.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		prefix: "livegate:window:",
	}, nil
}

// Allow implements WindowStore.
func (s *RedisStore) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.script.Run(ctx, s.client, []string{s.prefix + key}, now, window.Milliseconds(), max).Int()
	if err != nil {
		return false, fmt.Errorf("run window script: %w", err)
	}
	return res == 1, nil
}

// Reset implements WindowStore.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key, s.prefix+key+":seq").Err()
}

// Close implements WindowStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
