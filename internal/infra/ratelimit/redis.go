package ratelimit

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// スライディングウィンドウ。上限を超えたら -1
var slidingWindowScript = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local member = ARGV[4]
local limit = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, windowMs)
	return count + 1
end
return -1
`)

// RedisLimiter は複数インスタンスで共有する制限。
type RedisLimiter struct {
	rdb    *rd.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb *rd.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{"rate_limit:" + key},
		nowMs, nowMs-windowMs, windowMs, member, l.limit).Int()
	if err != nil {
		return false, err
	}
	return res >= 0, nil
}
