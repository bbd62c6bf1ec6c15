package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"liquidity-core/pkg/safe_random"
)

// 只有 value 等于自己的 token 才删除，避免误删别人续上的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 基于 Redis SET NX PX 的实现
type RedisLock struct {
	client *redis.Client
	// 单次 Redis 往返的上限，Redis 卡住时不让调用方无限等待
	opTimeout time.Duration
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, opTimeout: time.Second}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := safe_random.LockToken()
	if err != nil {
		return "", false, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	// SET lock:key token NX PX ttl
	success, err := l.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !success {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLock) Release(ctx context.Context, key string, token string) error {
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, token).Err()
}
