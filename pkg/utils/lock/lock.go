package lock

import (
	"context"
	"time"
)

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 单次尝试获取锁 (非阻塞)
	// key: 锁的唯一标识
	// ttl: 锁的过期时间，持有者崩溃时由 TTL 兜底
	// 返回: (持有者 token, 是否成功, error)；被占用时返回 ("", false, nil)
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Release 释放锁，只有 token 匹配时才会删除
	Release(ctx context.Context, key string, token string) error
}

// AcquireWithWait 在 wait 时间内按 interval 重试获取锁
// wait <= 0 时只尝试一次；超时返回 ("", false, nil)，绝不无限等待
func AcquireWithWait(ctx context.Context, l DistributedLock, key string, ttl, wait, interval time.Duration) (string, bool, error) {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil || ok || wait <= 0 {
		return token, ok, err
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			return "", false, nil
		case <-ticker.C:
			token, ok, err = l.Acquire(ctx, key, ttl)
			if err != nil || ok {
				return token, ok, err
			}
		}
	}
}
