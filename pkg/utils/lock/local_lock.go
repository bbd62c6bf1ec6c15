package lock

import (
	"context"
	"sync"
	"time"

	"liquidity-core/pkg/safe_random"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLock 进程内锁，没有 Redis 时使用 (单实例部署 / 测试)
// 语义与 RedisLock 一致: 非阻塞、带 TTL、按 token 释放
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]localEntry
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{locks: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := safe_random.LockToken()
	if err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.locks[key]; held && now.Before(cur.expiresAt) {
		return "", false, nil
	}
	l.locks[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLock) Release(ctx context.Context, key string, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, held := l.locks[key]; held && cur.token == token {
		delete(l.locks, key)
	}
	return nil
}
