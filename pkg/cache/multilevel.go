package cache

import (
	"context"
	"encoding/json"
	"time"
)

// MultiLevelCache 实现多级缓存 (L1: Memory, L2: Redis)
type MultiLevelCache struct {
	local  Cache
	remote Cache
}

func NewMultiLevelCache(local, remote Cache) *MultiLevelCache {
	return &MultiLevelCache{
		local:  local,
		remote: remote,
	}
}

func (m *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// L1 的 TTL 取 L2 的一半，其他节点改了数据时 L1 脏得更短
	_ = m.local.Set(ctx, key, value, ttl/2)
	return m.remote.Set(ctx, key, value, ttl)
}

func (m *MultiLevelCache) Get(ctx context.Context, key string, target interface{}) error {
	// 1. 查 L1
	if err := m.local.Get(ctx, key, target); err == nil {
		return nil // L1 Hit
	}

	// 2. 查 L2
	if err := m.remote.Get(ctx, key, target); err != nil {
		return err
	}
	// L2 Hit -> 回写 L1 (短 TTL，防止 L1 脏数据太久)
	_ = m.local.Set(ctx, key, target, 5*time.Second)
	return nil
}

func (m *MultiLevelCache) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	hits, _ := m.local.MultiGet(ctx, keys)
	if hits == nil {
		hits = make(map[string][]byte, len(keys))
	}

	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := hits[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return hits, nil
	}

	remoteHits, err := m.remote.MultiGet(ctx, missing)
	if err != nil {
		// L1 命中的部分仍然有效
		return hits, err
	}
	for key, val := range remoteHits {
		hits[key] = val
		_ = m.local.Set(ctx, key, json.RawMessage(val), 5*time.Second)
	}
	return hits, nil
}

func (m *MultiLevelCache) Delete(ctx context.Context, key string) error {
	_ = m.local.Delete(ctx, key)
	return m.remote.Delete(ctx, key)
}

// Evict 只删除本地 L1 (收到其他节点的变更通知时使用，L2 已经由变更方删过)
func (m *MultiLevelCache) Evict(ctx context.Context, key string) {
	_ = m.local.Delete(ctx, key)
}
