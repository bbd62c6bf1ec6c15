package cache

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(defaultExpiration, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		c: gocache.New(defaultExpiration, cleanupInterval),
	}
}

func (m *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// 存 JSON 而不是对象本身，避免调用方后续修改对象污染缓存
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.c.Set(key, json.RawMessage(bytes), ttl)
	return nil
}

func (m *MemoryCache) Get(ctx context.Context, key string, target interface{}) error {
	val, found := m.c.Get(key)
	if !found {
		return ErrCacheMiss
	}
	return json.Unmarshal(val.(json.RawMessage), target)
}

func (m *MemoryCache) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	hits := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if val, found := m.c.Get(key); found {
			hits[key] = val.(json.RawMessage)
		}
	}
	return hits, nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
