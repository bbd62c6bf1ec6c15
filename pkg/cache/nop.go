package cache

import (
	"context"
	"time"
)

// NopCache 不缓存任何东西；没有配置 Redis 时使用，所有读都直达存储
type NopCache struct{}

func NewNopCache() NopCache { return NopCache{} }

func (NopCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func (NopCache) Get(ctx context.Context, key string, target interface{}) error {
	return ErrCacheMiss
}

func (NopCache) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (NopCache) Delete(ctx context.Context, key string) error {
	return nil
}
