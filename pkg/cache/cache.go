package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss 缓存未命中 (不是故障)
var ErrCacheMiss = errors.New("cache miss")

// Cache 定义通用缓存接口
// 缓存只是建议性的副本，所有实现都允许随时丢数据
type Cache interface {
	// Set 设置缓存
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get 获取缓存，并将结果 Unmarshal 到 target 中；未命中返回 ErrCacheMiss
	Get(ctx context.Context, key string, target interface{}) error
	// MultiGet 一次取多个 key，只返回命中的 (key -> JSON)
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
}

// IsMiss 判断是否是未命中 (区别于 Redis 宕机之类的故障)
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
