package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
)

type subscription struct {
	id uint64
	h  Handler
}

// Broadcaster 进程内的订阅表: 按 pool id 分组 + 通配订阅
// 每次 Publish 对每个订阅者最多投递一次，不保存历史事件
type Broadcaster struct {
	mu     sync.RWMutex
	seq    uint64
	byPool map[string][]subscription
	all    []subscription
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{byPool: make(map[string][]subscription)}
}

func (b *Broadcaster) Subscribe(poolID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.byPool[poolID] = append(b.byPool[poolID], subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.byPool[poolID] = removeSub(b.byPool[poolID], id)
			if len(b.byPool[poolID]) == 0 {
				delete(b.byPool, poolID)
			}
		})
	}
}

func (b *Broadcaster) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.all = append(b.all, subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = removeSub(b.all, id)
		})
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish 同步调用所有匹配的订阅者，单个订阅者 panic 不影响其他订阅者
func (b *Broadcaster) Publish(ctx context.Context, evt BalanceChangedEvent) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byPool[evt.PoolID])+len(b.all))
	targets = append(targets, b.byPool[evt.PoolID]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		deliver(s.h, evt)
	}
}

func deliver(h Handler, evt BalanceChangedEvent) {
	defer func() {
		if r := recover(); r != nil {
			monitor.Business.EventDispatchFailed()
			logger.Error("balance event subscriber panicked",
				zap.String("pool_id", evt.PoolID),
				zap.Any("panic", r),
			)
		}
	}()
	h(evt)
}

var (
	_ Publisher  = (*Broadcaster)(nil)
	_ Subscriber = (*Broadcaster)(nil)
)
