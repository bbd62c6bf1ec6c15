package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
)

// RedisBridge 把本地事件通过 Redis Pub/Sub 广播给其他节点
// 本地订阅者仍由 Broadcaster 负责，Bridge 只是多了一条跨进程的通道
type RedisBridge struct {
	local   *Broadcaster
	client  *redis.Client
	channel string
	nodeID  string

	// OnRemote 收到其他节点的事件时回调 (用来淘汰本地 L1 缓存)
	OnRemote func(ctx context.Context, poolID string)
}

func NewRedisBridge(local *Broadcaster, client *redis.Client, channel, nodeID string) *RedisBridge {
	return &RedisBridge{
		local:   local,
		client:  client,
		channel: channel,
		nodeID:  nodeID,
	}
}

// Publish 先投递给本地订阅者，再广播到 Redis
// Redis 不可用只记录告警: 跨节点通知是尽力而为的
func (r *RedisBridge) Publish(ctx context.Context, evt BalanceChangedEvent) {
	evt.Origin = r.nodeID
	r.local.Publish(ctx, evt)

	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Warn("marshal balance event failed", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		monitor.Business.EventDispatchFailed()
		logger.Warn("publish balance event to redis failed",
			zap.String("pool_id", evt.PoolID),
			zap.Error(err),
		)
	}
}

// Listen 订阅频道，阻塞直到 ctx 取消
// 自己发出的事件会被忽略 (本地订阅者已经在 Publish 时收到过)
func (r *RedisBridge) Listen(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// 等待订阅确认，保证返回前不会漏掉后续消息
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	logger.Info("listening for remote balance events", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisBridge) handle(ctx context.Context, payload string) {
	var evt BalanceChangedEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		logger.Warn("malformed balance event", zap.Error(err))
		return
	}
	if evt.Origin == r.nodeID {
		return
	}
	if r.OnRemote != nil {
		r.OnRemote(ctx, evt.PoolID)
	}
	r.local.Publish(ctx, evt)
}

func (r *RedisBridge) Subscribe(poolID string, h Handler) func() {
	return r.local.Subscribe(poolID, h)
}

func (r *RedisBridge) SubscribeAll(h Handler) func() {
	return r.local.SubscribeAll(h)
}

var (
	_ Publisher  = (*RedisBridge)(nil)
	_ Subscriber = (*RedisBridge)(nil)
)
