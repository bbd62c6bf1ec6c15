package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"liquidity-core/internal/service/mq"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/logger"
)

const relayBatchSize = 50

// RelayService 负责将本地消息表的余额事件搬运到 MQ
type RelayService struct {
	store    store.Store
	producer mq.Producer
	interval time.Duration
}

func NewRelayService(st store.Store, producer mq.Producer, interval time.Duration) *RelayService {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &RelayService{
		store:    st,
		producer: producer,
		interval: interval,
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("outbox relay started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

// processPendingMessages 返回本轮成功投递的条数
// 发送成功后才标记 SENT (至少一次投递)，消费端按 transaction_ids 幂等
func (s *RelayService) processPendingMessages(ctx context.Context) int {
	messages, err := s.store.FindPendingOutbox(ctx, relayBatchSize)
	if err != nil {
		logger.Warn("query pending outbox failed", zap.Error(err))
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			// 同一个 key 后面的消息也先不发，避免乱序
			logger.Warn("publish outbox message failed",
				zap.Uint64("id", msg.ID),
				zap.String("key", msg.Key),
				zap.Error(err),
			)
			return sent
		}
		if err := s.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			logger.Warn("mark outbox sent failed", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	logger.Debug("outbox messages relayed", zap.Int("sent", sent), zap.Int("batch", len(messages)))
	return sent
}
