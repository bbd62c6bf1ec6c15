package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liquidity-core/pkg/logger"
)

// RedisProducer 基于 Redis Streams
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer maxLen > 0 时按近似长度裁剪 Stream
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

// Publish XADD 到 topic 对应的 Stream
func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: []interface{}{"key", key, "payload", payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", topic, err)
	}
	return nil
}

// Close 连接由调用方管理
func (p *RedisProducer) Close() error {
	return nil
}

// RedisConsumer 基于 Consumer Group 的 Stream 消费者
type RedisConsumer struct {
	client *redis.Client
	group  string
	name   string
	block  time.Duration
}

func NewRedisConsumer(client *redis.Client, group, name string) *RedisConsumer {
	return &RedisConsumer{client: client, group: group, name: name, block: 2 * time.Second}
}

// Subscribe 从组内未投递的位置开始读，处理成功才 XACK
func (c *RedisConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	// XGROUP CREATE <stream> <group> 0 MKSTREAM
	err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.group, err)
	}
	logger.Info("redis stream consumer started", zap.String("topic", topic), zap.String("group", c.group))

	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("redis stream read failed", zap.String("topic", topic), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, x := range stream.Messages {
				payload, ok := x.Values["payload"].(string)
				if !ok {
					logger.Warn("drop malformed stream message", zap.String("id", x.ID))
					c.ack(ctx, topic, x.ID)
					continue
				}
				key, _ := x.Values["key"].(string)
				msg := &Message{ID: x.ID, Topic: topic, Key: key, Payload: []byte(payload)}
				if err := handler(msg); err != nil {
					logger.Warn("stream message handler failed", zap.String("id", x.ID), zap.Error(err))
					continue
				}
				c.ack(ctx, topic, x.ID)
			}
		}
	}
}

func (c *RedisConsumer) ack(ctx context.Context, topic, id string) {
	if err := c.client.XAck(ctx, topic, c.group, id).Err(); err != nil {
		logger.Warn("stream ack failed", zap.String("id", id), zap.Error(err))
	}
}

// Close 连接由调用方管理
func (c *RedisConsumer) Close() error {
	return nil
}
