package mq

import "context"

// Message 一条余额事件消息
type Message struct {
	ID       string            // Redis Stream ID 或 Kafka partition/offset
	Topic    string            // 主题 (例如 "pool_events_balance")
	Key      string            // 分区键，取 pool id，保证同一池子的事件有序
	Payload  []byte            // BalanceChangedEvent JSON
	Metadata map[string]string // 元数据
}

// Producer 生产者接口
type Producer interface {
	// Publish 发送消息
	// key: 分区键，传空字符串则随机分区
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}

// Consumer 消费者接口
type Consumer interface {
	// Subscribe 订阅主题，阻塞直到 ctx 取消
	// handler 返回 error 时消息不确认，等待重投
	Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error

	// Close 关闭消费者
	Close() error
}
