package event

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 余额变更原因 (除流水类型外的补充)
const (
	ReasonReservationCreated   = "RESERVATION_CREATED"
	ReasonReservationCommitted = "RESERVATION_COMMITTED"
	ReasonReservationReleased  = "RESERVATION_RELEASED"
)

// BalanceChangedEvent 资金池余额变更事件
// Topic: pool_events_balance (outbox) / Channel: pool:balance:changed (跨节点通知)
type BalanceChangedEvent struct {
	PoolID           string          `json:"pool_id"`
	Reason           string          `json:"reason"` // 流水类型或者 RESERVATION_*
	TransactionIDs   []string        `json:"transaction_ids,omitempty"`
	ReservationID    string          `json:"reservation_id,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"` // 仅 RESERVATION_CREATED
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	DeployedCapital  decimal.Decimal `json:"deployed_capital"`
	ReservedCapital  decimal.Decimal `json:"reserved_capital"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Origin           string          `json:"origin,omitempty"` // 发出事件的节点
}

// Handler 订阅回调
type Handler func(evt BalanceChangedEvent)

// Publisher 事件发布方，Balance Manager 只依赖这个接口
type Publisher interface {
	Publish(ctx context.Context, evt BalanceChangedEvent)
}

// Subscriber 订阅方
type Subscriber interface {
	Subscribe(poolID string, h Handler) (unsubscribe func())
	SubscribeAll(h Handler) (unsubscribe func())
}

// Bus 同时具备发布和订阅能力 (Broadcaster / RedisBridge)
type Bus interface {
	Publisher
	Subscriber
}
