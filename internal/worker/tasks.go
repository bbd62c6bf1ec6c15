package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"liquidity-core/pkg/logger"
)

// 任务类型和队列
const (
	TypeReservationExpire = "reservation:expire"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// ReservationExpirePayload 预留到期任务参数
type ReservationExpirePayload struct {
	ReservationID string `json:"reservation_id"`
	PoolID        string `json:"pool_id"`
}

// ---------------------------------------------------------------------
// 1. Producer (Client) Code
// ---------------------------------------------------------------------

// NewReservationExpireTask 创建预留到期回收任务，最多重试 3 次
func NewReservationExpireTask(reservationID, poolID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReservationExpirePayload{ReservationID: reservationID, PoolID: poolID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReservationExpire, payload, asynq.MaxRetry(3), asynq.Timeout(30*time.Second)), nil
}

// ---------------------------------------------------------------------
// 2. Consumer (Server) Code
// ---------------------------------------------------------------------

// Expirer 回收所有已过期的预留 (balance.Manager)
type Expirer interface {
	ExpireReservations(ctx context.Context) (int, error)
}

type Handlers struct {
	balances Expirer
}

func NewHandlers(balances Expirer) *Handlers {
	return &Handlers{balances: balances}
}

// HandleReservationExpire 到期时做一次全量回收，同一时刻到期的其他预留一起处理
func (h *Handlers) HandleReservationExpire(ctx context.Context, t *asynq.Task) error {
	var p ReservationExpirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// 参数坏了重试也没用，直接进 Archived
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	n, err := h.balances.ExpireReservations(ctx)
	if err != nil {
		return fmt.Errorf("expire reservations: %w", err)
	}
	logger.Info("reservation expire task done",
		zap.String("reservation_id", p.ReservationID),
		zap.String("pool_id", p.PoolID),
		zap.Int("expired", n),
	)
	return nil
}
