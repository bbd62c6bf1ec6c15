package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"liquidity-core/internal/event"
	"liquidity-core/pkg/config"
	"liquidity-core/pkg/logger"
)

// Client 封装 Asynq Client
type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{client: asynq.NewClient(redisOpt(cfg))}
}

// Enqueue 将任务推送到队列
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

func (c *Client) Close() error {
	return c.client.Close()
}

func redisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Enqueuer 投递任务 (Client，测试里替换)
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExpiryScheduler 监听预留创建事件，在到期时间点投递一次回收任务
// 周期清理 (CronService) 仍然保留，任务丢了最多晚一个周期
type ExpiryScheduler struct {
	enqueuer Enqueuer
	grace    time.Duration // 到期后再等一会，避免节点间时钟误差导致提前执行
}

func NewExpiryScheduler(enqueuer Enqueuer) *ExpiryScheduler {
	return &ExpiryScheduler{enqueuer: enqueuer, grace: time.Second}
}

// Watch 订阅全部池子的事件，返回取消订阅函数
func (s *ExpiryScheduler) Watch(sub event.Subscriber) func() {
	return sub.SubscribeAll(s.onEvent)
}

func (s *ExpiryScheduler) onEvent(evt event.BalanceChangedEvent) {
	if evt.Reason != event.ReasonReservationCreated || evt.ReservationID == "" || evt.ExpiresAt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Schedule(ctx, evt.ReservationID, evt.PoolID, *evt.ExpiresAt); err != nil {
		logger.Warn("schedule reservation expiry failed",
			zap.String("reservation_id", evt.ReservationID),
			zap.String("pool_id", evt.PoolID),
			zap.Error(err),
		)
	}
}

// Schedule 任务 ID 固定为 expire:<reservation id>，跨节点转发来的同一事件只会入队一次
func (s *ExpiryScheduler) Schedule(ctx context.Context, reservationID, poolID string, expiresAt time.Time) error {
	task, err := NewReservationExpireTask(reservationID, poolID)
	if err != nil {
		return err
	}
	_, err = s.enqueuer.Enqueue(ctx, task,
		asynq.ProcessAt(expiresAt.Add(s.grace)),
		asynq.Queue(QueueCritical),
		asynq.TaskID("expire:"+reservationID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
