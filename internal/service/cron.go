package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"liquidity-core/internal/service/balance"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/utils/lock"
)

const expireLockKey = "cron:lock:expire_reservations"

// CronService 周期任务: 清理过期的资金预留
type CronService struct {
	cron     *cron.Cron
	balances *balance.Manager
	locker   lock.DistributedLock
	schedule string
}

// NewCronService schedule 使用 cron/v3 标准语法，例如 "@every 1m"
func NewCronService(balances *balance.Manager, locker lock.DistributedLock, schedule string) *CronService {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &CronService{
		cron:     cron.New(),
		balances: balances,
		locker:   locker,
		schedule: schedule,
	}
}

func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ExpireReservations); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("cron service started", zap.String("expire_schedule", s.schedule))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("cron service stopped")
}

// ExpireReservations 获取分布式锁后回收过期预留，多实例部署时只有一个节点执行
func (s *CronService) ExpireReservations() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, locked, err := s.locker.Acquire(ctx, expireLockKey, 30*time.Second)
	if err != nil || !locked {
		logger.Debug("expire reservations skipped, lock held elsewhere", zap.Error(err))
		return
	}
	defer s.locker.Release(ctx, expireLockKey, token)

	n, err := s.balances.ExpireReservations(ctx)
	if err != nil {
		logger.Error("expire reservations failed", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("expired reservations reclaimed", zap.Int("expired", n))
	}
}
