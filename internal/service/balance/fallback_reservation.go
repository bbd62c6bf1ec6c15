package balance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
)

// FallbackReservationStore Redis 模式下使用: 优先 Redis，Redis 故障时退化为直接改 reserved_capital
// 退化期间创建的预留落在 pool_reservations 表，之后的 commit/release/过期清理按记录所在位置处理
type FallbackReservationStore struct {
	primary  ReservationStore
	fallback *DirectReservationStore
}

func NewFallbackReservationStore(primary ReservationStore, fallback *DirectReservationStore) *FallbackReservationStore {
	return &FallbackReservationStore{primary: primary, fallback: fallback}
}

// isInfraErr 业务错误 (errno) 之外的都视为后端故障
func isInfraErr(err error) bool {
	if err == nil {
		return false
	}
	var en errno.Errno
	return !errors.As(err, &en)
}

func warnFallback(op, poolID string, err error) {
	logger.Warn("reservation backend unavailable, falling back to store",
		zap.String("op", op),
		zap.String("pool_id", poolID),
		zap.Error(err),
	)
}

func (s *FallbackReservationStore) Hold(ctx context.Context, pool *model.Pool, r *model.Reservation) ([]*model.PoolTransaction, error) {
	entries, err := s.primary.Hold(ctx, pool, r)
	if !isInfraErr(err) {
		return entries, err
	}
	warnFallback("hold", pool.ID, err)
	return s.fallback.Hold(ctx, pool, r)
}

func (s *FallbackReservationStore) Find(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := s.primary.Find(ctx, id)
	if err == nil {
		return r, nil
	}
	stored, ferr := s.fallback.Find(ctx, id)
	if ferr == nil {
		return stored, nil
	}
	// 两边都没有: Redis 故障时报故障，否则报不存在
	if isInfraErr(err) {
		return nil, err
	}
	return nil, ferr
}

func (s *FallbackReservationStore) Settle(ctx context.Context, pool *model.Pool, r *model.Reservation, status model.ReservationStatus) ([]*model.PoolTransaction, error) {
	if _, err := s.fallback.Find(ctx, r.ID); err == nil {
		return s.fallback.Settle(ctx, pool, r, status)
	}
	return s.primary.Settle(ctx, pool, r, status)
}

// Absorb 退化期间挪进 reserved_capital 的预留在放款时交还
func (s *FallbackReservationStore) Absorb(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error) {
	entries, err := s.primary.Absorb(ctx, pool, advanceID)
	if err != nil {
		return nil, err
	}
	stored, err := s.fallback.Absorb(ctx, pool, advanceID)
	if err != nil {
		return nil, err
	}
	return append(entries, stored...), nil
}

func (s *FallbackReservationStore) List(ctx context.Context, poolID string) ([]*model.Reservation, error) {
	rs, err := s.primary.List(ctx, poolID)
	if err != nil {
		warnFallback("list", poolID, err)
		rs = nil
	}
	stored, err := s.fallback.List(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return append(rs, stored...), nil
}

// Outstanding 只有 Redis 里的预留未体现在存储余额里；Redis 不可用时按 0 处理
func (s *FallbackReservationStore) Outstanding(ctx context.Context, poolID, excludeAdvanceID string, now time.Time) (decimal.Decimal, error) {
	sum, err := s.primary.Outstanding(ctx, poolID, excludeAdvanceID, now)
	if err != nil {
		warnFallback("outstanding", poolID, err)
		return decimal.Zero, nil
	}
	return sum, nil
}

func (s *FallbackReservationStore) HeldInStore(ctx context.Context, poolID, advanceID string) (decimal.Decimal, error) {
	return s.fallback.HeldInStore(ctx, poolID, advanceID)
}

var _ ReservationStore = (*FallbackReservationStore)(nil)
