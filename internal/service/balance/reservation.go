package balance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
)

// CreateReservation 在池子上为某个 advance 预留资金
// 锁拿不到返回 errno.ErrLockNotAcquired；有效可用 - 已有预留 < amount 返回 errno.ErrInsufficientCapital
func (m *Manager) CreateReservation(ctx context.Context, req ReservationRequest) (*model.Reservation, error) {
	if !req.Amount.IsPositive() || req.AdvanceID == "" {
		return nil, errno.ErrInvalidAmount
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.opts.ReservationTTL
	}

	var created *model.Reservation
	extra := func(evt *event.BalanceChangedEvent) {
		evt.ReservationID = created.ID
		expiresAt := created.ExpiresAt
		evt.ExpiresAt = &expiresAt
	}
	_, err := m.mutatePool(ctx, req.PoolID, event.ReasonReservationCreated, extra,
		func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
			if !pool.IsActive() {
				return nil, errno.ErrPoolNotActive
			}
			now := m.now().UTC().Truncate(time.Microsecond)

			held, err := m.reservations.Outstanding(ctx, pool.ID, "", now)
			if err != nil {
				return nil, err
			}
			free := policy.EffectiveAvailable(pool.AvailableCapital, pool.TotalCapital, pool.MinReserveRatio).Sub(held)
			if req.Amount.GreaterThan(free) {
				return nil, errno.ErrInsufficientCapital
			}

			r := &model.Reservation{
				ID:        uuid.NewString(),
				PoolID:    pool.ID,
				Amount:    req.Amount,
				AdvanceID: req.AdvanceID,
				FarmerID:  req.FarmerID,
				Status:    model.ReservationActive,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
			}
			entries, err := m.reservations.Hold(ctx, pool, r)
			if err != nil {
				return nil, err
			}
			created = r
			return entries, nil
		})
	if err != nil {
		m.logReservationFailure("create", req.PoolID, "", err)
		return nil, err
	}

	monitor.Business.ReservationTransition(string(model.ReservationActive))
	logger.Info("reservation created",
		zap.String("reservation_id", created.ID),
		zap.String("pool_id", created.PoolID),
		zap.String("advance_id", created.AdvanceID),
		zap.String("amount", created.Amount.String()),
	)
	return created, nil
}

// CommitReservation advance 已经放款，结束预留
// 要求池子上存在该 advance 在预留之后的 ADVANCE_DISBURSEMENT 流水，否则返回 errno.ErrDisbursementNotFound
func (m *Manager) CommitReservation(ctx context.Context, id string) (*model.Reservation, error) {
	return m.settle(ctx, id, model.ReservationCommitted, event.ReasonReservationCommitted)
}

// ReleaseReservation 放弃预留，不产生放款
func (m *Manager) ReleaseReservation(ctx context.Context, id string) (*model.Reservation, error) {
	return m.settle(ctx, id, model.ReservationReleased, event.ReasonReservationReleased)
}

func (m *Manager) settle(ctx context.Context, id string, target model.ReservationStatus, reason string) (*model.Reservation, error) {
	r, err := m.reservations.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		result  *model.Reservation
		expired bool
	)
	extra := func(evt *event.BalanceChangedEvent) { evt.ReservationID = id }
	_, err = m.mutatePool(ctx, r.PoolID, reason, extra,
		func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
			// 加锁后重新读，期间可能已经被其他请求处理
			cur, err := m.reservations.Find(ctx, id)
			if err != nil {
				return nil, err
			}
			result = cur

			// 放款时已经被吸收 (纯存储模式)，commit 幂等返回
			if cur.Status == model.ReservationCommitted && target == model.ReservationCommitted {
				return nil, nil
			}
			if cur.Status != model.ReservationActive {
				return nil, errno.ErrReservationInactive
			}
			if !cur.IsActive(m.now()) {
				// 过期的预留顺手清理掉，事务照常提交
				expired = true
				return m.reservations.Settle(ctx, pool, cur, model.ReservationExpired)
			}
			if target == model.ReservationCommitted {
				if err := m.verifyDisbursement(ctx, cur); err != nil {
					return nil, err
				}
			}
			return m.reservations.Settle(ctx, pool, cur, target)
		})
	if err != nil {
		m.logReservationFailure(string(target), "", id, err)
		return nil, err
	}
	if expired {
		monitor.Business.ReservationTransition(string(model.ReservationExpired))
		return result, errno.ErrReservationExpired
	}

	monitor.Business.ReservationTransition(string(result.Status))
	logger.Info("reservation settled",
		zap.String("reservation_id", id),
		zap.String("pool_id", result.PoolID),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (m *Manager) verifyDisbursement(ctx context.Context, r *model.Reservation) error {
	_, total, err := m.store.FindTransactions(ctx, store.TransactionFilter{
		PoolID:    r.PoolID,
		Types:     []model.TransactionType{model.TxAdvanceDisbursement},
		AdvanceID: r.AdvanceID,
		Start:     r.CreatedAt,
		Limit:     1,
	})
	if err != nil {
		return mapStoreErr(err)
	}
	if total == 0 {
		return errno.ErrDisbursementNotFound
	}
	return nil
}

// GetPoolReservations 池子上仍然有效的预留 (过期的不返回，即使还没清理)
func (m *Manager) GetPoolReservations(ctx context.Context, poolID string) ([]*model.Reservation, error) {
	rs, err := m.reservations.List(ctx, poolID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]*model.Reservation, 0, len(rs))
	for _, r := range rs {
		if r.IsActive(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExpireReservations 清理所有池子上已过期的预留，返回清理的条数
// 纯存储模式下过期预留仍占着 reserved_capital，靠它定期退回
func (m *Manager) ExpireReservations(ctx context.Context) (int, error) {
	pools, err := m.store.FindPools(ctx, store.PoolFilter{})
	if err != nil {
		return 0, mapStoreErr(err)
	}
	now := m.now()
	expired := 0
	for _, pool := range pools {
		rs, err := m.reservations.List(ctx, pool.ID)
		if err != nil {
			logger.Warn("list reservations failed", zap.String("pool_id", pool.ID), zap.Error(err))
			continue
		}
		for _, r := range rs {
			if r.Status != model.ReservationActive || r.IsActive(now) {
				continue
			}
			_, err := m.ReleaseReservation(ctx, r.ID)
			switch {
			case errors.Is(err, errno.ErrReservationExpired):
				expired++
			case err != nil:
				logger.Warn("expire reservation failed", zap.String("reservation_id", r.ID), zap.Error(err))
			}
		}
	}
	return expired, nil
}

func (m *Manager) logReservationFailure(op, poolID, reservationID string, err error) {
	var en errno.Errno
	if errors.As(err, &en) {
		logger.Info("reservation rejected",
			zap.String("op", op),
			zap.String("pool_id", poolID),
			zap.String("reservation_id", reservationID),
			zap.String("reason", en.Message),
		)
		return
	}
	logger.Error("reservation failed",
		zap.String("op", op),
		zap.String("pool_id", poolID),
		zap.String("reservation_id", reservationID),
		zap.Error(err),
	)
}
