package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
)

// 过期后记录再保留一段时间，这样 commit/release 能返回 "已过期" 而不是 "不存在"
const expiredRetention = 10 * time.Minute

// RedisReservationStore 预留放在 Redis:
//   - pool:reservation:<id>   单条记录，带 TTL
//   - pool:reservations:<pool> Hash，field = reservation id，用于按池子汇总
type RedisReservationStore struct {
	client *redis.Client
}

func NewRedisReservationStore(client *redis.Client) *RedisReservationStore {
	return &RedisReservationStore{client: client}
}

func reservationKey(id string) string {
	return "pool:reservation:" + id
}

func poolReservationsKey(poolID string) string {
	return "pool:reservations:" + poolID
}

func (s *RedisReservationStore) Hold(ctx context.Context, pool *model.Pool, r *model.Reservation) ([]*model.PoolTransaction, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	ttl := r.ExpiresAt.Sub(r.CreatedAt) + expiredRetention

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, reservationKey(r.ID), payload, ttl)
		pipe.HSet(ctx, poolReservationsKey(r.PoolID), r.ID, payload)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis hold reservation %s: %w", r.ID, err)
	}
	return nil, nil
}

func (s *RedisReservationStore) Find(ctx context.Context, id string) (*model.Reservation, error) {
	payload, err := s.client.Get(ctx, reservationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errno.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get reservation %s: %w", id, err)
	}
	var r model.Reservation
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode reservation %s: %w", id, err)
	}
	return &r, nil
}

func (s *RedisReservationStore) Settle(ctx context.Context, pool *model.Pool, r *model.Reservation, status model.ReservationStatus) ([]*model.PoolTransaction, error) {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, reservationKey(r.ID))
		pipe.HDel(ctx, poolReservationsKey(r.PoolID), r.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis settle reservation %s: %w", r.ID, err)
	}
	r.Status = status
	return nil, nil
}

// Absorb Redis 里的预留没有占用存储余额，由调用方显式 commit
func (s *RedisReservationStore) Absorb(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error) {
	return nil, nil
}

func (s *RedisReservationStore) List(ctx context.Context, poolID string) ([]*model.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, poolReservationsKey(poolID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", poolID, err)
	}

	now := time.Now()
	out := make([]*model.Reservation, 0, len(fields))
	var stale []string
	for id, payload := range fields {
		var r model.Reservation
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			logger.Warn("drop malformed reservation", zap.String("reservation_id", id), zap.Error(err))
			stale = append(stale, id)
			continue
		}
		// 单条记录已经被 Redis 淘汰的，Hash 里的残留顺手清掉
		if now.After(r.ExpiresAt.Add(expiredRetention)) {
			stale = append(stale, id)
			continue
		}
		out = append(out, &r)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, poolReservationsKey(poolID), stale...).Err(); err != nil {
			logger.Warn("cleanup stale reservations failed", zap.String("pool_id", poolID), zap.Error(err))
		}
	}
	return out, nil
}

func (s *RedisReservationStore) Outstanding(ctx context.Context, poolID, excludeAdvanceID string, now time.Time) (decimal.Decimal, error) {
	rs, err := s.List(ctx, poolID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumOutstanding(rs, excludeAdvanceID, now), nil
}

func (s *RedisReservationStore) HeldInStore(ctx context.Context, poolID, advanceID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

var _ ReservationStore = (*RedisReservationStore)(nil)
