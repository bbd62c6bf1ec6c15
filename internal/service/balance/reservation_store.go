package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/errno"
)

// ReservationStore 预留的存放位置
// Hold / Settle / Absorb 都在 MutatePool 的回调里被调用: pool 已加锁，返回的流水与余额变更同事务落库
type ReservationStore interface {
	// Hold 记录一笔新预留
	Hold(ctx context.Context, pool *model.Pool, r *model.Reservation) ([]*model.PoolTransaction, error)
	// Find 按 id 查找，找不到返回 errno.ErrReservationNotFound
	Find(ctx context.Context, id string) (*model.Reservation, error)
	// Settle 结束一笔预留 (COMMITTED / RELEASED / EXPIRED)
	Settle(ctx context.Context, pool *model.Pool, r *model.Reservation, status model.ReservationStatus) ([]*model.PoolTransaction, error)
	// Absorb 放款时调用: 把该 advance 仍占用在 reserved_capital 上的资金交还 available
	Absorb(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error)
	// List 池子下所有未结束的预留 (可能包含已过期但还没清理的)
	List(ctx context.Context, poolID string) ([]*model.Reservation, error)
	// Outstanding 尚未体现在存储余额里的有效预留之和，excludeAdvanceID 的预留不计入
	Outstanding(ctx context.Context, poolID, excludeAdvanceID string, now time.Time) (decimal.Decimal, error)
	// HeldInStore advanceID 已经挪进 reserved_capital、放款时会被 Absorb 交还的金额
	HeldInStore(ctx context.Context, poolID, advanceID string) (decimal.Decimal, error)
}

func sumOutstanding(rs []*model.Reservation, excludeAdvanceID string, now time.Time) decimal.Decimal {
	if excludeAdvanceID == "" {
		return model.SumActive(rs, now)
	}
	kept := make([]*model.Reservation, 0, len(rs))
	for _, r := range rs {
		if r.AdvanceID != excludeAdvanceID {
			kept = append(kept, r)
		}
	}
	return model.SumActive(kept, now)
}

// MemoryReservationStore 进程内实现，用于测试和单节点部署
type MemoryReservationStore struct {
	mu   sync.Mutex
	byID map[string]*model.Reservation
}

func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{byID: make(map[string]*model.Reservation)}
}

func (s *MemoryReservationStore) Hold(ctx context.Context, pool *model.Pool, r *model.Reservation) ([]*model.PoolTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.byID[r.ID] = &cp
	return nil, nil
}

func (s *MemoryReservationStore) Find(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, errno.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryReservationStore) Settle(ctx context.Context, pool *model.Pool, r *model.Reservation, status model.ReservationStatus) ([]*model.PoolTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, r.ID)
	r.Status = status
	return nil, nil
}

func (s *MemoryReservationStore) Absorb(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error) {
	return nil, nil
}

func (s *MemoryReservationStore) List(ctx context.Context, poolID string) ([]*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Reservation, 0)
	for _, r := range s.byID {
		if r.PoolID == poolID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryReservationStore) Outstanding(ctx context.Context, poolID, excludeAdvanceID string, now time.Time) (decimal.Decimal, error) {
	rs, _ := s.List(ctx, poolID)
	return sumOutstanding(rs, excludeAdvanceID, now), nil
}

func (s *MemoryReservationStore) HeldInStore(ctx context.Context, poolID, advanceID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

var _ ReservationStore = (*MemoryReservationStore)(nil)
