package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
)

// DirectReservationStore 没有 Redis 时使用: 预留直接把 available_capital 挪到 reserved_capital
// 记录落 pool_reservations 表；资金已经体现在存储余额里，所以 Outstanding 恒为 0
// 过期不会自动退款，需要 ExpireReservations 清理
type DirectReservationStore struct {
	store store.Store
}

func NewDirectReservationStore(st store.Store) *DirectReservationStore {
	return &DirectReservationStore{store: st}
}

func (s *DirectReservationStore) Hold(ctx context.Context, pool *model.Pool, r *model.Reservation) ([]*model.PoolTransaction, error) {
	if pool.AvailableCapital.LessThan(r.Amount) {
		return nil, errno.ErrInsufficientCapital
	}
	before := pool.ReservedCapital
	pool.AvailableCapital = pool.AvailableCapital.Sub(r.Amount)
	pool.ReservedCapital = pool.ReservedCapital.Add(r.Amount)

	if err := s.store.CreateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	entry := model.NewPoolTransaction(pool.ID, model.TxReservationHold, model.FieldReserved,
		before, pool.ReservedCapital, "capital held for advance "+r.AdvanceID)
	entry.RelatedAdvanceID = r.AdvanceID
	return []*model.PoolTransaction{entry}, nil
}

func (s *DirectReservationStore) Find(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := s.store.FindReservation(ctx, id)
	if store.IsNotFound(err) {
		return nil, errno.ErrReservationNotFound
	}
	return r, err
}

func (s *DirectReservationStore) unhold(pool *model.Pool, r *model.Reservation, description string) *model.PoolTransaction {
	before := pool.ReservedCapital
	pool.ReservedCapital = pool.ReservedCapital.Sub(r.Amount)
	pool.AvailableCapital = pool.AvailableCapital.Add(r.Amount)
	entry := model.NewPoolTransaction(pool.ID, model.TxReservationRelease, model.FieldReserved,
		before, pool.ReservedCapital, description)
	entry.RelatedAdvanceID = r.AdvanceID
	return entry
}

func (s *DirectReservationStore) Settle(ctx context.Context, pool *model.Pool, r *model.Reservation, status model.ReservationStatus) ([]*model.PoolTransaction, error) {
	var entries []*model.PoolTransaction
	// 只有仍然占着资金的记录才需要退回
	if r.Status == model.ReservationActive {
		entries = append(entries, s.unhold(pool, r, fmt.Sprintf("reservation %s %s", r.ID, status)))
	}
	r.Status = status
	if err := s.store.UpdateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("update reservation: %w", err)
	}
	return entries, nil
}

// Absorb 放款前把这个 advance 的预留资金交还 available，记录标记为 COMMITTED
func (s *DirectReservationStore) Absorb(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error) {
	rs, err := s.store.FindReservationsByPool(ctx, pool.ID, model.ReservationActive)
	if err != nil {
		return nil, err
	}
	var entries []*model.PoolTransaction
	for _, r := range rs {
		if r.AdvanceID != advanceID {
			continue
		}
		entries = append(entries, s.unhold(pool, r, "reservation "+r.ID+" absorbed by disbursement"))
		r.Status = model.ReservationCommitted
		if err := s.store.UpdateReservation(ctx, r); err != nil {
			return nil, fmt.Errorf("update reservation: %w", err)
		}
	}
	return entries, nil
}

func (s *DirectReservationStore) List(ctx context.Context, poolID string) ([]*model.Reservation, error) {
	return s.store.FindReservationsByPool(ctx, poolID, model.ReservationActive)
}

func (s *DirectReservationStore) Outstanding(ctx context.Context, poolID, excludeAdvanceID string, now time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *DirectReservationStore) HeldInStore(ctx context.Context, poolID, advanceID string) (decimal.Decimal, error) {
	rs, err := s.store.FindReservationsByPool(ctx, poolID, model.ReservationActive)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range rs {
		if r.AdvanceID == advanceID {
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

var _ ReservationStore = (*DirectReservationStore)(nil)
