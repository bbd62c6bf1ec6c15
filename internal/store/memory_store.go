package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"liquidity-core/internal/model"
)

type memTxKey struct{}

// MemoryStore 进程内 Store 实现，用于测试和单机演示
// 事务串行执行 (等价于对所有行加锁)，回调出错时恢复到事务开始前的快照
type MemoryStore struct {
	txMu sync.Mutex // 事务互斥

	mu           sync.RWMutex // 保护下面的数据
	pools        map[string]*model.Pool
	transactions []*model.PoolTransaction
	reservations map[string]*model.Reservation
	outbox       []*model.OutboxMessage
	outboxSeq    uint64

	// FailNextCreateTransaction 测试钩子: 下一次写流水返回该错误
	FailNextCreateTransaction error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:        make(map[string]*model.Pool),
		reservations: make(map[string]*model.Reservation),
	}
}

type memSnapshot struct {
	pools        map[string]*model.Pool
	transactions []*model.PoolTransaction
	reservations map[string]*model.Reservation
	outbox       []*model.OutboxMessage
	outboxSeq    uint64
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memSnapshot{
		pools:        make(map[string]*model.Pool, len(s.pools)),
		transactions: append([]*model.PoolTransaction(nil), s.transactions...),
		reservations: make(map[string]*model.Reservation, len(s.reservations)),
		outbox:       make([]*model.OutboxMessage, 0, len(s.outbox)),
		outboxSeq:    s.outboxSeq,
	}
	for id, p := range s.pools {
		snap.pools[id] = p.Clone()
	}
	for id, r := range s.reservations {
		cp := *r
		snap.reservations[id] = &cp
	}
	for _, m := range s.outbox {
		cp := *m
		snap.outbox = append(snap.outbox, &cp)
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = snap.pools
	s.transactions = snap.transactions
	s.reservations = snap.reservations
	s.outbox = snap.outbox
	s.outboxSeq = snap.outboxSeq
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) FindPoolByID(ctx context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	return s.FindPoolByID(ctx, id)
}

func matchPool(p *model.Pool, f PoolFilter) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, p.ID) {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Currency != "" && p.Currency != f.Currency {
		return false
	}
	if len(f.Tiers) > 0 {
		found := false
		for _, t := range f.Tiers {
			if t == p.RiskTier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *MemoryStore) FindPools(ctx context.Context, filter PoolFilter) ([]*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Pool, 0)
	for _, p := range s.pools {
		if matchPool(p, filter) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return []*model.Pool{}, nil
		}
		out = out[filter.Offset:]
		if len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

func (s *MemoryStore) CountPools(ctx context.Context, filter PoolFilter) (int64, error) {
	filter.Limit, filter.Offset = 0, 0
	pools, _ := s.FindPools(ctx, filter)
	return int64(len(pools)), nil
}

func (s *MemoryStore) CreatePool(ctx context.Context, pool *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.ID]; ok {
		return fmt.Errorf("pool %s already exists", pool.ID)
	}
	for _, p := range s.pools {
		if p.Name == pool.Name {
			return fmt.Errorf("pool name %q already exists", pool.Name)
		}
	}
	now := time.Now()
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = now
	}
	pool.UpdatedAt = now
	s.pools[pool.ID] = pool.Clone()
	return nil
}

// UpdatePool 内存实现总是整行覆盖，columns 只在 GORM 实现里有意义
func (s *MemoryStore) UpdatePool(ctx context.Context, pool *model.Pool, columns ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pools[pool.ID]
	if !ok {
		return fmt.Errorf("pool %s: %w", pool.ID, ErrNotFound)
	}
	pool.CreatedAt = cur.CreatedAt
	pool.UpdatedAt = time.Now()
	s.pools[pool.ID] = pool.Clone()
	return nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *model.PoolTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailNextCreateTransaction; err != nil {
		s.FailNextCreateTransaction = nil
		return err
	}
	s.transactions = append(s.transactions, tx.Clone())
	return nil
}

func (s *MemoryStore) FindTransactions(ctx context.Context, f TransactionFilter) ([]*model.PoolTransaction, int64, error) {
	s.mu.RLock()
	matched := make([]*model.PoolTransaction, 0)
	for _, t := range s.transactions {
		if matchTransaction(t, f) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.RUnlock()

	// 与 GORM 实现保持一致: created_at DESC, id DESC
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*model.PoolTransaction{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func matchTransaction(t *model.PoolTransaction, f TransactionFilter) bool {
	if f.PoolID != "" && t.PoolID != f.PoolID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, typ := range f.Types {
			if typ == t.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AdvanceID != "" && t.RelatedAdvanceID != f.AdvanceID {
		return false
	}
	if !f.Start.IsZero() && t.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !t.CreatedAt.Before(f.End) {
		return false
	}
	if f.MinAmount.IsPositive() && t.Amount.LessThan(f.MinAmount) {
		return false
	}
	if f.MaxAmount.IsPositive() && t.Amount.GreaterThan(f.MaxAmount) {
		return false
	}
	return true
}

func (s *MemoryStore) CreateReservation(ctx context.Context, r *model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	cp := *r
	s.reservations[r.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, ErrNotFound)
	}
	cur.Status = r.Status
	return nil
}

func (s *MemoryStore) FindReservation(ctx context.Context, id string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) FindReservationsByPool(ctx context.Context, poolID string, status model.ReservationStatus) ([]*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Reservation, 0)
	for _, r := range s.reservations {
		if r.PoolID != poolID || (status != "" && r.Status != status) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxSeq++
	msg.ID = s.outboxSeq
	now := time.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	cp := *msg
	s.outbox = append(s.outbox, &cp)
	return nil
}

func (s *MemoryStore) FindPendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.OutboxMessage, 0)
	for _, m := range s.outbox {
		if m.Status != model.OutboxPending {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxSent(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			m.Status = model.OutboxSent
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("outbox %d: %w", id, ErrNotFound)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
