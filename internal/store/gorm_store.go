package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/monitor"
)

type txKey struct{}

// GormStore 基于 GORM 的 Store 实现 (PostgreSQL)
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// getDB 优先使用 ctx 中的事务句柄
func (s *GormStore) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *GormStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func observe(op string, start time.Time) {
	monitor.Business.ObserveStore(op, time.Since(start))
}

func wrapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *GormStore) FindPoolByID(ctx context.Context, id string) (*model.Pool, error) {
	defer observe("find_pool", time.Now())
	var pool model.Pool
	if err := s.getDB(ctx).Where("id = ?", id).First(&pool).Error; err != nil {
		return nil, wrapNotFound(err, "pool "+id)
	}
	return &pool, nil
}

func (s *GormStore) FindPoolForUpdate(ctx context.Context, id string) (*model.Pool, error) {
	defer observe("lock_pool", time.Now())
	var pool model.Pool
	err := s.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&pool).Error
	if err != nil {
		return nil, wrapNotFound(err, "pool "+id)
	}
	return &pool, nil
}

func (s *GormStore) poolQuery(ctx context.Context, f PoolFilter) *gorm.DB {
	query := s.getDB(ctx).Model(&model.Pool{})
	if len(f.IDs) > 0 {
		query = query.Where("id IN ?", f.IDs)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Currency != "" {
		query = query.Where("currency = ?", f.Currency)
	}
	if len(f.Tiers) > 0 {
		query = query.Where("risk_tier IN ?", f.Tiers)
	}
	return query
}

func (s *GormStore) FindPools(ctx context.Context, filter PoolFilter) ([]*model.Pool, error) {
	defer observe("find_pools", time.Now())
	var pools []*model.Pool
	query := s.poolQuery(ctx, filter).Order("created_at ASC").Order("id ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}
	if err := query.Find(&pools).Error; err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *GormStore) CountPools(ctx context.Context, filter PoolFilter) (int64, error) {
	var n int64
	err := s.poolQuery(ctx, filter).Count(&n).Error
	return n, err
}

func (s *GormStore) CreatePool(ctx context.Context, pool *model.Pool) error {
	return s.getDB(ctx).Create(pool).Error
}

func (s *GormStore) UpdatePool(ctx context.Context, pool *model.Pool, columns ...string) error {
	defer observe("update_pool", time.Now())
	pool.UpdatedAt = time.Now()
	query := s.getDB(ctx).Model(pool)
	if len(columns) > 0 {
		query = query.Select(columns)
	} else {
		query = query.Select("*").Omit("created_at")
	}
	result := query.Updates(pool)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("pool %s: %w", pool.ID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) CreateTransaction(ctx context.Context, tx *model.PoolTransaction) error {
	defer observe("create_transaction", time.Now())
	return s.getDB(ctx).Create(tx).Error
}

func (s *GormStore) FindTransactions(ctx context.Context, f TransactionFilter) ([]*model.PoolTransaction, int64, error) {
	defer observe("find_transactions", time.Now())
	query := s.getDB(ctx).Model(&model.PoolTransaction{})
	if f.PoolID != "" {
		query = query.Where("pool_id = ?", f.PoolID)
	}
	if len(f.Types) > 0 {
		query = query.Where("type IN ?", f.Types)
	}
	if f.AdvanceID != "" {
		query = query.Where("related_advance_id = ?", f.AdvanceID)
	}
	if !f.Start.IsZero() {
		query = query.Where("created_at >= ?", f.Start)
	}
	if !f.End.IsZero() {
		query = query.Where("created_at < ?", f.End)
	}
	if f.MinAmount.IsPositive() {
		query = query.Where("amount >= ?", f.MinAmount)
	}
	if f.MaxAmount.IsPositive() {
		query = query.Where("amount <= ?", f.MaxAmount)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order("created_at DESC").Order("id DESC")
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}
	var txs []*model.PoolTransaction
	if err := query.Find(&txs).Error; err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *GormStore) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return s.getDB(ctx).Create(r).Error
}

func (s *GormStore) UpdateReservation(ctx context.Context, r *model.Reservation) error {
	result := s.getDB(ctx).Model(r).Select("status").Updates(r)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("reservation %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) FindReservation(ctx context.Context, id string) (*model.Reservation, error) {
	var r model.Reservation
	if err := s.getDB(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, wrapNotFound(err, "reservation "+id)
	}
	return &r, nil
}

func (s *GormStore) FindReservationsByPool(ctx context.Context, poolID string, status model.ReservationStatus) ([]*model.Reservation, error) {
	query := s.getDB(ctx).Where("pool_id = ?", poolID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var rs []*model.Reservation
	if err := query.Order("created_at ASC").Find(&rs).Error; err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *GormStore) CreateOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error {
	return s.getDB(ctx).Create(msg).Error
}

func (s *GormStore) FindPendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var msgs []*model.OutboxMessage
	err := s.getDB(ctx).Where("status = ?", model.OutboxPending).Order("id ASC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id uint64) error {
	return s.getDB(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).Update("status", model.OutboxSent).Error
}
