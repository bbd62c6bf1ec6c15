// Package store 资金池持久化层
// 所有方法都从 ctx 中取事务: 在 Transaction 回调里调用的方法自动落在同一个事务上
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// IsNotFound 判断是否是记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// PoolFilter 池子查询条件，零值字段不参与过滤
type PoolFilter struct {
	IDs      []string
	Status   model.PoolStatus
	Currency string
	Tiers    []model.RiskTier
	Limit    int // 0 表示不分页，CountPools 忽略分页
	Offset   int
}

// TransactionFilter 流水查询条件
type TransactionFilter struct {
	PoolID    string
	Types     []model.TransactionType
	AdvanceID string
	Start     time.Time // 含
	End       time.Time // 不含
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Limit     int
	Offset    int
}

// Store 资金池记录存储
type Store interface {
	// Transaction 在一个事务里执行 fn，fn 返回 error 时整体回滚
	// 已经处在事务中时直接复用外层事务
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	FindPoolByID(ctx context.Context, id string) (*model.Pool, error)
	// FindPoolForUpdate 读取并加行锁 (SELECT ... FOR UPDATE)，必须在事务内调用
	FindPoolForUpdate(ctx context.Context, id string) (*model.Pool, error)
	FindPools(ctx context.Context, filter PoolFilter) ([]*model.Pool, error)
	CountPools(ctx context.Context, filter PoolFilter) (int64, error)
	CreatePool(ctx context.Context, pool *model.Pool) error
	// UpdatePool 只写 columns 指定的列，columns 为空时写全部
	UpdatePool(ctx context.Context, pool *model.Pool, columns ...string) error

	CreateTransaction(ctx context.Context, tx *model.PoolTransaction) error
	// FindTransactions 按创建时间倒序分页，第二个返回值是不分页的总数
	FindTransactions(ctx context.Context, filter TransactionFilter) ([]*model.PoolTransaction, int64, error)

	CreateReservation(ctx context.Context, r *model.Reservation) error
	UpdateReservation(ctx context.Context, r *model.Reservation) error
	FindReservation(ctx context.Context, id string) (*model.Reservation, error)
	FindReservationsByPool(ctx context.Context, poolID string, status model.ReservationStatus) ([]*model.Reservation, error)

	CreateOutboxMessage(ctx context.Context, msg *model.OutboxMessage) error
	FindPendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id uint64) error
}
