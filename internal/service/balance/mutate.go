package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
	"liquidity-core/pkg/utils/lock"
)

// MutateFunc 在锁和事务内修改 pool (已是 FOR UPDATE 读到的最新值)，返回要记录的流水
// 返回 error 时整个事务回滚
type MutateFunc func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error)

// pending 一个池子在本次事务里的变更
type pending struct {
	before  *model.Pool
	pool    *model.Pool
	entries []*model.PoolTransaction
	reason  string
	extra   func(*event.BalanceChangedEvent)
}

// MutatePool 唯一的余额变更入口:
// 池子锁 -> 存储事务 -> 行锁读取 -> fn -> 不变式校验 -> 更新余额 -> 写流水 -> 写 outbox -> 提交 -> 删缓存 -> 发事件 -> 释放锁
// reason 为空时取第一条流水的类型
func (m *Manager) MutatePool(ctx context.Context, poolID, reason string, fn MutateFunc) (*Mutation, error) {
	return m.mutatePool(ctx, poolID, reason, nil, fn)
}

func (m *Manager) mutatePool(ctx context.Context, poolID, reason string, extra func(*event.BalanceChangedEvent), fn MutateFunc) (*Mutation, error) {
	unlock, err := m.lockPools(ctx, "mutate", poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var p *pending
	err = m.store.Transaction(ctx, func(ctx context.Context) error {
		pool, err := m.store.FindPoolForUpdate(ctx, poolID)
		if err != nil {
			return mapStoreErr(err)
		}
		before := pool.Clone()
		entries, err := fn(ctx, pool)
		if err != nil {
			return err
		}
		p = &pending{before: before, pool: pool, entries: entries, reason: reason, extra: extra}
		return m.persist(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	m.afterCommit(ctx, p)
	return &Mutation{Before: p.before, After: p.pool.Clone(), Entries: p.entries}, nil
}

// SettingsFunc 修改池子的非余额字段，返回需要落库的列
type SettingsFunc func(pool *model.Pool) ([]string, error)

// UpdatePoolSettings 修改状态、限额、比例等配置，与余额变更共用池子锁
// fn 不允许改动四个资金字段；不产生流水和余额事件，只清缓存
func (m *Manager) UpdatePoolSettings(ctx context.Context, poolID string, fn SettingsFunc) (*model.Pool, error) {
	unlock, err := m.lockPools(ctx, "settings", poolID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var updated *model.Pool
	err = m.store.Transaction(ctx, func(ctx context.Context) error {
		pool, err := m.store.FindPoolForUpdate(ctx, poolID)
		if err != nil {
			return mapStoreErr(err)
		}
		before := pool.Clone()
		columns, err := fn(pool)
		if err != nil {
			return err
		}
		if balancesChanged(before, pool) {
			return fmt.Errorf("pool %s settings update touched balances: %w", poolID, errno.ErrInvariantViolation)
		}
		updated = pool
		if len(columns) == 0 {
			return nil
		}
		pool.UpdatedAt = m.now()
		if err := m.store.UpdatePool(ctx, pool, append(columns, "updated_at")...); err != nil {
			return mapStoreErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.Invalidate(ctx, poolID)
	return updated.Clone(), nil
}

// lockPools 按 id 排序依次加锁，避免批量操作之间死锁
// 锁被占用且等待超时 -> errno.ErrLockNotAcquired；锁服务本身故障 -> 告警后只依赖存储行锁
func (m *Manager) lockPools(ctx context.Context, op string, poolIDs ...string) (func(), error) {
	ids := uniqueSorted(poolIDs)
	type held struct{ key, token string }
	acquired := make([]held, 0, len(ids))

	unlock := func() {
		// 用独立的 ctx 释放，调用方 ctx 被取消时锁也要释放
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := m.locker.Release(relCtx, acquired[i].key, acquired[i].token); err != nil {
				logger.Warn("release pool lock failed", zap.String("key", acquired[i].key), zap.Error(err))
			}
		}
	}

	for _, id := range ids {
		key := lockKey(id)
		token, ok, err := lock.AcquireWithWait(ctx, m.locker, key, m.opts.LockTTL, m.opts.LockWait, m.opts.LockRetry)
		if err != nil {
			if ctx.Err() != nil {
				unlock()
				return nil, ctx.Err()
			}
			monitor.Business.LockFailed(op, "provider_error")
			logger.Warn("lock provider unavailable, relying on store row lock",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			monitor.Business.LockFailed(op, "timeout")
			unlock()
			return nil, errno.ErrLockNotAcquired
		}
		acquired = append(acquired, held{key: key, token: token})
	}
	return unlock, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// persist 在事务内落库: 不变式 -> 余额 -> 流水 -> outbox
func (m *Manager) persist(ctx context.Context, p *pending) error {
	if err := p.pool.CheckInvariant(); err != nil {
		return err
	}
	if len(p.entries) == 0 {
		// 没有流水就不允许改余额
		if balancesChanged(p.before, p.pool) {
			return fmt.Errorf("pool %s balance changed without ledger entry: %w", p.pool.ID, errno.ErrInvariantViolation)
		}
		return nil
	}

	start := time.Now()
	if err := m.store.UpdatePool(ctx, p.pool, model.BalanceColumns...); err != nil {
		return mapStoreErr(err)
	}

	createdAt := m.now().UTC().Truncate(time.Microsecond)
	for _, entry := range p.entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.PoolID = p.pool.ID
		entry.CreatedAt = createdAt
		entry.Seal()
		if err := m.store.CreateTransaction(ctx, entry); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}
	}

	msg, err := model.NewOutboxMessage(m.opts.OutboxTopic, p.pool.ID, m.eventFor(p))
	if err != nil {
		return err
	}
	if err := m.store.CreateOutboxMessage(ctx, msg); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	m.warnIfSlow("persist", start, zap.String("pool_id", p.pool.ID))
	return nil
}

func balancesChanged(a, b *model.Pool) bool {
	for _, f := range []model.BalanceField{model.FieldTotal, model.FieldAvailable, model.FieldDeployed, model.FieldReserved} {
		if !a.Get(f).Equal(b.Get(f)) {
			return true
		}
	}
	return false
}

func (m *Manager) eventFor(p *pending) event.BalanceChangedEvent {
	reason := p.reason
	ids := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		ids = append(ids, e.ID)
	}
	if reason == "" && len(p.entries) > 0 {
		reason = string(p.entries[0].Type)
	}
	evt := event.BalanceChangedEvent{
		PoolID:           p.pool.ID,
		Reason:           reason,
		TransactionIDs:   ids,
		TotalCapital:     p.pool.TotalCapital,
		AvailableCapital: p.pool.AvailableCapital,
		DeployedCapital:  p.pool.DeployedCapital,
		ReservedCapital:  p.pool.ReservedCapital,
		OccurredAt:       m.now(),
	}
	if p.extra != nil {
		p.extra(&evt)
	}
	return evt
}

// afterCommit 先删缓存再发事件，订阅者收到通知后读到的一定是新数据
func (m *Manager) afterCommit(ctx context.Context, p *pending) {
	m.Invalidate(ctx, p.pool.ID)
	monitor.Business.SetAvailable(p.pool.ID, p.pool.AvailableCapital)
	m.bus.Publish(ctx, m.eventFor(p))
}

// mapStoreErr 把存储层的 not found 翻译成业务错误码
func mapStoreErr(err error) error {
	if store.IsNotFound(err) {
		return errno.ErrPoolNotFound
	}
	var en errno.Errno
	if errors.As(err, &en) {
		return err
	}
	return fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
}
