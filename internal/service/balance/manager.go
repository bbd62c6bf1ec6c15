// Package balance 资金池余额管理: 缓存优先的读取、加锁的原子变更、预留、流水查询、变更订阅
package balance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/cache"
	"liquidity-core/pkg/config"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
	"liquidity-core/pkg/utils/lock"
)

const summaryCacheKey = "pool:summary"

func balanceCacheKey(poolID string) string {
	return "pool:balance:" + poolID
}

func lockKey(poolID string) string {
	return "pool:" + poolID
}

// Options 运行参数
type Options struct {
	BalanceTTL         time.Duration
	SummaryTTL         time.Duration
	LockTTL            time.Duration
	LockWait           time.Duration
	LockRetry          time.Duration
	ReservationTTL     time.Duration
	SlowQueryThreshold time.Duration
	OutboxTopic        string
	Now                func() time.Time
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		BalanceTTL:         30 * time.Second,
		SummaryTTL:         60 * time.Second,
		LockTTL:            5 * time.Second,
		LockWait:           500 * time.Millisecond,
		LockRetry:          20 * time.Millisecond,
		ReservationTTL:     5 * time.Minute,
		SlowQueryThreshold: 100 * time.Millisecond,
		OutboxTopic:        "pool_events_balance",
		Now:                time.Now,
	}
}

// OptionsFromConfig 从全局配置读取参数
func OptionsFromConfig(c config.PoolConfig) Options {
	opts := DefaultOptions()
	setDuration(&opts.BalanceTTL, c.BalanceCacheTTL)
	setDuration(&opts.SummaryTTL, c.SummaryCacheTTL)
	setDuration(&opts.LockTTL, c.LockTTL)
	setDuration(&opts.LockWait, c.LockWaitTimeout)
	setDuration(&opts.LockRetry, c.LockRetryInterval)
	setDuration(&opts.ReservationTTL, c.ReservationTTL)
	setDuration(&opts.SlowQueryThreshold, c.SlowQueryThreshold)
	if c.OutboxTopic != "" {
		opts.OutboxTopic = c.OutboxTopic
	}
	return opts
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// Manager 资金池余额管理器
// 池子记录只能通过 MutatePool 修改，调用方 (放款、回款、违约、管理接口) 都委托给它
type Manager struct {
	store        store.Store
	locker       lock.DistributedLock
	cache        cache.Cache
	reservations ReservationStore
	bus          event.Bus
	opts         Options
}

func NewManager(st store.Store, locker lock.DistributedLock, c cache.Cache, reservations ReservationStore, bus event.Bus, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if c == nil {
		c = cache.NewNopCache()
	}
	if bus == nil {
		bus = event.NewBroadcaster()
	}
	return &Manager{
		store:        st,
		locker:       locker,
		cache:        c,
		reservations: reservations,
		bus:          bus,
		opts:         opts,
	}
}

// NewRedisBacked Redis 模式: 分布式锁 + 两级缓存 + Redis 预留 (Redis 故障时预留退化到存储)
func NewRedisBacked(st store.Store, client *redis.Client, l1 *cache.MemoryCache, bus event.Bus, opts Options) *Manager {
	var c cache.Cache = cache.NewRedisCache(client)
	if l1 != nil {
		c = cache.NewMultiLevelCache(l1, c)
	}
	reservations := NewFallbackReservationStore(NewRedisReservationStore(client), NewDirectReservationStore(st))
	return NewManager(st, lock.NewRedisLock(client), c, reservations, bus, opts)
}

// NewStoreOnly 纯存储模式: 进程内锁 + 无缓存 + 预留直接改 reserved_capital
func NewStoreOnly(st store.Store, bus event.Bus, opts Options) *Manager {
	return NewManager(st, lock.NewLocalLock(), cache.NewNopCache(), NewDirectReservationStore(st), bus, opts)
}

// Store 底层存储 (只读查询用)
func (m *Manager) Store() store.Store {
	return m.store
}

func (m *Manager) now() time.Time {
	return m.opts.Now()
}

// GetBalance 缓存优先读取余额
func (m *Manager) GetBalance(ctx context.Context, poolID string) (*BalanceSnapshot, error) {
	var snap BalanceSnapshot
	err := m.cache.Get(ctx, balanceCacheKey(poolID), &snap)
	if err == nil && m.stillValid(&snap) {
		monitor.Business.CacheResult(true)
		snap.FromCache = true
		return &snap, nil
	}
	if err != nil && !cache.IsMiss(err) {
		logger.Warn("balance cache read failed", zap.String("pool_id", poolID), zap.Error(err))
	}
	monitor.Business.CacheResult(false)

	start := time.Now()
	pool, err := m.store.FindPoolByID(ctx, poolID)
	m.warnIfSlow("find_pool", start, zap.String("pool_id", poolID))
	if err != nil {
		return nil, mapStoreErr(err)
	}

	fresh := m.snapshot(ctx, pool)
	m.cacheBalance(ctx, fresh)
	return fresh, nil
}

// GetBalances 批量读取: 一次 MultiGet，未命中的一次批量查库
// 不存在的池子不出现在结果里，结果顺序与入参一致
func (m *Manager) GetBalances(ctx context.Context, poolIDs []string) ([]*BalanceSnapshot, error) {
	if len(poolIDs) == 0 {
		return []*BalanceSnapshot{}, nil
	}
	keys := make([]string, len(poolIDs))
	for i, id := range poolIDs {
		keys[i] = balanceCacheKey(id)
	}

	hits, err := m.cache.MultiGet(ctx, keys)
	if err != nil {
		logger.Warn("balance cache multi-get failed", zap.Error(err))
	}

	found := make(map[string]*BalanceSnapshot, len(poolIDs))
	var misses []string
	for _, id := range poolIDs {
		raw, ok := hits[balanceCacheKey(id)]
		if ok {
			var snap BalanceSnapshot
			if err := json.Unmarshal(raw, &snap); err == nil && m.stillValid(&snap) {
				monitor.Business.CacheResult(true)
				snap.FromCache = true
				found[id] = &snap
				continue
			}
		}
		monitor.Business.CacheResult(false)
		misses = append(misses, id)
	}

	if len(misses) > 0 {
		start := time.Now()
		pools, err := m.store.FindPools(ctx, store.PoolFilter{IDs: misses})
		m.warnIfSlow("find_pools", start, zap.Int("count", len(misses)))
		if err != nil {
			return nil, mapStoreErr(err)
		}
		for _, p := range pools {
			snap := m.snapshot(ctx, p)
			m.cacheBalance(ctx, snap)
			found[p.ID] = snap
		}
	}

	out := make([]*BalanceSnapshot, 0, len(found))
	seen := make(map[string]bool, len(poolIDs))
	for _, id := range poolIDs {
		if snap, ok := found[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, snap)
		}
	}
	return out, nil
}

// GetSummary 全部池子的汇总，整体缓存
func (m *Manager) GetSummary(ctx context.Context) (*PoolSummary, error) {
	var summary PoolSummary
	err := m.cache.Get(ctx, summaryCacheKey, &summary)
	if err == nil {
		monitor.Business.CacheResult(true)
		summary.FromCache = true
		return &summary, nil
	}
	if !cache.IsMiss(err) {
		logger.Warn("summary cache read failed", zap.Error(err))
	}
	monitor.Business.CacheResult(false)

	start := time.Now()
	pools, err := m.store.FindPools(ctx, store.PoolFilter{})
	m.warnIfSlow("find_pools", start)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	fresh := summarize(pools, m.now())
	m.cacheSet(ctx, summaryCacheKey, fresh, m.opts.SummaryTTL)
	return fresh, nil
}

func summarize(pools []*model.Pool, now time.Time) *PoolSummary {
	s := &PoolSummary{
		TotalPools:             int64(len(pools)),
		ByStatus:               make(map[model.PoolStatus]int64),
		ByTier:                 make(map[model.RiskTier]int64),
		ByHealth:               make(map[policy.Health]int64),
		TotalCapital:           decimal.Zero,
		AvailableCapital:       decimal.Zero,
		DeployedCapital:        decimal.Zero,
		ReservedCapital:        decimal.Zero,
		AverageUtilizationRate: decimal.Zero,
		AverageReserveRatio:    decimal.Zero,
		AsOf:                   now,
	}
	if len(pools) == 0 {
		return s
	}

	utilSum, reserveSum := decimal.Zero, decimal.Zero
	for _, p := range pools {
		s.ByStatus[p.Status]++
		s.ByTier[p.RiskTier]++
		s.TotalCapital = s.TotalCapital.Add(p.TotalCapital)
		s.AvailableCapital = s.AvailableCapital.Add(p.AvailableCapital)
		s.DeployedCapital = s.DeployedCapital.Add(p.DeployedCapital)
		s.ReservedCapital = s.ReservedCapital.Add(p.ReservedCapital)

		util := policy.UtilizationRate(p.DeployedCapital, p.TotalCapital)
		reserve := policy.ReserveRatio(p.AvailableCapital, p.TotalCapital)
		utilSum = utilSum.Add(util)
		reserveSum = reserveSum.Add(reserve)
		s.ByHealth[policy.AssessHealth(p.DefaultRate, util, reserve)]++
	}
	n := decimal.NewFromInt(int64(len(pools)))
	s.AverageUtilizationRate = utilSum.Div(n).Round(4)
	s.AverageReserveRatio = reserveSum.Div(n).Round(4)
	return s
}

// snapshot 由存储记录计算展示视图，有效预留从 available 中扣除
func (m *Manager) snapshot(ctx context.Context, pool *model.Pool) *BalanceSnapshot {
	now := m.now()
	holds := m.outstanding(ctx, pool.ID, "")
	available := pool.AvailableCapital.Sub(holds)
	if available.IsNegative() {
		available = decimal.Zero
	}

	var holdsExpireAt *time.Time
	if holds.IsPositive() {
		holdsExpireAt = m.earliestHoldExpiry(ctx, pool.ID, now)
	}

	util := policy.UtilizationRate(pool.DeployedCapital, pool.TotalCapital)
	reserve := policy.ReserveRatio(available, pool.TotalCapital)
	monitor.Business.SetAvailable(pool.ID, available)

	return &BalanceSnapshot{
		PoolID:             pool.ID,
		Name:               pool.Name,
		Status:             pool.Status,
		RiskTier:           pool.RiskTier,
		Currency:           pool.Currency,
		TotalCapital:       pool.TotalCapital,
		AvailableCapital:   available,
		RecordedAvailable:  pool.AvailableCapital,
		DeployedCapital:    pool.DeployedCapital,
		ReservedCapital:    pool.ReservedCapital,
		PendingHolds:       holds,
		HoldsExpireAt:      holdsExpireAt,
		EffectiveAvailable: policy.EffectiveAvailable(available, pool.TotalCapital, pool.MinReserveRatio),
		UtilizationRate:    util.Round(4),
		ReserveRatio:       reserve.Round(4),
		DefaultRate:        pool.DefaultRate,
		MinReserveRatio:    pool.MinReserveRatio,
		Health:             policy.AssessHealth(pool.DefaultRate, util, reserve),
		ActiveAdvances:     pool.TotalAdvancesActive,
		AsOf:               now,
	}
}

// earliestHoldExpiry 有效预留中最早的到期时间；读不到时返回 now，快照不进缓存
func (m *Manager) earliestHoldExpiry(ctx context.Context, poolID string, now time.Time) *time.Time {
	rs, err := m.reservations.List(ctx, poolID)
	if err != nil {
		return &now
	}
	var earliest *time.Time
	for _, r := range rs {
		if !r.IsActive(now) {
			continue
		}
		if earliest == nil || r.ExpiresAt.Before(*earliest) {
			at := r.ExpiresAt
			earliest = &at
		}
	}
	return earliest
}

// stillValid 缓存的快照里扣掉的预留已经到期时，快照不能再用
func (m *Manager) stillValid(snap *BalanceSnapshot) bool {
	return snap.HoldsExpireAt == nil || m.now().Before(*snap.HoldsExpireAt)
}

// cacheBalance 有预留时 TTL 不超过最早到期时间
func (m *Manager) cacheBalance(ctx context.Context, snap *BalanceSnapshot) {
	ttl := m.opts.BalanceTTL
	if snap.HoldsExpireAt != nil {
		left := snap.HoldsExpireAt.Sub(m.now())
		if left <= 0 {
			return
		}
		if left < ttl {
			ttl = left
		}
	}
	m.cacheSet(ctx, balanceCacheKey(snap.PoolID), snap, ttl)
}

// Outstanding 其他 advance 的有效预留之和 (尚未体现在存储余额里的部分)
// 预留后端不可用时按 0 处理并告警: 缓存层故障不能阻断存储路径
func (m *Manager) Outstanding(ctx context.Context, poolID, excludeAdvanceID string) decimal.Decimal {
	return m.outstanding(ctx, poolID, excludeAdvanceID)
}

func (m *Manager) outstanding(ctx context.Context, poolID, excludeAdvanceID string) decimal.Decimal {
	sum, err := m.reservations.Outstanding(ctx, poolID, excludeAdvanceID, m.now())
	if err != nil {
		logger.Warn("reservation backend unavailable, ignoring holds",
			zap.String("pool_id", poolID), zap.Error(err))
		return decimal.Zero
	}
	return sum
}

// HeldInStore advanceID 在存储里占用、放款时会交还的预留金额
func (m *Manager) HeldInStore(ctx context.Context, poolID, advanceID string) decimal.Decimal {
	sum, err := m.reservations.HeldInStore(ctx, poolID, advanceID)
	if err != nil {
		logger.Warn("lookup held reservations failed", zap.String("pool_id", poolID), zap.Error(err))
		return decimal.Zero
	}
	return sum
}

// AbsorbReservations 在 MutatePool 回调里调用，见 ReservationStore.Absorb
func (m *Manager) AbsorbReservations(ctx context.Context, pool *model.Pool, advanceID string) ([]*model.PoolTransaction, error) {
	return m.reservations.Absorb(ctx, pool, advanceID)
}

func (m *Manager) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := m.cache.Set(ctx, key, value, ttl); err != nil {
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate 删除池子余额缓存和汇总缓存
func (m *Manager) Invalidate(ctx context.Context, poolID string) {
	for _, key := range []string{balanceCacheKey(poolID), summaryCacheKey} {
		if err := m.cache.Delete(ctx, key); err != nil {
			logger.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// EvictLocal 其他节点变更了池子: 只淘汰本地 L1 (L2 已经被变更方删过)
func (m *Manager) EvictLocal(ctx context.Context, poolID string) {
	if ml, ok := m.cache.(*cache.MultiLevelCache); ok {
		ml.Evict(ctx, balanceCacheKey(poolID))
		ml.Evict(ctx, summaryCacheKey)
	}
}

func (m *Manager) warnIfSlow(op string, start time.Time, fields ...zap.Field) {
	elapsed := time.Since(start)
	if elapsed > m.opts.SlowQueryThreshold {
		logger.Warn("slow pool store query",
			append(fields, zap.String("op", op), zap.Duration("elapsed", elapsed))...)
	}
}

// Subscribe 订阅某个池子的余额变更
func (m *Manager) Subscribe(poolID string, h event.Handler) func() {
	return m.bus.Subscribe(poolID, h)
}

// SubscribeAll 订阅所有池子的余额变更
func (m *Manager) SubscribeAll(h event.Handler) func() {
	return m.bus.SubscribeAll(h)
}
