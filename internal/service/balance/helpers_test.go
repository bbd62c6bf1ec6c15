package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/cache"
	"liquidity-core/pkg/utils/lock"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	mgr    *Manager
	store  *store.MemoryStore
	locker *lock.LocalLock
	cache  *cache.MemoryCache
	bus    *event.Broadcaster
	clock  *fakeClock
}

func testOptions(clock *fakeClock) Options {
	opts := DefaultOptions()
	opts.LockWait = 50 * time.Millisecond
	opts.LockRetry = 5 * time.Millisecond
	opts.Now = clock.Now
	return opts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		locker: lock.NewLocalLock(),
		cache:  cache.NewMemoryCache(time.Minute, time.Minute),
		bus:    event.NewBroadcaster(),
		clock:  newFakeClock(),
	}
	h.mgr = NewManager(h.store, h.locker, h.cache, NewMemoryReservationStore(), h.bus, testOptions(h.clock))
	return h
}

func newStoreOnlyHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		bus:   event.NewBroadcaster(),
		clock: newFakeClock(),
	}
	h.mgr = NewStoreOnly(h.store, h.bus, testOptions(h.clock))
	return h
}

// seedPool 直接写存储，绕过 MutatePool
func seedPool(t *testing.T, st store.Store, id, total, available, deployed, reserveRatio string) *model.Pool {
	t.Helper()
	p := &model.Pool{
		ID:                    id,
		Name:                  "pool-" + id,
		Status:                model.PoolStatusActive,
		RiskTier:              model.RiskTierB,
		Currency:              "KES",
		TotalCapital:          dec(total),
		AvailableCapital:      dec(available),
		DeployedCapital:       dec(deployed),
		ReservedCapital:       decimal.Zero,
		MinReserveRatio:       dec(reserveRatio),
		MaxSingleAdvanceRatio: dec("10"),
	}
	require.NoError(t, p.CheckInvariant())
	require.NoError(t, st.CreatePool(context.Background(), p))
	return p
}

// countingCache 记录 MultiGet / Get 的调用次数
type countingCache struct {
	cache.Cache
	mu        sync.Mutex
	gets      int
	multiGets int
}

func (c *countingCache) Get(ctx context.Context, key string, target interface{}) error {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Cache.Get(ctx, key, target)
}

func (c *countingCache) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	c.mu.Lock()
	c.multiGets++
	c.mu.Unlock()
	return c.Cache.MultiGet(ctx, keys)
}

// brokenLock 模拟锁服务不可用
type brokenLock struct{}

func (brokenLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func (brokenLock) Release(ctx context.Context, key, token string) error {
	return errors.New("connection refused")
}

// brokenCache 模拟缓存不可用
type brokenCache struct{}

func (brokenCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return errors.New("cache down")
}

func (brokenCache) Get(ctx context.Context, key string, target interface{}) error {
	return errors.New("cache down")
}

func (brokenCache) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return nil, errors.New("cache down")
}

func (brokenCache) Delete(ctx context.Context, key string) error {
	return errors.New("cache down")
}

// slowStore 让单池查询变慢
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) FindPoolByID(ctx context.Context, id string) (*model.Pool, error) {
	time.Sleep(s.delay)
	return s.Store.FindPoolByID(ctx, id)
}

func assertInvariant(t *testing.T, st store.Store, id string) *model.Pool {
	t.Helper()
	p, err := st.FindPoolByID(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, p.CheckInvariant())
	return p
}
