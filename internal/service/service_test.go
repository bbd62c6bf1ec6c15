package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/utils/lock"
)

type published struct {
	topic, key string
	payload    []byte
}

type fakeProducer struct {
	mu     sync.Mutex
	sent   []published
	failAt int // 第 failAt 次 Publish 返回错误，0 表示不失败
	calls  int
}

func (p *fakeProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func seedOutbox(t *testing.T, st store.Store, keys ...string) {
	t.Helper()
	for i, k := range keys {
		msg, err := model.NewOutboxMessage("pool_events_balance", k, map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, st.CreateOutboxMessage(context.Background(), msg))
	}
}

func TestRelayPublishesPendingMessages(t *testing.T) {
	st := store.NewMemoryStore()
	seedOutbox(t, st, "p1", "p2", "p1")
	producer := &fakeProducer{}
	relay := NewRelayService(st, producer, time.Millisecond)

	assert.Equal(t, 3, relay.processPendingMessages(context.Background()))
	require.Len(t, producer.sent, 3)
	assert.Equal(t, "p1", producer.sent[0].key)
	assert.Equal(t, "p2", producer.sent[1].key)
	assert.Equal(t, "pool_events_balance", producer.sent[0].topic)

	pending, err := st.FindPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Zero(t, relay.processPendingMessages(context.Background()))
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seedOutbox(t, st, "p1", "p1", "p1")
	producer := &fakeProducer{failAt: 2}
	relay := NewRelayService(st, producer, time.Millisecond)

	assert.Equal(t, 1, relay.processPendingMessages(context.Background()))
	pending, _ := st.FindPendingOutbox(context.Background(), 10)
	assert.Len(t, pending, 2, "failed message and everything after it stay pending")

	// 下一轮按原顺序补发
	assert.Equal(t, 2, relay.processPendingMessages(context.Background()))
	require.Len(t, producer.sent, 3)
}

func TestRelayStartStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	seedOutbox(t, st, "p1")
	producer := &fakeProducer{}
	relay := NewRelayService(st, producer, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return len(producer.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newSweepFixture(t *testing.T) (*balance.Manager, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts := balance.DefaultOptions()
	opts.Now = clk.Now
	mgr := balance.NewStoreOnly(st, event.NewBroadcaster(), opts)

	p := &model.Pool{
		ID:               "p1",
		Name:             "pool-p1",
		Status:           model.PoolStatusActive,
		RiskTier:         model.RiskTierA,
		Currency:         "KES",
		TotalCapital:     decimal.NewFromInt(1000),
		AvailableCapital: decimal.NewFromInt(1000),
	}
	require.NoError(t, st.CreatePool(context.Background(), p))
	_, err := mgr.CreateReservation(context.Background(), balance.ReservationRequest{
		PoolID: "p1", AdvanceID: "adv-1", Amount: decimal.NewFromInt(400), TTL: time.Minute,
	})
	require.NoError(t, err)
	return mgr, st, clk
}

func TestCronExpireReservationsReturnsCapital(t *testing.T) {
	mgr, st, clk := newSweepFixture(t)
	svc := NewCronService(mgr, lock.NewLocalLock(), "")

	// 未过期不动
	svc.ExpireReservations()
	p, _ := st.FindPoolByID(context.Background(), "p1")
	assert.True(t, p.ReservedCapital.Equal(decimal.NewFromInt(400)))

	clk.Advance(2 * time.Minute)
	svc.ExpireReservations()
	p, _ = st.FindPoolByID(context.Background(), "p1")
	assert.True(t, p.ReservedCapital.IsZero())
	assert.True(t, p.AvailableCapital.Equal(decimal.NewFromInt(1000)))
	require.NoError(t, p.CheckInvariant())
}

func TestCronSkipsWhenLockHeldElsewhere(t *testing.T) {
	mgr, st, clk := newSweepFixture(t)
	locker := lock.NewLocalLock()
	_, ok, err := locker.Acquire(context.Background(), expireLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	svc := NewCronService(mgr, locker, "@every 1m")
	clk.Advance(2 * time.Minute)
	svc.ExpireReservations()

	p, _ := st.FindPoolByID(context.Background(), "p1")
	assert.True(t, p.ReservedCapital.Equal(decimal.NewFromInt(400)), "another node owns the sweep")
}

func TestCronRejectsBadSchedule(t *testing.T) {
	mgr, _, _ := newSweepFixture(t)
	svc := NewCronService(mgr, lock.NewLocalLock(), "every minute please")
	assert.Error(t, svc.Start())

	ok := NewCronService(mgr, lock.NewLocalLock(), "@every 1h")
	require.NoError(t, ok.Start())
	ok.Stop()
}
