package balance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/cache"
	"liquidity-core/pkg/errno"
)

// disburse 模拟放款引擎写 ADVANCE_DISBURSEMENT
func disburse(t *testing.T, mgr *Manager, poolID, advanceID, amount string) {
	t.Helper()
	_, err := mgr.MutatePool(context.Background(), poolID, "", func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
		absorbed, err := mgr.AbsorbReservations(ctx, pool, advanceID)
		if err != nil {
			return nil, err
		}
		before := pool.AvailableCapital
		pool.AvailableCapital = pool.AvailableCapital.Sub(dec(amount))
		pool.DeployedCapital = pool.DeployedCapital.Add(dec(amount))
		entry := model.NewPoolTransaction(pool.ID, model.TxAdvanceDisbursement, model.FieldAvailable, before, pool.AvailableCapital, "advance")
		entry.RelatedAdvanceID = advanceID
		return append(absorbed, entry), nil
	})
	require.NoError(t, err)
}

func TestCreateReservationInsufficientCapital(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// 需要保留 15,000，有效可用只有 5,000
	seedPool(t, h.store, "p1", "100000", "20000", "80000", "15")

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("10000")})
	assert.ErrorIs(t, err, errno.ErrInsufficientCapital)

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("3000")})
	require.NoError(t, err)
	assert.Equal(t, model.ReservationActive, r.Status)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), r.ExpiresAt)

	// 已有预留计入: 5,000 - 3,000 = 2,000
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-2", Amount: dec("2000.01")})
	assert.ErrorIs(t, err, errno.ErrInsufficientCapital)
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-2", Amount: dec("2000")})
	require.NoError(t, err)

	active, err := h.mgr.GetPoolReservations(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCreateReservationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "a", Amount: dec("0")})
	assert.ErrorIs(t, err, errno.ErrInvalidAmount)

	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "ghost", AdvanceID: "a", Amount: dec("1")})
	assert.ErrorIs(t, err, errno.ErrPoolNotFound)

	p.Status = model.PoolStatusPaused
	require.NoError(t, h.store.UpdatePool(ctx, p))
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "a", Amount: dec("1")})
	assert.ErrorIs(t, err, errno.ErrPoolNotActive)
}

func TestCreateReservationLockNotAcquired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	_, ok, _ := h.locker.Acquire(ctx, lockKey("p1"), time.Minute)
	require.True(t, ok)

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "a", Amount: dec("1")})
	assert.ErrorIs(t, err, errno.ErrLockNotAcquired)
}

func TestReservationExpiresAtBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "a", Amount: dec("600"), TTL: time.Minute})
	require.NoError(t, err)

	h.clock.Advance(time.Minute - time.Nanosecond)
	active, _ := h.mgr.GetPoolReservations(ctx, "p1")
	assert.Len(t, active, 1)
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "b", Amount: dec("600")})
	assert.ErrorIs(t, err, errno.ErrInsufficientCapital)

	// 恰好到 expiresAt 即视为过期
	h.clock.Advance(time.Nanosecond)
	active, _ = h.mgr.GetPoolReservations(ctx, "p1")
	assert.Empty(t, active)
	assert.True(t, h.mgr.Outstanding(ctx, "p1", "").IsZero())

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("1000")))

	_, err = h.mgr.ReleaseReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrReservationExpired)
	_, err = h.mgr.ReleaseReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrReservationNotFound)
}

func TestCommitReservationRequiresDisbursement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	var reasons []string
	h.mgr.Subscribe("p1", func(evt event.BalanceChangedEvent) { reasons = append(reasons, evt.Reason) })

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("400")})
	require.NoError(t, err)

	_, err = h.mgr.CommitReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrDisbursementNotFound)

	// 其他 advance 的放款不算
	disburse(t, h.mgr, "p1", "adv-other", "100")
	_, err = h.mgr.CommitReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrDisbursementNotFound)

	disburse(t, h.mgr, "p1", "adv-1", "400")
	committed, err := h.mgr.CommitReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCommitted, committed.Status)

	_, err = h.mgr.CommitReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrReservationNotFound)

	assert.Equal(t, []string{
		event.ReasonReservationCreated,
		string(model.TxAdvanceDisbursement),
		string(model.TxAdvanceDisbursement),
		event.ReasonReservationCommitted,
	}, reasons)

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("500")))
	assert.True(t, snap.PendingHolds.IsZero())
}

func TestReleaseReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("1000")})
	require.NoError(t, err)

	released, err := h.mgr.ReleaseReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationReleased, released.Status)

	// 释放后资金可以再预留
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-2", Amount: dec("1000")})
	require.NoError(t, err)

	_, err = h.mgr.ReleaseReservation(ctx, "missing")
	assert.ErrorIs(t, err, errno.ErrReservationNotFound)
}

func TestReservationSumNeverExceedsEffectiveAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "10000", "6000", "4000", "20")
	// 有效可用 = 6000 - 2000 = 4000

	accepted := 0
	for i := 0; i < 10; i++ {
		_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv", Amount: dec("700")})
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, errno.ErrInsufficientCapital)
	}
	assert.Equal(t, 5, accepted)
	assert.True(t, h.mgr.Outstanding(ctx, "p1", "").Equal(dec("3500")))
}

func TestStoreOnlyReservationMovesReservedCapital(t *testing.T) {
	h := newStoreOnlyHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "800", "200", "0")

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("300")})
	require.NoError(t, err)

	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.AvailableCapital.Equal(dec("500")))
	assert.True(t, p.ReservedCapital.Equal(dec("300")))

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("500")), "holds are already in the store, not subtracted twice")
	assert.True(t, h.mgr.HeldInStore(ctx, "p1", "adv-1").Equal(dec("300")))

	_, err = h.mgr.ReleaseReservation(ctx, r.ID)
	require.NoError(t, err)
	p = assertInvariant(t, h.store, "p1")
	assert.True(t, p.AvailableCapital.Equal(dec("800")))
	assert.True(t, p.ReservedCapital.IsZero())

	txs, _, _ := h.store.FindTransactions(ctx, store.TransactionFilter{PoolID: "p1"})
	require.Len(t, txs, 2)
	types := []model.TransactionType{txs[0].Type, txs[1].Type}
	assert.ElementsMatch(t, []model.TransactionType{model.TxReservationHold, model.TxReservationRelease}, types)

	_, err = h.mgr.ReleaseReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrReservationInactive)
}

func TestStoreOnlyDisbursementAbsorbsHold(t *testing.T) {
	h := newStoreOnlyHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	r, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("1000")})
	require.NoError(t, err)

	// 资金全部被预留，放款时先交还再扣减
	disburse(t, h.mgr, "p1", "adv-1", "1000")
	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.AvailableCapital.IsZero())
	assert.True(t, p.ReservedCapital.IsZero())
	assert.True(t, p.DeployedCapital.Equal(dec("1000")))

	committed, err := h.mgr.CommitReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCommitted, committed.Status)
}

func TestExpireReservationsReturnsHeldCapital(t *testing.T) {
	h := newStoreOnlyHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "1000", "0", "0")

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("250"), TTL: time.Minute})
	require.NoError(t, err)
	_, err = h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-2", Amount: dec("100"), TTL: time.Hour})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	n, err := h.mgr.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.ReservedCapital.Equal(dec("100")))
	assert.True(t, p.AvailableCapital.Equal(dec("900")))
}

func TestRedisReservationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	clock.t = time.Now().UTC().Truncate(time.Microsecond)
	mem := store.NewMemoryStore()
	seedPool(t, mem, "p1", "100000", "20000", "80000", "15")
	mgr := NewRedisBacked(mem, client, cache.NewMemoryCache(time.Minute, time.Minute), event.NewBroadcaster(), testOptions(clock))
	ctx := context.Background()

	_, err := mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("10000")})
	assert.ErrorIs(t, err, errno.ErrInsufficientCapital)

	r, err := mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("4000")})
	require.NoError(t, err)
	assert.True(t, mr.Exists(reservationKey(r.ID)))
	assert.True(t, mr.TTL(reservationKey(r.ID)) > 5*time.Minute)

	rs, err := mgr.GetPoolReservations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Amount.Equal(dec("4000")))
	assert.True(t, mgr.Outstanding(ctx, "p1", "").Equal(dec("4000")))
	assert.True(t, mgr.Outstanding(ctx, "p1", "adv-1").IsZero())

	snap, err := mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("16000")))

	_, err = mgr.ReleaseReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, mr.Exists(reservationKey(r.ID)))
	rs, _ = mgr.GetPoolReservations(ctx, "p1")
	assert.Empty(t, rs)

	_, err = mgr.ReleaseReservation(ctx, r.ID)
	assert.ErrorIs(t, err, errno.ErrReservationNotFound)
}

func TestRedisOutageFallsBackToStoreReservations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	clock := newFakeClock()
	mem := store.NewMemoryStore()
	seedPool(t, mem, "p1", "100000", "60000", "40000", "10")
	mgr := NewRedisBacked(mem, client, nil, event.NewBroadcaster(), testOptions(clock))
	ctx := context.Background()

	mr.Close()

	// 锁、缓存、预留后端都不可用，预留退化为直接占用 reserved_capital
	r, err := mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("1000"), TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, model.ReservationActive, r.Status)
	p := assertInvariant(t, mem, "p1")
	assert.True(t, p.ReservedCapital.Equal(dec("1000")))
	assert.True(t, p.AvailableCapital.Equal(dec("59000")))

	rs, err := mgr.GetPoolReservations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, r.ID, rs[0].ID)

	snap, err := mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("59000")))

	_, err = mgr.ReleaseReservation(ctx, r.ID)
	require.NoError(t, err)
	p = assertInvariant(t, mem, "p1")
	assert.True(t, p.ReservedCapital.IsZero())
	assert.True(t, p.AvailableCapital.Equal(dec("60000")))

	// 放款吸收退化期间的预留，随后的 commit 幂等
	r2, err := mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-2", Amount: dec("2000"), TTL: time.Minute})
	require.NoError(t, err)
	disburse(t, mgr, "p1", "adv-2", "2000")
	committed, err := mgr.CommitReservation(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCommitted, committed.Status)
	p = assertInvariant(t, mem, "p1")
	assert.True(t, p.ReservedCapital.IsZero())
	assert.True(t, p.DeployedCapital.Equal(dec("42000")))

	// 过期清理同样覆盖退化期间的预留
	_, err = mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-3", Amount: dec("500"), TTL: time.Minute})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	n, err := mgr.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p = assertInvariant(t, mem, "p1")
	assert.True(t, p.ReservedCapital.IsZero())

	_, err = mgr.ReleaseReservation(ctx, "missing")
	assert.Error(t, err)
}
