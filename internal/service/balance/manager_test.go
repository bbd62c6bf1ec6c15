package balance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/cache"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/utils/lock"
)

func TestGetBalanceCacheIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000000", "600000", "400000", "15")

	first, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.True(t, first.AvailableCapital.Equal(dec("600000")))
	assert.True(t, first.EffectiveAvailable.Equal(dec("450000")))
	assert.True(t, first.UtilizationRate.Equal(dec("40")))
	assert.True(t, first.ReserveRatio.Equal(dec("60")))
	assert.Equal(t, policy.HealthHealthy, first.Health)

	second, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, second.FromCache)

	second.FromCache = false
	assert.True(t, first.TotalCapital.Equal(second.TotalCapital))
	assert.True(t, first.AvailableCapital.Equal(second.AvailableCapital))
	assert.True(t, first.EffectiveAvailable.Equal(second.EffectiveAvailable))
	assert.Equal(t, first.Health, second.Health)
}

func TestGetBalanceNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.GetBalance(context.Background(), "nope")
	assert.ErrorIs(t, err, errno.ErrPoolNotFound)
}

func TestGetBalanceSubtractsActiveReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "100000", "50000", "50000", "10")

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("8000")})
	require.NoError(t, err)

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, snap.FromCache, "reservation invalidated the cache")
	assert.True(t, snap.AvailableCapital.Equal(dec("42000")))
	assert.True(t, snap.RecordedAvailable.Equal(dec("50000")))
	assert.True(t, snap.PendingHolds.Equal(dec("8000")))
}

func TestCachedBalanceDropsExpiredHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "100000", "60000", "40000", "10")

	_, err := h.mgr.CreateReservation(ctx, ReservationRequest{PoolID: "p1", AdvanceID: "adv-1", Amount: dec("10000"), TTL: 10 * time.Second})
	require.NoError(t, err)

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("50000")))
	require.NotNil(t, snap.HoldsExpireAt)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), *snap.HoldsExpireAt)

	h.clock.Advance(9 * time.Second)
	snap, err = h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.AvailableCapital.Equal(dec("50000")))

	// 没有任何 release 调用，到期后缓存里的快照不能再扣掉这笔预留
	h.clock.Advance(2 * time.Second)
	snap, err = h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, snap.FromCache)
	assert.True(t, snap.AvailableCapital.Equal(dec("60000")))
	assert.True(t, snap.PendingHolds.IsZero())
	assert.Nil(t, snap.HoldsExpireAt)

	snaps, err := h.mgr.GetBalances(ctx, []string{"p1"})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].AvailableCapital.Equal(dec("60000")))
}

func TestGetBalancesUsesSingleMultiGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cc := &countingCache{Cache: h.cache}
	h.mgr = NewManager(h.store, h.locker, cc, NewMemoryReservationStore(), h.bus, testOptions(h.clock))

	seedPool(t, h.store, "p1", "1000", "1000", "0", "10")
	seedPool(t, h.store, "p2", "2000", "2000", "0", "10")
	seedPool(t, h.store, "p3", "3000", "3000", "0", "10")

	_, err := h.mgr.GetBalance(ctx, "p2")
	require.NoError(t, err)

	snaps, err := h.mgr.GetBalances(ctx, []string{"p3", "p2", "missing", "p1"})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "p3", snaps[0].PoolID)
	assert.Equal(t, "p2", snaps[1].PoolID)
	assert.True(t, snaps[1].FromCache)
	assert.Equal(t, "p1", snaps[2].PoolID)
	assert.False(t, snaps[2].FromCache)
	assert.Equal(t, 1, cc.multiGets)
	assert.Equal(t, 1, cc.gets, "only the warm-up GetBalance used a single get")
}

func TestGetSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000000", "600000", "400000", "15")
	seedPool(t, h.store, "p2", "100", "2", "98", "15")

	summary, err := h.mgr.GetSummary(ctx)
	require.NoError(t, err)
	assert.False(t, summary.FromCache)
	assert.Equal(t, int64(2), summary.TotalPools)
	assert.Equal(t, int64(2), summary.ByStatus[model.PoolStatusActive])
	assert.True(t, summary.TotalCapital.Equal(dec("1000100")))
	assert.True(t, summary.AverageUtilizationRate.Equal(dec("69")))
	assert.Equal(t, int64(1), summary.ByHealth[policy.HealthCritical])

	again, err := h.mgr.GetSummary(ctx)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
}

func TestUpdateBalanceWritesLedgerAndInvalidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	_, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)

	var events []event.BalanceChangedEvent
	unsub := h.mgr.Subscribe("p1", func(evt event.BalanceChangedEvent) {
		// 收到通知时缓存必须已经删掉
		snap, err := h.mgr.GetBalance(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, snap.FromCache)
		events = append(events, evt)
	})
	defer unsub()

	res, err := h.mgr.UpdateBalance(ctx, UpdateOperation{
		PoolID:      "p1",
		Field:       model.FieldAvailable,
		Operation:   OpIncrement,
		Amount:      dec("250"),
		Type:        model.TxCapitalDeposit,
		Description: "investor top-up",
		Metadata:    map[string]interface{}{"investor": "inv-9"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.BalanceBefore.Equal(dec("600")))
	assert.True(t, res.BalanceAfter.Equal(dec("850")))
	assert.NotEmpty(t, res.TransactionID)

	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.TotalCapital.Equal(dec("1250")))

	txs, total, err := h.store.FindTransactions(ctx, store.TransactionFilter{PoolID: "p1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, res.TransactionID, txs[0].ID)
	assert.Equal(t, model.TxCapitalDeposit, txs[0].Type)
	assert.True(t, txs[0].VerifyChecksum())
	assert.True(t, txs[0].BalanceAfter.Sub(txs[0].BalanceBefore).Equal(txs[0].SignedAmount()))
	assert.Equal(t, "inv-9", txs[0].Metadata["investor"])

	require.Len(t, events, 1)
	assert.Equal(t, string(model.TxCapitalDeposit), events[0].Reason)
	assert.True(t, events[0].AvailableCapital.Equal(dec("850")))

	pending, _ := h.store.FindPendingOutbox(ctx, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].Key)
}

func TestUpdateBalanceOperations(t *testing.T) {
	tests := []struct {
		name      string
		op        UpdateOperation
		wantCode  UpdateErrorCode
		wantTotal string
	}{
		{"set total mirrors available", UpdateOperation{Field: model.FieldTotal, Operation: OpSet, Amount: dec("900")}, "", "900"},
		{"decrement deployed", UpdateOperation{Field: model.FieldDeployed, Operation: OpDecrement, Amount: dec("100")}, "", "900"},
		{"negative result", UpdateOperation{Field: model.FieldAvailable, Operation: OpDecrement, Amount: dec("601")}, CodeInsufficientBalance, "1000"},
		{"total below deployed", UpdateOperation{Field: model.FieldTotal, Operation: OpSet, Amount: dec("300")}, CodeInsufficientBalance, "1000"},
		{"unknown field", UpdateOperation{Field: "bogus", Operation: OpSet, Amount: dec("1")}, CodeInvalidOperation, "1000"},
		{"unknown operation", UpdateOperation{Field: model.FieldAvailable, Operation: "MULTIPLY", Amount: dec("1")}, CodeInvalidOperation, "1000"},
		{"negative amount", UpdateOperation{Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("-1")}, CodeInvalidOperation, "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seedPool(t, h.store, "p1", "1000", "600", "400", "10")
			tt.op.PoolID = "p1"

			res, err := h.mgr.UpdateBalance(context.Background(), tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode == "", res.Success)
			assert.Equal(t, tt.wantCode, res.ErrorCode)

			p := assertInvariant(t, h.store, "p1")
			assert.True(t, p.TotalCapital.Equal(dec(tt.wantTotal)), "total %s", p.TotalCapital)
		})
	}
}

func TestUpdateBalancePoolNotFound(t *testing.T) {
	h := newHarness(t)
	res, err := h.mgr.UpdateBalance(context.Background(), UpdateOperation{
		PoolID: "ghost", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("1"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodePoolNotFound, res.ErrorCode)
}

func TestUpdateBalanceLockTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	_, ok, err := h.locker.Acquire(ctx, lockKey("p1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	res, err := h.mgr.UpdateBalance(ctx, UpdateOperation{
		PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("1"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeLockTimeout, res.ErrorCode)
	assert.Less(t, time.Since(start), 2*time.Second, "bounded wait")

	_, total, _ := h.store.FindTransactions(ctx, store.TransactionFilter{PoolID: "p1"})
	assert.Zero(t, total)
}

func TestMutatePoolReleasesLockOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	boom := errors.New("boom")
	_, err := h.mgr.MutatePool(ctx, "p1", "", func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := h.locker.Acquire(ctx, lockKey("p1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock released on error path")
}

func TestMutatePoolRejectsUnrecordedChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	_, err := h.mgr.MutatePool(ctx, "p1", "", func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
		pool.AvailableCapital = pool.AvailableCapital.Sub(dec("1"))
		pool.DeployedCapital = pool.DeployedCapital.Add(dec("1"))
		return nil, nil
	})
	assert.ErrorIs(t, err, errno.ErrInvariantViolation)
	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.AvailableCapital.Equal(dec("600")))
}

func TestMutatePoolRollsBackOnLedgerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")
	h.store.FailNextCreateTransaction = errors.New("disk full")

	_, err := h.mgr.UpdateBalance(ctx, UpdateOperation{
		PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("5"),
	})
	assert.Error(t, err)
	p := assertInvariant(t, h.store, "p1")
	assert.True(t, p.AvailableCapital.Equal(dec("600")), "no mutation without ledger entry")
}

func TestLockProviderFailureFallsBackToStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mgr = NewManager(h.store, brokenLock{}, brokenCache{}, NewMemoryReservationStore(), h.bus, testOptions(h.clock))
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	res, err := h.mgr.UpdateBalance(ctx, UpdateOperation{
		PoolID: "p1", Field: model.FieldDeployed, Operation: OpIncrement, Amount: dec("5"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	snap, err := h.mgr.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, snap.FromCache)
	assert.True(t, snap.DeployedCapital.Equal(dec("405")))
}

func TestBatchUpdateAtomicRollsBackAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")
	seedPool(t, h.store, "p2", "1000", "600", "400", "10")

	res, err := h.mgr.BatchUpdateBalances(ctx, BatchUpdateRequest{
		Atomic: true,
		Operations: []UpdateOperation{
			{PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("100")},
			{PoolID: "p2", Field: model.FieldAvailable, Operation: OpDecrement, Amount: dec("10000")},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, CodeInsufficientBalance, res.Results[1].ErrorCode)

	p1 := assertInvariant(t, h.store, "p1")
	assert.True(t, p1.AvailableCapital.Equal(dec("600")))
	_, total, _ := h.store.FindTransactions(ctx, store.TransactionFilter{})
	assert.Zero(t, total)
}

func TestBatchUpdateAtomicSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")
	seedPool(t, h.store, "p2", "1000", "600", "400", "10")

	var published int32
	h.mgr.SubscribeAll(func(evt event.BalanceChangedEvent) { atomic.AddInt32(&published, 1) })

	res, err := h.mgr.BatchUpdateBalances(ctx, BatchUpdateRequest{
		Atomic: true,
		Operations: []UpdateOperation{
			{PoolID: "p2", Field: model.FieldAvailable, Operation: OpDecrement, Amount: dec("100")},
			{PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("100")},
			{PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("50")},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Succeeded)
	for _, r := range res.Results {
		assert.NotEmpty(t, r.TransactionID)
	}
	assert.True(t, res.Results[2].BalanceBefore.Equal(dec("700")), "ops on the same pool compound")

	p1 := assertInvariant(t, h.store, "p1")
	assert.True(t, p1.AvailableCapital.Equal(dec("750")))
	assertInvariant(t, h.store, "p2")
	assert.Equal(t, int32(2), atomic.LoadInt32(&published), "one event per touched pool")
}

func TestBatchUpdateNonAtomicPartial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	res, err := h.mgr.BatchUpdateBalances(ctx, BatchUpdateRequest{
		Operations: []UpdateOperation{
			{PoolID: "p1", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("100")},
			{PoolID: "ghost", Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("1")},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, CodePoolNotFound, res.Results[1].ErrorCode)

	p1 := assertInvariant(t, h.store, "p1")
	assert.True(t, p1.AvailableCapital.Equal(dec("700")))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")
	seedPool(t, h.store, "p2", "1000", "600", "400", "10")

	var p1Hits, allHits int32
	unsub := h.mgr.Subscribe("p1", func(evt event.BalanceChangedEvent) { atomic.AddInt32(&p1Hits, 1) })
	unsubAll := h.mgr.SubscribeAll(func(evt event.BalanceChangedEvent) { atomic.AddInt32(&allHits, 1) })

	inc := func(id string) {
		res, err := h.mgr.UpdateBalance(ctx, UpdateOperation{PoolID: id, Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("1")})
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	inc("p1")
	inc("p2")
	assert.Equal(t, int32(1), atomic.LoadInt32(&p1Hits))
	assert.Equal(t, int32(2), atomic.LoadInt32(&allHits))

	unsub()
	unsubAll()
	inc("p1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&p1Hits))
	assert.Equal(t, int32(2), atomic.LoadInt32(&allHits))
}

func TestSlowStoreQueryIsLoggedNotFailed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	orig := logger.Log
	logger.Log = zap.New(core)
	defer func() { logger.Log = orig }()

	clock := newFakeClock()
	mem := store.NewMemoryStore()
	seedPool(t, mem, "p1", "1000", "600", "400", "10")
	opts := testOptions(clock)
	opts.SlowQueryThreshold = time.Millisecond
	mgr := NewManager(&slowStore{Store: mem, delay: 5 * time.Millisecond}, lock.NewLocalLock(), cache.NewNopCache(), NewMemoryReservationStore(), nil, opts)

	snap, err := mgr.GetBalance(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, snap.AvailableCapital.Equal(dec("600")))
	assert.Equal(t, 1, logs.FilterMessage("slow pool store query").Len())
}

func TestTransactionQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "10")

	ops := []UpdateOperation{
		{Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("500"), Type: model.TxCapitalDeposit},
		{Field: model.FieldAvailable, Operation: OpIncrement, Amount: dec("30"), Type: model.TxFeeCollection},
		{Field: model.FieldAvailable, Operation: OpDecrement, Amount: dec("200"), Type: model.TxCapitalWithdrawal},
		{Field: model.FieldDeployed, Operation: OpDecrement, Amount: dec("10"), Type: model.TxAdjustment},
	}
	start := h.clock.Now()
	for _, op := range ops {
		op.PoolID = "p1"
		res, err := h.mgr.UpdateBalance(ctx, op)
		require.NoError(t, err)
		require.True(t, res.Success)
		h.clock.Advance(time.Minute)
	}

	page, err := h.mgr.GetTransactions(ctx, store.TransactionFilter{PoolID: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, model.TxAdjustment, page.Items[0].Type)

	page, err = h.mgr.GetTransactions(ctx, store.TransactionFilter{PoolID: "p1", Types: []model.TransactionType{model.TxFeeCollection}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, defaultPageSize, page.Limit)

	summary, err := h.mgr.GetTransactionSummary(ctx, "p1", start, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Count)
	assert.True(t, summary.TotalInflow.Equal(dec("530")))
	assert.True(t, summary.TotalOutflow.Equal(dec("200")))
	assert.True(t, summary.NetChange.Equal(dec("330")))
	assert.Equal(t, int64(1), summary.ByType[model.TxAdjustment].Count)

	// end 不含
	summary, err = h.mgr.GetTransactionSummary(ctx, "p1", start, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Count)
}

func TestUpdatePoolSettingsRejectsBalanceChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedPool(t, h.store, "p1", "1000", "600", "400", "15")

	_, err := h.mgr.UpdatePoolSettings(ctx, "p1", func(p *model.Pool) ([]string, error) {
		p.AvailableCapital = p.AvailableCapital.Add(dec("1"))
		p.TotalCapital = p.TotalCapital.Add(dec("1"))
		return []string{"available_capital", "total_capital"}, nil
	})
	assert.ErrorIs(t, err, errno.ErrInvariantViolation)

	updated, err := h.mgr.UpdatePoolSettings(ctx, "p1", func(p *model.Pool) ([]string, error) {
		p.Status = model.PoolStatusPaused
		return []string{"status"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusPaused, updated.Status)

	p := assertInvariant(t, h.store, "p1")
	assert.Equal(t, model.PoolStatusPaused, p.Status)
	assert.True(t, p.TotalCapital.Equal(dec("1000")))
}
