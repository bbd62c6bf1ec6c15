// Package allocation 放款选池与资金划拨
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
)

var messages = map[policy.AllocationErrorCode]string{
	policy.CodePoolNotFound:          "no eligible pool found",
	policy.CodePoolPaused:            "pool is not accepting allocations",
	policy.CodeAmountBelowMinimum:    "requested amount is below the pool minimum",
	policy.CodeAmountAboveMaximum:    "requested amount is above the pool maximum",
	policy.CodeExposureLimitExceeded: "allocation would exceed the pool exposure limit",
	policy.CodeReserveRatioViolation: "allocation would breach the minimum reserve ratio",
	policy.CodeConcurrentAllocation:  "pool balance changed concurrently, retry the allocation",
	policy.CodeInvalidRequest:        "invalid allocation request",
}

// rejection 在 MutatePool 回调里中止事务并带出失败码
type rejection struct {
	code   policy.AllocationErrorCode
	detail policy.AllocationErrorCode
}

func (r *rejection) Error() string {
	return fmt.Sprintf("allocation rejected: %s (%s)", r.code, r.detail)
}

// candidate 预检查用的池子视图: 配置取存储，资金取余额快照
type candidate struct {
	pool *model.Pool
	snap *balance.BalanceSnapshot
	free decimal.Decimal // 本 advance 可用的资金
}

// Engine 放款引擎，所有余额变更都委托给 balance.Manager
type Engine struct {
	balances *balance.Manager
	store    store.Store
}

func NewEngine(balances *balance.Manager) *Engine {
	return &Engine{balances: balances, store: balances.Store()}
}

// AllocateCapital 为一笔 advance 选池并划拨资金
// 业务失败返回 Success=false 的结果，error 只用于存储等基础设施故障
func (e *Engine) AllocateCapital(ctx context.Context, req Request) (*Result, error) {
	tier := req.RiskTier
	if tier == "" {
		tier = policy.TierForCreditScore(req.CreditScore)
	}
	if !req.RequestedAmount.IsPositive() || req.AdvanceID == "" || req.Currency == "" || !policy.ValidTier(tier) {
		return e.finish(req, failure(req, policy.CodeInvalidRequest, nil)), nil
	}

	// 1. 候选池
	eligible, err := e.eligible(ctx, req, tier)
	if err != nil {
		return nil, err
	}

	var chosen *candidate
	if req.PreferredPoolID != "" {
		chosen, err = e.load(ctx, req)
		if errors.Is(err, errno.ErrPoolNotFound) {
			return e.finish(req, failure(req, policy.CodePoolNotFound, alternatives(eligible, req.PreferredPoolID))), nil
		}
		if err != nil {
			return nil, err
		}
		if chosen.pool.Currency != req.Currency {
			res := failure(req, policy.CodeInvalidRequest, alternatives(eligible, chosen.pool.ID))
			res.Message = fmt.Sprintf("pool currency %s does not match request currency %s", chosen.pool.Currency, req.Currency)
			return e.finish(req, res), nil
		}
		// 2. 预检查
		if v := check(chosen.pool, req.RequestedAmount, chosen.free, chosen.snap.TotalCapital, chosen.snap.DeployedCapital); !v.Valid {
			res := failure(req, v.Code, alternatives(eligible, chosen.pool.ID))
			res.PoolID = chosen.pool.ID
			return e.finish(req, res), nil
		}
	} else {
		if len(eligible) == 0 {
			return e.finish(req, failure(req, policy.CodePoolNotFound, nil)), nil
		}
		rank(eligible, req.Priority)
		var first policy.Validation
		for i, c := range eligible {
			v := check(c.pool, req.RequestedAmount, c.free, c.snap.TotalCapital, c.snap.DeployedCapital)
			if v.Valid {
				chosen = c
				break
			}
			if i == 0 {
				first = v
			}
		}
		if chosen == nil {
			return e.finish(req, failure(req, first.Code, alternatives(eligible, ""))), nil
		}
	}

	// 3. 加锁 + 事务内按实时余额复核并划拨
	res, err := e.disburse(ctx, req, tier, chosen.pool.ID)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		res.Alternatives = alternatives(eligible, chosen.pool.ID)
	}
	return e.finish(req, res), nil
}

func (e *Engine) disburse(ctx context.Context, req Request, tier model.RiskTier, poolID string) (*Result, error) {
	amount := req.RequestedAmount
	fees := policy.CalculateFees(amount, tier)
	pct := policy.AdvancePercentageForTier(tier)

	var entry *model.PoolTransaction
	mutation, err := e.balances.MutatePool(ctx, poolID, "", func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
		// 纯存储模式下本 advance 的预留先交还 available
		absorbed, err := e.balances.AbsorbReservations(ctx, pool, req.AdvanceID)
		if err != nil {
			return nil, err
		}
		free := pool.AvailableCapital.Sub(e.balances.Outstanding(ctx, pool.ID, req.AdvanceID))
		if v := check(pool, amount, free, pool.TotalCapital, pool.DeployedCapital); !v.Valid {
			return nil, &rejection{code: policy.CodeConcurrentAllocation, detail: v.Code}
		}

		before := pool.AvailableCapital
		pool.AvailableCapital = pool.AvailableCapital.Sub(amount)
		pool.DeployedCapital = pool.DeployedCapital.Add(amount)
		pool.TotalAdvancesIssued++
		pool.TotalAdvancesActive++
		pool.TotalAmountDisbursed = pool.TotalAmountDisbursed.Add(amount)
		pool.RecalculateDefaultRate()

		entry = model.NewPoolTransaction(pool.ID, model.TxAdvanceDisbursement, model.FieldAvailable,
			before, pool.AvailableCapital, "advance disbursement "+req.AdvanceID)
		entry.RelatedAdvanceID = req.AdvanceID
		entry.Metadata = datatypes.JSONMap{
			"farmer_id":          req.FarmerID,
			"order_id":           req.OrderID,
			"risk_tier":          string(tier),
			"advance_percentage": pct.String(),
			"farmer_fee":         fees.FarmerFee.String(),
			"buyer_fee":          fees.BuyerFee.String(),
		}
		return append(absorbed, entry), nil
	})

	var rej *rejection
	switch {
	case err == nil:
	case errors.As(err, &rej):
		logger.Warn("allocation lost race",
			zap.String("pool_id", poolID),
			zap.String("advance_id", req.AdvanceID),
			zap.String("live_check", string(rej.detail)),
		)
		return failure(req, rej.code, nil), nil
	case errors.Is(err, errno.ErrLockNotAcquired):
		return failure(req, policy.CodeConcurrentAllocation, nil), nil
	case errors.Is(err, errno.ErrPoolNotFound):
		return failure(req, policy.CodePoolNotFound, nil), nil
	default:
		logger.Error("allocation failed",
			zap.String("pool_id", poolID),
			zap.String("advance_id", req.AdvanceID),
			zap.Error(err),
		)
		return nil, err
	}

	return &Result{
		Success:           true,
		PoolID:            poolID,
		AdvanceID:         req.AdvanceID,
		AllocatedAmount:   amount,
		RiskTier:          tier,
		AdvancePercentage: pct,
		Fees:              fees,
		TransactionID:     entry.ID,
		AvailableAfter:    mutation.After.AvailableCapital,
		DeployedAfter:     mutation.After.DeployedCapital,
	}, nil
}

// check 按固定顺序校验，最后是绝对敞口上限 (0 表示不限)
func check(pool *model.Pool, amount, free, total, deployed decimal.Decimal) policy.Validation {
	if !pool.IsActive() {
		return policy.Validation{Code: policy.CodePoolPaused}
	}
	if v := policy.ValidateAllocationAmount(amount, free, total, policy.ConstraintsFor(pool)); !v.Valid {
		return v
	}
	if pool.MaxExposureLimit.IsPositive() && deployed.Add(amount).GreaterThan(pool.MaxExposureLimit) {
		return policy.Validation{Code: policy.CodeExposureLimitExceeded}
	}
	return policy.Validation{Valid: true}
}

// eligible 币种一致、状态 ACTIVE、风险等级兼容的池子
func (e *Engine) eligible(ctx context.Context, req Request, tier model.RiskTier) ([]*candidate, error) {
	pools, err := e.store.FindPools(ctx, store.PoolFilter{Status: model.PoolStatusActive, Currency: req.Currency})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
	}
	compatible := make([]*model.Pool, 0, len(pools))
	ids := make([]string, 0, len(pools))
	for _, p := range pools {
		if policy.TierCompatible(p.RiskTier, tier) {
			compatible = append(compatible, p)
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	snaps, err := e.balances.GetBalances(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*balance.BalanceSnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.PoolID] = s
	}
	out := make([]*candidate, 0, len(compatible))
	for _, p := range compatible {
		snap, ok := byID[p.ID]
		if !ok {
			continue
		}
		out = append(out, e.candidate(ctx, p, snap, req.AdvanceID))
	}
	return out, nil
}

// load 指定池子时直接读取，不做风险等级过滤
func (e *Engine) load(ctx context.Context, req Request) (*candidate, error) {
	pool, err := e.store.FindPoolByID(ctx, req.PreferredPoolID)
	if store.IsNotFound(err) {
		return nil, errno.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
	}
	snap, err := e.balances.GetBalance(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	return e.candidate(ctx, pool, snap, req.AdvanceID), nil
}

// candidate 本 advance 自己的预留不算占用: 其他 advance 的有效预留要扣掉，
// 纯存储模式下已经挪进 reserved_capital 的本 advance 预留会在放款时交还
func (e *Engine) candidate(ctx context.Context, pool *model.Pool, snap *balance.BalanceSnapshot, advanceID string) *candidate {
	free := snap.RecordedAvailable.
		Sub(e.balances.Outstanding(ctx, pool.ID, advanceID)).
		Add(e.balances.HeldInStore(ctx, pool.ID, advanceID))
	return &candidate{pool: pool, snap: snap, free: free}
}

func (c *candidate) effective() decimal.Decimal {
	return policy.EffectiveAvailable(c.free, c.snap.TotalCapital, c.pool.MinReserveRatio)
}

// rank 按优先级排序，平手时按有效可用降序，再按 id
func rank(cs []*candidate, priority Priority) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch priority {
		case PriorityHighestAvailable:
		case PriorityBestReturn:
			if c := a.pool.ActualReturnRate.Cmp(b.pool.ActualReturnRate); c != 0 {
				return c > 0
			}
		default:
			if ra, rb := policy.TierRank(a.pool.RiskTier), policy.TierRank(b.pool.RiskTier); ra != rb {
				return ra < rb
			}
		}
		if c := a.effective().Cmp(b.effective()); c != 0 {
			return c > 0
		}
		return a.pool.ID < b.pool.ID
	})
}

// alternatives 其他还有可用资金的池子
func alternatives(cs []*candidate, exclude string) []Alternative {
	out := make([]Alternative, 0)
	for _, c := range cs {
		if c.pool.ID == exclude || !c.pool.IsActive() {
			continue
		}
		eff := c.effective()
		if !eff.IsPositive() {
			continue
		}
		out = append(out, Alternative{
			PoolID:             c.pool.ID,
			Name:               c.pool.Name,
			RiskTier:           c.pool.RiskTier,
			EffectiveAvailable: eff,
			ActualReturnRate:   c.pool.ActualReturnRate,
		})
		if len(out) == maxAlternatives {
			break
		}
	}
	return out
}

func failure(req Request, code policy.AllocationErrorCode, alts []Alternative) *Result {
	return &Result{
		Success:         false,
		AdvanceID:       req.AdvanceID,
		AllocatedAmount: decimal.Zero,
		ErrorCode:       code,
		Message:         messages[code],
		Alternatives:    alts,
	}
}

func (e *Engine) finish(req Request, res *Result) *Result {
	if res.Success {
		monitor.Business.ObserveAllocation("SUCCESS", req.Currency, res.AllocatedAmount)
		logger.Info("capital allocated",
			zap.String("pool_id", res.PoolID),
			zap.String("advance_id", req.AdvanceID),
			zap.String("amount", res.AllocatedAmount.String()),
			zap.String("transaction_id", res.TransactionID),
		)
		return res
	}
	monitor.Business.ObserveAllocation(string(res.ErrorCode), req.Currency, req.RequestedAmount)
	logger.Info("allocation rejected",
		zap.String("advance_id", req.AdvanceID),
		zap.String("pool_id", res.PoolID),
		zap.String("code", string(res.ErrorCode)),
		zap.Int("alternatives", len(res.Alternatives)),
	)
	return res
}
