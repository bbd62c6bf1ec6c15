package balance

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"liquidity-core/internal/model"
	"liquidity-core/pkg/errno"
)

func validField(f model.BalanceField) bool {
	switch f {
	case model.FieldAvailable, model.FieldDeployed, model.FieldReserved, model.FieldTotal:
		return true
	}
	return false
}

// applyOperation 对 pool 执行一次字段修改并生成流水
// 为了保持 total = available + deployed + reserved:
// 改 available/deployed/reserved 时同步调整 total，改 total 时同步调整 available
func applyOperation(pool *model.Pool, op UpdateOperation) (*model.PoolTransaction, error) {
	if !validField(op.Field) || op.Amount.IsNegative() {
		return nil, errno.ErrInvalidOperation
	}

	before := pool.Get(op.Field)
	var after decimal.Decimal
	switch op.Operation {
	case OpIncrement:
		after = before.Add(op.Amount)
	case OpDecrement:
		after = before.Sub(op.Amount)
	case OpSet:
		after = op.Amount
	default:
		return nil, errno.ErrInvalidOperation
	}
	if after.IsNegative() {
		return nil, errno.ErrInsufficientBalance
	}

	delta := after.Sub(before)
	pool.Set(op.Field, after)
	mirror := model.FieldTotal
	if op.Field == model.FieldTotal {
		mirror = model.FieldAvailable
	}
	pool.Set(mirror, pool.Get(mirror).Add(delta))

	typ := op.Type
	if typ == "" {
		typ = model.TxAdjustment
	}
	entry := model.NewPoolTransaction(pool.ID, typ, op.Field, before, after, op.Description)
	entry.RelatedAdvanceID = op.RelatedAdvanceID
	entry.RelatedInvestorID = op.RelatedInvestorID
	if len(op.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(op.Metadata)
	}
	return entry, nil
}

// codeFor 把错误归类成更新失败原因；不属于业务失败的返回空串
func codeFor(err error) UpdateErrorCode {
	switch {
	case errors.Is(err, errno.ErrLockNotAcquired):
		return CodeLockTimeout
	case errors.Is(err, errno.ErrPoolNotFound):
		return CodePoolNotFound
	case errors.Is(err, errno.ErrInsufficientBalance), errors.Is(err, errno.ErrInvariantViolation):
		return CodeInsufficientBalance
	case errors.Is(err, errno.ErrInvalidOperation):
		return CodeInvalidOperation
	}
	return ""
}

func failedResult(poolID string, err error) (*UpdateResult, error) {
	code := codeFor(err)
	if code == "" {
		return nil, err
	}
	return &UpdateResult{PoolID: poolID, ErrorCode: code, Message: err.Error()}, nil
}

// UpdateBalance 对单个池子的单个字段做原子修改
// 业务失败放在结果里 (Success=false)，只有基础设施故障才返回 error
func (m *Manager) UpdateBalance(ctx context.Context, op UpdateOperation) (*UpdateResult, error) {
	var entry *model.PoolTransaction
	_, err := m.MutatePool(ctx, op.PoolID, "", func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
		e, err := applyOperation(pool, op)
		if err != nil {
			return nil, err
		}
		entry = e
		return []*model.PoolTransaction{e}, nil
	})
	if err != nil {
		return failedResult(op.PoolID, err)
	}
	return &UpdateResult{
		Success:       true,
		PoolID:        op.PoolID,
		TransactionID: entry.ID,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
	}, nil
}

// BatchUpdateBalances 批量更新
// Atomic: 所有池子按 id 顺序加锁，一个事务内执行，任一失败全部回滚
// 非 Atomic: 每个操作独立执行，分别报告结果
func (m *Manager) BatchUpdateBalances(ctx context.Context, req BatchUpdateRequest) (*BatchUpdateResult, error) {
	if !req.Atomic {
		return m.batchIndependent(ctx, req.Operations)
	}
	return m.batchAtomic(ctx, req.Operations)
}

func (m *Manager) batchIndependent(ctx context.Context, ops []UpdateOperation) (*BatchUpdateResult, error) {
	res := &BatchUpdateResult{Results: make([]*UpdateResult, len(ops))}
	for i, op := range ops {
		r, err := m.UpdateBalance(ctx, op)
		if err != nil {
			// 基础设施故障也只算这一条失败
			r = &UpdateResult{PoolID: op.PoolID, Message: err.Error()}
		}
		res.Results[i] = r
		if r.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.Success = res.Failed == 0
	return res, nil
}

func (m *Manager) batchAtomic(ctx context.Context, ops []UpdateOperation) (*BatchUpdateResult, error) {
	res := &BatchUpdateResult{Results: make([]*UpdateResult, len(ops))}
	if len(ops) == 0 {
		res.Success = true
		return res, nil
	}

	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.PoolID
	}
	unlock, err := m.lockPools(ctx, "batch_update", ids...)
	if err != nil {
		return failAll(res, ops, -1, err)
	}
	defer unlock()

	var touched []*pending
	opEntries := make([]*model.PoolTransaction, len(ops))
	failedAt := -1
	err = m.store.Transaction(ctx, func(ctx context.Context) error {
		byPool := make(map[string]*pending)
		for i, op := range ops {
			p, ok := byPool[op.PoolID]
			if !ok {
				pool, err := m.store.FindPoolForUpdate(ctx, op.PoolID)
				if err != nil {
					failedAt = i
					return mapStoreErr(err)
				}
				p = &pending{before: pool.Clone(), pool: pool}
				byPool[op.PoolID] = p
				touched = append(touched, p)
			}
			entry, err := applyOperation(p.pool, op)
			if err != nil {
				failedAt = i
				return err
			}
			p.entries = append(p.entries, entry)
			opEntries[i] = entry
			res.Results[i] = &UpdateResult{
				Success:       true,
				PoolID:        op.PoolID,
				BalanceBefore: entry.BalanceBefore,
				BalanceAfter:  entry.BalanceAfter,
			}
		}
		for _, p := range touched {
			if err := m.persist(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return failAll(res, ops, failedAt, err)
	}

	// persist 之后流水才有 id
	for i, entry := range opEntries {
		res.Results[i].TransactionID = entry.ID
	}
	for _, p := range touched {
		m.afterCommit(ctx, p)
	}
	res.Succeeded = len(ops)
	res.Success = true
	return res, nil
}

// failAll 原子批量失败: 每个操作都标记失败，出错的那一条带具体原因
func failAll(res *BatchUpdateResult, ops []UpdateOperation, failedAt int, err error) (*BatchUpdateResult, error) {
	code := codeFor(err)
	if code == "" {
		return nil, err
	}
	for i, op := range ops {
		r := &UpdateResult{PoolID: op.PoolID, ErrorCode: code, Message: "rolled back"}
		if failedAt < 0 || i == failedAt {
			r.Message = err.Error()
		}
		res.Results[i] = r
	}
	res.Failed = len(ops)
	res.Success = false
	return res, nil
}
