// Package settlement 回款与违约核销
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"liquidity-core/internal/model"
	"liquidity-core/internal/service/balance"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
	"liquidity-core/pkg/monitor"
)

// Handler 回款 / 违约处理，余额变更都走 balance.Manager.MutatePool
type Handler struct {
	balances *balance.Manager
}

func NewHandler(balances *balance.Manager) *Handler {
	return &Handler{balances: balances}
}

// codeFor 业务错误转失败码，ok=false 表示基础设施错误需要向上返回
func codeFor(err error) (ErrorCode, string, bool) {
	switch {
	case errors.Is(err, errno.ErrPoolNotFound):
		return CodePoolNotFound, errno.ErrPoolNotFound.Message, true
	case errors.Is(err, errno.ErrLockNotAcquired):
		return CodeLockTimeout, errno.ErrLockNotAcquired.Message, true
	case errors.Is(err, errno.ErrInsufficientDeployed):
		return CodeInsufficientDeployed, errno.ErrInsufficientDeployed.Message, true
	case errors.Is(err, errno.ErrInvalidAmount):
		return CodeInvalidAmount, errno.ErrInvalidAmount.Message, true
	}
	return "", "", false
}

// ReleaseCapital 回款: 本金从 deployed 回到 available，手续费 / 罚金增加 available 与 total
// 每个非零部分单独记一条流水
func (h *Handler) ReleaseCapital(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	fees := req.FeesCollected
	penalties := req.PenaltiesCollected
	res := &ReleaseResult{
		PoolID:             req.PoolID,
		AdvanceID:          req.AdvanceID,
		PrincipalReleased:  decimal.Zero,
		FeesCollected:      fees,
		PenaltiesCollected: penalties,
		NetAmount:          decimal.Zero,
	}
	if req.ReleaseType == "" {
		req.ReleaseType = PartialRepayment
	}
	if !req.Amount.IsPositive() || fees.IsNegative() || penalties.IsNegative() ||
		(req.ReleaseType != FullRepayment && req.ReleaseType != PartialRepayment) {
		res.ErrorCode, res.Message = CodeInvalidAmount, errno.ErrInvalidAmount.Message
		return res, nil
	}

	mutation, err := h.balances.MutatePool(ctx, req.PoolID, string(model.TxAdvanceRepayment),
		func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
			if pool.DeployedCapital.LessThan(req.Amount) {
				return nil, errno.ErrInsufficientDeployed
			}
			entries := make([]*model.PoolTransaction, 0, 3)
			credit := func(typ model.TransactionType, amount decimal.Decimal, description string) {
				if !amount.IsPositive() {
					return
				}
				before := pool.AvailableCapital
				pool.AvailableCapital = pool.AvailableCapital.Add(amount)
				entry := model.NewPoolTransaction(pool.ID, typ, model.FieldAvailable, before, pool.AvailableCapital, description)
				entry.RelatedAdvanceID = req.AdvanceID
				entry.Metadata = datatypes.JSONMap{"source": req.Source, "release_type": string(req.ReleaseType)}
				entries = append(entries, entry)
			}

			// 1. 本金
			pool.DeployedCapital = pool.DeployedCapital.Sub(req.Amount)
			credit(model.TxAdvanceRepayment, req.Amount, "advance repayment "+req.AdvanceID)
			// 2. 手续费 / 罚金是新增资金
			credit(model.TxFeeCollection, fees, "fees collected for "+req.AdvanceID)
			credit(model.TxPenaltyCollection, penalties, "penalties collected for "+req.AdvanceID)
			pool.TotalCapital = pool.TotalCapital.Add(fees).Add(penalties)

			// 3. 计数
			pool.TotalAmountRepaid = pool.TotalAmountRepaid.Add(req.Amount)
			pool.TotalFeesEarned = pool.TotalFeesEarned.Add(fees)
			if req.ReleaseType == FullRepayment {
				pool.TotalAdvancesCompleted++
				if pool.TotalAdvancesActive > 0 {
					pool.TotalAdvancesActive--
				}
			}
			return entries, nil
		})
	if err != nil {
		code, msg, ok := codeFor(err)
		if !ok {
			logger.Error("release capital failed",
				zap.String("pool_id", req.PoolID),
				zap.String("advance_id", req.AdvanceID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("release capital for %s: %w", req.AdvanceID, err)
		}
		logger.Info("release capital rejected",
			zap.String("pool_id", req.PoolID),
			zap.String("advance_id", req.AdvanceID),
			zap.String("code", string(code)),
		)
		res.ErrorCode, res.Message = code, msg
		return res, nil
	}

	res.Success = true
	res.PrincipalReleased = req.Amount
	res.NetAmount = req.Amount.Add(fees).Add(penalties)
	res.AvailableAfter = mutation.After.AvailableCapital
	res.DeployedAfter = mutation.After.DeployedCapital
	for _, e := range mutation.Entries {
		res.TransactionIDs = append(res.TransactionIDs, e.ID)
	}
	monitor.Business.ObserveRelease(string(req.ReleaseType), req.Amount)
	logger.Info("capital released",
		zap.String("pool_id", req.PoolID),
		zap.String("advance_id", req.AdvanceID),
		zap.String("release_type", string(req.ReleaseType)),
		zap.String("net_amount", res.NetAmount.String()),
	)
	return res, nil
}

// HandleDefault 违约核销: 净损失 = lost - recovered，从 deployed 与 total 中扣除
// 已追回部分仍留在 deployed，由后续 ReleaseCapital 回款
func (h *Handler) HandleDefault(ctx context.Context, req DefaultRequest) (*DefaultResult, error) {
	recovered := req.RecoveredAmount
	res := &DefaultResult{
		PoolID:          req.PoolID,
		AdvanceID:       req.AdvanceID,
		LostAmount:      req.LostAmount,
		RecoveredAmount: recovered,
		NetLoss:         decimal.Zero,
	}
	if !req.LostAmount.IsPositive() || recovered.IsNegative() || recovered.GreaterThan(req.LostAmount) {
		res.ErrorCode, res.Message = CodeInvalidAmount, errno.ErrInvalidAmount.Message
		return res, nil
	}
	netLoss := req.LostAmount.Sub(recovered)

	mutation, err := h.balances.MutatePool(ctx, req.PoolID, string(model.TxAdjustment),
		func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
			if pool.DeployedCapital.LessThan(netLoss) {
				return nil, errno.ErrInsufficientDeployed
			}
			before := pool.DeployedCapital
			pool.DeployedCapital = pool.DeployedCapital.Sub(netLoss)
			pool.TotalCapital = pool.TotalCapital.Sub(netLoss)
			pool.TotalAdvancesDefaulted++
			if pool.TotalAdvancesActive > 0 {
				pool.TotalAdvancesActive--
			}
			pool.RecalculateDefaultRate()

			// 全额追回时净损失为 0，仍然记一条流水保留违约记录
			entry := model.NewPoolTransaction(pool.ID, model.TxAdjustment, model.FieldDeployed,
				before, pool.DeployedCapital, "default write-off "+req.AdvanceID)
			entry.RelatedAdvanceID = req.AdvanceID
			entry.Metadata = datatypes.JSONMap{
				"lost_amount":      req.LostAmount.String(),
				"recovered_amount": recovered.String(),
				"reason":           req.Reason,
			}
			return []*model.PoolTransaction{entry}, nil
		})
	if err != nil {
		code, msg, ok := codeFor(err)
		if !ok {
			logger.Error("handle default failed",
				zap.String("pool_id", req.PoolID),
				zap.String("advance_id", req.AdvanceID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("handle default for %s: %w", req.AdvanceID, err)
		}
		logger.Info("default rejected",
			zap.String("pool_id", req.PoolID),
			zap.String("advance_id", req.AdvanceID),
			zap.String("code", string(code)),
		)
		res.ErrorCode, res.Message = code, msg
		return res, nil
	}

	res.Success = true
	res.NetLoss = netLoss
	res.TransactionID = mutation.TransactionID()
	res.DeployedAfter = mutation.After.DeployedCapital
	res.TotalAfter = mutation.After.TotalCapital
	res.DefaultRate = mutation.After.DefaultRate
	monitor.Business.ObserveDefault(req.PoolID, netLoss)
	logger.Warn("advance defaulted",
		zap.String("pool_id", req.PoolID),
		zap.String("advance_id", req.AdvanceID),
		zap.String("net_loss", netLoss.String()),
		zap.String("default_rate", res.DefaultRate.String()),
	)
	return res, nil
}
