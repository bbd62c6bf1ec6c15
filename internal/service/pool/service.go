// Package pool 资金池管理: 建池、注资、撤资、状态与参数调整
package pool

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
	"liquidity-core/pkg/logger"
)

var (
	hundred                      = decimal.NewFromInt(100)
	defaultMaxSingleAdvanceRatio = decimal.NewFromInt(10)
)

// CreatePoolRequest 建池参数
type CreatePoolRequest struct {
	Name                  string          `json:"name"`
	Description           string          `json:"description"`
	RiskTier              model.RiskTier  `json:"risk_tier"`
	Currency              string          `json:"currency"`
	InitialCapital        decimal.Decimal `json:"initial_capital"`
	InvestorID            string          `json:"investor_id"`
	TargetReturnRate      decimal.Decimal `json:"target_return_rate"`
	MinAdvanceAmount      decimal.Decimal `json:"min_advance_amount"`
	MaxAdvanceAmount      decimal.Decimal `json:"max_advance_amount"`
	MaxExposureLimit      decimal.Decimal `json:"max_exposure_limit"`
	MaxSingleAdvanceRatio decimal.Decimal `json:"max_single_advance_ratio"` // 0 时取 10
	MinReserveRatio       decimal.Decimal `json:"min_reserve_ratio"`
	AutoRebalanceEnabled  bool            `json:"auto_rebalance_enabled"`
	CreatedBy             string          `json:"created_by"`
}

// SettingsUpdate 只修改非 nil 的字段
type SettingsUpdate struct {
	Description           *string          `json:"description,omitempty"`
	TargetReturnRate      *decimal.Decimal `json:"target_return_rate,omitempty"`
	ActualReturnRate      *decimal.Decimal `json:"actual_return_rate,omitempty"`
	MinAdvanceAmount      *decimal.Decimal `json:"min_advance_amount,omitempty"`
	MaxAdvanceAmount      *decimal.Decimal `json:"max_advance_amount,omitempty"`
	MaxExposureLimit      *decimal.Decimal `json:"max_exposure_limit,omitempty"`
	MaxSingleAdvanceRatio *decimal.Decimal `json:"max_single_advance_ratio,omitempty"`
	MinReserveRatio       *decimal.Decimal `json:"min_reserve_ratio,omitempty"`
	AutoRebalanceEnabled  *bool            `json:"auto_rebalance_enabled,omitempty"`
}

// Service 资金池管理
type Service struct {
	balances *balance.Manager
	store    store.Store
}

func NewService(balances *balance.Manager) *Service {
	return &Service{balances: balances, store: balances.Store()}
}

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errno.ErrInvalidPoolConfig)
}

func ratioInRange(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(hundred)
}

// validateConfig 检查池子的限额和比例配置
func validateConfig(p *model.Pool) error {
	if p.Name == "" {
		return invalidConfig("pool name is required")
	}
	if !policy.ValidTier(p.RiskTier) {
		return invalidConfig("unknown risk tier %q", p.RiskTier)
	}
	if p.Currency == "" {
		return invalidConfig("currency is required")
	}
	for name, v := range map[string]decimal.Decimal{
		"min_advance_amount": p.MinAdvanceAmount,
		"max_advance_amount": p.MaxAdvanceAmount,
		"max_exposure_limit": p.MaxExposureLimit,
	} {
		if v.IsNegative() {
			return invalidConfig("%s must not be negative", name)
		}
	}
	if p.MaxAdvanceAmount.IsPositive() && p.MinAdvanceAmount.GreaterThan(p.MaxAdvanceAmount) {
		return invalidConfig("min_advance_amount %s exceeds max_advance_amount %s", p.MinAdvanceAmount, p.MaxAdvanceAmount)
	}
	if !p.MaxSingleAdvanceRatio.IsPositive() || !ratioInRange(p.MaxSingleAdvanceRatio) {
		return invalidConfig("max_single_advance_ratio must be in (0, 100]")
	}
	if !ratioInRange(p.MinReserveRatio) {
		return invalidConfig("min_reserve_ratio must be in [0, 100]")
	}
	return nil
}

// CreatePool 建池: 先写零余额记录，再通过 CAPITAL_DEPOSIT 注入初始资金，两步在同一事务里
func (s *Service) CreatePool(ctx context.Context, req CreatePoolRequest) (*model.Pool, error) {
	if req.InitialCapital.IsNegative() {
		return nil, errno.ErrInvalidAmount
	}
	ratio := req.MaxSingleAdvanceRatio
	if ratio.IsZero() {
		ratio = defaultMaxSingleAdvanceRatio
	}
	p := &model.Pool{
		ID:                    uuid.NewString(),
		Name:                  req.Name,
		Description:           req.Description,
		Status:                model.PoolStatusActive,
		RiskTier:              req.RiskTier,
		Currency:              req.Currency,
		TotalCapital:          decimal.Zero,
		AvailableCapital:      decimal.Zero,
		DeployedCapital:       decimal.Zero,
		ReservedCapital:       decimal.Zero,
		TargetReturnRate:      req.TargetReturnRate,
		MinAdvanceAmount:      req.MinAdvanceAmount,
		MaxAdvanceAmount:      req.MaxAdvanceAmount,
		MaxExposureLimit:      req.MaxExposureLimit,
		MaxSingleAdvanceRatio: ratio,
		MinReserveRatio:       req.MinReserveRatio,
		AutoRebalanceEnabled:  req.AutoRebalanceEnabled,
		CreatedBy:             req.CreatedBy,
	}
	if err := validateConfig(p); err != nil {
		return nil, err
	}

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.store.CreatePool(ctx, p); err != nil {
			return fmt.Errorf("create pool %s: %w", p.Name, err)
		}
		if !req.InitialCapital.IsPositive() {
			return nil
		}
		_, err := s.deposit(ctx, p.ID, req.InitialCapital, req.InvestorID, "initial capital")
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("pool created",
		zap.String("pool_id", p.ID),
		zap.String("name", p.Name),
		zap.String("risk_tier", string(p.RiskTier)),
		zap.String("initial_capital", req.InitialCapital.String()),
	)
	return s.GetPool(ctx, p.ID)
}

// GetPool 从存储读取 (不走缓存)
func (s *Service) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := s.store.FindPoolByID(ctx, id)
	if store.IsNotFound(err) {
		return nil, errno.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
	}
	return p, nil
}

// PoolPage 分页结果，Total 为不分页时的总数
type PoolPage struct {
	Items  []*model.Pool `json:"items"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListPools 按条件分页列出池子
func (s *Service) ListPools(ctx context.Context, filter store.PoolFilter) (*PoolPage, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, errno.ErrInvalidParam
	}
	total, err := s.store.CountPools(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
	}
	pools, err := s.store.FindPools(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errno.ErrDatabase.Message, err)
	}
	return &PoolPage{Items: pools, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Deposit 投资人注资，CLOSED 的池子不再接收资金
func (s *Service) Deposit(ctx context.Context, poolID string, amount decimal.Decimal, investorID, description string) (*balance.Mutation, error) {
	if !amount.IsPositive() {
		return nil, errno.ErrInvalidAmount
	}
	return s.deposit(ctx, poolID, amount, investorID, description)
}

func (s *Service) deposit(ctx context.Context, poolID string, amount decimal.Decimal, investorID, description string) (*balance.Mutation, error) {
	if description == "" {
		description = "capital deposit"
	}
	return s.balances.MutatePool(ctx, poolID, "", func(ctx context.Context, p *model.Pool) ([]*model.PoolTransaction, error) {
		if p.Status == model.PoolStatusClosed {
			return nil, errno.ErrPoolClosed
		}
		before := p.AvailableCapital
		p.AvailableCapital = p.AvailableCapital.Add(amount)
		p.TotalCapital = p.TotalCapital.Add(amount)
		entry := model.NewPoolTransaction(p.ID, model.TxCapitalDeposit, model.FieldAvailable, before, p.AvailableCapital, description)
		entry.RelatedInvestorID = investorID
		return []*model.PoolTransaction{entry}, nil
	})
}

// Withdraw 投资人撤资，上限是扣除有效预留和准备金之后的可用资金
func (s *Service) Withdraw(ctx context.Context, poolID string, amount decimal.Decimal, investorID, description string) (*balance.Mutation, error) {
	if !amount.IsPositive() {
		return nil, errno.ErrInvalidAmount
	}
	if description == "" {
		description = "capital withdrawal"
	}
	return s.balances.MutatePool(ctx, poolID, "", func(ctx context.Context, p *model.Pool) ([]*model.PoolTransaction, error) {
		free := p.AvailableCapital.Sub(s.balances.Outstanding(ctx, p.ID, ""))
		if amount.GreaterThan(policy.EffectiveAvailable(free, p.TotalCapital, p.MinReserveRatio)) {
			return nil, errno.ErrInsufficientBalance
		}
		before := p.AvailableCapital
		p.AvailableCapital = p.AvailableCapital.Sub(amount)
		p.TotalCapital = p.TotalCapital.Sub(amount)
		entry := model.NewPoolTransaction(p.ID, model.TxCapitalWithdrawal, model.FieldAvailable, before, p.AvailableCapital, description)
		entry.RelatedInvestorID = investorID
		return []*model.PoolTransaction{entry}, nil
	})
}

// UpdateStatus 状态流转，CLOSED 之后不能再改；关闭前必须没有在投资金
func (s *Service) UpdateStatus(ctx context.Context, poolID string, status model.PoolStatus) (*model.Pool, error) {
	switch status {
	case model.PoolStatusActive, model.PoolStatusPaused, model.PoolStatusClosed, model.PoolStatusLiquidating:
	default:
		return nil, invalidConfig("unknown pool status %q", status)
	}
	p, err := s.balances.UpdatePoolSettings(ctx, poolID, func(p *model.Pool) ([]string, error) {
		if p.Status == status {
			return nil, nil
		}
		if p.Status == model.PoolStatusClosed {
			return nil, errno.ErrPoolClosed
		}
		if status == model.PoolStatusClosed && (p.DeployedCapital.IsPositive() || p.ReservedCapital.IsPositive()) {
			return nil, invalidConfig("pool %s still has deployed or reserved capital", p.ID)
		}
		p.Status = status
		return []string{"status"}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("pool status changed", zap.String("pool_id", poolID), zap.String("status", string(status)))
	return p, nil
}

// UpdateSettings 修改限额、比例、收益率等配置
func (s *Service) UpdateSettings(ctx context.Context, poolID string, u SettingsUpdate) (*model.Pool, error) {
	return s.balances.UpdatePoolSettings(ctx, poolID, func(p *model.Pool) ([]string, error) {
		var columns []string
		setDecimal := func(dst *decimal.Decimal, v *decimal.Decimal, column string) {
			if v != nil {
				*dst = *v
				columns = append(columns, column)
			}
		}
		if u.Description != nil {
			p.Description = *u.Description
			columns = append(columns, "description")
		}
		setDecimal(&p.TargetReturnRate, u.TargetReturnRate, "target_return_rate")
		setDecimal(&p.ActualReturnRate, u.ActualReturnRate, "actual_return_rate")
		setDecimal(&p.MinAdvanceAmount, u.MinAdvanceAmount, "min_advance_amount")
		setDecimal(&p.MaxAdvanceAmount, u.MaxAdvanceAmount, "max_advance_amount")
		setDecimal(&p.MaxExposureLimit, u.MaxExposureLimit, "max_exposure_limit")
		setDecimal(&p.MaxSingleAdvanceRatio, u.MaxSingleAdvanceRatio, "max_single_advance_ratio")
		setDecimal(&p.MinReserveRatio, u.MinReserveRatio, "min_reserve_ratio")
		if u.AutoRebalanceEnabled != nil {
			p.AutoRebalanceEnabled = *u.AutoRebalanceEnabled
			columns = append(columns, "auto_rebalance_enabled")
		}
		if err := validateConfig(p); err != nil {
			return nil, err
		}
		return columns, nil
	})
}
