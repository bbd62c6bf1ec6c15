package model

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/pkg/errno"
)

// PoolStatus 资金池状态
type PoolStatus string

const (
	PoolStatusActive      PoolStatus = "ACTIVE"
	PoolStatusPaused      PoolStatus = "PAUSED"
	PoolStatusClosed      PoolStatus = "CLOSED"
	PoolStatusLiquidating PoolStatus = "LIQUIDATING"
)

// RiskTier 风险等级，A 风险最低
type RiskTier string

const (
	RiskTierA RiskTier = "A"
	RiskTierB RiskTier = "B"
	RiskTierC RiskTier = "C"
)

// BalanceField 可以被余额操作修改的资金字段 (值即数据库列名)
type BalanceField string

const (
	FieldAvailable BalanceField = "available_capital"
	FieldDeployed  BalanceField = "deployed_capital"
	FieldReserved  BalanceField = "reserved_capital"
	FieldTotal     BalanceField = "total_capital"
)

// BalanceColumns 每次余额变更都要落库的列
var BalanceColumns = []string{
	"total_capital", "available_capital", "deployed_capital", "reserved_capital",
	"total_advances_issued", "total_advances_completed", "total_advances_defaulted", "total_advances_active",
	"total_amount_disbursed", "total_amount_repaid", "total_fees_earned",
	"default_rate", "updated_at",
}

// Pool 资金池表
// 核心不变式: total_capital = available_capital + deployed_capital + reserved_capital
// 池子从不物理删除，只会变成 CLOSED / LIQUIDATING
type Pool struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name        string     `gorm:"type:varchar(255);not null;unique" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Status      PoolStatus `gorm:"type:varchar(20);not null;default:'ACTIVE';index" json:"status"`
	RiskTier    RiskTier   `gorm:"type:varchar(1);not null;index" json:"risk_tier"`
	Currency    string     `gorm:"type:varchar(10);not null;index" json:"currency"`

	TotalCapital     decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_capital"`
	AvailableCapital decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"available_capital"`
	DeployedCapital  decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"deployed_capital"`
	ReservedCapital  decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"reserved_capital"`

	TargetReturnRate decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"target_return_rate"` // 百分比
	ActualReturnRate decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"actual_return_rate"` // 百分比

	MinAdvanceAmount      decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"min_advance_amount"`
	MaxAdvanceAmount      decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"max_advance_amount"`
	MaxExposureLimit      decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"max_exposure_limit"`      // 已投放资金上限，0 表示不限
	MaxSingleAdvanceRatio decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"max_single_advance_ratio"` // 单笔占总资金的百分比上限
	MinReserveRatio       decimal.Decimal `gorm:"type:decimal(10,4);not null;default:0" json:"min_reserve_ratio"`        // 百分比
	DefaultRate           decimal.Decimal `gorm:"type:decimal(10,6);not null;default:0" json:"default_rate"`             // 小数，0.015 = 1.5%

	TotalAdvancesIssued    int64           `gorm:"not null;default:0" json:"total_advances_issued"`
	TotalAdvancesCompleted int64           `gorm:"not null;default:0" json:"total_advances_completed"`
	TotalAdvancesDefaulted int64           `gorm:"not null;default:0" json:"total_advances_defaulted"`
	TotalAdvancesActive    int64           `gorm:"not null;default:0" json:"total_advances_active"`
	TotalAmountDisbursed   decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_amount_disbursed"`
	TotalAmountRepaid      decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_amount_repaid"`
	TotalFeesEarned        decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_fees_earned"`

	AutoRebalanceEnabled bool      `gorm:"not null;default:false" json:"auto_rebalance_enabled"`
	CreatedBy            string    `gorm:"type:varchar(64)" json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (Pool) TableName() string {
	return "pools"
}

// Get 读取指定资金字段
func (p *Pool) Get(field BalanceField) decimal.Decimal {
	switch field {
	case FieldAvailable:
		return p.AvailableCapital
	case FieldDeployed:
		return p.DeployedCapital
	case FieldReserved:
		return p.ReservedCapital
	case FieldTotal:
		return p.TotalCapital
	}
	return decimal.Zero
}

// Set 写入指定资金字段
func (p *Pool) Set(field BalanceField, v decimal.Decimal) {
	switch field {
	case FieldAvailable:
		p.AvailableCapital = v
	case FieldDeployed:
		p.DeployedCapital = v
	case FieldReserved:
		p.ReservedCapital = v
	case FieldTotal:
		p.TotalCapital = v
	}
}

// CheckInvariant 校验资金恒等式与非负约束，每次变更落库前必须调用
func (p *Pool) CheckInvariant() error {
	for _, f := range []BalanceField{FieldTotal, FieldAvailable, FieldDeployed, FieldReserved} {
		if p.Get(f).IsNegative() {
			return errno.ErrInsufficientBalance
		}
	}
	sum := p.AvailableCapital.Add(p.DeployedCapital).Add(p.ReservedCapital)
	if !sum.Equal(p.TotalCapital) {
		return errno.ErrInvariantViolation
	}
	return nil
}

// IsActive 只有 ACTIVE 的池子可以放款
func (p *Pool) IsActive() bool {
	return p.Status == PoolStatusActive
}

// RecalculateDefaultRate 违约率 = 违约笔数 / 放款笔数
func (p *Pool) RecalculateDefaultRate() {
	if p.TotalAdvancesIssued == 0 {
		p.DefaultRate = decimal.Zero
		return
	}
	p.DefaultRate = decimal.NewFromInt(p.TotalAdvancesDefaulted).
		Div(decimal.NewFromInt(p.TotalAdvancesIssued)).Round(6)
}

// Clone 返回副本，内存存储和缓存都依赖它避免别名修改
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
