// Package policy 资金池类型与风控策略 (纯函数，无 I/O)
package policy

import (
	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// AllocationErrorCode 放款校验失败原因
type AllocationErrorCode string

const (
	CodePoolNotFound          AllocationErrorCode = "POOL_NOT_FOUND"
	CodePoolPaused            AllocationErrorCode = "POOL_PAUSED"
	CodeAmountBelowMinimum    AllocationErrorCode = "AMOUNT_BELOW_MINIMUM"
	CodeAmountAboveMaximum    AllocationErrorCode = "AMOUNT_ABOVE_MAXIMUM"
	CodeExposureLimitExceeded AllocationErrorCode = "EXPOSURE_LIMIT_EXCEEDED"
	CodeReserveRatioViolation AllocationErrorCode = "RESERVE_RATIO_VIOLATION"
	CodeConcurrentAllocation  AllocationErrorCode = "CONCURRENT_ALLOCATION"
	CodeInvalidRequest        AllocationErrorCode = "INVALID_REQUEST"
)

// Health 资金池健康度
type Health string

const (
	HealthHealthy  Health = "HEALTHY"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
)

// 健康度阈值 (全部是百分比)
var (
	criticalDefaultRatePct = decimal.NewFromInt(10)
	warningDefaultRatePct  = decimal.NewFromInt(5)
	criticalReservePct     = decimal.NewFromInt(5)
	warningReservePct      = decimal.NewFromInt(10)
	warningUtilizationPct  = decimal.NewFromInt(85)
)

// Fees 费率 (百分比)
type Fees struct {
	FarmerFeePct decimal.Decimal `json:"farmer_fee_pct"`
	BuyerFeePct  decimal.Decimal `json:"buyer_fee_pct"`
}

// FeeBreakdown 按金额计算出的费用
type FeeBreakdown struct {
	FarmerFeePct decimal.Decimal `json:"farmer_fee_pct"`
	BuyerFeePct  decimal.Decimal `json:"buyer_fee_pct"`
	FarmerFee    decimal.Decimal `json:"farmer_fee"`
	BuyerFee     decimal.Decimal `json:"buyer_fee"`
	TotalFee     decimal.Decimal `json:"total_fee"`
}

// Constraints 单笔放款约束
type Constraints struct {
	MinAdvance               decimal.Decimal
	MaxAdvance               decimal.Decimal
	MaxSingleAdvanceRatioPct decimal.Decimal
	MinReserveRatioPct       decimal.Decimal
}

// ConstraintsFor 从池子配置取约束
func ConstraintsFor(p *model.Pool) Constraints {
	return Constraints{
		MinAdvance:               p.MinAdvanceAmount,
		MaxAdvance:               p.MaxAdvanceAmount,
		MaxSingleAdvanceRatioPct: p.MaxSingleAdvanceRatio,
		MinReserveRatioPct:       p.MinReserveRatio,
	}
}

// Validation 校验结果
type Validation struct {
	Valid bool
	Code  AllocationErrorCode
}

// AdvancePercentageForTier 预付比例: A 85%, B 75%, C 70%
func AdvancePercentageForTier(tier model.RiskTier) decimal.Decimal {
	switch tier {
	case model.RiskTierA:
		return decimal.NewFromInt(85)
	case model.RiskTierB:
		return decimal.NewFromInt(75)
	default:
		return decimal.NewFromInt(70)
	}
}

// FeesForTier 费率表，买方费率恒为农户费率的一半
func FeesForTier(tier model.RiskTier) Fees {
	var farmer decimal.Decimal
	switch tier {
	case model.RiskTierA:
		farmer = decimal.RequireFromString("2.0")
	case model.RiskTierB:
		farmer = decimal.RequireFromString("2.5")
	default:
		farmer = decimal.RequireFromString("3.5")
	}
	return Fees{FarmerFeePct: farmer, BuyerFeePct: farmer.Div(two)}
}

// CalculateFees 按金额计算费用 (保留 2 位小数，银行家舍入)
func CalculateFees(amount decimal.Decimal, tier model.RiskTier) FeeBreakdown {
	fees := FeesForTier(tier)
	farmer := amount.Mul(fees.FarmerFeePct).Div(hundred).RoundBank(2)
	buyer := amount.Mul(fees.BuyerFeePct).Div(hundred).RoundBank(2)
	return FeeBreakdown{
		FarmerFeePct: fees.FarmerFeePct,
		BuyerFeePct:  fees.BuyerFeePct,
		FarmerFee:    farmer,
		BuyerFee:     buyer,
		TotalFee:     farmer.Add(buyer),
	}
}

// EffectiveAvailable = max(0, available - total * minReserveRatio / 100)
func EffectiveAvailable(available, total, minReserveRatioPct decimal.Decimal) decimal.Decimal {
	required := total.Mul(minReserveRatioPct).Div(hundred)
	eff := available.Sub(required)
	if eff.IsNegative() {
		return decimal.Zero
	}
	return eff
}

// UtilizationRate = deployed / total * 100，total 为 0 时返回 0
func UtilizationRate(deployed, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return deployed.Div(total).Mul(hundred)
}

// ReserveRatio = available / total * 100，total 为 0 时视为最保守的 100
func ReserveRatio(available, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return hundred
	}
	return available.Div(total).Mul(hundred)
}

// AssessHealth 注意入参单位不一致: defaultRate 是小数 (0.015)，另外两个是百分比 (70, 25)
// 内部先把违约率换算成百分比再比较，取最差的信号
func AssessHealth(defaultRateFraction, utilizationPct, reserveRatioPct decimal.Decimal) Health {
	defaultPct := defaultRateFraction.Mul(hundred)

	if defaultPct.GreaterThanOrEqual(criticalDefaultRatePct) || reserveRatioPct.LessThan(criticalReservePct) {
		return HealthCritical
	}
	if defaultPct.GreaterThanOrEqual(warningDefaultRatePct) ||
		reserveRatioPct.LessThan(warningReservePct) ||
		utilizationPct.GreaterThan(warningUtilizationPct) {
		return HealthWarning
	}
	return HealthHealthy
}

// ValidateAllocationAmount 按固定顺序校验，第一个失败的检查即返回:
// 低于下限 -> 高于上限 -> 单笔敞口 -> 准备金率
func ValidateAllocationAmount(amount, available, total decimal.Decimal, c Constraints) Validation {
	if amount.LessThan(c.MinAdvance) {
		return Validation{Code: CodeAmountBelowMinimum}
	}
	if c.MaxAdvance.IsPositive() && amount.GreaterThan(c.MaxAdvance) {
		return Validation{Code: CodeAmountAboveMaximum}
	}
	if amount.GreaterThan(total.Mul(c.MaxSingleAdvanceRatioPct).Div(hundred)) {
		return Validation{Code: CodeExposureLimitExceeded}
	}
	if amount.GreaterThan(EffectiveAvailable(available, total, c.MinReserveRatioPct)) {
		return Validation{Code: CodeReserveRatioViolation}
	}
	return Validation{Valid: true}
}

// TierRank A=0 B=1 C=2，数字越大风险越高
func TierRank(t model.RiskTier) int {
	switch t {
	case model.RiskTierA:
		return 0
	case model.RiskTierB:
		return 1
	case model.RiskTierC:
		return 2
	}
	return -1
}

// ValidTier 是否是已知的风险等级
func ValidTier(t model.RiskTier) bool {
	return TierRank(t) >= 0
}

// TierCompatible 池子可以承接同等或更低风险的请求 (C 池可以放 A 类请求，反之不行)
func TierCompatible(poolTier, requestTier model.RiskTier) bool {
	return ValidTier(poolTier) && ValidTier(requestTier) && TierRank(poolTier) >= TierRank(requestTier)
}

// TierForCreditScore 请求未带风险等级时按信用分推导
func TierForCreditScore(score int) model.RiskTier {
	switch {
	case score >= 750:
		return model.RiskTierA
	case score >= 650:
		return model.RiskTierB
	default:
		return model.RiskTierC
	}
}
