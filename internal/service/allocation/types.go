package allocation

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
)

// Priority 自动选池的排序方式
type Priority string

const (
	PriorityLowestRisk       Priority = "LOWEST_RISK"
	PriorityHighestAvailable Priority = "HIGHEST_AVAILABLE"
	PriorityBestReturn       Priority = "BEST_RETURN"
)

// maxAlternatives 失败时最多返回几个备选池
const maxAlternatives = 5

// Request 放款申请
type Request struct {
	AdvanceID                string          `json:"advance_id"`
	FarmerID                 string          `json:"farmer_id"`
	OrderID                  string          `json:"order_id"`
	RequestedAmount          decimal.Decimal `json:"requested_amount"`
	Currency                 string          `json:"currency"`
	RiskTier                 model.RiskTier  `json:"risk_tier"` // 为空时按 CreditScore 推导
	CreditScore              int             `json:"credit_score"`
	ExpectedDisbursementDate time.Time       `json:"expected_disbursement_date"`
	ExpectedRepaymentDate    time.Time       `json:"expected_repayment_date"`
	PreferredPoolID          string          `json:"preferred_pool_id,omitempty"`
	Priority                 Priority        `json:"priority,omitempty"`
}

// Alternative 可以改投的池子
type Alternative struct {
	PoolID             string          `json:"pool_id"`
	Name               string          `json:"name"`
	RiskTier           model.RiskTier  `json:"risk_tier"`
	EffectiveAvailable decimal.Decimal `json:"effective_available"`
	ActualReturnRate   decimal.Decimal `json:"actual_return_rate"`
}

// Result 放款结果，失败时 Success=false 并带上 ErrorCode
type Result struct {
	Success           bool                       `json:"success"`
	PoolID            string                     `json:"pool_id,omitempty"`
	AdvanceID         string                     `json:"advance_id"`
	AllocatedAmount   decimal.Decimal            `json:"allocated_amount"`
	RiskTier          model.RiskTier             `json:"risk_tier,omitempty"`
	AdvancePercentage decimal.Decimal            `json:"advance_percentage"`
	Fees              policy.FeeBreakdown        `json:"fees"`
	TransactionID     string                     `json:"transaction_id,omitempty"`
	AvailableAfter    decimal.Decimal            `json:"available_after"`
	DeployedAfter     decimal.Decimal            `json:"deployed_after"`
	ErrorCode         policy.AllocationErrorCode `json:"error_code,omitempty"`
	Message           string                     `json:"message,omitempty"`
	Alternatives      []Alternative              `json:"alternatives,omitempty"`
}
