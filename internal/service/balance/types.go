package balance

import (
	"time"

	"github.com/shopspring/decimal"

	"liquidity-core/internal/model"
	"liquidity-core/internal/policy"
)

// BalanceSnapshot 对外展示的余额视图
// AvailableCapital 已经扣掉了仍在有效期内的预留; RecordedAvailable 是存储里的原值
type BalanceSnapshot struct {
	PoolID             string           `json:"pool_id"`
	Name               string           `json:"name"`
	Status             model.PoolStatus `json:"status"`
	RiskTier           model.RiskTier   `json:"risk_tier"`
	Currency           string           `json:"currency"`
	TotalCapital       decimal.Decimal  `json:"total_capital"`
	AvailableCapital   decimal.Decimal  `json:"available_capital"`
	RecordedAvailable  decimal.Decimal  `json:"recorded_available"`
	DeployedCapital    decimal.Decimal  `json:"deployed_capital"`
	ReservedCapital    decimal.Decimal  `json:"reserved_capital"`
	PendingHolds       decimal.Decimal  `json:"pending_holds"`
	HoldsExpireAt      *time.Time       `json:"holds_expire_at,omitempty"` // 最早到期的有效预留，过了这个时间快照作废
	EffectiveAvailable decimal.Decimal  `json:"effective_available"`
	UtilizationRate    decimal.Decimal  `json:"utilization_rate"`
	ReserveRatio       decimal.Decimal  `json:"reserve_ratio"`
	DefaultRate        decimal.Decimal  `json:"default_rate"`
	MinReserveRatio    decimal.Decimal  `json:"min_reserve_ratio"`
	Health             policy.Health    `json:"health"`
	ActiveAdvances     int64            `json:"active_advances"`
	AsOf               time.Time        `json:"as_of"`
	FromCache          bool             `json:"from_cache"`
}

// PoolSummary 所有池子的汇总
type PoolSummary struct {
	TotalPools             int64                      `json:"total_pools"`
	ByStatus               map[model.PoolStatus]int64 `json:"by_status"`
	ByTier                 map[model.RiskTier]int64   `json:"by_tier"`
	ByHealth               map[policy.Health]int64    `json:"by_health"`
	TotalCapital           decimal.Decimal            `json:"total_capital"`
	AvailableCapital       decimal.Decimal            `json:"available_capital"`
	DeployedCapital        decimal.Decimal            `json:"deployed_capital"`
	ReservedCapital        decimal.Decimal            `json:"reserved_capital"`
	AverageUtilizationRate decimal.Decimal            `json:"average_utilization_rate"`
	AverageReserveRatio    decimal.Decimal            `json:"average_reserve_ratio"`
	AsOf                   time.Time                  `json:"as_of"`
	FromCache              bool                       `json:"from_cache"`
}

// OperationKind 余额操作类型
type OperationKind string

const (
	OpIncrement OperationKind = "INCREMENT"
	OpDecrement OperationKind = "DECREMENT"
	OpSet       OperationKind = "SET"
)

// UpdateErrorCode 余额更新失败原因
type UpdateErrorCode string

const (
	CodeLockTimeout         UpdateErrorCode = "LOCK_TIMEOUT"
	CodePoolNotFound        UpdateErrorCode = "POOL_NOT_FOUND"
	CodeInsufficientBalance UpdateErrorCode = "INSUFFICIENT_BALANCE"
	CodeInvalidOperation    UpdateErrorCode = "INVALID_OPERATION"
)

// UpdateOperation 对单个资金字段的一次修改
type UpdateOperation struct {
	PoolID            string                 `json:"pool_id"`
	Field             model.BalanceField     `json:"field"`
	Operation         OperationKind          `json:"operation"`
	Amount            decimal.Decimal        `json:"amount"`
	Type              model.TransactionType  `json:"type"` // 为空时记为 ADJUSTMENT
	Description       string                 `json:"description"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	RelatedAdvanceID  string                 `json:"related_advance_id,omitempty"`
	RelatedInvestorID string                 `json:"related_investor_id,omitempty"`
}

// UpdateResult 单次更新结果
type UpdateResult struct {
	Success       bool            `json:"success"`
	PoolID        string          `json:"pool_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ErrorCode     UpdateErrorCode `json:"error_code,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// BatchUpdateRequest 批量更新; Atomic 为 true 时全部成功或全部回滚
type BatchUpdateRequest struct {
	Atomic     bool              `json:"atomic"`
	Operations []UpdateOperation `json:"operations"`
}

// BatchUpdateResult 批量更新结果，Results 与 Operations 一一对应
type BatchUpdateResult struct {
	Success   bool            `json:"success"`
	Results   []*UpdateResult `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// TypeTotals 某类流水的笔数和金额
type TypeTotals struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// TransactionSummary 时间段内的流水汇总
type TransactionSummary struct {
	PoolID       string                                `json:"pool_id"`
	Start        time.Time                             `json:"start"`
	End          time.Time                             `json:"end"`
	TotalInflow  decimal.Decimal                       `json:"total_inflow"`
	TotalOutflow decimal.Decimal                       `json:"total_outflow"`
	NetChange    decimal.Decimal                       `json:"net_change"`
	ByType       map[model.TransactionType]*TypeTotals `json:"by_type"`
	Count        int64                                 `json:"count"`
}

// TransactionPage 流水分页结果
type TransactionPage struct {
	Items  []*model.PoolTransaction `json:"items"`
	Total  int64                    `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// ReservationRequest 创建预留的参数
type ReservationRequest struct {
	PoolID    string
	AdvanceID string
	FarmerID  string
	Amount    decimal.Decimal
	TTL       time.Duration // 为 0 时使用默认值
}

// Mutation 一次 MutatePool 的结果
type Mutation struct {
	Before  *model.Pool
	After   *model.Pool
	Entries []*model.PoolTransaction
}

// TransactionID 第一条流水的 id (没有流水时为空)
func (m *Mutation) TransactionID() string {
	if m == nil || len(m.Entries) == 0 {
		return ""
	}
	return m.Entries[0].ID
}
