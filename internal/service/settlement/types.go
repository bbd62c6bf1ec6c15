package settlement

import (
	"github.com/shopspring/decimal"
)

// ReleaseType 回款类型
type ReleaseType string

const (
	FullRepayment    ReleaseType = "FULL_REPAYMENT"
	PartialRepayment ReleaseType = "PARTIAL_REPAYMENT"
)

// ErrorCode 回款 / 违约处理失败原因
type ErrorCode string

const (
	CodePoolNotFound         ErrorCode = "POOL_NOT_FOUND"
	CodeInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	CodeInsufficientDeployed ErrorCode = "INSUFFICIENT_DEPLOYED"
	CodeLockTimeout          ErrorCode = "LOCK_TIMEOUT"
)

// ReleaseRequest 回款
// Amount 是归还的本金，手续费和罚金单独记账
type ReleaseRequest struct {
	AdvanceID          string          `json:"advance_id"`
	PoolID             string          `json:"pool_id"`
	Amount             decimal.Decimal `json:"amount"`
	ReleaseType        ReleaseType     `json:"release_type"` // 为空按 PARTIAL_REPAYMENT
	Source             string          `json:"source"`
	FeesCollected      decimal.Decimal `json:"fees_collected"`
	PenaltiesCollected decimal.Decimal `json:"penalties_collected"`
}

// ReleaseResult 回款结果
type ReleaseResult struct {
	Success            bool            `json:"success"`
	PoolID             string          `json:"pool_id"`
	AdvanceID          string          `json:"advance_id"`
	PrincipalReleased  decimal.Decimal `json:"principal_released"`
	FeesCollected      decimal.Decimal `json:"fees_collected"`
	PenaltiesCollected decimal.Decimal `json:"penalties_collected"`
	NetAmount          decimal.Decimal `json:"net_amount"` // 本金 + 手续费 + 罚金
	TransactionIDs     []string        `json:"transaction_ids,omitempty"`
	AvailableAfter     decimal.Decimal `json:"available_after"`
	DeployedAfter      decimal.Decimal `json:"deployed_after"`
	ErrorCode          ErrorCode       `json:"error_code,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// DefaultRequest 违约核销
type DefaultRequest struct {
	AdvanceID       string          `json:"advance_id"`
	PoolID          string          `json:"pool_id"`
	LostAmount      decimal.Decimal `json:"lost_amount"`
	RecoveredAmount decimal.Decimal `json:"recovered_amount"`
	Reason          string          `json:"reason"`
}

// DefaultResult 违约处理结果
type DefaultResult struct {
	Success         bool            `json:"success"`
	PoolID          string          `json:"pool_id"`
	AdvanceID       string          `json:"advance_id"`
	LostAmount      decimal.Decimal `json:"lost_amount"`
	RecoveredAmount decimal.Decimal `json:"recovered_amount"`
	NetLoss         decimal.Decimal `json:"net_loss"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	DeployedAfter   decimal.Decimal `json:"deployed_after"`
	TotalAfter      decimal.Decimal `json:"total_after"`
	DefaultRate     decimal.Decimal `json:"default_rate"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	Message         string          `json:"message,omitempty"`
}
