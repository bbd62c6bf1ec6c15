package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"liquidity-core/pkg/crypto_util"
)

// TransactionType 流水类型
type TransactionType string

const (
	TxCapitalDeposit      TransactionType = "CAPITAL_DEPOSIT"
	TxCapitalWithdrawal   TransactionType = "CAPITAL_WITHDRAWAL"
	TxAdvanceDisbursement TransactionType = "ADVANCE_DISBURSEMENT"
	TxAdvanceRepayment    TransactionType = "ADVANCE_REPAYMENT"
	TxFeeCollection       TransactionType = "FEE_COLLECTION"
	TxPenaltyCollection   TransactionType = "PENALTY_COLLECTION"
	TxAdjustment          TransactionType = "ADJUSTMENT"
	TxReservationHold     TransactionType = "RESERVATION_HOLD"
	TxReservationRelease  TransactionType = "RESERVATION_RELEASE"
)

// IsInflow 资金流入类 (汇总报表口径)
func (t TransactionType) IsInflow() bool {
	switch t {
	case TxCapitalDeposit, TxAdvanceRepayment, TxFeeCollection, TxPenaltyCollection:
		return true
	}
	return false
}

// IsOutflow 资金流出类
func (t TransactionType) IsOutflow() bool {
	return t == TxAdvanceDisbursement || t == TxCapitalWithdrawal
}

// Direction 流水对 balance_field 的方向
type Direction string

const (
	DirectionCredit Direction = "CREDIT" // 增加
	DirectionDebit  Direction = "DEBIT"  // 减少
)

// PoolTransaction 资金池流水表 (只追加，不修改)
// 与余额变更在同一个数据库事务中写入
type PoolTransaction struct {
	ID                string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PoolID            string            `gorm:"type:varchar(36);not null;index:idx_pool_created" json:"pool_id"`
	Type              TransactionType   `gorm:"type:varchar(32);not null;index" json:"type"`
	Direction         Direction         `gorm:"type:varchar(8);not null" json:"direction"`
	BalanceField      BalanceField      `gorm:"type:varchar(32);not null" json:"balance_field"`
	Amount            decimal.Decimal   `gorm:"type:decimal(32,18);not null" json:"amount"` // 金额绝对值
	BalanceBefore     decimal.Decimal   `gorm:"type:decimal(32,18);not null" json:"balance_before"`
	BalanceAfter      decimal.Decimal   `gorm:"type:decimal(32,18);not null" json:"balance_after"`
	Description       string            `gorm:"type:text" json:"description"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	RelatedAdvanceID  string            `gorm:"type:varchar(64);index" json:"related_advance_id,omitempty"`
	RelatedInvestorID string            `gorm:"type:varchar(64)" json:"related_investor_id,omitempty"`
	Checksum          string            `gorm:"type:varchar(64);not null" json:"checksum"`
	CreatedAt         time.Time         `gorm:"not null;index:idx_pool_created" json:"created_at"`
}

func (PoolTransaction) TableName() string {
	return "pool_transactions"
}

// NewPoolTransaction 按变更前后的值构造流水，方向和金额由差值推出
func NewPoolTransaction(poolID string, typ TransactionType, field BalanceField, before, after decimal.Decimal, description string) *PoolTransaction {
	diff := after.Sub(before)
	dir := DirectionCredit
	if diff.IsNegative() {
		dir = DirectionDebit
	}
	return &PoolTransaction{
		PoolID:        poolID,
		Type:          typ,
		Direction:     dir,
		BalanceField:  field,
		Amount:        diff.Abs(),
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
	}
}

// SignedAmount 带方向的金额，满足 BalanceAfter - BalanceBefore == SignedAmount
func (t *PoolTransaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

func (t *PoolTransaction) checksumFields() []string {
	return []string{
		t.ID,
		t.PoolID,
		string(t.Type),
		string(t.Direction),
		string(t.BalanceField),
		t.Amount.String(),
		t.BalanceBefore.String(),
		t.BalanceAfter.String(),
		t.RelatedAdvanceID,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ComputeChecksum 对流水核心字段做 Blake3 摘要
func (t *PoolTransaction) ComputeChecksum() string {
	return crypto_util.FieldsDigest(t.checksumFields()...)
}

// Seal 写入前计算摘要
func (t *PoolTransaction) Seal() {
	t.Checksum = t.ComputeChecksum()
}

// VerifyChecksum 检查流水是否被篡改
func (t *PoolTransaction) VerifyChecksum() bool {
	return crypto_util.VerifyFields(t.Checksum, t.checksumFields()...)
}

// Clone 深拷贝 (Metadata 是 map)
func (t *PoolTransaction) Clone() *PoolTransaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(datatypes.JSONMap, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
