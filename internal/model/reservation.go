package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus 预留状态
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation 短期资金预留
// 在 Redis 模式下存放在 Redis (带 TTL)；纯存储模式下落 pool_reservations 表
type Reservation struct {
	ID        string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PoolID    string            `gorm:"type:varchar(36);not null;index" json:"pool_id"`
	Amount    decimal.Decimal   `gorm:"type:decimal(32,18);not null" json:"amount"`
	AdvanceID string            `gorm:"type:varchar(64);not null;index" json:"advance_id"`
	FarmerID  string            `gorm:"type:varchar(64)" json:"farmer_id"`
	Status    ReservationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `gorm:"not null;index" json:"expires_at"`
}

func (Reservation) TableName() string {
	return "pool_reservations"
}

// IsActive 到达 ExpiresAt 的那一刻即视为过期
func (r *Reservation) IsActive(now time.Time) bool {
	return r.Status == ReservationActive && now.Before(r.ExpiresAt)
}

// SumActive 汇总仍然有效的预留金额
func SumActive(rs []*Reservation, now time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rs {
		if r.IsActive(now) {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}
