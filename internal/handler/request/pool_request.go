package request

import "time"

// BalancesQuery GET /pools/balances?ids=p1,p2
type BalancesQuery struct {
	IDs string `form:"ids" binding:"required"`
}

// TransactionQuery GET /pools/:id/transactions
type TransactionQuery struct {
	Type      []string  `form:"type"`
	AdvanceID string    `form:"advance_id"`
	Start     time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End       time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	MinAmount string    `form:"min_amount"`
	MaxAmount string    `form:"max_amount"`
	Limit     int       `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset    int       `form:"offset" binding:"omitempty,min=0"`
}

// SummaryQuery GET /pools/:id/transactions/summary，start/end 必填，区间 [start, end)
type SummaryQuery struct {
	Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	End   time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
}
