package balance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"liquidity-core/internal/model"
	"liquidity-core/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// GetTransactions 流水分页查询 (按时间倒序)
func (m *Manager) GetTransactions(ctx context.Context, filter store.TransactionFilter) (*TransactionPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	start := time.Now()
	items, total, err := m.store.FindTransactions(ctx, filter)
	m.warnIfSlow("find_transactions", start, zap.String("pool_id", filter.PoolID))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &TransactionPage{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GetTransactionSummary 时间段 [start, end) 内的流入、流出和分类统计
// 流入: 注资、回款、手续费、罚息；流出: 放款、撤资；其余类型只计入分类统计
func (m *Manager) GetTransactionSummary(ctx context.Context, poolID string, start, end time.Time) (*TransactionSummary, error) {
	begin := time.Now()
	items, _, err := m.store.FindTransactions(ctx, store.TransactionFilter{PoolID: poolID, Start: start, End: end})
	m.warnIfSlow("transaction_summary", begin, zap.String("pool_id", poolID))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return summarizeTransactions(poolID, start, end, items), nil
}

func summarizeTransactions(poolID string, start, end time.Time, items []*model.PoolTransaction) *TransactionSummary {
	s := &TransactionSummary{
		PoolID:       poolID,
		Start:        start,
		End:          end,
		TotalInflow:  decimal.Zero,
		TotalOutflow: decimal.Zero,
		NetChange:    decimal.Zero,
		ByType:       make(map[model.TransactionType]*TypeTotals),
	}
	for _, tx := range items {
		t, ok := s.ByType[tx.Type]
		if !ok {
			t = &TypeTotals{Amount: decimal.Zero}
			s.ByType[tx.Type] = t
		}
		t.Count++
		t.Amount = t.Amount.Add(tx.Amount)
		s.Count++

		switch {
		case tx.Type.IsInflow():
			s.TotalInflow = s.TotalInflow.Add(tx.Amount)
		case tx.Type.IsOutflow():
			s.TotalOutflow = s.TotalOutflow.Add(tx.Amount)
		}
	}
	s.NetChange = s.TotalInflow.Sub(s.TotalOutflow)
	return s
}
