package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"liquidity-core/internal/handler/request"
	"liquidity-core/internal/handler/response"
	"liquidity-core/internal/model"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
)

// maxBatchIDs 单次批量余额查询的上限
const maxBatchIDs = 100

// PoolHandler 资金池只读查询接口，给运营看板用
type PoolHandler struct {
	balances *balance.Manager
}

func NewPoolHandler(balances *balance.Manager) *PoolHandler {
	return &PoolHandler{balances: balances}
}

// Summary GET /api/v1/pools/summary
func (h *PoolHandler) Summary(c *gin.Context) {
	summary, err := h.balances.GetSummary(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, summary)
}

// Balance GET /api/v1/pools/:id/balance
func (h *PoolHandler) Balance(c *gin.Context) {
	snap, err := h.balances.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// Balances GET /api/v1/pools/balances?ids=p1,p2
// 不存在的池子直接从结果里略过
func (h *PoolHandler) Balances(c *gin.Context) {
	var req request.BalancesQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	ids := make([]string, 0)
	for _, id := range strings.Split(req.IDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxBatchIDs {
		response.Error(c, errno.ErrBind)
		return
	}

	snaps, err := h.balances.GetBalances(c.Request.Context(), ids)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snaps)
}

// Transactions GET /api/v1/pools/:id/transactions
func (h *PoolHandler) Transactions(c *gin.Context) {
	var req request.TransactionQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	filter := store.TransactionFilter{
		PoolID:    c.Param("id"),
		AdvanceID: req.AdvanceID,
		Start:     req.Start,
		End:       req.End,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	for _, t := range req.Type {
		filter.Types = append(filter.Types, model.TransactionType(strings.ToUpper(t)))
	}
	var err error
	if filter.MinAmount, err = parseAmount(req.MinAmount); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}
	if filter.MaxAmount, err = parseAmount(req.MaxAmount); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	// 池子不存在时返回 POOL_NOT_FOUND，而不是一个空列表
	if _, err := h.balances.GetBalance(c.Request.Context(), filter.PoolID); err != nil {
		response.Error(c, err)
		return
	}
	page, err := h.balances.GetTransactions(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, page)
}

// TransactionSummary GET /api/v1/pools/:id/transactions/summary?start=&end=
func (h *PoolHandler) TransactionSummary(c *gin.Context) {
	var req request.SummaryQuery
	if err := c.ShouldBindQuery(&req); err != nil || !req.End.After(req.Start) {
		response.Error(c, errno.ErrBind)
		return
	}
	poolID := c.Param("id")
	if _, err := h.balances.GetBalance(c.Request.Context(), poolID); err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.balances.GetTransactionSummary(c.Request.Context(), poolID, req.Start, req.End)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, summary)
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
