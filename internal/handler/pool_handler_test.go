package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-core/internal/event"
	"liquidity-core/internal/model"
	"liquidity-core/internal/service/balance"
	"liquidity-core/internal/store"
	"liquidity-core/pkg/errno"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *balance.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	mgr := balance.NewStoreOnly(st, event.NewBroadcaster(), balance.DefaultOptions())
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, st.CreatePool(ctx, &model.Pool{
			ID:               id,
			Name:             "pool-" + id,
			Status:           model.PoolStatusActive,
			RiskTier:         model.RiskTierA,
			Currency:         "KES",
			TotalCapital:     decimal.NewFromInt(1000),
			AvailableCapital: decimal.NewFromInt(1000),
			MinReserveRatio:  decimal.NewFromInt(10),
		}))
	}
	_, err := mgr.MutatePool(ctx, "p1", string(model.TxCapitalDeposit),
		func(ctx context.Context, pool *model.Pool) ([]*model.PoolTransaction, error) {
			before := pool.AvailableCapital
			pool.AvailableCapital = pool.AvailableCapital.Add(decimal.NewFromInt(500))
			pool.TotalCapital = pool.TotalCapital.Add(decimal.NewFromInt(500))
			return []*model.PoolTransaction{
				model.NewPoolTransaction(pool.ID, model.TxCapitalDeposit, model.FieldAvailable, before, pool.AvailableCapital, "top up"),
			}, nil
		})
	require.NoError(t, err)

	h := NewPoolHandler(mgr)
	r := gin.New()
	r.GET("/health", HealthCheck)
	pools := r.Group("/api/v1/pools")
	pools.GET("/summary", h.Summary)
	pools.GET("/balances", h.Balances)
	pools.GET("/:id/balance", h.Balance)
	pools.GET("/:id/transactions", h.Transactions)
	pools.GET("/:id/transactions/summary", h.TransactionSummary)
	return r, mgr
}

func get(t *testing.T, r http.Handler, target string) envelope {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRouter(t)
	env := get(t, r, "/health")
	assert.Equal(t, errno.OK.Code, env.Code)
	assert.Contains(t, string(env.Data), `"status":"UP"`)
}

func TestBalanceEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	env := get(t, r, "/api/v1/pools/p1/balance")
	require.Equal(t, errno.OK.Code, env.Code)
	var snap balance.BalanceSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "p1", snap.PoolID)
	assert.True(t, snap.TotalCapital.Equal(decimal.NewFromInt(1500)))

	env = get(t, r, "/api/v1/pools/ghost/balance")
	assert.Equal(t, errno.ErrPoolNotFound.Code, env.Code)
}

func TestBalancesEndpointSkipsUnknownPools(t *testing.T) {
	r, _ := newTestRouter(t)

	env := get(t, r, "/api/v1/pools/balances?ids=p2,ghost,p1")
	require.Equal(t, errno.OK.Code, env.Code)
	var snaps []balance.BalanceSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "p2", snaps[0].PoolID)
	assert.Equal(t, "p1", snaps[1].PoolID)

	env = get(t, r, "/api/v1/pools/balances")
	assert.Equal(t, errno.ErrBind.Code, env.Code)
	env = get(t, r, "/api/v1/pools/balances?ids=,,")
	assert.Equal(t, errno.ErrBind.Code, env.Code)
}

func TestSummaryEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	env := get(t, r, "/api/v1/pools/summary")
	require.Equal(t, errno.OK.Code, env.Code)
	var summary balance.PoolSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.True(t, summary.TotalCapital.Equal(decimal.NewFromInt(2500)))
}

func TestTransactionsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	env := get(t, r, "/api/v1/pools/p1/transactions?type=capital_deposit&limit=10")
	require.Equal(t, errno.OK.Code, env.Code)
	var page balance.TransactionPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, model.TxCapitalDeposit, page.Items[0].Type)

	env = get(t, r, "/api/v1/pools/p1/transactions?type=ADJUSTMENT")
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Empty(t, page.Items)

	env = get(t, r, "/api/v1/pools/p1/transactions?min_amount=abc")
	assert.Equal(t, errno.ErrBind.Code, env.Code)
	env = get(t, r, "/api/v1/pools/p1/transactions?limit=100000")
	assert.Equal(t, errno.ErrBind.Code, env.Code)
	env = get(t, r, "/api/v1/pools/ghost/transactions")
	assert.Equal(t, errno.ErrPoolNotFound.Code, env.Code)
}

func TestTransactionSummaryEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	now := time.Now().UTC()
	q := url.Values{}
	q.Set("start", now.Add(-time.Hour).Format(time.RFC3339))
	q.Set("end", now.Add(time.Hour).Format(time.RFC3339))

	env := get(t, r, "/api/v1/pools/p1/transactions/summary?"+q.Encode())
	require.Equal(t, errno.OK.Code, env.Code, env.Message)
	var summary balance.TransactionSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.True(t, summary.TotalInflow.Equal(decimal.NewFromInt(500)))
	assert.EqualValues(t, 1, summary.Count)

	env = get(t, r, "/api/v1/pools/p1/transactions/summary")
	assert.Equal(t, errno.ErrBind.Code, env.Code)

	q.Set("end", now.Add(-2*time.Hour).Format(time.RFC3339))
	env = get(t, r, "/api/v1/pools/p1/transactions/summary?"+q.Encode())
	assert.Equal(t, errno.ErrBind.Code, env.Code, "end before start")
}
