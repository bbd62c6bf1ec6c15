package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liquidity-core/internal/handler"
	"liquidity-core/internal/service/balance"
	"liquidity-core/pkg/monitor"
)

// NewHTTPRouter 初始化并返回一个 Gin Engine，只暴露只读的看板接口
func NewHTTPRouter(balances *balance.Manager) *gin.Engine {
	// 0. 初始化监控指标
	monitor.Init()

	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware())

	// 3. 注册基础路由
	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 4. 注册 API 路由组
	poolHandler := handler.NewPoolHandler(balances)
	api := r.Group("/api/v1")
	{
		pools := api.Group("/pools")
		pools.GET("/summary", poolHandler.Summary)
		pools.GET("/balances", poolHandler.Balances)
		pools.GET("/:id/balance", poolHandler.Balance)
		pools.GET("/:id/transactions", poolHandler.Transactions)
		pools.GET("/:id/transactions/summary", poolHandler.TransactionSummary)
	}

	return r
}
