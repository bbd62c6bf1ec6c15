package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// namespace 所有看板接口指标的前缀
const namespace = "pool_server"

var (
	// HTTPRequestsTotal 按路由模板和状态码统计请求量
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Dashboard HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 看板读接口目标是 100ms 以内，桶也按这个量级切
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Dashboard HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.3, 1.0},
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight 正在处理的请求数，批量余额查询堆积时先在这里体现
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Dashboard HTTP requests currently being served.",
	})

	initOnce sync.Once
)

// Init 初始化并注册监控指标 (多次调用安全)
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, HTTPInFlight)
		// 初始化业务指标
		InitBusinessMetrics()
	})
}

// PrometheusMiddleware 看板接口埋点，/metrics 自身不计入
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // 使用路由模板 /api/v1/pools/:id 而不是具体路径
		if path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		if path != "" { // 忽略 404 等未匹配路由
			HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
		}
	}
}
