package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// BusinessMetrics 定义资金池业务监控指标
// 所有方法都允许 nil 接收者: 没有 Init 的进程 (CLI、单元测试) 直接跳过埋点
type BusinessMetrics struct {
	AllocationTotal       *prometheus.CounterVec
	AllocatedAmountTotal  *prometheus.CounterVec
	ReleasedAmountTotal   *prometheus.CounterVec
	DefaultLossTotal      *prometheus.CounterVec
	LockFailureTotal      *prometheus.CounterVec
	CacheRequestTotal     *prometheus.CounterVec
	StoreLatency          *prometheus.HistogramVec
	ReservationTotal      *prometheus.CounterVec
	PoolAvailableCapital  *prometheus.GaugeVec
	EventDispatchFailures prometheus.Counter
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		AllocationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_allocation_total",
			Help: "Capital allocation attempts by result code",
		}, []string{"result"}),
		AllocatedAmountTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_allocated_amount_total",
			Help: "Total amount disbursed to advances",
		}, []string{"currency"}),
		ReleasedAmountTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_released_amount_total",
			Help: "Total principal released back into pools",
		}, []string{"release_type"}),
		DefaultLossTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_default_loss_total",
			Help: "Net loss recognised on defaulted advances",
		}, []string{"pool_id"}),
		LockFailureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_lock_failure_total",
			Help: "Pool lock acquisition failures",
		}, []string{"operation", "reason"}),
		CacheRequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_cache_request_total",
			Help: "Balance cache lookups by result",
		}, []string{"result"}),
		StoreLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_store_latency_seconds",
			Help:    "Pool record store round trip latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),
		ReservationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_reservation_total",
			Help: "Reservation lifecycle transitions",
		}, []string{"status"}),
		PoolAvailableCapital: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_available_capital",
			Help: "Last observed available capital per pool",
		}, []string{"pool_id"}),
		EventDispatchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pool_event_dispatch_failures_total",
			Help: "Balance change events that failed to publish or panicked in a subscriber",
		}),
	}
}

func (b *BusinessMetrics) ObserveAllocation(result, currency string, amount decimal.Decimal) {
	if b == nil {
		return
	}
	b.AllocationTotal.WithLabelValues(result).Inc()
	if result == "SUCCESS" {
		f, _ := amount.Float64()
		b.AllocatedAmountTotal.WithLabelValues(currency).Add(f)
	}
}

func (b *BusinessMetrics) ObserveRelease(releaseType string, principal decimal.Decimal) {
	if b == nil {
		return
	}
	f, _ := principal.Float64()
	b.ReleasedAmountTotal.WithLabelValues(releaseType).Add(f)
}

func (b *BusinessMetrics) ObserveDefault(poolID string, loss decimal.Decimal) {
	if b == nil {
		return
	}
	f, _ := loss.Float64()
	b.DefaultLossTotal.WithLabelValues(poolID).Add(f)
}

func (b *BusinessMetrics) LockFailed(operation, reason string) {
	if b == nil {
		return
	}
	b.LockFailureTotal.WithLabelValues(operation, reason).Inc()
}

func (b *BusinessMetrics) CacheResult(hit bool) {
	if b == nil {
		return
	}
	if hit {
		b.CacheRequestTotal.WithLabelValues("hit").Inc()
	} else {
		b.CacheRequestTotal.WithLabelValues("miss").Inc()
	}
}

func (b *BusinessMetrics) ObserveStore(operation string, d time.Duration) {
	if b == nil {
		return
	}
	b.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (b *BusinessMetrics) ReservationTransition(status string) {
	if b == nil {
		return
	}
	b.ReservationTotal.WithLabelValues(status).Inc()
}

func (b *BusinessMetrics) SetAvailable(poolID string, available decimal.Decimal) {
	if b == nil {
		return
	}
	f, _ := available.Float64()
	b.PoolAvailableCapital.WithLabelValues(poolID).Set(f)
}

func (b *BusinessMetrics) EventDispatchFailed() {
	if b == nil {
		return
	}
	b.EventDispatchFailures.Inc()
}
