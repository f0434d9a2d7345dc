package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// 予約操作の総数（operation: reserve/confirm/release/extend, status: success/capacity_exceeded/contended/invalid/error）
	ReservationsTotal *prometheus.CounterVec

	// 予約成功までに要したCAS試行回数
	CASAttempts *prometheus.HistogramVec

	// アクティブなホールド数
	ActiveHolds prometheus.Gauge

	// スイーパーが回収した期限切れホールドの総数
	SweptHoldsTotal prometheus.Counter

	// 冪等性ガードのヒット数（result: hit/miss/wait）
	IdempotencyLookups *prometheus.CounterVec
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slot_reservations_total",
				Help: "Total number of reservation engine operations",
			},
			[]string{"operation", "status"},
		),
		CASAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slot_cas_attempts",
				Help:    "Number of compare-and-swap attempts per engine operation",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"operation"},
		),
		ActiveHolds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "slot_active_holds",
				Help: "Current number of active holds",
			},
		),
		SweptHoldsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "slot_swept_holds_total",
				Help: "Total number of holds reclaimed by the expiry sweeper",
			},
		),
		IdempotencyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slot_idempotency_lookups_total",
				Help: "Idempotency guard lookups by result",
			},
			[]string{"result"},
		),
	}

	// レジストリに登録
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsTotal,
		m.CASAttempts,
		m.ActiveHolds,
		m.SweptHoldsTotal,
		m.IdempotencyLookups,
	)

	return m
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
