// Package metrics 结算服务的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标集合。实现适配器与台账的观察接口。
type Metrics struct {
	adapterOps     *prometheus.CounterVec
	adapterLatency *prometheus.HistogramVec
	compensations  *prometheus.CounterVec
	orderEvents    *prometheus.CounterVec
	openOrders     prometheus.Gauge
	reconMismatch  prometheus.Counter
	reconRuns      *prometheus.CounterVec
}

// New 创建并注册指标。reg 为 nil 时用默认注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		adapterOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Subsystem: "adapter",
			Name:      "ops_total",
			Help:      "Adapter operations by venue kind, operation and result.",
		}, []string{"kind", "op", "result"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fund",
			Subsystem: "adapter",
			Name:      "op_duration_seconds",
			Help:      "Adapter operation latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind", "op"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Subsystem: "adapter",
			Name:      "compensations_total",
			Help:      "Custody compensations triggered by aborted operations.",
		}, []string{"kind", "op"}),
		orderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Subsystem: "ledger",
			Name:      "order_events_total",
			Help:      "Settlement events fanned out by the order ledger.",
		}, []string{"kind"}),
		openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fund",
			Subsystem: "ledger",
			Name:      "open_orders",
			Help:      "Currently open make orders.",
		}),
		reconMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fund",
			Subsystem: "recon",
			Name:      "mismatches_total",
			Help:      "Custody reconciliation mismatches detected.",
		}),
		reconRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Subsystem: "recon",
			Name:      "runs_total",
			Help:      "Reconciliation runs by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.adapterOps,
		m.adapterLatency,
		m.compensations,
		m.orderEvents,
		m.openOrders,
		m.reconMismatch,
		m.reconRuns,
	)
	return m
}

// ObserveAdapterOp 记录一次适配器操作
func (m *Metrics) ObserveAdapterOp(kind, op, result string, seconds float64) {
	m.adapterOps.WithLabelValues(kind, op, result).Inc()
	m.adapterLatency.WithLabelValues(kind, op).Observe(seconds)
}

// ObserveCompensation 记录一次托管补偿
func (m *Metrics) ObserveCompensation(kind, op string) {
	m.compensations.WithLabelValues(kind, op).Inc()
}

// ObserveOrderUpdate 记录一次结算事件扇出
func (m *Metrics) ObserveOrderUpdate(kind string) {
	m.orderEvents.WithLabelValues(kind).Inc()
}

// SetOpenOrders 更新当前挂单数
func (m *Metrics) SetOpenOrders(n int) {
	m.openOrders.Set(float64(n))
}

// IncReconMismatch 对账不一致计数
func (m *Metrics) IncReconMismatch() {
	m.reconMismatch.Inc()
}

// ObserveReconRun 记录一次对账运行
func (m *Metrics) ObserveReconRun(result string) {
	m.reconRuns.WithLabelValues(result).Inc()
}
