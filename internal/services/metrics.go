package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the monitor's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	PriceFetches   *prometheus.CounterVec
	Cycles         prometheus.Counter
	CycleDuration  prometheus.Histogram
	CycleSymbols   prometheus.Gauge
	PriceAlerts    prometheus.Counter
	RiskAlerts     *prometheus.CounterVec
	Executions     *prometheus.CounterVec
	Subscribers    prometheus.Gauge
	DeferredQueued prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PriceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_monitor_price_fetches_total",
			Help: "Price lookups by source and result",
		}, []string{"source", "result"}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "asset_monitor_cycles_total",
			Help: "Completed monitoring cycles",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asset_monitor_cycle_duration_seconds",
			Help:    "Wall time of one monitoring cycle",
			Buckets: prometheus.DefBuckets,
		}),
		CycleSymbols: f.NewGauge(prometheus.GaugeOpts{
			Name: "asset_monitor_cycle_symbols",
			Help: "Distinct symbols fetched in the last cycle",
		}),
		PriceAlerts: f.NewCounter(prometheus.CounterOpts{
			Name: "asset_monitor_price_alerts_total",
			Help: "Price alerts emitted",
		}),
		RiskAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_monitor_risk_alerts_total",
			Help: "Risk alerts emitted by level",
		}, []string{"level"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asset_monitor_agent_executions_total",
			Help: "Agent execution records by mode and status",
		}, []string{"mode", "status"}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "asset_monitor_alert_subscribers",
			Help: "Registered alert handlers",
		}),
		DeferredQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "asset_monitor_deferred_sells",
			Help: "Scheduled sells waiting for their due time",
		}),
	}
}

func (m *Metrics) fetch(source, result string) {
	if m == nil {
		return
	}
	m.PriceFetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) cycle(started time.Time, symbols int) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(time.Since(started).Seconds())
	m.CycleSymbols.Set(float64(symbols))
}

func (m *Metrics) priceAlert() {
	if m == nil {
		return
	}
	m.PriceAlerts.Inc()
}

func (m *Metrics) riskAlert(level string) {
	if m == nil {
		return
	}
	m.RiskAlerts.WithLabelValues(level).Inc()
}

func (m *Metrics) execution(mode, status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) subscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) deferred(n int) {
	if m == nil {
		return
	}
	m.DeferredQueued.Set(float64(n))
}
