package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the trading engine.
// A nil *Metrics is valid and records nothing, so components can be
// constructed in tests without a registry.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	fills          *prometheus.CounterVec
	triggers       *prometheus.CounterVec
	liquidations   *prometheus.CounterVec
	signals        *prometheus.CounterVec
	riskAlerts     *prometheus.CounterVec
	emergencyStop  prometheus.Gauge
	equity         prometheus.Gauge
	execLatency    prometheus.Histogram
}

// NewMetrics creates a registry and registers every engine collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_orders_placed_total",
			Help: "Orders accepted by the simulated exchange.",
		}, []string{"type", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_orders_rejected_total",
			Help: "Orders rejected by the simulated exchange.",
		}, []string{"reason"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_fills_total",
			Help: "Executed fills.",
		}, []string{"symbol", "side"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_conditional_triggered_total",
			Help: "Conditional orders that fired.",
		}, []string{"condition"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_liquidations_total",
			Help: "Positions force-closed by liquidation.",
		}, []string{"symbol"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_signals_total",
			Help: "Processed signals by resulting action.",
		}, []string{"action"}),
		riskAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpa_risk_alerts_total",
			Help: "Risk alerts raised by the monitor.",
		}, []string{"risk_type", "severity"}),
		emergencyStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vpa_emergency_stop",
			Help: "1 while the emergency stop is active.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vpa_account_equity",
			Help: "Account balance plus unrealized PnL.",
		}),
		execLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vpa_execution_latency_seconds",
			Help:    "Latency of order execution through the order manager.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
	}

	registry.MustRegister(m.ordersPlaced, m.ordersRejected, m.fills, m.triggers, m.liquidations,
		m.signals, m.riskAlerts, m.emergencyStop, m.equity, m.execLatency)
	return m
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncOrderPlaced(orderType, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(orderType, side).Inc()
}

func (m *Metrics) IncOrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncFill(symbol, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) IncTrigger(condition string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(condition).Inc()
}

func (m *Metrics) IncLiquidation(symbol string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(symbol).Inc()
}

func (m *Metrics) IncSignal(action string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(action).Inc()
}

func (m *Metrics) IncRiskAlert(riskType, severity string) {
	if m == nil {
		return
	}
	m.riskAlerts.WithLabelValues(riskType, severity).Inc()
}

// SetEmergencyStop flips the emergency stop gauge.
func (m *Metrics) SetEmergencyStop(active bool) {
	if m == nil {
		return
	}
	if active {
		m.emergencyStop.Set(1)
		return
	}
	m.emergencyStop.Set(0)
}

func (m *Metrics) SetEquity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}

// ObserveExecution records order execution latency.
func (m *Metrics) ObserveExecution(d time.Duration) {
	if m == nil {
		return
	}
	m.execLatency.Observe(d.Seconds())
}
