package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersSubmitted    *prometheus.CounterVec
	OrdersCancelled    prometheus.Counter
	OrdersExpired      prometheus.Counter
	OrderDuration      *prometheus.HistogramVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	PortfolioRequests  *prometheus.CounterVec
	RateLimited        prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_submitted_total",
				Help: "Total order submissions by outcome.",
			},
			[]string{"status"},
		),
		OrdersCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_orders_cancelled_total",
				Help: "Total orders cancelled by users.",
			},
		),
		OrdersExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_orders_expired_total",
				Help: "Total GTD orders expired by the sweeper.",
			},
		),
		OrderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_order_duration_seconds",
				Help:    "Order operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_settlements_total",
				Help: "Total settlements processed by outcome.",
			},
			[]string{"status"},
		),
		SettlementDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "exchange_settlement_duration_seconds",
				Help:    "Settlement transaction duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		PortfolioRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_portfolio_requests_total",
				Help: "Total portfolio reads by status.",
			},
			[]string{"status"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exchange_rate_limited_total",
				Help: "Total order submissions rejected by rate limiting.",
			},
		),
	}

	registry.MustRegister(
		m.OrdersSubmitted,
		m.OrdersCancelled,
		m.OrdersExpired,
		m.OrderDuration,
		m.SettlementsTotal,
		m.SettlementDuration,
		m.PortfolioRequests,
		m.RateLimited,
	)
	return m
}

func (m *Metrics) IncOrderSubmitted(status string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(status).Inc()
}

func (m *Metrics) IncOrdersCancelled() {
	if m == nil {
		return
	}
	m.OrdersCancelled.Inc()
}

func (m *Metrics) AddOrdersExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrdersExpired.Add(float64(n))
}

func (m *Metrics) ObserveOrderDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OrderDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncSettlement(status string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSettlementDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncPortfolioRequest(status string) {
	if m == nil {
		return
	}
	m.PortfolioRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
