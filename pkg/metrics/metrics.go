package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/triggerbook/pkg/events"
)

// Metrics holds the node's Prometheus collectors.
// It is also an events.Sink, so order lifecycle counters only move on commit.
type Metrics struct {
	reg *prometheus.Registry

	OrdersPlaced   *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	OrdersExecuted *prometheus.CounterVec
	DiscoveryBatch *prometheus.HistogramVec
	ClaimsRedeemed prometheus.Counter
	SettleFailures *prometheus.CounterVec
	TxResults      *prometheus.CounterVec
	BlockApply     prometheus.Histogram
	BlockHeight    prometheus.Gauge
	MempoolSize    prometheus.Gauge
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerbook_orders_placed_total",
			Help: "Orders placed, by market and order type",
		}, []string{"market", "type"}),
		OrdersCanceled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerbook_orders_canceled_total",
			Help: "Orders canceled, by market and order type",
		}, []string{"market", "type"}),
		OrdersExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerbook_orders_executed_total",
			Help: "Orders executed, by market and order type",
		}, []string{"market", "type"}),
		DiscoveryBatch: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triggerbook_discovery_batch_size",
			Help:    "Order ids surfaced per discovered bucket",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"market"}),
		ClaimsRedeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "triggerbook_claims_redeemed_total",
			Help: "Claim redemptions",
		}),
		SettleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerbook_settle_failures_total",
			Help: "Rejected settlement attempts, by reason",
		}, []string{"reason"}),
		TxResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerbook_tx_results_total",
			Help: "Applied transactions, by type and status",
		}, []string{"type", "status"}),
		BlockApply: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "triggerbook_block_apply_seconds",
			Help:    "Time to apply one block",
			Buckets: prometheus.DefBuckets,
		}),
		BlockHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "triggerbook_block_height",
			Help: "Last applied block height",
		}),
		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "triggerbook_mempool_size",
			Help: "Transactions waiting in the mempool",
		}),
	}
}

// Publish implements events.Sink
func (m *Metrics) Publish(ev events.Event) {
	switch ev.Type {
	case events.OrderPlaced:
		m.OrdersPlaced.WithLabelValues(ev.Market, ev.OrderType).Inc()
	case events.OrderCanceled:
		m.OrdersCanceled.WithLabelValues(ev.Market, ev.OrderType).Inc()
	case events.OrderExecuted:
		m.OrdersExecuted.WithLabelValues(ev.Market, ev.OrderType).Inc()
	case events.OrdersDiscovered:
		m.DiscoveryBatch.WithLabelValues(ev.Market).Observe(float64(len(ev.OrderIDs)))
	case events.ClaimRedeemed:
		m.ClaimsRedeemed.Inc()
	}
}

// ObserveTx records the outcome of one applied transaction
func (m *Metrics) ObserveTx(txType string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.TxResults.WithLabelValues(txType, status).Inc()
}

// ObserveBlock records block height and apply latency
func (m *Metrics) ObserveBlock(height uint64, took time.Duration) {
	m.BlockHeight.Set(float64(height))
	m.BlockApply.Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

var _ events.Sink = (*Metrics)(nil)
