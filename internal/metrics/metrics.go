// Package metrics exposes Prometheus collectors for the grid engine:
//
//   - grid_orders_placed_total{kind}        entry / take_profit orders accepted by the exchange
//   - grid_fills_total{kind,source}         fills applied by the ledger, per observing path
//   - grid_duplicate_fills_total            fills dropped as already applied
//   - grid_trades_total{result}             completed trades (win|loss)
//   - grid_realized_pnl_usdt                cumulative realized P&L
//   - grid_orders{status}                   ledger PENDING / FILLED counts
//   - grid_available_slots                  free slots after the last tick
//   - grid_strategy_state{state}            one series per state, 1 for the active one
//   - grid_tick_duration_seconds            tick latency
//   - grid_tick_errors_total{kind}          rate_limit|margin|auth|other
//   - grid_reconcile_total{outcome}         reconciliation results
//   - grid_feed_connected                   1 while the user data stream is up
//
// Collectors live on an injected registry; nothing is registered globally.
package metrics

import (
	"net/http"

	"macd-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var strategyStates = []models.StrategyState{
	models.StateWait, models.StateActivate, models.StateActive, models.StatePause, models.StateInactive,
}

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ordersPlaced   *prometheus.CounterVec
	fills          *prometheus.CounterVec
	duplicateFills prometheus.Counter
	trades         *prometheus.CounterVec
	realizedPnL    prometheus.Gauge
	orders         *prometheus.GaugeVec
	availableSlots prometheus.Gauge
	price          prometheus.Gauge
	histogram      prometheus.Gauge
	strategyState  *prometheus.GaugeVec
	tradeAllowed   prometheus.Gauge
	tickDuration   prometheus.Histogram
	tickErrors     *prometheus.CounterVec
	reconcile      *prometheus.CounterVec
	tpReplaced     prometheus.Counter
	feedConnected  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Orders accepted by the exchange",
		}, []string{"kind"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Fills applied to the ledger by kind and observing path",
		}, []string{"kind", "source"}),
		duplicateFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_duplicate_fills_total",
			Help: "Fill notifications ignored because the fill was already applied",
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_trades_total",
			Help: "Completed trades by result (win|loss)",
		}, []string{"result"}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_realized_pnl_usdt",
			Help: "Cumulative realized P&L in USDT",
		}),
		orders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_orders",
			Help: "Ledger orders by status",
		}, []string{"status"}),
		availableSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_available_slots",
			Help: "Free order slots after the last tick",
		}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_price",
			Help: "Last observed price",
		}),
		histogram: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_macd_histogram",
			Help: "MACD histogram of the last closed evaluation",
		}),
		strategyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_strategy_state",
			Help: "Strategy state indicator, 1 for the active state",
		}, []string{"state"}),
		tradeAllowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_trade_allowed",
			Help: "1 when the filter registry approves new entries",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_tick_duration_seconds",
			Help:    "Duration of one engine tick",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_tick_errors_total",
			Help: "Tick errors by class",
		}, []string{"kind"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_reconcile_total",
			Help: "Reconciliation results by outcome",
		}, []string{"outcome"}),
		tpReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_take_profit_replaced_total",
			Help: "Take-profit orders moved by the adjuster",
		}),
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_feed_connected",
			Help: "1 while the user data stream is connected",
		}),
	}
	reg.MustRegister(
		m.ordersPlaced, m.fills, m.duplicateFills, m.trades, m.realizedPnL,
		m.orders, m.availableSlots, m.price, m.histogram, m.strategyState,
		m.tradeAllowed, m.tickDuration, m.tickErrors, m.reconcile, m.tpReplaced,
		m.feedConnected,
	)
	return m
}

// Handler serves the text exposition of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(kind string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(kind).Inc()
}

func (m *Metrics) Fill(kind string, source models.FillSource) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(kind, string(source)).Inc()
}

func (m *Metrics) DuplicateFill() {
	if m == nil {
		return
	}
	m.duplicateFills.Inc()
}

// Trade counts a completed trade.
func (m *Metrics) Trade(rec models.TradeRecord) {
	if m == nil {
		return
	}
	result := "loss"
	if rec.RealizedPnL > 0 {
		result = "win"
	}
	m.trades.WithLabelValues(result).Inc()
}

// TickObserved records tick latency in seconds.
func (m *Metrics) TickObserved(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) TickError(kind string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(kind).Inc()
}

// Reconciled adds n to the outcome counter; zero counts are skipped.
func (m *Metrics) Reconciled(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcile.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) TakeProfitReplaced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tpReplaced.Add(float64(n))
}

func (m *Metrics) FeedState(state models.ConnectionState) {
	if m == nil {
		return
	}
	if state == models.Connected {
		m.feedConnected.Set(1)
	} else {
		m.feedConnected.Set(0)
	}
}

// ObserveStatus publishes the per-tick gauges.
func (m *Metrics) ObserveStatus(s models.GridStatus) {
	if m == nil {
		return
	}
	m.realizedPnL.Set(s.RealizedPnL)
	m.orders.WithLabelValues(string(models.StatusPending)).Set(float64(s.PendingCount))
	m.orders.WithLabelValues(string(models.StatusFilled)).Set(float64(s.FilledCount))
	m.availableSlots.Set(float64(s.AvailableSlots))
	m.price.Set(s.CurrentPrice)
	m.histogram.Set(s.Histogram)
	for _, st := range strategyStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		m.strategyState.WithLabelValues(string(st)).Set(v)
	}
	if s.TradeAllowed {
		m.tradeAllowed.Set(1)
	} else {
		m.tradeAllowed.Set(0)
	}
}
