package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"macd-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestObserveStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStatus(models.GridStatus{
		State:          models.StateActive,
		PendingCount:   3,
		FilledCount:    2,
		AvailableSlots: 5,
		RealizedPnL:    1.25,
		TradeAllowed:   true,
	})

	body := scrape(t, reg)
	assert.Contains(t, body, `grid_orders{status="PENDING"} 3`)
	assert.Contains(t, body, `grid_orders{status="FILLED"} 2`)
	assert.Contains(t, body, `grid_strategy_state{state="ACTIVE"} 1`)
	assert.Contains(t, body, `grid_strategy_state{state="WAIT"} 0`)
	assert.Contains(t, body, "grid_realized_pnl_usdt 1.25")
	assert.Contains(t, body, "grid_trade_allowed 1")
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Trade(models.TradeRecord{RealizedPnL: 0.5})
	m.Trade(models.TradeRecord{RealizedPnL: -0.1})
	m.Fill("entry", models.SourcePush)
	m.DuplicateFill()
	m.Reconciled("unresolved", 0)
	m.Reconciled("entries_filled", 2)
	m.FeedState(models.Connected)

	body := scrape(t, reg)
	assert.Contains(t, body, `grid_trades_total{result="win"} 1`)
	assert.Contains(t, body, `grid_trades_total{result="loss"} 1`)
	assert.Contains(t, body, `grid_fills_total{kind="entry",source="push"} 1`)
	assert.Contains(t, body, `grid_reconcile_total{outcome="entries_filled"} 2`)
	assert.Contains(t, body, "grid_duplicate_fills_total 1")
	assert.Contains(t, body, "grid_feed_connected 1")
	assert.NotContains(t, body, `outcome="unresolved"`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderPlaced("entry")
		m.Trade(models.TradeRecord{})
		m.ObserveStatus(models.GridStatus{})
		m.TickObserved(0.1)
	})
}
