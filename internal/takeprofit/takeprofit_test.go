package takeprofit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/ledger"
	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTPConfig() models.TakeProfitConfig {
	return models.TakeProfitConfig{
		BasePercent:                 0.5,
		MinPercent:                  0.3,
		MaxPercent:                  1.0,
		FeeBufferPercent:            0.1,
		FundingAdjustPercent:        0.2,
		AgeThresholdMin:             240,
		AdjustIntervalMin:           60,
		PriceChangeThresholdPercent: 0.1,
		NearPriceMarginPercent:      0.2,
	}
}

func TestTargetPercentFollowsFundingSign(t *testing.T) {
	calc := NewCalculator(testTPConfig(), 0.1)

	assert.InDelta(t, 0.7, calc.TargetPercent(models.Buy, 0.0001), 1e-12)
	assert.InDelta(t, 0.3, calc.TargetPercent(models.Buy, -0.0001), 1e-12)
	assert.InDelta(t, 0.5, calc.TargetPercent(models.Buy, 0), 1e-12)
	assert.InDelta(t, 0.3, calc.TargetPercent(models.Sell, 0.0001), 1e-12)
}

func TestTargetPercentIsClamped(t *testing.T) {
	cfg := testTPConfig()
	cfg.FundingAdjustPercent = 2
	calc := NewCalculator(cfg, 0.1)

	assert.Equal(t, cfg.MaxPercent, calc.TargetPercent(models.Buy, 0.001))
	assert.Equal(t, cfg.MinPercent, calc.TargetPercent(models.Buy, -0.001))
}

func TestRecomputedPriceBracketsBase(t *testing.T) {
	calc := NewCalculator(testTPConfig(), 0.1)
	base := calc.InitialPrice(100000, models.Buy)
	assert.InDelta(t, 100600, base, 1e-9)

	for _, funding := range []float64{0.00001, 0.0001, 0.003} {
		assert.Greater(t, calc.Price(100000, models.Buy, funding), base, "funding %v", funding)
	}
	for _, funding := range []float64{-0.00001, -0.0001, -0.003} {
		assert.Less(t, calc.Price(100000, models.Buy, funding), base, "funding %v", funding)
	}
}

func TestPriceRoundsToTick(t *testing.T) {
	calc := NewCalculator(testTPConfig(), 0.1)
	assert.InDelta(t, 88652.2, calc.InitialPrice(88123.45, models.Buy), 1e-9)
}

// mockOrders is a mock implementation of the Orders interface.
type mockOrders struct {
	sync.Mutex
	orders   []models.TrackedOrder
	replaced map[int64]float64
	err      error
}

func (m *mockOrders) Snapshot() []models.TrackedOrder {
	m.Lock()
	defer m.Unlock()
	return append([]models.TrackedOrder(nil), m.orders...)
}

func (m *mockOrders) ReplaceTakeProfit(ctx context.Context, entryID int64, price float64) error {
	m.Lock()
	defer m.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.replaced == nil {
		m.replaced = make(map[int64]float64)
	}
	m.replaced[entryID] = price
	return nil
}

type mockMarket struct {
	price   float64
	funding float64
}

func (m mockMarket) GetPrice(ctx context.Context) (float64, error)       { return m.price, nil }
func (m mockMarket) GetFundingRate(ctx context.Context) (float64, error) { return m.funding, nil }

func newTestAdjuster(orders Orders, market Market, now time.Time) *Adjuster {
	cfg := testTPConfig()
	a := NewAdjuster(cfg, NewCalculator(cfg, 0.1), orders, market, zap.NewNop())
	a.now = func() time.Time { return now }
	return a
}

func filledOrder(id int64, entry, tp float64, filledAt time.Time) models.TrackedOrder {
	return models.TrackedOrder{
		OrderID: id, Side: models.Buy, EntryPrice: entry, FillPrice: entry, TakeProfitPrice: tp,
		Quantity: 0.01, Status: models.StatusFilled, FilledAt: filledAt, TPOrderID: id + 1000,
	}
}

func TestAdjustOnceReplacesOnlyOldOrdersThatMove(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	orders := &mockOrders{orders: []models.TrackedOrder{
		filledOrder(1, 100000, 100600, now.Add(-5*time.Hour)),
		filledOrder(2, 100000, 100600, now.Add(-time.Hour)),
		filledOrder(3, 50000, 50400, now.Add(-6*time.Hour)),
		{OrderID: 4, Status: models.StatusPending, EntryPrice: 99000},
	}}
	a := newTestAdjuster(orders, mockMarket{price: 99000, funding: 0.0001}, now)

	report, err := a.AdjustOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Replaced)
	assert.Equal(t, 1, report.Skipped)

	require.Contains(t, orders.replaced, int64(1))
	assert.InDelta(t, 100800, orders.replaced[1], 1e-9)
	assert.NotContains(t, orders.replaced, int64(2))
	assert.NotContains(t, orders.replaced, int64(3))
}

func TestAdjustOnceSkipsWhenMarketNearTakeProfit(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	orders := &mockOrders{orders: []models.TrackedOrder{filledOrder(1, 100000, 100600, now.Add(-5*time.Hour))}}
	a := newTestAdjuster(orders, mockMarket{price: 100550, funding: 0.0001}, now)

	report, err := a.AdjustOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, orders.replaced)
}

func TestAdjustOnceHandlesReplaceErrors(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	orders := &mockOrders{
		orders: []models.TrackedOrder{filledOrder(1, 100000, 100600, now.Add(-5*time.Hour))},
		err:    fmt.Errorf("tp 1001: %w", ledger.ErrTakeProfitGone),
	}
	a := newTestAdjuster(orders, mockMarket{price: 99000, funding: -0.0002}, now)

	report, err := a.AdjustOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gone)

	orders.err = exchange.ErrRateLimited
	_, err = a.AdjustOnce(context.Background())
	assert.ErrorIs(t, err, exchange.ErrRateLimited)
}
