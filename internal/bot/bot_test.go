package bot

import (
	"context"
	"testing"
	"time"

	"macd-grid-bot-go/internal/config"
	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/feed"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/persistence"
	"macd-grid-bot-go/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *models.Config {
	cfg := &models.Config{
		Symbol:        "BTCUSDT",
		Leverage:      5,
		OrderQuantity: 0.01,
		Grid: models.GridConfig{
			SpacingType:    models.SpacingPercent,
			SpacingValue:   1,
			RangePercent:   10,
			AnchorMode:     models.AnchorNone,
			MaxTotalOrders: 5,
		},
		TakeProfit: models.TakeProfitConfig{
			BasePercent: 0.5,
			MinPercent:  0.2,
			MaxPercent:  1.0,
		},
		ManualActivation: true,
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func flatCandles(n int, price float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{Open: price, High: price, Low: price, Close: price}
	}
	return out
}

// crashCandles: 横盘, 下跌, 反弹, 然后加速下跌
func crashCandles() []models.Candle {
	closes := make([]float64, 0, 170)
	for i := 0; i < 80; i++ {
		closes = append(closes, 100)
	}
	p := 100.0
	for i := 0; i < 40; i++ {
		p--
		closes = append(closes, p)
	}
	for i := 0; i < 40; i++ {
		p += 2
		closes = append(closes, p)
	}
	for i := 3; i <= 12; i++ {
		p -= float64(i)
		closes = append(closes, p)
	}
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func newSim(t *testing.T) *exchange.SimExchange {
	t.Helper()
	sim := exchange.NewSimExchange("BTCUSDT", 10000, nil, zap.NewNop())
	sim.SetPrice(100)
	sim.SetCandles(flatCandles(80, 100))
	return sim
}

func newTestBot(t *testing.T, cfg *models.Config, sim *exchange.SimExchange, states persistence.StateRepository) *GridTradingBot {
	t.Helper()
	b, err := New(context.Background(), cfg, Deps{Exchange: sim, States: states, Logger: zap.NewNop()})
	require.NoError(t, err)
	return b
}

func openBuys(t *testing.T, sim *exchange.SimExchange) []models.OpenOrder {
	t.Helper()
	open, err := sim.GetOpenOrders(context.Background())
	require.NoError(t, err)
	var buys []models.OpenOrder
	for _, o := range open {
		if o.Side == models.Buy {
			buys = append(buys, o)
		}
	}
	return buys
}

func TestTickBuildsLadderBelowPrice(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	require.NoError(t, b.recover(ctx))

	require.NoError(t, b.tick(ctx))

	buys := openBuys(t, sim)
	require.Len(t, buys, 5)
	prices := make([]float64, 0, len(buys))
	for _, o := range buys {
		prices = append(prices, o.Price)
		assert.True(t, exchange.IsEntryClientID(o.ClientOrderID))
		assert.InDelta(t, 0.01, o.OrigQty, 1e-12)
	}
	assert.Equal(t, []float64{99, 98, 97, 96, 95}, prices)

	status := b.Status()
	assert.Equal(t, 5, status.PendingCount)
	assert.Equal(t, 0, status.AvailableSlots)
	assert.Equal(t, models.StateWait, status.State)
	assert.Equal(t, 100.0, status.CurrentPrice)
	assert.Equal(t, 10000.0, status.Balance)

	require.NoError(t, b.tick(ctx))
	assert.Equal(t, 5, sim.Calls("CreateOrder"), "a full ladder places nothing")
}

func TestTickWaitsForActivation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ManualActivation = false
	sim := newSim(t)
	b := newTestBot(t, cfg, sim, nil)

	require.NoError(t, b.tick(ctx))
	assert.Empty(t, openBuys(t, sim))
	assert.Equal(t, models.StateWait, b.Status().State)
}

func TestPausedEngineDoesNotCreateOrders(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	assert.ErrorIs(t, b.Pause(), ErrNotRunning)

	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	require.NoError(t, b.tick(ctx))
	assert.Zero(t, sim.Calls("CreateOrder"))
}

func TestPushedFillsCompleteATrade(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	sim.SetFillHandler(b.HandleSimFill)
	require.NoError(t, b.tick(ctx))

	sim.SetPrice(98.5)
	entry, ok := b.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, entry.Status)
	require.NotZero(t, entry.TPOrderID)
	assert.InDelta(t, 99.5, entry.TakeProfitPrice, 0.01)

	tp, err := sim.GetOrder(ctx, entry.TPOrderID)
	require.NoError(t, err)
	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, models.Sell, tp.Side)

	sim.SetPrice(100)
	_, ok = b.ledger.Get(1)
	assert.False(t, ok, "completed trades leave the ledger")
	stats := b.ledger.Stats()
	assert.Equal(t, 1, stats.TradeCount)
	assert.Greater(t, stats.RealizedPnL, 0.0)
	assert.Len(t, b.Orders(), 4)

	require.NoError(t, b.tick(ctx))
	status := b.Status()
	assert.Equal(t, 1, status.TradeCount)
	assert.Equal(t, 5, status.PendingCount, "the freed slot is refilled")
}

func TestInactiveCancelsPendingEntries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	sim := newSim(t)
	b := newTestBot(t, cfg, sim, nil)
	require.NoError(t, b.tick(ctx))
	require.Len(t, openBuys(t, sim), 5)

	candles := crashCandles()
	res, err := signal.Evaluate(candles, cfg.Indicator)
	require.NoError(t, err)
	require.Equal(t, models.StateInactive, res.State)

	sim.SetCandles(candles)
	require.NoError(t, b.tick(ctx))

	assert.Empty(t, openBuys(t, sim))
	status := b.Status()
	assert.Equal(t, models.StateInactive, status.State)
	assert.Zero(t, status.PendingCount)
	assert.Equal(t, 5, sim.Calls("CreateOrder"), "manual activation does not override INACTIVE")
}

func TestSlotLimitCancelsLowestPending(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	require.NoError(t, b.tick(ctx))

	// 两个额外的挂单进入账本，例如对账接管了上一次运行留下的订单
	var extra []int64
	for _, price := range []float64{94, 93.5} {
		o, err := sim.CreateOrder(ctx, models.OrderRequest{
			Side: models.Buy, Price: price, Quantity: 0.01, ClientOrderID: exchange.NewEntryClientID(time.Now()),
		})
		require.NoError(t, err)
		b.ledger.Track(ctx, models.TrackedOrder{OrderID: o.OrderID, ClientOrderID: o.ClientOrderID, Side: models.Buy, EntryPrice: price, Quantity: 0.01})
		extra = append(extra, o.OrderID)
	}
	pending, _ := b.ledger.Counts()
	require.Equal(t, 7, pending)

	require.NoError(t, b.tick(ctx))

	pending, _ = b.ledger.Counts()
	assert.Equal(t, 5, pending)
	for _, id := range extra {
		_, ok := b.ledger.Get(id)
		assert.False(t, ok, "order %d should have been cancelled", id)
	}
	for id := int64(1); id <= 5; id++ {
		_, ok := b.ledger.Get(id)
		assert.True(t, ok, "ladder order %d stays", id)
	}
}

func TestMarginErrorPausesCreationForTheTick(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	sim.FailNext("CreateOrder", &exchange.APIError{HTTPStatus: 400, Code: -2019, Msg: "Margin is insufficient."})

	require.NoError(t, b.tick(ctx))
	assert.Empty(t, openBuys(t, sim))
	assert.Equal(t, 1, sim.Calls("CreateOrder"))
	assert.True(t, b.Status().MarginError)

	require.NoError(t, b.tick(ctx))
	assert.Len(t, openBuys(t, sim), 5)
	assert.False(t, b.Status().MarginError)
}

func TestRateLimitedTickSkipsWrites(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	sim.SetRateLimited(true)

	require.NoError(t, b.tick(ctx))
	assert.Zero(t, sim.Calls("CreateOrder"))
	assert.True(t, b.Status().RateLimited)
}

func TestAuthErrorIsFatalForTick(t *testing.T) {
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	sim.FailNext("GetPrice", &exchange.APIError{HTTPStatus: 401, Code: -2015, Msg: "Invalid API-key, IP, or permissions for action."})

	err := b.tick(context.Background())
	require.Error(t, err)
	assert.True(t, exchange.IsAuthError(err))
}

func TestAuthErrorHaltsRunningEngine(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	sim.FailNext("GetPrice", &exchange.APIError{HTTPStatus: 401, Code: -2015, Msg: "Invalid API-key, IP, or permissions for action."})

	require.NoError(t, b.Start(ctx))
	require.Eventually(t, func() bool { return b.Status().HaltReason != "" }, 2*time.Second, 10*time.Millisecond)

	status := b.Status()
	assert.False(t, status.Running)
	assert.Contains(t, status.HaltReason, "-2015")
	assert.ErrorIs(t, b.Start(ctx), ErrHalted)
	assert.ErrorIs(t, b.Stop(ctx), ErrNotRunning)
	assert.Zero(t, sim.Calls("CreateOrder"))

	select {
	case <-b.Halted():
	case <-time.After(2 * time.Second):
		t.Fatal("halt must close the Halted channel")
	}
}

// 调用方的 ctx 已取消 (例如 HTTP 客户端断开) 时停止流程仍然要做完
func TestStopCompletesWhenCallerContextIsCancelled(t *testing.T) {
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		pending, _ := b.ledger.Counts()
		return pending == 5
	}, 2*time.Second, 10*time.Millisecond)

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Stop(gone))

	assert.False(t, b.Status().Running)
	pending, _ := b.ledger.Counts()
	assert.Zero(t, pending)
	assert.Empty(t, openBuys(t, sim))
	assert.ErrorIs(t, b.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, b.Start(context.Background()), "a stopped engine can be started again")
	require.NoError(t, b.Stop(context.Background()))
	select {
	case <-b.Halted():
		t.Fatal("a clean stop is not a halt")
	default:
	}
}

func TestStopCancelsPendingAndKeepsTakeProfits(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	b := newTestBot(t, testConfig(), sim, repo)
	sim.SetFillHandler(b.HandleSimFill)
	require.NoError(t, b.Start(ctx))
	assert.ErrorIs(t, b.Start(ctx), ErrAlreadyRunning)
	require.Eventually(t, func() bool {
		pending, _ := b.ledger.Counts()
		return pending == 5
	}, 2*time.Second, 10*time.Millisecond)

	sim.SetPrice(97.5)
	pending, filled := b.ledger.Counts()
	require.Equal(t, 3, pending)
	require.Equal(t, 2, filled)

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, 3, sim.Calls("CancelOrder"))

	open, err := sim.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, o := range open {
		assert.True(t, o.ReduceOnly, "only take-profits stay on the book")
	}

	saved, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.False(t, saved.Status.Running)
	require.Len(t, saved.Orders, 2)
	for _, o := range saved.Orders {
		assert.Equal(t, models.StatusFilled, o.Status)
		assert.NotZero(t, o.TPOrderID)
	}
	assert.False(t, b.Status().Running)
}

func TestRecoverAfterCrashUsesSnapshotAndExchange(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	first := newTestBot(t, testConfig(), sim, nil)
	sim.SetFillHandler(first.HandleSimFill)
	require.NoError(t, first.tick(ctx))
	sim.SetPrice(98.5) // 订单 1 (99) 成交并挂出止盈
	require.NoError(t, repo.SaveState(&models.BotState{
		BotID:  "crashed",
		Symbol: "BTCUSDT",
		Orders: first.Orders(),
	}))

	// 进程崩溃期间: 订单 2 (98) 成交但推送丢失, 订单 4 (96) 被人工撤销
	sim.SetFillHandler(nil)
	require.NoError(t, sim.FillOrder(2))
	sim.CancelSilently(4)

	second := newTestBot(t, testConfig(), sim, repo)
	require.NoError(t, second.recover(ctx))

	filled, ok := second.ledger.Get(2)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, filled.Status)
	assert.NotZero(t, filled.TPOrderID, "missing take-profits are placed on startup")

	_, ok = second.ledger.Get(4)
	assert.False(t, ok)

	entry, ok := second.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, entry.Status)

	pending, filledCount := second.ledger.Counts()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 2, filledCount)
	assert.Equal(t, "crashed", second.botID)
	assert.Equal(t, 1, sim.Calls("SetLeverage"))
}

func TestHandleEventTracksFeedState(t *testing.T) {
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	assert.Equal(t, models.Disconnected, b.Status().FeedState)

	b.HandleEvent(context.Background(), feed.ConnectionStateChanged{State: models.Connected})
	assert.Equal(t, models.Connected, b.Status().FeedState)

	select {
	case <-b.nudge:
	default:
		t.Fatal("reconnect should request an early reconciliation")
	}
}

func TestHandleEventAppliesPushedFill(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	b := newTestBot(t, testConfig(), sim, nil)
	require.NoError(t, b.tick(ctx))
	require.NoError(t, sim.FillOrder(1))

	fill := feed.OrderFilled{OrderID: 1, Symbol: "BTCUSDT", Side: models.Buy, Quantity: 0.01, Price: 99, Time: time.Now()}
	b.HandleEvent(ctx, fill)
	b.HandleEvent(ctx, fill)

	o, ok := b.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.Equal(t, 1, b.ledger.Stats().DuplicateFills)
	assert.Equal(t, 6, sim.Calls("CreateOrder"), "one take-profit for two deliveries")
}

func TestQuantityFor(t *testing.T) {
	cfg := testConfig()
	cfg.OrderQuantity = 0
	cfg.OrderValueUSDT = 5
	sim := newSim(t)
	sim.SetSymbolInfo(models.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001})
	b := newTestBot(t, cfg, sim, nil)
	assert.InDelta(t, 0.05, b.quantityFor(100), 1e-12)
	assert.InDelta(t, 0.001, b.quantityFor(100000), 1e-12, "bumped to the minimum quantity")

	sim.SetSymbolInfo(models.SymbolInfo{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 10})
	b = newTestBot(t, cfg, sim, nil)
	assert.InDelta(t, 0.1, b.quantityFor(100), 1e-12)
	assert.InDelta(t, 0.034, b.quantityFor(300), 1e-12, "rounded up to reach the minimum notional")
}
