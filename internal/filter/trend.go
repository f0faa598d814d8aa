package filter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/signal"

	"go.uber.org/zap"
)

const TrendFilterName = "trend"

// TrendFilter refuses new entries while the price sits too far below a long EMA,
// i.e. while the market is in a steep downtrend.
type TrendFilter struct {
	market          exchange.MarketData
	timeframe       string
	period          int
	maxBelowPercent float64
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.Mutex
	state FilterState
}

// NewTrendFilter reads params "ema_period" (default 200) and "max_below_percent" (default 3).
func NewTrendFilter(market exchange.MarketData, timeframe string, params map[string]float64, logger *zap.Logger) *TrendFilter {
	return &TrendFilter{
		market:          market,
		timeframe:       timeframe,
		period:          int(param(params, "ema_period", 200)),
		maxBelowPercent: param(params, "max_below_percent", 3),
		logger:          logger.Named("trend_filter"),
		now:             time.Now,
		state:           FilterState{Name: TrendFilterName, Allowed: true},
	}
}

func (f *TrendFilter) Name() string { return TrendFilterName }

func (f *TrendFilter) ShouldAllowTrade(ctx context.Context) bool {
	allowed, reason, values, err := f.evaluate(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		// 数据不可用时沿用上一次的判断
		f.logger.Warn("趋势过滤器无法评估", zap.Error(err))
		return f.state.Allowed
	}
	f.state.Allowed = allowed
	f.state.Reason = reason
	f.state.Values = values
	f.state.UpdatedAt = f.now()
	return allowed
}

func (f *TrendFilter) evaluate(ctx context.Context) (bool, string, map[string]float64, error) {
	candles, err := f.market.GetCandles(ctx, f.timeframe, f.period+1)
	if err != nil {
		return false, "", nil, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ema := signal.EMA(closes, f.period)
	if len(ema) == 0 {
		return false, "", nil, fmt.Errorf("need %d candles, got %d: %w", f.period, len(candles), signal.ErrInsufficientData)
	}
	last := ema[len(ema)-1]
	price, err := f.market.GetPrice(ctx)
	if err != nil {
		return false, "", nil, err
	}

	below := (last - price) / last * 100
	values := map[string]float64{"ema": last, "price": price, "below_percent": below}
	if below > f.maxBelowPercent {
		return false, fmt.Sprintf("price %.2f%% below EMA%d", below, f.period), values, nil
	}
	return true, "", values, nil
}

func (f *TrendFilter) GetState() FilterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
