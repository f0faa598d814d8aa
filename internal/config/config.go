package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"macd-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件，填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the engine defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = "https://fapi.binance.com"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://fstream.binance.com"
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binancefuture.com"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.binancefuture.com"
	}
	if cfg.BaseURL == "" {
		if cfg.IsTestnet {
			cfg.BaseURL = cfg.TestnetAPIURL
		} else {
			cfg.BaseURL = cfg.LiveAPIURL
		}
	}
	if cfg.WSBaseURL == "" {
		if cfg.IsTestnet {
			cfg.WSBaseURL = cfg.TestnetWSURL
		} else {
			cfg.WSBaseURL = cfg.LiveWSURL
		}
	}
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	if cfg.PositionSide == "" {
		cfg.PositionSide = "BOTH"
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 5
	}

	g := &cfg.Grid
	if g.SpacingType == "" {
		g.SpacingType = models.SpacingPercent
	}
	if g.AnchorMode == "" {
		g.AnchorMode = models.AnchorNone
	}
	if g.RangePercent == 0 {
		g.RangePercent = 10
	}

	tp := &cfg.TakeProfit
	if tp.AgeThresholdMin == 0 {
		tp.AgeThresholdMin = 240
	}
	if tp.AdjustIntervalMin == 0 {
		tp.AdjustIntervalMin = 60
	}
	if tp.PriceChangeThresholdPercent == 0 {
		tp.PriceChangeThresholdPercent = 0.1
	}
	if tp.NearPriceMarginPercent == 0 {
		tp.NearPriceMarginPercent = 0.2
	}

	ind := &cfg.Indicator
	if ind.FastPeriod == 0 {
		ind.FastPeriod = 12
	}
	if ind.SlowPeriod == 0 {
		ind.SlowPeriod = 26
	}
	if ind.SignalPeriod == 0 {
		ind.SignalPeriod = 9
	}
	if ind.Timeframe == "" {
		ind.Timeframe = "15m"
	}
	if ind.CandleLimit == 0 {
		ind.CandleLimit = 200
	}

	e := &cfg.Engine
	if e.TickIntervalSec == 0 {
		e.TickIntervalSec = 5
	}
	if e.TickTimeoutSec == 0 {
		e.TickTimeoutSec = 20
	}
	if e.StatusIntervalSec == 0 {
		e.StatusIntervalSec = 30
	}
	if e.DBPath == "" {
		e.DBPath = "data/state"
	}
	if e.TradeDBPath == "" {
		e.TradeDBPath = "data/trades.db"
	}
	if e.MissingGraceSec == 0 {
		e.MissingGraceSec = 20
	}
	if e.MaxStatusQueries == 0 {
		e.MaxStatusQueries = 5
	}
	if e.QuantityTolerance == 0 {
		e.QuantityTolerance = 0.05
	}
	if e.ClosedRetentionHours == 0 {
		e.ClosedRetentionHours = 24
	}

	x := &cfg.Exchange
	if x.RetryAttempts == 0 {
		x.RetryAttempts = 3
	}
	if x.RetryInitialDelayMs == 0 {
		x.RetryInitialDelayMs = 500
	}
	if x.RetryMaxDelayMs == 0 {
		x.RetryMaxDelayMs = 4000
	}
	if x.RateLimitCooldownSec == 0 {
		x.RateLimitCooldownSec = 480
	}
	if x.RequestsPerSecond == 0 {
		x.RequestsPerSecond = 10
	}
	if x.RequestTimeoutSec == 0 {
		x.RequestTimeoutSec = 10
	}
	if x.RecvWindowMs == 0 {
		x.RecvWindowMs = 5000
	}
	ttl := &x.CacheTTL
	if ttl.PriceSec == 0 {
		ttl.PriceSec = 2
	}
	if ttl.CandlesSec == 0 {
		ttl.CandlesSec = 60
	}
	if ttl.BalanceSec == 0 {
		ttl.BalanceSec = 30
	}
	if ttl.PositionsSec == 0 {
		ttl.PositionsSec = 5
	}
	if ttl.OpenOrdersSec == 0 {
		ttl.OpenOrdersSec = 15
	}
	if ttl.FundingSec == 0 {
		ttl.FundingSec = 300
	}

	f := &cfg.Feed
	if f.ListenKeyRenewMin == 0 {
		f.ListenKeyRenewMin = 20
	}
	if f.ReconnectMinSec == 0 {
		f.ReconnectMinSec = 1
	}
	if f.ReconnectMaxSec == 0 {
		f.ReconnectMaxSec = 60
	}
	if f.StableWindowSec == 0 {
		f.StableWindowSec = 60
	}
	if f.WebSocketPongTimeoutSec == 0 {
		f.WebSocketPongTimeoutSec = 60
	}
	if f.WebSocketPingIntervalSec == 0 {
		f.WebSocketPingIntervalSec = f.WebSocketPongTimeoutSec * 9 / 10
	}

	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = "127.0.0.1:8090"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate rejects configurations the engine cannot run safely with.
func Validate(cfg *models.Config) error {
	var errs []error
	if cfg.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if cfg.Leverage < 1 || cfg.Leverage > 125 {
		errs = append(errs, fmt.Errorf("leverage %d out of range [1,125]", cfg.Leverage))
	}
	if cfg.OrderQuantity <= 0 && cfg.OrderValueUSDT <= 0 {
		errs = append(errs, errors.New("one of order_quantity or order_value_usdt must be positive"))
	}

	g := cfg.Grid
	switch g.SpacingType {
	case models.SpacingPercent:
		if g.SpacingValue <= 0 || g.SpacingValue >= 100 {
			errs = append(errs, fmt.Errorf("grid.spacing_value %.4f must be in (0,100) for percent spacing", g.SpacingValue))
		}
	case models.SpacingFixed:
		if g.SpacingValue <= 0 {
			errs = append(errs, fmt.Errorf("grid.spacing_value %.4f must be positive", g.SpacingValue))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown grid.spacing_type %q", g.SpacingType))
	}
	switch g.AnchorMode {
	case models.AnchorNone, models.AnchorTen, models.AnchorHundred, models.AnchorThousand:
	default:
		errs = append(errs, fmt.Errorf("unknown grid.anchor_mode %q", g.AnchorMode))
	}
	if g.RangePercent <= 0 || g.RangePercent >= 100 {
		errs = append(errs, fmt.Errorf("grid.range_percent %.2f must be in (0,100)", g.RangePercent))
	}
	if g.MaxTotalOrders < 1 {
		errs = append(errs, errors.New("grid.max_total_orders must be at least 1"))
	}

	tp := cfg.TakeProfit
	if tp.BasePercent <= 0 {
		errs = append(errs, errors.New("take_profit.base_percent must be positive"))
	}
	if tp.MinPercent <= 0 || tp.MinPercent >= tp.BasePercent || tp.MaxPercent <= tp.BasePercent {
		errs = append(errs, fmt.Errorf("take_profit bounds must satisfy 0 < min(%.3f) < base(%.3f) < max(%.3f)",
			tp.MinPercent, tp.BasePercent, tp.MaxPercent))
	}
	if tp.FundingAdjustPercent <= 0 {
		errs = append(errs, errors.New("take_profit.funding_adjust_percent must be positive"))
	}
	if tp.FeeBufferPercent < 0 {
		errs = append(errs, errors.New("take_profit.fee_buffer_percent must not be negative"))
	}

	ind := cfg.Indicator
	if ind.FastPeriod >= ind.SlowPeriod {
		errs = append(errs, fmt.Errorf("indicator.fast_period %d must be below slow_period %d", ind.FastPeriod, ind.SlowPeriod))
	}
	if ind.CandleLimit < ind.SlowPeriod+ind.SignalPeriod+1 {
		errs = append(errs, fmt.Errorf("indicator.candle_limit %d too small for MACD(%d,%d,%d)",
			ind.CandleLimit, ind.FastPeriod, ind.SlowPeriod, ind.SignalPeriod))
	}

	if cfg.Engine.QuantityTolerance < 0 || cfg.Engine.QuantityTolerance >= 1 {
		errs = append(errs, errors.New("engine.quantity_tolerance must be in [0,1)"))
	}
	if cfg.Engine.TickTimeoutSec <= 0 || cfg.Engine.TickIntervalSec <= 0 {
		errs = append(errs, errors.New("engine tick interval and timeout must be positive"))
	}
	if cfg.Exchange.RetryMaxDelayMs < cfg.Exchange.RetryInitialDelayMs {
		errs = append(errs, fmt.Errorf("exchange.retry_max_delay_ms %d is below retry_initial_delay_ms %d",
			cfg.Exchange.RetryMaxDelayMs, cfg.Exchange.RetryInitialDelayMs))
	}
	for _, f := range cfg.Filters {
		if f.Name == "" {
			errs = append(errs, errors.New("filters: every filter needs a name"))
		}
	}
	return errors.Join(errs...)
}
