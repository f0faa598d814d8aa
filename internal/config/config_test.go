package config

import (
	"os"
	"path/filepath"
	"testing"

	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "is_testnet": true,
  "symbol": "btcusdt",
  "leverage": 10,
  "order_value_usdt": 25,
  "grid": {"spacing_type": "percent", "spacing_value": 0.5, "range_percent": 8, "anchor_mode": "hundred", "max_total_orders": 6},
  "take_profit": {"base_percent": 0.6, "min_percent": 0.3, "max_percent": 1.2, "fee_buffer_percent": 0.08, "funding_adjust_percent": 0.15},
  "log": {"level": "debug", "output": "console"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, cfg.TestnetAPIURL, cfg.BaseURL)
	assert.Equal(t, cfg.TestnetWSURL, cfg.WSBaseURL)
	assert.Equal(t, "BOTH", cfg.PositionSide)
	assert.Equal(t, 5, cfg.Engine.TickIntervalSec)
	assert.Equal(t, 480, cfg.Exchange.RateLimitCooldownSec)
	assert.Equal(t, 4000, cfg.Exchange.RetryMaxDelayMs)
	assert.Equal(t, 60, cfg.Exchange.CacheTTL.CandlesSec)
	assert.Equal(t, 30, cfg.Exchange.CacheTTL.BalanceSec)
	assert.Equal(t, 15, cfg.Exchange.CacheTTL.OpenOrdersSec)
	assert.Equal(t, 20, cfg.Feed.ListenKeyRenewMin)
	assert.Equal(t, 54, cfg.Feed.WebSocketPingIntervalSec)
	assert.Equal(t, 12, cfg.Indicator.FastPeriod)
	assert.Equal(t, "15m", cfg.Indicator.Timeframe)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"symbol":"BTCUSDT","grid_spacing":0.1}`))
	require.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &models.Config{
		Symbol: "BTCUSDT",
		Grid:   models.GridConfig{SpacingType: "log", AnchorMode: "million"},
		TakeProfit: models.TakeProfitConfig{
			BasePercent: 0.5, MinPercent: 0.6, MaxPercent: 0.4,
		},
	}
	ApplyDefaults(cfg)
	cfg.Grid.SpacingType = "log"
	cfg.Grid.AnchorMode = "million"
	cfg.Exchange.RetryMaxDelayMs = 100

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "order_quantity or order_value_usdt")
	assert.Contains(t, msg, `unknown grid.spacing_type "log"`)
	assert.Contains(t, msg, `unknown grid.anchor_mode "million"`)
	assert.Contains(t, msg, "max_total_orders")
	assert.Contains(t, msg, "take_profit bounds")
	assert.Contains(t, msg, "funding_adjust_percent")
	assert.Contains(t, msg, "retry_max_delay_ms")
}

func TestValidateMACDWindow(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	cfg.Indicator.CandleLimit = 20
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "candle_limit")
}
