package filter

import (
	"context"
	"errors"
	"testing"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticFilter struct {
	name  string
	allow bool
	calls int
}

func (f *staticFilter) Name() string                              { return f.name }
func (f *staticFilter) ShouldAllowTrade(ctx context.Context) bool { f.calls++; return f.allow }
func (f *staticFilter) GetState() FilterState                     { return FilterState{Allowed: f.allow} }

func TestRegistryWithoutEnabledFiltersApproves(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	ok, blocked := reg.ShouldAllowTrade(context.Background())
	assert.True(t, ok)
	assert.Empty(t, blocked)

	deny := &staticFilter{name: "deny"}
	reg.Register(deny, false)
	ok, _ = reg.ShouldAllowTrade(context.Background())
	assert.True(t, ok)
	assert.Zero(t, deny.calls, "disabled filters are not consulted")
}

func TestRegistryRequiresAllEnabledFilters(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&staticFilter{name: "a", allow: true}, true)
	reg.Register(&staticFilter{name: "b", allow: false}, true)

	ok, blocked := reg.ShouldAllowTrade(context.Background())
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, blocked)

	require.NoError(t, reg.Disable("b"))
	ok, _ = reg.ShouldAllowTrade(context.Background())
	assert.True(t, ok)

	require.NoError(t, reg.Enable("b"))
	states := reg.States()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Name)
	assert.True(t, states[1].Enabled)
	assert.False(t, states[1].Allowed)
}

func TestRegistryUnknownFilter(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	assert.ErrorIs(t, reg.Enable("nope"), ErrUnknownFilter)
}

func TestFromConfigRejectsUnknownNames(t *testing.T) {
	sim := exchange.NewSimExchange("BTCUSDT", 1000, nil, zap.NewNop())
	_, err := FromConfig([]models.FilterConfig{{Name: "trend"}, {Name: "moon_phase"}}, sim, models.IndicatorConfig{Timeframe: "15m"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownFilter)

	reg, err := FromConfig([]models.FilterConfig{{Name: "trend", Enabled: true}, {Name: "funding"}}, sim, models.IndicatorConfig{Timeframe: "15m"}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, reg.States(), 2)
}

func flatCandles(n int, price float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{Open: price, High: price, Low: price, Close: price}
	}
	return out
}

func TestTrendFilterBlocksSteepDowntrend(t *testing.T) {
	sim := exchange.NewSimExchange("BTCUSDT", 1000, nil, zap.NewNop())
	sim.SetCandles(flatCandles(30, 100))
	f := NewTrendFilter(sim, "15m", map[string]float64{"ema_period": 20, "max_below_percent": 3}, zap.NewNop())

	sim.SetPrice(98)
	assert.True(t, f.ShouldAllowTrade(context.Background()))

	sim.SetPrice(96)
	assert.False(t, f.ShouldAllowTrade(context.Background()))
	st := f.GetState()
	assert.False(t, st.Allowed)
	assert.InDelta(t, 4, st.Values["below_percent"], 1e-9)
	assert.NotEmpty(t, st.Reason)
}

func TestTrendFilterKeepsLastDecisionOnError(t *testing.T) {
	sim := exchange.NewSimExchange("BTCUSDT", 1000, nil, zap.NewNop())
	sim.SetCandles(flatCandles(30, 100))
	f := NewTrendFilter(sim, "15m", map[string]float64{"ema_period": 20}, zap.NewNop())

	sim.SetPrice(90)
	require.False(t, f.ShouldAllowTrade(context.Background()))

	sim.FailNext("GetCandles", errors.New("timeout"))
	assert.False(t, f.ShouldAllowTrade(context.Background()))

	sim.SetCandles(flatCandles(5, 100))
	assert.False(t, f.ShouldAllowTrade(context.Background()), "too few candles keeps the last decision")
}

func TestFundingFilter(t *testing.T) {
	sim := exchange.NewSimExchange("BTCUSDT", 1000, nil, zap.NewNop())
	f := NewFundingFilter(sim, map[string]float64{"max_rate": 0.0003}, zap.NewNop())

	sim.SetFundingRate(0.0001)
	assert.True(t, f.ShouldAllowTrade(context.Background()))
	sim.SetFundingRate(0.0008)
	assert.False(t, f.ShouldAllowTrade(context.Background()))
	assert.Equal(t, 0.0008, f.GetState().Values["funding_rate"])
	sim.SetFundingRate(-0.001)
	assert.True(t, f.ShouldAllowTrade(context.Background()))
}
