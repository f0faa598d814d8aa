package takeprofit

import (
	"math"

	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/planner"
)

// Calculator turns an entry price into a take-profit price. All percentages in the
// configuration are in percent units (0.5 = 0.5%).
type Calculator struct {
	cfg      models.TakeProfitConfig
	tickSize float64
}

// NewCalculator creates a calculator that rounds to tickSize.
func NewCalculator(cfg models.TakeProfitConfig, tickSize float64) *Calculator {
	return &Calculator{cfg: cfg, tickSize: tickSize}
}

// TargetPercent returns the profit target after the funding bias, clamped to
// [MinPercent, MaxPercent]. Positive funding widens a long's target and narrows a
// short's; negative funding does the opposite; zero keeps the base.
func (c *Calculator) TargetPercent(side models.Side, fundingRate float64) float64 {
	pct := c.cfg.BasePercent
	bias := fundingRate * side.Sign()
	switch {
	case bias > 0:
		pct += c.cfg.FundingAdjustPercent
	case bias < 0:
		pct -= c.cfg.FundingAdjustPercent
	}
	return math.Min(math.Max(pct, c.cfg.MinPercent), c.cfg.MaxPercent)
}

// Price returns the take-profit price for an entry under the given funding rate.
func (c *Calculator) Price(entryPrice float64, side models.Side, fundingRate float64) float64 {
	return c.priceFor(entryPrice, side, c.TargetPercent(side, fundingRate))
}

// InitialPrice is the target used when an entry first fills: the base percent with no
// funding bias.
func (c *Calculator) InitialPrice(entryPrice float64, side models.Side) float64 {
	pct := math.Min(math.Max(c.cfg.BasePercent, c.cfg.MinPercent), c.cfg.MaxPercent)
	return c.priceFor(entryPrice, side, pct)
}

func (c *Calculator) priceFor(entryPrice float64, side models.Side, pct float64) float64 {
	raw := entryPrice * (1 + side.Sign()*(pct+c.cfg.FeeBufferPercent)/100)
	if c.tickSize <= 0 {
		return raw
	}
	return planner.RoundNearest(raw, c.tickSize)
}
