package planner

import (
	"math"

	"macd-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// maxScan bounds the ladder walk for tiny spacings over a wide range.
const maxScan = 10000

// Level is one target price of the ladder. Index counts from the anchor.
type Level struct {
	Index int
	Price float64
}

// Planner computes ladder levels below the current price.
type Planner struct {
	cfg      models.GridConfig
	tickSize float64
}

// New creates a planner. A non-positive tick size disables rounding.
func New(cfg models.GridConfig, tickSize float64) *Planner {
	return &Planner{cfg: cfg, tickSize: tickSize}
}

// AnchorPrice floors price to the multiple named by mode.
func AnchorPrice(price float64, mode string) float64 {
	var unit float64
	switch mode {
	case models.AnchorTen:
		unit = 10
	case models.AnchorHundred:
		unit = 100
	case models.AnchorThousand:
		unit = 1000
	default:
		return price
	}
	return math.Floor(price/unit) * unit
}

// RoundDown floors v to a multiple of step.
func RoundDown(v, step float64) float64 {
	f, _ := roundDown(decimal.NewFromFloat(v), step).Float64()
	return f
}

func roundDown(v decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(step)
	return v.Div(d).Floor().Mul(d)
}

// RoundNearest rounds v to the closest multiple of step.
func RoundNearest(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(v).Div(d).Round(0).Mul(d).Float64()
	return f
}

// price returns the unrounded price of ladder step k (k == 0 is the anchor itself).
func (p *Planner) price(anchor decimal.Decimal, k int) decimal.Decimal {
	step := decimal.NewFromFloat(p.cfg.SpacingValue).Mul(decimal.NewFromInt(int64(k)))
	if p.cfg.SpacingType == models.SpacingFixed {
		return anchor.Sub(step)
	}
	return anchor.Mul(decimal.NewFromInt(1).Sub(step.Div(decimal.NewFromInt(100))))
}

// Levels returns up to n untaken levels below price, closest first. Levels never go
// below price × (1 − RangePercent/100). A level within half a tick of a taken price is skipped.
func (p *Planner) Levels(price float64, taken []float64, n int) []Level {
	if n <= 0 || price <= 0 || p.cfg.SpacingValue <= 0 {
		return nil
	}
	anchorPrice := AnchorPrice(price, p.cfg.AnchorMode)
	anchor := decimal.NewFromFloat(anchorPrice)
	floor := price * (1 - p.cfg.RangePercent/100)
	tolerance := p.tickSize / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}

	// the anchor is a level of its own only when it sits strictly below the price
	first := 1
	if anchorPrice < price {
		first = 0
	}

	levels := make([]Level, 0, n)
	last := math.Inf(1)
	for k := first; k < first+maxScan && len(levels) < n; k++ {
		lp, _ := roundDown(p.price(anchor, k), p.tickSize).Float64()
		if lp < floor || lp <= 0 {
			break
		}
		if lp >= price || math.Abs(lp-last) < tolerance {
			continue
		}
		last = lp
		if isTaken(lp, taken, tolerance) {
			continue
		}
		levels = append(levels, Level{Index: k, Price: lp})
	}
	return levels
}

func isTaken(price float64, taken []float64, tolerance float64) bool {
	for _, t := range taken {
		if math.Abs(price-t) < tolerance {
			return true
		}
	}
	return false
}
