package planner

import (
	"testing"

	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func prices(levels []Level) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.Price
	}
	return out
}

func TestAnchorPrice(t *testing.T) {
	assert.Equal(t, 88000.0, AnchorPrice(88050, models.AnchorHundred))
	assert.Equal(t, 88050.0, AnchorPrice(88050, models.AnchorTen))
	assert.Equal(t, 88000.0, AnchorPrice(88050, models.AnchorThousand))
	assert.Equal(t, 88050.0, AnchorPrice(88050, models.AnchorNone))
	assert.Equal(t, 88050.5, AnchorPrice(88050.5, ""))
}

func TestFixedSpacingFromAnchor(t *testing.T) {
	p := New(models.GridConfig{
		SpacingType:  models.SpacingFixed,
		SpacingValue: 100,
		RangePercent: 1,
		AnchorMode:   models.AnchorHundred,
	}, 0.1)

	levels := p.Levels(88050, nil, 3)
	assert.Equal(t, []float64{88000, 87900, 87800}, prices(levels))
	assert.Equal(t, 0, levels[0].Index)

	levels = p.Levels(88050, []float64{87900}, 3)
	assert.Equal(t, []float64{88000, 87800, 87700}, prices(levels))
}

func TestAnchorAtPriceIsNotALevel(t *testing.T) {
	p := New(models.GridConfig{
		SpacingType:  models.SpacingFixed,
		SpacingValue: 100,
		RangePercent: 1,
		AnchorMode:   models.AnchorHundred,
	}, 0.1)

	levels := p.Levels(88000, nil, 2)
	assert.Equal(t, []float64{87900, 87800}, prices(levels))
	assert.Equal(t, 1, levels[0].Index)
}

func TestPercentSpacingStopsAtRange(t *testing.T) {
	p := New(models.GridConfig{
		SpacingType:  models.SpacingPercent,
		SpacingValue: 1,
		RangePercent: 2.5,
		AnchorMode:   models.AnchorNone,
	}, 0.01)

	assert.Equal(t, []float64{99, 98}, prices(p.Levels(100, nil, 10)))
	assert.Empty(t, p.Levels(100, []float64{99, 98}, 10))
}

func TestLevelsAreRoundedToTick(t *testing.T) {
	p := New(models.GridConfig{
		SpacingType:  models.SpacingPercent,
		SpacingValue: 0.3,
		RangePercent: 5,
		AnchorMode:   models.AnchorNone,
	}, 0.5)

	for _, l := range p.Levels(1234.7, nil, 5) {
		assert.InDelta(t, 0, RoundDown(l.Price, 0.5)-l.Price, 1e-9)
		assert.Less(t, l.Price, 1234.7)
	}
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 0.123, RoundDown(0.12399, 0.001))
	assert.Equal(t, 0.124, RoundNearest(0.12399, 0.001))
	assert.Equal(t, 88050.1, RoundNearest(88050.12, 0.1))
	assert.Equal(t, 7.0, RoundDown(7, 0))
}
