package signal

import (
	"errors"
	"fmt"

	"macd-grid-bot-go/internal/models"
)

// ErrInsufficientData is returned when the candle series is too short for the configured MACD.
var ErrInsufficientData = errors.New("not enough candles for MACD")

// Series holds MACD values aligned on the same index: Line[i], Signal[i] and Histogram[i]
// all belong to the same candle.
type Series struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// EMA returns the exponential moving average seeded with the simple average of the
// first period values. The result starts at values[period-1].
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)

	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	prev := sum / float64(period)
	out = append(out, prev)
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// MACD computes line, signal and histogram over the close prices.
func MACD(closes []float64, fast, slow, signal int) (Series, error) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return Series{}, fmt.Errorf("invalid MACD periods (%d,%d,%d)", fast, slow, signal)
	}
	// two histogram points are needed to tell rising from falling
	if len(closes) < slow+signal {
		return Series{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(closes), slow+signal)
	}

	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	offset := len(fastEMA) - len(slowEMA)
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}

	sig := EMA(line, signal)
	line = line[len(line)-len(sig):]
	hist := make([]float64, len(sig))
	for i := range sig {
		hist[i] = line[i] - sig[i]
	}
	return Series{Line: line, Signal: sig, Histogram: hist}, nil
}

// Result is the outcome of one evaluation.
type Result struct {
	State         models.StrategyState
	MACD          float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// Evaluate computes MACD over the candle closes and replays the state machine over the
// histogram series from WAIT, so that the same series always yields the same state.
func Evaluate(candles []models.Candle, cfg models.IndicatorConfig) (Result, error) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	series, err := MACD(closes, cfg.FastPeriod, cfg.SlowPeriod, cfg.SignalPeriod)
	if err != nil {
		return Result{}, err
	}

	n := len(series.Histogram)
	return Result{
		State:         Replay(series.Histogram, series.Line),
		MACD:          series.Line[n-1],
		Signal:        series.Signal[n-1],
		Histogram:     series.Histogram[n-1],
		PrevHistogram: series.Histogram[n-2],
	}, nil
}
