package takeprofit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/ledger"
	"macd-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Orders is the part of the ledger the adjuster works on.
type Orders interface {
	Snapshot() []models.TrackedOrder
	ReplaceTakeProfit(ctx context.Context, entryID int64, price float64) error
}

// Market supplies the inputs of a recompute.
type Market interface {
	GetPrice(ctx context.Context) (float64, error)
	GetFundingRate(ctx context.Context) (float64, error)
}

// Report summarizes one adjustment pass.
type Report struct {
	Checked  int
	Replaced int
	Skipped  int
	Gone     int
}

// Adjuster periodically moves the TP of old positions toward the funding-biased target.
type Adjuster struct {
	cfg    models.TakeProfitConfig
	calc   *Calculator
	orders Orders
	market Market
	logger *zap.Logger
	now    func() time.Time

	onReport func(Report, error)
}

// NewAdjuster wires an adjuster.
func NewAdjuster(cfg models.TakeProfitConfig, calc *Calculator, orders Orders, market Market, logger *zap.Logger) *Adjuster {
	return &Adjuster{
		cfg:    cfg,
		calc:   calc,
		orders: orders,
		market: market,
		logger: logger.Named("tp_adjuster"),
		now:    time.Now,
	}
}

// OnReport registers a hook called after every pass of Run. Set it before Run.
func (a *Adjuster) OnReport(fn func(Report, error)) {
	a.onReport = fn
}

// Run adjusts every AdjustIntervalMin until ctx is done. Credential rejections end the
// loop with an error; everything else is logged and retried on the next interval.
func (a *Adjuster) Run(ctx context.Context) error {
	ticker := time.NewTicker(models.Minutes(a.cfg.AdjustIntervalMin))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := a.AdjustOnce(ctx)
			if a.onReport != nil {
				a.onReport(report, err)
			}
			if err == nil {
				continue
			}
			if exchange.IsAuthError(err) {
				return fmt.Errorf("take-profit adjuster: %w", err)
			}
			if ctx.Err() == nil {
				a.logger.Warn("止盈调整失败", zap.Error(err))
			}
		}
	}
}

// AdjustOnce runs a single pass over the FILLED orders.
func (a *Adjuster) AdjustOnce(ctx context.Context) (Report, error) {
	var report Report
	funding, err := a.market.GetFundingRate(ctx)
	if err != nil {
		return report, fmt.Errorf("get funding rate: %w", err)
	}
	price, err := a.market.GetPrice(ctx)
	if err != nil {
		return report, fmt.Errorf("get price: %w", err)
	}

	minAge := models.Minutes(a.cfg.AgeThresholdMin)
	now := a.now()
	for _, o := range a.orders.Snapshot() {
		if o.Status != models.StatusFilled || o.TPOrderID == 0 || o.TakeProfitPrice <= 0 {
			continue
		}
		if now.Sub(o.FilledAt) < minAge {
			continue
		}
		report.Checked++

		target := a.calc.Price(o.EffectiveEntryPrice(), o.Side, funding)
		change := math.Abs(target-o.TakeProfitPrice) / o.TakeProfitPrice * 100
		if change <= a.cfg.PriceChangeThresholdPercent {
			report.Skipped++
			continue
		}
		// 行情已经贴近当前止盈价时不动它，避免撤单期间错过成交
		if math.Abs(price-o.TakeProfitPrice)/o.TakeProfitPrice*100 <= a.cfg.NearPriceMarginPercent {
			report.Skipped++
			continue
		}

		err := a.orders.ReplaceTakeProfit(ctx, o.OrderID, target)
		switch {
		case err == nil:
			report.Replaced++
			a.logger.Info("止盈价已调整",
				zap.Int64("orderId", o.OrderID),
				zap.Float64("from", o.TakeProfitPrice),
				zap.Float64("to", target),
				zap.Float64("funding", funding))
		case errors.Is(err, ledger.ErrTakeProfitGone):
			report.Gone++
			a.logger.Info("止盈单已不在挂单列表，交给对账处理", zap.Int64("orderId", o.OrderID))
		case exchange.IsRateLimitError(err), exchange.IsAuthError(err):
			return report, err
		default:
			a.logger.Warn("替换止盈单失败", zap.Int64("orderId", o.OrderID), zap.Error(err))
		}
	}
	return report, nil
}
