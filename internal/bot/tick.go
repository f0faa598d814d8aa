package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/ledger"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/planner"
	"macd-grid-bot-go/internal/signal"

	"go.uber.org/zap"
)

// nudgeSpacing is the minimum distance between a pushed-event tick and the previous tick.
const nudgeSpacing = time.Second

// tickFlags collects the per-tick observations that are not errors of their own.
type tickFlags struct {
	rateLimited bool
	margin      bool
}

// tickLoop 是主循环：启动时立即执行一次，之后按固定间隔执行，推送事件可以提前触发
func (b *GridTradingBot) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(models.Seconds(b.cfg.Engine.TickIntervalSec))
	defer ticker.Stop()

	last := b.now()
	if err := b.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-b.nudge:
			if b.now().Sub(last) < nudgeSpacing {
				continue
			}
		}
		last = b.now()
		if err := b.tick(ctx); err != nil {
			return err
		}
	}
}

// requestReconcile asks the tick loop for an early pass. Never blocks.
func (b *GridTradingBot) requestReconcile() {
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// tick runs one engine cycle. Only fatal errors are returned; everything else is
// logged, counted and retried on the next tick.
func (b *GridTradingBot) tick(parent context.Context) error {
	started := b.now()
	ctx, cancel := context.WithTimeout(parent, models.Seconds(b.cfg.Engine.TickTimeoutSec))
	defer cancel()
	defer func() { b.metrics.TickObserved(b.now().Sub(started).Seconds()) }()

	var flags tickFlags

	price, err := b.ex.GetPrice(ctx)
	if err != nil {
		if fatal := b.noteError("get price", err, &flags); fatal != nil {
			return fatal
		}
	} else {
		b.mu.Lock()
		b.lastPrice = price
		b.mu.Unlock()
	}

	state, err := b.evaluate(ctx)
	if err != nil {
		if fatal := b.noteError("evaluate indicator", err, &flags); fatal != nil {
			return fatal
		}
	}

	allowed, blocked := b.filters.ShouldAllowTrade(ctx)
	b.mu.Lock()
	if allowed != b.allowed {
		b.logger.Info("过滤器决定变化", zap.Bool("allowed", allowed), zap.Strings("blockedBy", blocked))
	}
	b.allowed = allowed
	paused, manual := b.paused, b.manual
	b.mu.Unlock()

	// 下单前先取快照，对账只能基于早于本周期下单的视图
	fetchedAt := b.now()
	openOrders, ordersErr := b.ex.GetOpenOrders(ctx)
	if ordersErr != nil {
		if fatal := b.noteError("get open orders", ordersErr, &flags); fatal != nil {
			return fatal
		}
	}
	positions, posErr := b.ex.GetPositions(ctx)
	if posErr != nil {
		if fatal := b.noteError("get positions", posErr, &flags); fatal != nil {
			return fatal
		}
	}

	// 余额走缓存，只用于展示
	if balance, err := b.ex.GetBalance(ctx); err != nil {
		if fatal := b.noteError("get balance", err, &flags); fatal != nil {
			return fatal
		}
	} else {
		b.mu.Lock()
		b.balance = balance
		b.mu.Unlock()
	}

	canCreate := allowed && !paused &&
		(state.AllowsNewOrders() || (manual && state != models.StateInactive))
	if canCreate && ordersErr == nil && price > 0 && !flags.rateLimited && !b.ex.IsRateLimited() {
		if err := b.placeEntries(ctx, price, openOrders, &flags); err != nil {
			return err
		}
	}

	if ordersErr == nil && posErr == nil {
		report, err := b.ledger.Reconcile(ctx, ledger.ReconcileInput{
			Positions:  positions,
			OpenOrders: openOrders,
			FetchedAt:  fetchedAt,
		})
		b.recordReconcile(report)
		if err != nil {
			if fatal := b.noteError("reconcile", err, &flags); fatal != nil {
				return fatal
			}
		}
	}

	if state.CancelsPending() {
		if n, err := b.ledger.CancelAllPending(ctx); err != nil {
			if fatal := b.noteError("cancel pending", err, &flags); fatal != nil {
				return fatal
			}
		} else if n > 0 {
			b.logger.Info("INACTIVE 状态，已撤销所有入场挂单", zap.Int("cancelled", n))
		}
	}

	if err := b.enforceSlotLimit(ctx); err != nil {
		if fatal := b.noteError("enforce slot limit", err, &flags); fatal != nil {
			return fatal
		}
	}

	if !flags.rateLimited && !b.ex.IsRateLimited() {
		if err := b.ledger.EnsureTakeProfits(ctx); err != nil {
			if fatal := b.noteError("ensure take-profits", err, &flags); fatal != nil {
				return fatal
			}
		}
	}

	b.mu.Lock()
	if flags.margin {
		b.marginErr = true
	}
	sm := b.stateMgr
	b.mu.Unlock()

	status := b.buildStatus()
	status.RateLimited = status.RateLimited || flags.rateLimited
	b.publish(sm, status)
	return nil
}

// evaluate refreshes the strategy state from the candles. On failure the previous state
// is kept and returned together with the error.
func (b *GridTradingBot) evaluate(ctx context.Context) (models.StrategyState, error) {
	candles, err := b.ex.GetCandles(ctx, b.cfg.Indicator.Timeframe, b.cfg.Indicator.CandleLimit)
	if err != nil {
		return b.currentState(), fmt.Errorf("get candles: %w", err)
	}
	res, err := signal.Evaluate(candles, b.cfg.Indicator)
	if err != nil {
		if errors.Is(err, signal.ErrInsufficientData) {
			b.logger.Debug("K线数量不足，保持当前状态", zap.Int("candles", len(candles)))
			return b.currentState(), nil
		}
		return b.currentState(), err
	}

	b.mu.Lock()
	prev := b.state
	b.state = res.State
	b.indicator = res
	b.mu.Unlock()
	if prev != res.State {
		b.logger.Info("策略状态变化",
			zap.String("from", string(prev)),
			zap.String("to", string(res.State)),
			zap.Float64("macd", res.MACD),
			zap.Float64("histogram", res.Histogram))
	}
	return res.State, nil
}

func (b *GridTradingBot) currentState() models.StrategyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// placeEntries fills the free slots with the nearest untaken ladder levels below price.
func (b *GridTradingBot) placeEntries(ctx context.Context, price float64, openOrders []models.OpenOrder, flags *tickFlags) error {
	slots := b.ledger.AvailableSlots(openOrders)
	if slots <= 0 {
		return nil
	}

	var taken []float64
	for _, o := range b.ledger.Snapshot() {
		taken = append(taken, o.EntryPrice)
	}
	for _, o := range openOrders {
		if o.Side == models.Buy && !o.ReduceOnly {
			taken = append(taken, o.Price)
		}
	}

	for _, level := range b.planner.Levels(price, taken, slots) {
		qty := b.quantityFor(level.Price)
		if qty <= 0 {
			b.logger.Warn("计算出的数量低于交易所最小值，跳过", zap.Float64("price", level.Price))
			continue
		}
		clientID := exchange.NewEntryClientID(b.now())
		order, err := b.ex.CreateOrder(ctx, models.OrderRequest{
			Side:          models.Buy,
			Price:         level.Price,
			Quantity:      qty,
			PositionSide:  b.cfg.PositionSide,
			ClientOrderID: clientID,
		})
		if err != nil {
			if fatal := b.noteError("create entry order", err, flags); fatal != nil {
				return fatal
			}
			if flags.margin || flags.rateLimited {
				// 保证金不足或被限流时本周期不再尝试
				return nil
			}
			continue
		}

		b.ledger.Track(ctx, models.TrackedOrder{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			Side:          models.Buy,
			EntryPrice:    level.Price,
			Quantity:      qty,
			GridLevel:     level.Index,
		})
		b.metrics.OrderPlaced("entry")
		b.mu.Lock()
		b.marginErr = false
		b.mu.Unlock()
		b.logger.Info("已挂入场单",
			zap.Int64("orderId", order.OrderID),
			zap.Int("level", level.Index),
			zap.Float64("price", level.Price),
			zap.Float64("qty", qty))
	}
	return nil
}

// quantityFor 计算某个价位的下单数量，遵守步长、最小数量和最小名义价值
func (b *GridTradingBot) quantityFor(price float64) float64 {
	if price <= 0 {
		return 0
	}
	info := b.symbolInfo
	qty := b.cfg.OrderQuantity
	if qty <= 0 {
		qty = b.cfg.OrderValueUSDT / price
	}
	qty = planner.RoundDown(qty, info.StepSize)
	if info.MinNotional > 0 && qty*price < info.MinNotional {
		qty = planner.RoundDown(info.MinNotional/price, info.StepSize)
		if qty*price < info.MinNotional {
			qty = planner.RoundNearest(qty+info.StepSize, info.StepSize)
		}
	}
	if qty < info.MinQty {
		qty = info.MinQty
	}
	return qty
}

// enforceSlotLimit cancels the lowest PENDING entries while the ladder exceeds
// MaxTotalOrders, e.g. after adopting orders found on the exchange.
func (b *GridTradingBot) enforceSlotLimit(ctx context.Context) error {
	pending, filled := b.ledger.Counts()
	excess := pending + filled - b.cfg.Grid.MaxTotalOrders
	if excess <= 0 {
		return nil
	}
	orders := b.ledger.Snapshot()
	ids := make([]int64, 0, excess)
	for i := len(orders) - 1; i >= 0 && len(ids) < excess; i-- {
		if orders[i].Status == models.StatusPending {
			ids = append(ids, orders[i].OrderID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	n, err := b.ledger.CancelPending(ctx, ids)
	b.logger.Warn("订单总数超过上限，已撤销最远的挂单",
		zap.Int("excess", excess),
		zap.Int("cancelled", n),
		zap.Int("max", b.cfg.Grid.MaxTotalOrders))
	return err
}

// noteError classifies a tick error. It returns a non-nil error only for fatal ones.
func (b *GridTradingBot) noteError(op string, err error, flags *tickFlags) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	kind := errorKind(err)
	b.metrics.TickError(kind)
	switch kind {
	case "auth":
		return fmt.Errorf("%s: %w", op, err)
	case "rate_limit":
		flags.rateLimited = true
		b.logger.Warn("触发限流，进入冷却", zap.String("op", op), zap.Error(err))
	case "margin":
		flags.margin = true
		b.logger.Warn("保证金不足，暂停下新单", zap.String("op", op), zap.Error(err))
	default:
		b.logger.Warn("周期内操作失败", zap.String("op", op), zap.Error(err))
	}
	return nil
}
