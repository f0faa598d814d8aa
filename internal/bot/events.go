package bot

import (
	"context"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/feed"
	"macd-grid-bot-go/internal/ledger"
	"macd-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// HandleEvent consumes user data stream events. Fills go straight to the ledger; every
// event also asks for an early reconciliation, since the push path can miss messages.
func (b *GridTradingBot) HandleEvent(ctx context.Context, ev feed.Event) {
	switch e := ev.(type) {
	case feed.OrderFilled:
		b.applyPushFill(ctx, ledger.Fill{
			OrderID:       e.OrderID,
			ClientOrderID: e.ClientOrderID,
			Quantity:      e.Quantity,
			Price:         e.Price,
			Fee:           e.Fee,
			Time:          e.Time,
			Source:        models.SourcePush,
		})
	case feed.PositionClosed:
		b.logger.Info("持仓已归零", zap.String("positionSide", e.PositionSide))
		b.requestReconcile()
	case feed.ConnectionStateChanged:
		b.mu.Lock()
		b.feedState = e.State
		b.mu.Unlock()
		b.metrics.FeedState(e.State)
		// 断线期间可能漏掉了推送
		if e.State == models.Connected {
			b.requestReconcile()
		}
	}
}

// HandleSimFill feeds paper-trading fills through the same path as pushed fills.
func (b *GridTradingBot) HandleSimFill(f exchange.SimFill) {
	ctx, cancel := context.WithTimeout(context.Background(), models.Seconds(b.cfg.Engine.TickTimeoutSec))
	defer cancel()
	b.applyPushFill(ctx, ledger.Fill{
		OrderID:       f.Order.OrderID,
		ClientOrderID: f.Order.ClientOrderID,
		Quantity:      f.Order.ExecutedQty,
		Price:         f.Price,
		Fee:           f.Fee,
		Time:          f.Time,
		Source:        models.SourcePush,
	})
}

func (b *GridTradingBot) applyPushFill(ctx context.Context, f ledger.Fill) {
	outcome, err := b.ledger.ApplyFill(ctx, f)
	if err != nil {
		b.logger.Warn("处理推送成交失败，等待对账", zap.Int64("orderId", f.OrderID), zap.Error(err))
		b.metrics.TickError(errorKind(err))
	}
	switch outcome {
	case ledger.OutcomeEntryFilled:
		b.metrics.Fill("entry", f.Source)
	case ledger.OutcomeTakeProfitHit:
		b.metrics.Fill("take_profit", f.Source)
	case ledger.OutcomeDuplicate:
		b.metrics.DuplicateFill()
	case ledger.OutcomeUnknown:
		b.logger.Debug("收到未跟踪订单的成交", zap.Int64("orderId", f.OrderID), zap.String("clientOrderId", f.ClientOrderID))
	}
	b.requestReconcile()
}
