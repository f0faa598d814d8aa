package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ReconcileInput is one polled exchange snapshot.
type ReconcileInput struct {
	Positions  []models.Position
	OpenOrders []models.OpenOrder
	FetchedAt  time.Time
	// Immediate removes the grace window and the status query budget (startup).
	Immediate bool
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Adopted        int
	EntriesFilled  int
	TakeProfitsHit int
	Cancelled      int
	TPsCleared     int
	Unresolved     int
	Queries        int
	Delta          float64
	Ambiguous      bool
}

// Changed reports whether the pass modified the ledger.
func (r ReconcileReport) Changed() bool {
	return r.Adopted+r.EntriesFilled+r.TakeProfitsHit+r.Cancelled+r.TPsCleared > 0
}

type missingOrder struct {
	entryID int64
	orderID int64 // entry id for pending, tp id for filled
	price   float64
	qty     float64
	isTP    bool
}

// Reconcile diffs the ledger against a polled snapshot. The snapshot is authoritative
// for what it shows; orders it does not show are resolved by position delta first and by
// per-order status queries second. Anything still unclear is left untouched.
func (l *Ledger) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileReport, error) {
	l.reconcileMu.Lock()
	defer l.reconcileMu.Unlock()

	var report ReconcileReport
	if in.FetchedAt.IsZero() {
		in.FetchedAt = l.now()
	}
	grace := l.cfg.MissingGrace
	if in.Immediate {
		grace = 0
	}

	open := make(map[int64]models.OpenOrder, len(in.OpenOrders))
	for _, o := range in.OpenOrders {
		open[o.OrderID] = o
	}

	report.Adopted = l.adoptUnknown(ctx, in.OpenOrders)

	var errs []error
	if err := l.adoptEarlyFills(ctx, in.FetchedAt.Add(-grace), in.Immediate, &report); err != nil {
		errs = append(errs, err)
	}

	missingEntries, missingTPs, bare, expectedQty := l.findMissing(open, in.FetchedAt, grace)
	report.Delta = l.longPosition(in.Positions) - expectedQty

	l.mu.RLock()
	recentFill := !l.lastFillAt.IsZero() && l.lastFillAt.After(in.FetchedAt.Add(-l.cfg.MissingGrace))
	l.mu.RUnlock()

	if recentFill && !in.Immediate {
		// 快照可能早于最近一次成交，持仓差值无法归因
		report.Ambiguous = true
		if math.Abs(report.Delta) > 0 {
			l.logger.Info("持仓差值存在歧义，本轮不做匹配", zap.Float64("delta", report.Delta))
		}
	} else {
		var err error
		missingEntries, missingTPs, err = l.matchDelta(ctx, report.Delta, missingEntries, missingTPs, &report)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := l.queryLeftovers(ctx, append(missingEntries, missingTPs...), in.Immediate, &report); err != nil {
		errs = append(errs, err)
	}
	// 持仓比账本少，而有的已成交订单没有止盈单记录: 止盈单可能在离线期间挂出并成交
	if report.Delta < 0 && len(bare) > 0 {
		if err := l.lookupTakeProfits(ctx, bare, in.Immediate, &report); err != nil {
			errs = append(errs, err)
		}
	}

	l.pruneTombstones()

	if report.Changed() || report.Unresolved > 0 {
		l.logger.Info("对账完成",
			zap.Int("adopted", report.Adopted),
			zap.Int("entriesFilled", report.EntriesFilled),
			zap.Int("tpHit", report.TakeProfitsHit),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("tpCleared", report.TPsCleared),
			zap.Int("unresolved", report.Unresolved),
			zap.Int("queries", report.Queries),
			zap.Float64("delta", report.Delta))
	}
	return report, errors.Join(errs...)
}

func (l *Ledger) longPosition(positions []models.Position) float64 {
	total := 0.0
	for _, p := range positions {
		if p.Symbol != "" && p.Symbol != l.cfg.Symbol {
			continue
		}
		if l.cfg.PositionSide != "" && p.PositionSide != "" && p.PositionSide != l.cfg.PositionSide {
			continue
		}
		if p.Amount > 0 {
			total += p.Amount
		}
	}
	return total
}

// findMissing lists PENDING entries and live TPs absent from the open orders, once they
// are older than the grace window, and sums the quantity the ledger believes is held.
// bare lists FILLED entries past the grace window that have no TP on record.
func (l *Ledger) findMissing(open map[int64]models.OpenOrder, fetchedAt time.Time, grace time.Duration) (entries, tps, bare []missingOrder, expectedQty float64) {
	cutoff := fetchedAt.Add(-grace)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, o := range l.orders {
		switch o.Status {
		case models.StatusPending:
			if _, ok := open[id]; ok || o.CreatedAt.After(cutoff) {
				continue
			}
			entries = append(entries, missingOrder{entryID: id, orderID: id, price: o.EntryPrice, qty: o.Quantity})
		case models.StatusFilled:
			expectedQty += o.Quantity
			if o.TPOrderID == 0 {
				if o.FilledAt.Before(cutoff) {
					bare = append(bare, missingOrder{entryID: id, orderID: id, price: o.TakeProfitPrice, qty: o.Quantity, isTP: true})
				}
				continue
			}
			if _, ok := open[o.TPOrderID]; ok {
				continue
			}
			if placed, ok := l.tpPlacedAt[id]; ok && placed.After(cutoff) {
				continue
			}
			tps = append(tps, missingOrder{entryID: id, orderID: o.TPOrderID, price: o.TakeProfitPrice, qty: o.Quantity, isTP: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].price == entries[j].price {
			return entries[i].orderID < entries[j].orderID
		}
		return entries[i].price > entries[j].price
	})
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].price == tps[j].price {
			return tps[i].orderID < tps[j].orderID
		}
		return tps[i].price < tps[j].price
	})
	sort.Slice(bare, func(i, j int) bool { return bare[i].entryID < bare[j].entryID })
	return entries, tps, bare, expectedQty
}

// matchDelta attributes a position delta to missing orders and returns the ones left over.
func (l *Ledger) matchDelta(ctx context.Context, delta float64, entries, tps []missingOrder, report *ReconcileReport) ([]missingOrder, []missingOrder, error) {
	tol := l.cfg.QuantityTolerance
	var errs []error

	if delta > 0 {
		remaining := delta
		var left []missingOrder
		for _, m := range entries {
			if remaining < m.qty*(1-tol) {
				left = append(left, m)
				continue
			}
			outcome, err := l.ApplyFill(ctx, Fill{OrderID: m.orderID, Quantity: m.qty, Price: m.price, Time: l.now(), Source: models.SourcePoll})
			if err != nil {
				errs = append(errs, err)
			}
			if outcome == OutcomeEntryFilled {
				report.EntriesFilled++
				remaining -= m.qty
			}
		}
		entries = left
	}

	if delta < 0 {
		remaining := -delta
		var left []missingOrder
		for _, m := range tps {
			if remaining < m.qty*(1-tol) {
				left = append(left, m)
				continue
			}
			outcome, err := l.ApplyFill(ctx, Fill{OrderID: m.orderID, Quantity: m.qty, Price: m.price, Time: l.now(), Source: models.SourcePoll})
			if err != nil {
				errs = append(errs, err)
			}
			if outcome == OutcomeTakeProfitHit {
				report.TakeProfitsHit++
				remaining -= m.qty
			}
		}
		tps = left
	}
	return entries, tps, errors.Join(errs...)
}

// queryLeftovers asks the exchange for the status of each unexplained missing order.
func (l *Ledger) queryLeftovers(ctx context.Context, leftovers []missingOrder, unbounded bool, report *ReconcileReport) error {
	var errs []error
	for i, m := range leftovers {
		if !unbounded && report.Queries >= l.cfg.MaxStatusQueries {
			report.Unresolved += len(leftovers) - i
			break
		}
		report.Queries++
		order, err := l.gw.GetOrder(ctx, m.orderID)
		if err != nil {
			report.Unresolved++
			if exchange.IsRateLimitError(err) || exchange.IsAuthError(err) {
				report.Unresolved += len(leftovers) - i - 1
				errs = append(errs, fmt.Errorf("query order %d: %w", m.orderID, err))
				break
			}
			l.logger.Warn("订单状态查询失败，保持不变", zap.Int64("orderId", m.orderID), zap.Error(err))
			continue
		}

		switch order.Status {
		case models.ExchangeStatusFilled:
			var err error
			if m.isTP {
				err = l.applyQueried(ctx, order, false, report)
			} else {
				err = l.settleEntry(ctx, m.entryID, order, report)
			}
			if err != nil {
				errs = append(errs, err)
				if exchange.IsRateLimitError(err) || exchange.IsAuthError(err) {
					report.Unresolved += len(leftovers) - i - 1
					return errors.Join(errs...)
				}
			}
		case models.ExchangeStatusCanceled, models.ExchangeStatusExpired, models.ExchangeStatusRejected:
			if m.isTP {
				if l.clearTakeProfit(m.entryID, m.orderID) {
					report.TPsCleared++
				}
			} else if l.MarkCancelled(m.entryID) {
				report.Cancelled++
			}
		default:
			// NEW / PARTIALLY_FILLED: 快照已过时，等下一轮
			report.Unresolved++
		}
	}
	return errors.Join(errs...)
}

// settleEntry applies an entry fill found by a status query. The TP client id is derived
// from the entry id, so the TP is looked up first: if it filled too, the trade is closed
// here instead of placing a reduce-only order against a position that no longer exists.
func (l *Ledger) settleEntry(ctx context.Context, entryID int64, entry *models.OpenOrder, report *ReconcileReport) error {
	report.Queries++
	tp, lookupErr := l.gw.GetOrderByClientID(ctx, exchange.TakeProfitClientID(entryID))
	if lookupErr != nil {
		tp = nil
		switch {
		case exchange.IsUnknownOrderError(lookupErr):
			lookupErr = nil
		case exchange.IsRateLimitError(lookupErr) || exchange.IsAuthError(lookupErr):
			lookupErr = fmt.Errorf("query tp of order %d: %w", entryID, lookupErr)
		default:
			// 查不到止盈单时按普通成交处理，下一轮的持仓差值会再次触发查询
			l.logger.Warn("止盈单查询失败", zap.Int64("orderId", entryID), zap.Error(lookupErr))
			lookupErr = nil
		}
	}
	tpFilled := tp != nil && tp.Status == models.ExchangeStatusFilled

	if err := l.applyQueried(ctx, entry, tpFilled, report); err != nil {
		return errors.Join(err, lookupErr)
	}
	if tpFilled {
		l.logger.Info("入场单与止盈单均在离线期间成交", zap.Int64("orderId", entryID), zap.Int64("tpOrderId", tp.OrderID))
		if err := l.applyQueried(ctx, tp, false, report); err != nil {
			return err
		}
	}
	return lookupErr
}

// applyQueried feeds a FILLED order from a status query into ApplyFill.
func (l *Ledger) applyQueried(ctx context.Context, order *models.OpenOrder, skipTakeProfit bool, report *ReconcileReport) error {
	price := order.AvgPrice
	if price <= 0 {
		price = order.Price
	}
	outcome, err := l.ApplyFill(ctx, Fill{
		OrderID:        order.OrderID,
		ClientOrderID:  order.ClientOrderID,
		Quantity:       order.ExecutedQty,
		Price:          price,
		Time:           order.UpdateTime,
		Source:         models.SourceQuery,
		skipTakeProfit: skipTakeProfit,
	})
	switch outcome {
	case OutcomeEntryFilled:
		report.EntriesFilled++
	case OutcomeTakeProfitHit:
		report.TakeProfitsHit++
	}
	return err
}

// lookupTakeProfits resolves FILLED entries without a TP on record by their TP client id.
func (l *Ledger) lookupTakeProfits(ctx context.Context, bare []missingOrder, unbounded bool, report *ReconcileReport) error {
	var errs []error
	for i, m := range bare {
		if !unbounded && report.Queries >= l.cfg.MaxStatusQueries {
			report.Unresolved += len(bare) - i
			break
		}
		report.Queries++
		tp, err := l.gw.GetOrderByClientID(ctx, exchange.TakeProfitClientID(m.entryID))
		if err != nil {
			if exchange.IsUnknownOrderError(err) {
				continue
			}
			if exchange.IsRateLimitError(err) || exchange.IsAuthError(err) {
				report.Unresolved += len(bare) - i
				errs = append(errs, fmt.Errorf("query tp of order %d: %w", m.entryID, err))
				break
			}
			l.logger.Warn("止盈单查询失败，保持不变", zap.Int64("orderId", m.entryID), zap.Error(err))
			report.Unresolved++
			continue
		}
		if tp.Status != models.ExchangeStatusFilled {
			continue
		}
		if err := l.applyQueried(ctx, tp, false, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// adoptEarlyFills takes over entry fills whose order was never tracked, e.g. when the
// create call gave up although the order had reached the exchange.
func (l *Ledger) adoptEarlyFills(ctx context.Context, cutoff time.Time, unbounded bool, report *ReconcileReport) error {
	l.mu.RLock()
	ids := make([]int64, 0, len(l.early))
	for id, f := range l.early {
		if f.Time.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if !unbounded && report.Queries >= l.cfg.MaxStatusQueries {
			break
		}
		report.Queries++
		order, err := l.gw.GetOrder(ctx, id)
		if err != nil {
			if exchange.IsRateLimitError(err) || exchange.IsAuthError(err) {
				return fmt.Errorf("query untracked order %d: %w", id, err)
			}
			l.logger.Warn("未登记订单查询失败", zap.Int64("orderId", id), zap.Error(err))
			continue
		}
		if order.Status != models.ExchangeStatusFilled || !exchange.IsEntryClientID(order.ClientOrderID) {
			continue
		}

		l.mu.Lock()
		f, still := l.early[id]
		_, exists := l.orders[id]
		if !still || exists {
			l.mu.Unlock()
			continue
		}
		delete(l.early, id)
		created := order.Time
		if created.IsZero() {
			created = l.now()
		}
		l.orders[id] = &models.TrackedOrder{
			OrderID:       id,
			ClientOrderID: order.ClientOrderID,
			Side:          order.Side,
			EntryPrice:    order.Price,
			Quantity:      order.OrigQty,
			Status:        models.StatusPending,
			CreatedAt:     created,
			Adopted:       true,
		}
		l.mu.Unlock()

		l.logger.Info("接管未登记的已成交入场单", zap.Int64("orderId", id), zap.Float64("price", order.Price))
		if f.Price <= 0 {
			f.Price = order.AvgPrice
		}
		if f.Quantity <= 0 {
			f.Quantity = order.ExecutedQty
		}
		outcome, err := l.ApplyFill(ctx, f)
		if outcome == OutcomeEntryFilled {
			report.Adopted++
			report.EntriesFilled++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// clearTakeProfit forgets a TP the exchange ended without filling so it is placed again.
func (l *Ledger) clearTakeProfit(entryID, tpID int64) bool {
	unlock := l.locks.Lock(entryID)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[entryID]
	if !ok || o.Status != models.StatusFilled || o.TPOrderID != tpID {
		return false
	}
	delete(l.tpIndex, tpID)
	delete(l.tpPlacedAt, entryID)
	l.closed[tpID] = l.now()
	o.TPOrderID = 0
	o.TPClientOrderID = ""
	l.logger.Warn("止盈单已被交易所关闭，将重新挂出", zap.Int64("orderId", entryID), zap.Int64("tpOrderId", tpID))
	return true
}

// adoptUnknown takes ownership of open orders that carry this engine's client ids but
// are not in the ledger, e.g. after a restart without a snapshot.
func (l *Ledger) adoptUnknown(ctx context.Context, openOrders []models.OpenOrder) int {
	adopted := 0
	for _, o := range openOrders {
		if o.Symbol != "" && o.Symbol != l.cfg.Symbol {
			continue
		}
		l.mu.RLock()
		_, known := l.orders[o.OrderID]
		_, knownTP := l.tpIndex[o.OrderID]
		_, tomb := l.closed[o.OrderID]
		l.mu.RUnlock()
		if known || knownTP || tomb {
			continue
		}

		if entryID, ok := exchange.ParseTakeProfitClientID(o.ClientOrderID); ok {
			if l.adoptTakeProfit(ctx, entryID, o) {
				adopted++
			}
			continue
		}
		if exchange.IsEntryClientID(o.ClientOrderID) {
			l.mu.Lock()
			_, exists := l.orders[o.OrderID]
			if !exists {
				created := o.Time
				if created.IsZero() {
					created = l.now()
				}
				l.orders[o.OrderID] = &models.TrackedOrder{
					OrderID:       o.OrderID,
					ClientOrderID: o.ClientOrderID,
					Side:          o.Side,
					EntryPrice:    o.Price,
					Quantity:      o.OrigQty,
					Status:        models.StatusPending,
					CreatedAt:     created,
					Adopted:       true,
				}
				adopted++
			}
			l.mu.Unlock()
			if !exists {
				l.logger.Info("接管未知入场单", zap.Int64("orderId", o.OrderID), zap.Float64("price", o.Price))
			}
		}
	}
	return adopted
}

func (l *Ledger) adoptTakeProfit(ctx context.Context, entryID int64, tp models.OpenOrder) bool {
	unlock := l.locks.Lock(entryID)
	defer unlock()

	l.mu.RLock()
	existing, tracked := l.orders[entryID]
	l.mu.RUnlock()

	if !tracked {
		// 查询入场单以获得真实入场价；失败时以止盈价近似
		entryPrice := tp.Price
		filledAt := tp.Time
		if entry, err := l.gw.GetOrder(ctx, entryID); err == nil {
			if entry.AvgPrice > 0 {
				entryPrice = entry.AvgPrice
			} else if entry.Price > 0 {
				entryPrice = entry.Price
			}
			if !entry.UpdateTime.IsZero() {
				filledAt = entry.UpdateTime
			}
		} else {
			l.logger.Warn("无法查询被接管止盈单的入场单", zap.Int64("orderId", entryID), zap.Error(err))
		}
		existing = &models.TrackedOrder{
			OrderID:  entryID,
			Side:     tp.Side.Opposite(),
			Quantity: tp.OrigQty,
			FilledAt: filledAt,
			Adopted:  true,
		}
		existing.EntryPrice = entryPrice
		existing.FillPrice = entryPrice
		existing.CreatedAt = filledAt
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch existing.Status {
	case models.StatusFilled:
		if existing.TPOrderID == tp.OrderID {
			return false
		}
		delete(l.tpIndex, existing.TPOrderID)
	case models.StatusPending, "":
		// 快照过时: 入场单其实已成交且止盈单已挂出
		existing.Status = models.StatusFilled
		if existing.FilledAt.IsZero() {
			existing.FilledAt = tp.Time
		}
		if existing.FillPrice == 0 {
			existing.FillPrice = existing.EntryPrice
		}
	default:
		return false
	}
	existing.TPOrderID = tp.OrderID
	existing.TPClientOrderID = tp.ClientOrderID
	existing.TakeProfitPrice = tp.Price
	existing.Quantity = tp.OrigQty
	l.orders[entryID] = existing
	l.tpIndex[tp.OrderID] = entryID
	l.tpPlacedAt[entryID] = l.now()

	l.logger.Info("接管止盈单",
		zap.Int64("orderId", entryID),
		zap.Int64("tpOrderId", tp.OrderID),
		zap.Float64("tpPrice", tp.Price))
	return true
}
