package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/persistence"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrTakeProfitGone is returned by ReplaceTakeProfit when the old TP no longer rests on
// the book, most likely because it just filled. Reconciliation settles it.
var ErrTakeProfitGone = errors.New("take-profit order no longer open")

// Gateway is the part of the exchange the ledger drives.
type Gateway interface {
	exchange.OrderPlacer
	GetOrder(ctx context.Context, orderID int64) (*models.OpenOrder, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.OpenOrder, error)
}

// TakeProfitPricer computes the initial take-profit price for a filled entry.
type TakeProfitPricer interface {
	InitialPrice(entryPrice float64, side models.Side) float64
}

// Config holds the ledger's slice of the run configuration.
type Config struct {
	Symbol            string
	PositionSide      string
	MaxTotalOrders    int
	MissingGrace      time.Duration
	MaxStatusQueries  int
	QuantityTolerance float64
	ClosedRetention   time.Duration
}

// ConfigFrom extracts the ledger configuration.
func ConfigFrom(cfg *models.Config) Config {
	return Config{
		Symbol:            cfg.Symbol,
		PositionSide:      cfg.PositionSide,
		MaxTotalOrders:    cfg.Grid.MaxTotalOrders,
		MissingGrace:      models.Seconds(cfg.Engine.MissingGraceSec),
		MaxStatusQueries:  cfg.Engine.MaxStatusQueries,
		QuantityTolerance: cfg.Engine.QuantityTolerance,
		ClosedRetention:   time.Duration(cfg.Engine.ClosedRetentionHours) * time.Hour,
	}
}

// Fill is one observation that an order executed, from any source.
type Fill struct {
	OrderID       int64
	ClientOrderID string
	Quantity      float64
	Price         float64
	Fee           float64
	Time          time.Time
	Source        models.FillSource

	// 止盈单已知成交时不再挂新的止盈单
	skipTakeProfit bool
}

// Outcome reports what ApplyFill did.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeEntryFilled
	OutcomeTakeProfitHit
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEntryFilled:
		return "entry_filled"
	case OutcomeTakeProfitHit:
		return "take_profit_hit"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Stats are cumulative over the process lifetime (seeded from the trade store on start).
type Stats struct {
	RealizedPnL    float64 `json:"realized_pnl"`
	TradeCount     int     `json:"trade_count"`
	Wins           int     `json:"wins"`
	Fees           float64 `json:"fees"`
	DuplicateFills int     `json:"duplicate_fills"`
}

// Ledger is the single owner of tracked orders. Every mutation of an order happens
// under that order's keyed lock; mu only guards the maps themselves.
type Ledger struct {
	cfg     Config
	gw      Gateway
	pricer  TakeProfitPricer
	trades  persistence.TradeRepository
	journal persistence.TradeJournal
	logger  *zap.Logger
	now     func() time.Time

	locks       *keyedMutex
	reconcileMu sync.Mutex

	mu         sync.RWMutex
	orders     map[int64]*models.TrackedOrder
	tpIndex    map[int64]int64     // tp order id -> entry order id
	tpPlacedAt map[int64]time.Time // entry order id -> last TP placement
	closed     map[int64]time.Time // tombstones for entry and tp ids
	early      map[int64]Fill      // entry fills that arrived before Track
	lastFillAt time.Time
	stats      Stats
	onTrade    func(models.TradeRecord)
}

// New creates an empty ledger. trades and journal may be nil.
func New(cfg Config, gw Gateway, pricer TakeProfitPricer, trades persistence.TradeRepository, journal persistence.TradeJournal, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:        cfg,
		gw:         gw,
		pricer:     pricer,
		trades:     trades,
		journal:    journal,
		logger:     logger.Named("ledger"),
		now:        time.Now,
		locks:      newKeyedMutex(),
		orders:     make(map[int64]*models.TrackedOrder),
		tpIndex:    make(map[int64]int64),
		tpPlacedAt: make(map[int64]time.Time),
		closed:     make(map[int64]time.Time),
		early:      make(map[int64]Fill),
	}
}

// OnTrade registers a hook called after every completed trade.
func (l *Ledger) OnTrade(fn func(models.TradeRecord)) {
	l.mu.Lock()
	l.onTrade = fn
	l.mu.Unlock()
}

// SeedStats sets the cumulative counters, e.g. from the trade store at startup.
func (l *Ledger) SeedStats(tradeCount int, realizedPnL float64) {
	l.mu.Lock()
	l.stats.TradeCount = tradeCount
	l.stats.RealizedPnL = realizedPnL
	l.mu.Unlock()
}

// Track registers a freshly placed entry order as PENDING. A fill that raced ahead of
// the registration is applied immediately.
func (l *Ledger) Track(ctx context.Context, order models.TrackedOrder) {
	order.Status = models.StatusPending
	if order.CreatedAt.IsZero() {
		order.CreatedAt = l.now()
	}

	l.mu.Lock()
	if _, exists := l.orders[order.OrderID]; exists {
		l.mu.Unlock()
		return
	}
	l.orders[order.OrderID] = &order
	fill, raced := l.early[order.OrderID]
	delete(l.early, order.OrderID)
	l.mu.Unlock()

	if raced {
		if _, err := l.ApplyFill(ctx, fill); err != nil {
			l.logger.Warn("应用提前到达的成交失败", zap.Int64("orderId", order.OrderID), zap.Error(err))
		}
	}
}

// resolve maps an order id (entry or TP) to the entry id it belongs to.
func (l *Ledger) resolve(orderID int64, clientOrderID string) (entryID int64, isTP bool, known bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.orders[orderID]; ok {
		return orderID, false, true
	}
	if id, ok := l.tpIndex[orderID]; ok {
		return id, true, true
	}
	if _, tomb := l.closed[orderID]; tomb {
		return 0, false, false
	}
	// TP 下单请求刚返回、尚未登记索引时，用 clientOrderId 找到入场单
	if id, ok := exchange.ParseTakeProfitClientID(clientOrderID); ok {
		if _, tracked := l.orders[id]; tracked {
			return id, true, true
		}
	}
	return 0, false, false
}

// ApplyFill is the single entry point for fills from push, poll, query and restore.
// Delivering the same fill any number of times has the effect of delivering it once.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (Outcome, error) {
	entryID, isTP, known := l.resolve(f.OrderID, f.ClientOrderID)
	if !known {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, tomb := l.closed[f.OrderID]; tomb {
			l.stats.DuplicateFills++
			return OutcomeDuplicate, nil
		}
		if exchange.IsEntryClientID(f.ClientOrderID) {
			l.early[f.OrderID] = f
		}
		return OutcomeUnknown, nil
	}

	unlock := l.locks.Lock(entryID)
	defer unlock()
	if isTP {
		return l.applyTakeProfitFill(ctx, entryID, f)
	}
	return l.applyEntryFill(ctx, entryID, f)
}

// 必须在持有 entryID 的订单锁的情况下调用。
func (l *Ledger) applyEntryFill(ctx context.Context, entryID int64, f Fill) (Outcome, error) {
	l.mu.Lock()
	o, ok := l.orders[entryID]
	if !ok || o.Status != models.StatusPending {
		l.stats.DuplicateFills++
		l.mu.Unlock()
		return OutcomeDuplicate, nil
	}

	at := f.Time
	if at.IsZero() {
		at = l.now()
	}
	o.Status = models.StatusFilled
	o.FilledAt = at
	if f.Price > 0 {
		o.FillPrice = f.Price
	}
	if f.Quantity > 0 {
		o.Quantity = f.Quantity
	}
	o.EntryFee += f.Fee
	if l.pricer != nil {
		o.TakeProfitPrice = l.pricer.InitialPrice(o.EffectiveEntryPrice(), o.Side)
	}
	l.lastFillAt = l.now()
	l.mu.Unlock()

	l.logger.Info("入场单成交",
		zap.Int64("orderId", entryID),
		zap.Float64("price", o.EffectiveEntryPrice()),
		zap.Float64("qty", o.Quantity),
		zap.String("source", string(f.Source)))

	if f.skipTakeProfit {
		return OutcomeEntryFilled, nil
	}
	if err := l.placeTakeProfit(ctx, entryID); err != nil {
		// 止盈单下单失败不回滚成交状态，EnsureTakeProfits 会重试
		l.logger.Warn("止盈单下单失败，稍后重试", zap.Int64("orderId", entryID), zap.Error(err))
	}
	return OutcomeEntryFilled, nil
}

// 必须在持有 entryID 的订单锁的情况下调用。
func (l *Ledger) applyTakeProfitFill(ctx context.Context, entryID int64, f Fill) (Outcome, error) {
	l.mu.Lock()
	o, ok := l.orders[entryID]
	if !ok || o.Status != models.StatusFilled {
		l.stats.DuplicateFills++
		l.mu.Unlock()
		return OutcomeDuplicate, nil
	}
	exitTime := f.Time
	if exitTime.IsZero() {
		exitTime = l.now()
	}
	exitPrice := f.Price
	if exitPrice <= 0 {
		exitPrice = o.TakeProfitPrice
	}
	if o.TPOrderID == 0 && f.OrderID != 0 {
		o.TPOrderID = f.OrderID
	}
	o.ExitFee += f.Fee
	rec := l.buildTrade(o, exitPrice, exitTime, f.Source)

	// 先在内存中完成状态迁移，之后的重复成交都会被视为重复
	o.Status = models.StatusTPHit
	o.ClosedAt = exitTime
	delete(l.orders, entryID)
	delete(l.tpIndex, o.TPOrderID)
	delete(l.tpPlacedAt, entryID)
	tombAt := l.now()
	l.closed[entryID] = tombAt
	if o.TPOrderID != 0 {
		l.closed[o.TPOrderID] = tombAt
	}
	l.stats.TradeCount++
	l.stats.RealizedPnL += rec.RealizedPnL
	l.stats.Fees += rec.Fees
	if rec.RealizedPnL > 0 {
		l.stats.Wins++
	}
	l.lastFillAt = tombAt
	hook := l.onTrade
	l.mu.Unlock()

	id, err := l.persistTrade(ctx, rec)
	rec.ID = id
	o.TradeID = id

	l.logger.Info("止盈成交，交易完成",
		zap.Int64("orderId", entryID),
		zap.Int64("tpOrderId", rec.TPOrderID),
		zap.Float64("entry", rec.EntryPrice),
		zap.Float64("exit", rec.ExitPrice),
		zap.Float64("pnl", rec.RealizedPnL),
		zap.String("source", string(f.Source)))

	if hook != nil {
		hook(rec)
	}
	return OutcomeTakeProfitHit, err
}

// buildTrade 计算已实现盈亏: (exit − entry) × qty × sign − fees
func (l *Ledger) buildTrade(o *models.TrackedOrder, exitPrice float64, exitTime time.Time, source models.FillSource) models.TradeRecord {
	entry := decimal.NewFromFloat(o.EffectiveEntryPrice())
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(o.Quantity)
	fees := decimal.NewFromFloat(o.EntryFee).Add(decimal.NewFromFloat(o.ExitFee))
	pnl := exit.Sub(entry).Mul(qty).Mul(decimal.NewFromFloat(o.Side.Sign())).Sub(fees)

	pnlF, _ := pnl.Float64()
	feesF, _ := fees.Float64()
	return models.TradeRecord{
		OrderID:     o.OrderID,
		TPOrderID:   o.TPOrderID,
		Symbol:      l.cfg.Symbol,
		Side:        o.Side,
		EntryPrice:  o.EffectiveEntryPrice(),
		ExitPrice:   exitPrice,
		Quantity:    o.Quantity,
		Fees:        feesF,
		RealizedPnL: pnlF,
		EntryTime:   o.FilledAt,
		ExitTime:    exitTime,
		GridLevel:   o.GridLevel,
		Source:      source,
	}
}

// persistTrade writes the trade synchronously, falling back to the journal.
func (l *Ledger) persistTrade(ctx context.Context, rec models.TradeRecord) (int64, error) {
	if l.trades != nil {
		id, err := l.trades.SaveTrade(ctx, rec)
		if err == nil {
			return id, nil
		}
		l.logger.Warn("交易记录保存失败，写入日志备份", zap.Int64("orderId", rec.OrderID), zap.Error(err))
	}
	if l.journal == nil {
		return 0, nil
	}
	if err := l.journal.AppendTrade(rec); err != nil {
		l.logger.Error("交易记录写入日志备份失败", zap.Int64("orderId", rec.OrderID), zap.Error(err))
		return 0, fmt.Errorf("persist trade for order %d: %w", rec.OrderID, err)
	}
	return 0, nil
}

// ReplayJournal moves journaled trades into the trade repository.
func (l *Ledger) ReplayJournal(ctx context.Context) (int, error) {
	if l.journal == nil || l.trades == nil {
		return 0, nil
	}
	pending, err := l.journal.PendingTrades()
	if err != nil {
		return 0, fmt.Errorf("read trade journal: %w", err)
	}
	replayed := 0
	for _, rec := range pending {
		if _, err := l.trades.SaveTrade(ctx, rec); err != nil {
			return replayed, fmt.Errorf("replay trade %d: %w", rec.OrderID, err)
		}
		if err := l.journal.RemoveTrade(rec.OrderID); err != nil {
			return replayed, fmt.Errorf("remove journal entry %d: %w", rec.OrderID, err)
		}
		replayed++
	}
	if replayed > 0 {
		l.logger.Info("交易日志已回放", zap.Int("count", replayed))
	}
	return replayed, nil
}

// placeTakeProfit 必须在持有 entryID 的订单锁的情况下调用。
func (l *Ledger) placeTakeProfit(ctx context.Context, entryID int64) error {
	l.mu.RLock()
	o, ok := l.orders[entryID]
	if !ok || o.Status != models.StatusFilled || o.TPOrderID != 0 || o.TakeProfitPrice <= 0 {
		l.mu.RUnlock()
		return nil
	}
	req := models.OrderRequest{
		Side:          o.Side.Opposite(),
		Price:         o.TakeProfitPrice,
		Quantity:      o.Quantity,
		PositionSide:  l.cfg.PositionSide,
		ReduceOnly:    true,
		ClientOrderID: exchange.TakeProfitClientID(entryID),
	}
	l.mu.RUnlock()

	created, err := l.gw.CreateOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place take profit for %d: %w", entryID, err)
	}

	l.mu.Lock()
	o.TPOrderID = created.OrderID
	o.TPClientOrderID = created.ClientOrderID
	l.tpIndex[created.OrderID] = entryID
	l.tpPlacedAt[entryID] = l.now()
	l.mu.Unlock()

	l.logger.Info("止盈单已挂出",
		zap.Int64("orderId", entryID),
		zap.Int64("tpOrderId", created.OrderID),
		zap.Float64("tpPrice", req.Price))
	return nil
}

// EnsureTakeProfits places a TP for every FILLED order that lacks one.
func (l *Ledger) EnsureTakeProfits(ctx context.Context) error {
	var missing []int64
	l.mu.RLock()
	for id, o := range l.orders {
		if o.Status == models.StatusFilled && o.TPOrderID == 0 {
			missing = append(missing, id)
		}
	}
	l.mu.RUnlock()
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	var errs []error
	for _, id := range missing {
		unlock := l.locks.Lock(id)
		err := l.placeTakeProfit(ctx, id)
		unlock()
		if err != nil {
			errs = append(errs, err)
			if exchange.IsRateLimitError(err) || exchange.IsAuthError(err) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// ReplaceTakeProfit cancels the current TP and places a new one at price, atomically
// with respect to fills of the same order.
func (l *Ledger) ReplaceTakeProfit(ctx context.Context, entryID int64, price float64) error {
	unlock := l.locks.Lock(entryID)
	defer unlock()

	l.mu.RLock()
	o, ok := l.orders[entryID]
	if !ok || o.Status != models.StatusFilled {
		l.mu.RUnlock()
		return fmt.Errorf("order %d: %w", entryID, ErrTakeProfitGone)
	}
	oldTP := o.TPOrderID
	l.mu.RUnlock()

	if oldTP != 0 {
		if err := l.gw.CancelOrder(ctx, oldTP); err != nil {
			if exchange.IsUnknownOrderError(err) {
				return fmt.Errorf("tp %d of order %d: %w", oldTP, entryID, ErrTakeProfitGone)
			}
			return fmt.Errorf("cancel tp %d: %w", oldTP, err)
		}
	}

	l.mu.Lock()
	delete(l.tpIndex, oldTP)
	if oldTP != 0 {
		l.closed[oldTP] = l.now()
	}
	o.TPOrderID = 0
	o.TPClientOrderID = ""
	o.TakeProfitPrice = price
	l.mu.Unlock()

	return l.placeTakeProfit(ctx, entryID)
}

// MarkCancelled moves a PENDING order to CANCELLED and evicts it.
func (l *Ledger) MarkCancelled(orderID int64) bool {
	unlock := l.locks.Lock(orderID)
	defer unlock()
	return l.markCancelled(orderID)
}

func (l *Ledger) markCancelled(orderID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok || !o.Status.CanTransition(models.StatusCancelled) {
		return false
	}
	o.Status = models.StatusCancelled
	o.ClosedAt = l.now()
	delete(l.orders, orderID)
	l.closed[orderID] = o.ClosedAt
	return true
}

// CancelPending cancels the given PENDING orders on the exchange. An order the exchange
// no longer knows stays PENDING: it may have filled, and reconciliation decides.
func (l *Ledger) CancelPending(ctx context.Context, ids []int64) (int, error) {
	cancelled := 0
	var errs []error
	for _, id := range ids {
		unlock := l.locks.Lock(id)
		l.mu.RLock()
		o, ok := l.orders[id]
		pending := ok && o.Status == models.StatusPending
		l.mu.RUnlock()
		if !pending {
			unlock()
			continue
		}

		err := l.gw.CancelOrder(ctx, id)
		switch {
		case err == nil:
			if l.markCancelled(id) {
				cancelled++
			}
		case exchange.IsUnknownOrderError(err):
			l.logger.Warn("撤单时订单已不存在，等待对账确认", zap.Int64("orderId", id))
		default:
			errs = append(errs, fmt.Errorf("cancel %d: %w", id, err))
		}
		unlock()
		if err != nil && exchange.IsRateLimitError(err) {
			break
		}
	}
	return cancelled, errors.Join(errs...)
}

// CancelAllPending cancels every PENDING order.
func (l *Ledger) CancelAllPending(ctx context.Context) (int, error) {
	return l.CancelPending(ctx, l.idsWithStatus(models.StatusPending))
}

func (l *Ledger) idsWithStatus(status models.OrderStatus) []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]int64, 0, len(l.orders))
	for id, o := range l.orders {
		if o.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Restore replaces the ledger content with the non-terminal orders of a snapshot.
// The result is a hint until the next reconciliation.
func (l *Ledger) Restore(orders []models.TrackedOrder) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = make(map[int64]*models.TrackedOrder, len(orders))
	l.tpIndex = make(map[int64]int64)
	l.tpPlacedAt = make(map[int64]time.Time)
	for i := range orders {
		o := orders[i]
		if o.Status.Terminal() || o.OrderID == 0 {
			continue
		}
		l.orders[o.OrderID] = &o
		if o.TPOrderID != 0 {
			l.tpIndex[o.TPOrderID] = o.OrderID
		}
	}
	return len(l.orders)
}

// Snapshot returns copies of all live orders, highest entry price first.
func (l *Ledger) Snapshot() []models.TrackedOrder {
	l.mu.RLock()
	out := make([]models.TrackedOrder, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, *o)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryPrice == out[j].EntryPrice {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].EntryPrice > out[j].EntryPrice
	})
	return out
}

// Get returns a copy of one live order.
func (l *Ledger) Get(orderID int64) (models.TrackedOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[orderID]
	if !ok {
		return models.TrackedOrder{}, false
	}
	return *o, true
}

// Counts returns the number of PENDING and FILLED (awaiting TP) orders.
func (l *Ledger) Counts() (pending, filled int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, o := range l.orders {
		switch o.Status {
		case models.StatusPending:
			pending++
		case models.StatusFilled:
			filled++
		}
	}
	return pending, filled
}

// Stats returns the cumulative counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// AvailableSlots returns how many new entry orders fit under MaxTotalOrders. Each side
// of the count takes the larger of the ledger's view and the exchange's open orders.
func (l *Ledger) AvailableSlots(openOrders []models.OpenOrder) int {
	pending, filled := l.Counts()
	exEntries, exTPs := 0, 0
	for _, o := range openOrders {
		if o.ReduceOnly || o.Side == models.Sell {
			exTPs++
		} else {
			exEntries++
		}
	}
	slots := l.cfg.MaxTotalOrders - max(filled, exTPs) - max(pending, exEntries)
	if slots < 0 {
		return 0
	}
	return slots
}

// pruneTombstones drops closed ids older than the retention window.
func (l *Ledger) pruneTombstones() {
	cutoff := l.now().Add(-l.cfg.ClosedRetention)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, at := range l.closed {
		if at.Before(cutoff) {
			delete(l.closed, id)
		}
	}
	for id, f := range l.early {
		if !f.Time.IsZero() && f.Time.Before(cutoff) {
			delete(l.early, id)
		}
	}
}
