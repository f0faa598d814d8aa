package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"macd-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const simEpsilon = 1e-9

// SimFill 描述模拟撮合产生的一笔成交
type SimFill struct {
	Order models.OpenOrder
	Price float64
	Fee   float64
	Time  time.Time
}

// SimExchange 实现了 Exchange 接口，在内存中撮合限价单，用于纸面交易和测试。
// 如果提供了 MarketData，行情读取会透传给它，并用最新价格驱动撮合。
type SimExchange struct {
	mu sync.Mutex

	symbol       string
	market       MarketData
	logger       *zap.Logger
	now          func() time.Time
	onFill       func(SimFill)
	MakerFeeRate float64

	info        models.SymbolInfo
	price       float64
	candles     []models.Candle
	fundingRate float64

	cash          float64
	position      float64 // 净多仓数量
	avgEntryPrice float64
	leverage      int
	margin        float64

	orders      map[int64]*models.OpenOrder
	byClientID  map[string]int64
	nextOrderID int64

	rateLimited bool
	failures    map[string][]error
	calls       map[string]int
}

// NewSimExchange 创建一个新的 SimExchange 实例。
func NewSimExchange(symbol string, initialBalance float64, market MarketData, logger *zap.Logger) *SimExchange {
	return &SimExchange{
		symbol:       symbol,
		market:       market,
		logger:       logger.Named("sim"),
		now:          time.Now,
		MakerFeeRate: 0.0002,
		info: models.SymbolInfo{
			Symbol:   symbol,
			TickSize: 0.01,
			StepSize: 0.001,
			MinQty:   0.001,
		},
		cash:        initialBalance,
		leverage:    1,
		orders:      make(map[int64]*models.OpenOrder),
		byClientID:  make(map[string]int64),
		nextOrderID: 1,
		failures:    make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// SetFillHandler 注册成交回调，模拟用户数据流推送。回调在锁外调用。
func (e *SimExchange) SetFillHandler(fn func(SimFill)) {
	e.mu.Lock()
	e.onFill = fn
	e.mu.Unlock()
}

// SetSymbolInfo overrides the default trading rules.
func (e *SimExchange) SetSymbolInfo(info models.SymbolInfo) {
	e.mu.Lock()
	e.info = info
	e.mu.Unlock()
}

// SetCandles replaces the candle series served by GetCandles.
func (e *SimExchange) SetCandles(candles []models.Candle) {
	e.mu.Lock()
	e.candles = append([]models.Candle(nil), candles...)
	e.mu.Unlock()
}

// SetFundingRate sets the rate served by GetFundingRate.
func (e *SimExchange) SetFundingRate(rate float64) {
	e.mu.Lock()
	e.fundingRate = rate
	e.mu.Unlock()
}

// SetRateLimited toggles the simulated cooldown.
func (e *SimExchange) SetRateLimited(limited bool) {
	e.mu.Lock()
	e.rateLimited = limited
	e.mu.Unlock()
}

// FailNext queues an error for the next call of the named method.
func (e *SimExchange) FailNext(method string, err error) {
	e.mu.Lock()
	e.failures[method] = append(e.failures[method], err)
	e.mu.Unlock()
}

// Calls returns how often the named method was invoked.
func (e *SimExchange) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// 必须在持有锁的情况下调用。
func (e *SimExchange) enter(method string, write bool) error {
	e.calls[method]++
	if queue := e.failures[method]; len(queue) > 0 {
		e.failures[method] = queue[1:]
		return queue[0]
	}
	if write && e.rateLimited {
		return ErrRateLimited
	}
	return nil
}

// SetPrice 模拟价格变动并触发订单成交检查。
func (e *SimExchange) SetPrice(price float64) {
	e.mu.Lock()
	e.price = price
	fills := e.matchAtPrice(price)
	handler := e.onFill
	e.mu.Unlock()

	if handler != nil {
		for _, f := range fills {
			handler(f)
		}
	}
}

// ApplyCandle 按 O->L->H->C 的路径模拟K线内部的价格行为。
func (e *SimExchange) ApplyCandle(c models.Candle) {
	for _, p := range []float64{c.Open, c.Low, c.High, c.Close} {
		e.SetPrice(p)
	}
	e.mu.Lock()
	e.candles = append(e.candles, c)
	e.mu.Unlock()
}

// FillOrder 直接成交一个挂单而不触发回调，模拟丢失的推送。
func (e *SimExchange) FillOrder(orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok || order.Status != models.ExchangeStatusNew {
		return fmt.Errorf("订单 %d: %w", orderID, ErrNotFound)
	}
	e.fill(order, order.Price)
	return nil
}

// CancelSilently 模拟在交易所侧被取消的订单 (例如人工在网页上撤单)。
func (e *SimExchange) CancelSilently(orderID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok && order.Status == models.ExchangeStatusNew {
		order.Status = models.ExchangeStatusCanceled
		order.UpdateTime = e.now()
	}
}

// matchAtPrice 遍历所有订单，检查是否有挂单可以在指定价格点成交。必须在持有锁的情况下调用。
func (e *SimExchange) matchAtPrice(price float64) []SimFill {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status == models.ExchangeStatusNew {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []SimFill
	for _, id := range ids {
		order := e.orders[id]
		if (order.Side == models.Buy && price <= order.Price) || (order.Side == models.Sell && price >= order.Price) {
			if f, ok := e.fill(order, order.Price); ok {
				fills = append(fills, f)
			}
		}
	}
	return fills
}

// fill 处理一个已成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *SimExchange) fill(order *models.OpenOrder, price float64) (SimFill, bool) {
	qty := order.OrigQty
	if order.Side == models.Sell && order.ReduceOnly {
		qty = math.Min(qty, e.position)
		if qty <= simEpsilon {
			// 没有可平的仓位，交易所会直接过期该单
			order.Status = models.ExchangeStatusExpired
			order.UpdateTime = e.now()
			return SimFill{}, false
		}
	}

	fee := price * qty * e.MakerFeeRate
	e.cash -= fee

	if order.Side == models.Buy {
		total := e.position + qty
		e.avgEntryPrice = (e.avgEntryPrice*e.position + price*qty) / total
		e.position = total
	} else {
		e.cash += (price - e.avgEntryPrice) * qty
		e.position -= qty
		if e.position <= simEpsilon {
			e.position = 0
			e.avgEntryPrice = 0
		}
	}
	e.margin = e.avgEntryPrice * e.position / float64(e.leverage)

	order.Status = models.ExchangeStatusFilled
	order.ExecutedQty = qty
	order.AvgPrice = price
	order.UpdateTime = e.now()

	e.logger.Debug("模拟成交",
		zap.Int64("orderId", order.OrderID),
		zap.String("side", string(order.Side)),
		zap.Float64("price", price),
		zap.Float64("qty", qty),
		zap.Float64("position", e.position))

	return SimFill{Order: *order, Price: price, Fee: fee, Time: order.UpdateTime}, true
}

// --- Exchange 接口实现 ---

func (e *SimExchange) GetPrice(ctx context.Context) (float64, error) {
	if e.market != nil {
		price, err := e.market.GetPrice(ctx)
		if err != nil {
			return 0, err
		}
		e.SetPrice(price)
		return price, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetPrice", false); err != nil {
		return 0, err
	}
	return e.price, nil
}

func (e *SimExchange) GetCandles(ctx context.Context, timeframe string, limit int) ([]models.Candle, error) {
	if e.market != nil {
		return e.market.GetCandles(ctx, timeframe, limit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetCandles", false); err != nil {
		return nil, err
	}
	start := 0
	if limit > 0 && len(e.candles) > limit {
		start = len(e.candles) - limit
	}
	return append([]models.Candle(nil), e.candles[start:]...), nil
}

func (e *SimExchange) GetFundingRate(ctx context.Context) (float64, error) {
	if e.market != nil {
		return e.market.GetFundingRate(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetFundingRate", false); err != nil {
		return 0, err
	}
	return e.fundingRate, nil
}

func (e *SimExchange) GetBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetBalance", false); err != nil {
		return 0, err
	}
	return e.cash - e.margin, nil
}

func (e *SimExchange) GetPositions(ctx context.Context) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetPositions", false); err != nil {
		return nil, err
	}
	if e.position <= simEpsilon {
		return nil, nil
	}
	return []models.Position{{
		Symbol:        e.symbol,
		PositionSide:  "BOTH",
		Amount:        e.position,
		EntryPrice:    e.avgEntryPrice,
		MarkPrice:     e.price,
		UnrealizedPnL: (e.price - e.avgEntryPrice) * e.position,
		Leverage:      e.leverage,
	}}, nil
}

func (e *SimExchange) GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOpenOrders", false); err != nil {
		return nil, err
	}
	open := make([]models.OpenOrder, 0)
	for _, o := range e.orders {
		if o.Status == models.ExchangeStatusNew {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open, nil
}

func (e *SimExchange) GetOrder(ctx context.Context, orderID int64) (*models.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrder", false); err != nil {
		return nil, err
	}
	order, ok := e.orders[orderID]
	if !ok {
		return nil, &APIError{HTTPStatus: 400, Code: -2013, Msg: "Order does not exist."}
	}
	cp := *order
	return &cp, nil
}

func (e *SimExchange) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrderByClientID", false); err != nil {
		return nil, err
	}
	id, ok := e.byClientID[clientOrderID]
	if !ok {
		return nil, &APIError{HTTPStatus: 400, Code: -2013, Msg: "Order does not exist."}
	}
	cp := *e.orders[id]
	return &cp, nil
}

func (e *SimExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateOrder", true); err != nil {
		return nil, err
	}
	if req.Quantity < e.info.MinQty || req.Price <= 0 {
		return nil, &APIError{HTTPStatus: 400, Code: -4003, Msg: "Quantity less than or equal to zero."}
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewEntryClientID(e.now())
	}
	// 与币安一致：clientOrderId 只需在未完成订单中唯一
	if prev, dup := e.byClientID[req.ClientOrderID]; dup && e.orders[prev].Status == models.ExchangeStatusNew {
		return nil, &APIError{HTTPStatus: 400, Code: -4116, Msg: "ClientOrderId is duplicated."}
	}
	positionSide := req.PositionSide
	if positionSide == "" {
		positionSide = "BOTH"
	}
	now := e.now()
	order := &models.OpenOrder{
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        e.symbol,
		Side:          req.Side,
		PositionSide:  positionSide,
		Type:          "LIMIT",
		Status:        models.ExchangeStatusNew,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		Time:          now,
		UpdateTime:    now,
	}
	e.orders[order.OrderID] = order
	e.byClientID[order.ClientOrderID] = order.OrderID
	e.nextOrderID++
	cp := *order
	return &cp, nil
}

func (e *SimExchange) CancelOrder(ctx context.Context, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder", true); err != nil {
		return err
	}
	order, ok := e.orders[orderID]
	if !ok || order.Status != models.ExchangeStatusNew {
		return &APIError{HTTPStatus: 400, Code: -2011, Msg: "Unknown order sent."}
	}
	order.Status = models.ExchangeStatusCanceled
	order.UpdateTime = e.now()
	return nil
}

func (e *SimExchange) SetLeverage(ctx context.Context, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetLeverage", true); err != nil {
		return err
	}
	e.leverage = leverage
	return nil
}

func (e *SimExchange) AdjustMargin(ctx context.Context, positionSide string, delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("AdjustMargin", true); err != nil {
		return err
	}
	if delta > e.cash-e.margin {
		return &APIError{HTTPStatus: 400, Code: -2019, Msg: "Margin is insufficient."}
	}
	e.margin += delta
	return nil
}

func (e *SimExchange) GetSymbolInfo(ctx context.Context) (*models.SymbolInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	return &info, nil
}

func (e *SimExchange) IsRateLimited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateLimited
}

func (e *SimExchange) CreateListenKey(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateListenKey", false); err != nil {
		return "", err
	}
	return fmt.Sprintf("sim-%s-%d", e.symbol, e.calls["CreateListenKey"]), nil
}

func (e *SimExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("KeepAliveListenKey", false)
}
