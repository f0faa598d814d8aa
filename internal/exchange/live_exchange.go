package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"macd-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyPrice      = "price"
	keyBalance    = "balance"
	keyPositions  = "positions"
	keyOpenOrders = "open_orders"
	keyFunding    = "funding"
)

// LiveExchange 实现了 Exchange 接口，用于与真实的币安U本位合约交易所进行交互。
// 签名接口走 resty，公共行情接口走 go-binance 的 futures 客户端。
type LiveExchange struct {
	apiKey    string
	secretKey string
	symbol    string
	cfg       models.ExchangeConfig
	http      *resty.Client
	market    *futures.Client
	limiter   *rate.Limiter
	cache     *responseCache
	logger    *zap.Logger
	now       func() time.Time

	timeOffset atomic.Int64 // 毫秒

	mu            sync.RWMutex
	cooldownUntil time.Time
	symbolInfo    *models.SymbolInfo
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。不会发起任何网络请求，调用 Init 完成时间同步。
func NewLiveExchange(apiKey, secretKey string, cfg *models.Config, logger *zap.Logger) *LiveExchange {
	timeout := models.Seconds(cfg.Exchange.RequestTimeoutSec)

	market := binance.NewFuturesClient(apiKey, secretKey)
	market.BaseURL = cfg.BaseURL
	market.HTTPClient = &http.Client{Timeout: timeout}

	rps := cfg.Exchange.RequestsPerSecond
	burst := int(math.Max(1, math.Ceil(rps)))

	e := &LiveExchange{
		apiKey:    apiKey,
		secretKey: secretKey,
		symbol:    cfg.Symbol,
		cfg:       cfg.Exchange,
		http:      resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout),
		market:    market,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		logger:    logger.Named("exchange"),
		now:       time.Now,
	}
	e.cache = newResponseCache(func() time.Time { return e.now() })
	return e
}

// Init 与币安服务器同步时间并加载交易规则。
func (e *LiveExchange) Init(ctx context.Context) error {
	if err := e.syncTime(ctx); err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	if _, err := e.GetSymbolInfo(ctx); err != nil {
		return fmt.Errorf("加载交易规则失败: %w", err)
	}
	return nil
}

// syncTime 与币安服务器同步时间，计算时间偏移。
func (e *LiveExchange) syncTime(ctx context.Context) error {
	data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	offset := serverTime.ServerTime - e.now().UnixMilli()
	e.timeOffset.Store(offset)
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffsetMs", offset))
	return nil
}

// sign 对请求参数进行签名。
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest 是一个通用的请求处理函数，用于向币安API发送请求。
func (e *LiveExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := e.now().UnixMilli() + e.timeOffset.Load()
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		queryParams.Set("recvWindow", strconv.Itoa(e.cfg.RecvWindowMs))
		payloadToSign := queryParams.Encode()
		encodedParams = payloadToSign + "&signature=" + e.sign(payloadToSign)
	} else {
		encodedParams = queryParams.Encode()
	}

	// 签名串必须与发送的顺序一致，因此直接拼接到URL上，不交给 resty 重新编码
	target := endpoint
	req := e.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", e.apiKey)
	if method == http.MethodGet || method == http.MethodDelete {
		if encodedParams != "" {
			target = endpoint + "?" + encodedParams
		}
	} else {
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		req.SetBody(encodedParams)
	}

	e.logger.Debug("发送请求", zap.String("method", method), zap.String("endpoint", endpoint))
	resp, err := req.Execute(method, target)
	if err != nil {
		return nil, fmt.Errorf("执行请求 %s %s 失败: %w", method, endpoint, err)
	}

	body := resp.Body()
	if resp.StatusCode() >= http.StatusBadRequest {
		apiErr := &APIError{HTTPStatus: resp.StatusCode()}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		e.noteError(apiErr)
		return body, apiErr
	}

	// 币安偶尔会以200返回错误结构
	var binanceError APIError
	if json.Unmarshal(body, &binanceError) == nil && binanceError.Code < 0 {
		binanceError.HTTPStatus = resp.StatusCode()
		e.noteError(&binanceError)
		return body, &binanceError
	}
	return body, nil
}

// noteError 在遇到限流错误时进入冷却期。
func (e *LiveExchange) noteError(err error) {
	if !IsRateLimitError(err) || err == ErrRateLimited {
		return
	}
	until := e.now().Add(models.Seconds(e.cfg.RateLimitCooldownSec))
	e.mu.Lock()
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
	e.mu.Unlock()
	e.logger.Warn("触发交易所限流，进入冷却期", zap.Time("until", until), zap.Error(err))
}

// IsRateLimited 报告当前是否处于限流冷却期。
func (e *LiveExchange) IsRateLimited() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now().Before(e.cooldownUntil)
}

// cachedRead serves fresh cache hits directly, falls back to the last good value on
// failures or during cooldown, and only errors when nothing was ever cached.
func cachedRead[T any](ctx context.Context, e *LiveExchange, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	cached, fresh, ok := e.cache.get(key, ttl)
	if ok && fresh {
		return cached.(T), nil
	}
	if e.IsRateLimited() {
		if ok {
			return cached.(T), nil
		}
		return zero, ErrRateLimited
	}

	callCtx, cancel := context.WithTimeout(ctx, models.Seconds(e.cfg.RequestTimeoutSec))
	defer cancel()
	v, err := fetch(callCtx)
	if err != nil {
		e.noteError(err)
		if ok && !IsAuthError(err) {
			e.logger.Warn("读取失败，使用缓存数据", zap.String("key", key), zap.Error(err))
			return cached.(T), nil
		}
		return zero, err
	}
	e.cache.set(key, v)
	return v, nil
}

// retryBackoff 每次写操作独立的重试延迟序列: 从 RetryInitialDelayMs 开始翻倍，不超过 RetryMaxDelayMs
func (e *LiveExchange) retryBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    time.Duration(e.cfg.RetryInitialDelayMs) * time.Millisecond,
		Max:    time.Duration(e.cfg.RetryMaxDelayMs) * time.Millisecond,
		Factor: 2,
	}
}

// withRetry retries transient failures of a write with exponential delay.
// beforeRetry runs ahead of every retry and may short-circuit with done=true.
func (e *LiveExchange) withRetry(ctx context.Context, op string, call func(context.Context) error, beforeRetry func(context.Context) bool) error {
	delays := e.retryBackoff()
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delays.Duration()); err != nil {
				return err
			}
			if beforeRetry != nil && beforeRetry(ctx) {
				return nil
			}
		}
		if e.IsRateLimited() {
			return ErrRateLimited
		}
		callCtx, cancel := context.WithTimeout(ctx, models.Seconds(e.cfg.RequestTimeoutSec))
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		e.logger.Warn("写操作失败，准备重试", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, e.cfg.RetryAttempts+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- 行情接口 ---

// GetPrice 获取当前价格。
func (e *LiveExchange) GetPrice(ctx context.Context) (float64, error) {
	return cachedRead(ctx, e, keyPrice, models.Seconds(e.cfg.CacheTTL.PriceSec), func(ctx context.Context) (float64, error) {
		params := url.Values{}
		params.Set("symbol", e.symbol)
		data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
		if err != nil {
			return 0, err
		}
		var ticker struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(data, &ticker); err != nil {
			return 0, err
		}
		return strconv.ParseFloat(ticker.Price, 64)
	})
}

// GetCandles 获取K线数据，按时间升序排列。
func (e *LiveExchange) GetCandles(ctx context.Context, timeframe string, limit int) ([]models.Candle, error) {
	key := fmt.Sprintf("candles:%s:%d", timeframe, limit)
	return cachedRead(ctx, e, key, models.Seconds(e.cfg.CacheTTL.CandlesSec), func(ctx context.Context) ([]models.Candle, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		klines, err := e.market.NewKlinesService().Symbol(e.symbol).Interval(timeframe).Limit(limit).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取K线失败: %w", err)
		}
		candles := make([]models.Candle, 0, len(klines))
		for _, k := range klines {
			c, err := parseKline(k)
			if err != nil {
				return nil, err
			}
			candles = append(candles, c)
		}
		return candles, nil
	})
}

func parseKline(k *futures.Kline) (models.Candle, error) {
	var c models.Candle
	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &c.Open}, {k.High, &c.High}, {k.Low, &c.Low}, {k.Close, &c.Close}, {k.Volume, &c.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return c, fmt.Errorf("解析K线数据失败: %w", err)
		}
		*f.dst = v
	}
	c.OpenTime = time.UnixMilli(k.OpenTime)
	c.CloseTime = time.UnixMilli(k.CloseTime)
	return c, nil
}

// GetFundingRate 获取最近一次资金费率 (0.0001 = 0.01%)。
func (e *LiveExchange) GetFundingRate(ctx context.Context) (float64, error) {
	return cachedRead(ctx, e, keyFunding, models.Seconds(e.cfg.CacheTTL.FundingSec), func(ctx context.Context) (float64, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		res, err := e.market.NewPremiumIndexService().Symbol(e.symbol).Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("获取资金费率失败: %w", err)
		}
		for _, p := range res {
			if p.Symbol == e.symbol {
				return strconv.ParseFloat(p.LastFundingRate, 64)
			}
		}
		return 0, fmt.Errorf("资金费率 %s: %w", e.symbol, ErrNotFound)
	})
}

// GetSymbolInfo 获取交易对的交易规则，只加载一次。
func (e *LiveExchange) GetSymbolInfo(ctx context.Context) (*models.SymbolInfo, error) {
	e.mu.RLock()
	info := e.symbolInfo
	e.mu.RUnlock()
	if info != nil {
		return info, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.market.NewExchangeInfoService().Do(ctx)
	if err != nil {
		e.noteError(err)
		return nil, fmt.Errorf("获取交易规则失败: %w", err)
	}
	for _, s := range res.Symbols {
		if s.Symbol != e.symbol {
			continue
		}
		info = &models.SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				info.TickSize = filterFloat(f, "tickSize")
			case "LOT_SIZE":
				info.StepSize = filterFloat(f, "stepSize")
				info.MinQty = filterFloat(f, "minQty")
			case "MIN_NOTIONAL":
				info.MinNotional = filterFloat(f, "notional")
			}
		}
		e.mu.Lock()
		e.symbolInfo = info
		e.mu.Unlock()
		e.logger.Info("交易规则已加载",
			zap.Float64("tickSize", info.TickSize),
			zap.Float64("stepSize", info.StepSize),
			zap.Float64("minQty", info.MinQty))
		return info, nil
	}
	return nil, fmt.Errorf("交易对 %s: %w", e.symbol, ErrNotFound)
}

func filterFloat(f map[string]interface{}, key string) float64 {
	s, _ := f[key].(string)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// --- 账户接口 ---

type restBalance struct {
	Asset            string `json:"asset"`
	AvailableBalance string `json:"availableBalance"`
}

// GetBalance 获取USDT可用余额
func (e *LiveExchange) GetBalance(ctx context.Context) (float64, error) {
	return cachedRead(ctx, e, keyBalance, models.Seconds(e.cfg.CacheTTL.BalanceSec), func(ctx context.Context) (float64, error) {
		data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
		if err != nil {
			return 0, fmt.Errorf("获取账户余额失败: %w", err)
		}
		var balances []restBalance
		if err := json.Unmarshal(data, &balances); err != nil {
			return 0, fmt.Errorf("解析余额数据失败: %w", err)
		}
		for _, b := range balances {
			if b.Asset == "USDT" {
				return strconv.ParseFloat(b.AvailableBalance, 64)
			}
		}
		return 0, fmt.Errorf("USDT 余额: %w", ErrNotFound)
	})
}

type restPosition struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	IsolatedMargin   string `json:"isolatedMargin"`
}

// GetPositions 获取持仓信息，过滤掉没有持仓的条目。
func (e *LiveExchange) GetPositions(ctx context.Context) ([]models.Position, error) {
	return cachedRead(ctx, e, keyPositions, models.Seconds(e.cfg.CacheTTL.PositionsSec), func(ctx context.Context) ([]models.Position, error) {
		params := url.Values{}
		params.Set("symbol", e.symbol)
		data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
		if err != nil {
			return nil, err
		}
		var raw []restPosition
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		positions := make([]models.Position, 0, len(raw))
		for _, p := range raw {
			amt := parseFloat(p.PositionAmt)
			if amt == 0 {
				continue
			}
			lev, _ := strconv.Atoi(p.Leverage)
			positions = append(positions, models.Position{
				Symbol:           p.Symbol,
				PositionSide:     p.PositionSide,
				Amount:           amt,
				EntryPrice:       parseFloat(p.EntryPrice),
				MarkPrice:        parseFloat(p.MarkPrice),
				UnrealizedPnL:    parseFloat(p.UnRealizedProfit),
				LiquidationPrice: parseFloat(p.LiquidationPrice),
				Leverage:         lev,
				IsolatedMargin:   parseFloat(p.IsolatedMargin),
			})
		}
		return positions, nil
	})
}

type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o restOrder) toModel() models.OpenOrder {
	return models.OpenOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		PositionSide:  o.PositionSide,
		Type:          o.Type,
		Status:        o.Status,
		Price:         parseFloat(o.Price),
		AvgPrice:      parseFloat(o.AvgPrice),
		OrigQty:       parseFloat(o.OrigQty),
		ExecutedQty:   parseFloat(o.ExecutedQty),
		ReduceOnly:    o.ReduceOnly,
		Time:          time.UnixMilli(o.Time),
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// GetOpenOrders 获取所有挂单
func (e *LiveExchange) GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	return cachedRead(ctx, e, keyOpenOrders, models.Seconds(e.cfg.CacheTTL.OpenOrdersSec), func(ctx context.Context) ([]models.OpenOrder, error) {
		params := url.Values{}
		params.Set("symbol", e.symbol)
		data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
		if err != nil {
			return nil, err
		}
		var raw []restOrder
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		orders := make([]models.OpenOrder, 0, len(raw))
		for _, o := range raw {
			orders = append(orders, o.toModel())
		}
		return orders, nil
	})
}

// GetOrder 查询单个订单状态，不走缓存。
func (e *LiveExchange) GetOrder(ctx context.Context, orderID int64) (*models.OpenOrder, error) {
	return e.queryOrder(ctx, "orderId", strconv.FormatInt(orderID, 10))
}

// GetOrderByClientID 按 clientOrderId 查询订单，同一个 id 被复用时返回最近的一个。
func (e *LiveExchange) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.OpenOrder, error) {
	return e.queryOrder(ctx, "origClientOrderId", clientOrderID)
}

func (e *LiveExchange) queryOrder(ctx context.Context, field, value string) (*models.OpenOrder, error) {
	if e.IsRateLimited() {
		return nil, ErrRateLimited
	}
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set(field, value)
	data, err := e.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var raw restOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	order := raw.toModel()
	return &order, nil
}

// --- 交易接口 ---

// CreateOrder 下一个GTC限价单。网络错误重试前会先按 clientOrderId 查询，避免重复下单。
func (e *LiveExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OpenOrder, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewEntryClientID(e.now())
	}
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatDecimal(req.Quantity))
	params.Set("price", formatDecimal(req.Price))
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	// 对冲模式下不允许携带 reduceOnly
	if req.ReduceOnly && (req.PositionSide == "" || req.PositionSide == "BOTH") {
		params.Set("reduceOnly", "true")
	}

	var created *models.OpenOrder
	err := e.withRetry(ctx, "create order",
		func(ctx context.Context) error {
			data, err := e.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
			if err != nil {
				return err
			}
			var raw restOrder
			if err := json.Unmarshal(data, &raw); err != nil {
				return err
			}
			order := raw.toModel()
			created = &order
			return nil
		},
		func(ctx context.Context) bool {
			existing, err := e.queryOrder(ctx, "origClientOrderId", req.ClientOrderID)
			if err != nil {
				return false
			}
			// 止盈单的 clientOrderId 在替换后会复用，已结束的旧单不算
			switch existing.Status {
			case models.ExchangeStatusCanceled, models.ExchangeStatusExpired, models.ExchangeStatusRejected:
				return false
			}
			e.logger.Info("重试前发现订单已存在", zap.String("clientOrderId", req.ClientOrderID), zap.Int64("orderId", existing.OrderID))
			created = existing
			return true
		})
	e.cache.invalidate(keyOpenOrders)
	if err != nil {
		e.logger.Error("下单请求失败", zap.String("side", string(req.Side)), zap.Float64("price", req.Price), zap.Error(err))
		return nil, err
	}
	return created, nil
}

// CancelOrder 取消订单。订单已不存在时返回 IsUnknownOrderError 可识别的错误。
func (e *LiveExchange) CancelOrder(ctx context.Context, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	err := e.withRetry(ctx, "cancel order", func(ctx context.Context) error {
		_, err := e.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
		return err
	}, nil)
	e.cache.invalidate(keyOpenOrders)
	return err
}

// SetLeverage 设置杠杆。
func (e *LiveExchange) SetLeverage(ctx context.Context, leverage int) error {
	params := url.Values{}
	params.Set("symbol", e.symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return e.withRetry(ctx, "set leverage", func(ctx context.Context) error {
		_, err := e.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
		return err
	}, nil)
}

// AdjustMargin 调整逐仓保证金，delta 为正表示增加。
func (e *LiveExchange) AdjustMargin(ctx context.Context, positionSide string, delta float64) error {
	if delta == 0 {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", e.symbol)
	if positionSide != "" {
		params.Set("positionSide", positionSide)
	}
	params.Set("amount", formatDecimal(math.Abs(delta)))
	if delta > 0 {
		params.Set("type", "1")
	} else {
		params.Set("type", "2")
	}
	err := e.withRetry(ctx, "adjust margin", func(ctx context.Context) error {
		_, err := e.doRequest(ctx, http.MethodPost, "/fapi/v1/positionMargin", params, true)
		return err
	}, nil)
	e.cache.invalidate(keyPositions)
	e.cache.invalidate(keyBalance)
	return err
}

// CreateListenKey 创建一个新的 listenKey 用于用户数据流。
func (e *LiveExchange) CreateListenKey(ctx context.Context) (string, error) {
	data, err := e.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	var response struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("解析 listenKey 响应失败: %w", err)
	}
	return response.ListenKey, nil
}

// KeepAliveListenKey 延长 listenKey 的有效期。
func (e *LiveExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := e.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false); err != nil {
		return fmt.Errorf("保持 listenKey 存活失败: %w", err)
	}
	return nil
}
