package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLive(t *testing.T, handler http.HandlerFunc) (*LiveExchange, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &models.Config{
		Symbol:  "BTCUSDT",
		BaseURL: srv.URL,
		Exchange: models.ExchangeConfig{
			RetryAttempts:        2,
			RetryInitialDelayMs:  1,
			RateLimitCooldownSec: 480,
			RequestsPerSecond:    1000,
			RequestTimeoutSec:    5,
			RecvWindowMs:         5000,
			CacheTTL: models.CacheTTLConfig{
				PriceSec: 2, CandlesSec: 60, BalanceSec: 30, PositionsSec: 5, OpenOrdersSec: 15, FundingSec: 300,
			},
		},
	}
	ex := NewLiveExchange("test-key", "test-secret", cfg, zap.NewNop())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ex.now = clock.now
	return ex, clock
}

func expectedSignature(payload string) string {
	h := hmac.New(sha256.New, []byte("test-secret"))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))

		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if !assert.Greater(t, idx, 0) {
			return
		}
		assert.Equal(t, expectedSignature(raw[:idx]), raw[idx+len("&signature="):])
		assert.Contains(t, raw, "recvWindow=5000")
		assert.Contains(t, raw, "timestamp=")

		fmt.Fprint(w, `[{"asset":"BNB","availableBalance":"1"},{"asset":"USDT","availableBalance":"123.5"}]`)
	})

	balance, err := ex.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 123.5, balance)
}

func TestGetPriceServesFreshCache(t *testing.T) {
	var hits atomic.Int32
	ex, clock := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"88050.5"}`)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		price, err := ex.GetPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, 88050.5, price)
	}
	assert.Equal(t, int32(1), hits.Load())

	clock.advance(3 * time.Second)
	_, err := ex.GetPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRateLimitEntersCooldownAndServesStaleReads(t *testing.T) {
	var priceHits, orderHits atomic.Int32
	ex, clock := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/ticker/price":
			if priceHits.Add(1) == 1 {
				fmt.Fprint(w, `{"price":"100"}`)
				return
			}
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests"}`)
		case "/fapi/v1/order":
			orderHits.Add(1)
			fmt.Fprint(w, `{"orderId":1}`)
		}
	})
	ctx := context.Background()

	price, err := ex.GetPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	assert.False(t, ex.IsRateLimited())

	clock.advance(3 * time.Second)
	price, err = ex.GetPrice(ctx)
	require.NoError(t, err, "stale value is served while degraded")
	assert.Equal(t, 100.0, price)
	assert.True(t, ex.IsRateLimited())

	_, err = ex.CreateOrder(ctx, models.OrderRequest{Side: models.Buy, Price: 99, Quantity: 0.01})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(0), orderHits.Load(), "writes must not reach the exchange during cooldown")

	// cold read during cooldown has nothing to fall back to
	_, err = ex.GetBalance(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)

	clock.advance(481 * time.Second)
	assert.False(t, ex.IsRateLimited())
}

func TestCreateOrderRetriesAfterClientIDLookup(t *testing.T) {
	var posts, lookups atomic.Int32
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if posts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"code":-1001,"msg":"Internal error"}`)
				return
			}
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "gen-fixed", r.PostForm.Get("newClientOrderId"))
			assert.Equal(t, "LIMIT", r.PostForm.Get("type"))
			assert.Equal(t, "GTC", r.PostForm.Get("timeInForce"))
			fmt.Fprint(w, `{"orderId":42,"clientOrderId":"gen-fixed","side":"BUY","status":"NEW","price":"88000","origQty":"0.01"}`)
		case http.MethodGet:
			lookups.Add(1)
			assert.Equal(t, "gen-fixed", r.URL.Query().Get("origClientOrderId"))
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
		}
	})

	order, err := ex.CreateOrder(context.Background(), models.OrderRequest{
		Side: models.Buy, Price: 88000, Quantity: 0.01, ClientOrderID: "gen-fixed",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, 88000.0, order.Price)
	assert.Equal(t, int32(2), posts.Load())
	assert.Equal(t, int32(1), lookups.Load())
}

func TestCreateOrderRetryFindsExistingOrder(t *testing.T) {
	var posts atomic.Int32
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		case http.MethodGet:
			fmt.Fprint(w, `{"orderId":7,"clientOrderId":"gen-x","side":"BUY","status":"NEW","price":"100","origQty":"1"}`)
		}
	})

	order, err := ex.CreateOrder(context.Background(), models.OrderRequest{
		Side: models.Buy, Price: 100, Quantity: 1, ClientOrderID: "gen-x",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), order.OrderID)
	assert.Equal(t, int32(1), posts.Load(), "the existing order must not be posted twice")
}

func TestRetryDelaysDoubleUpToTheCap(t *testing.T) {
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {})
	ex.cfg.RetryInitialDelayMs = 100
	ex.cfg.RetryMaxDelayMs = 250

	delays := ex.retryBackoff()
	assert.Equal(t, 100*time.Millisecond, delays.Duration())
	assert.Equal(t, 200*time.Millisecond, delays.Duration())
	assert.Equal(t, 250*time.Millisecond, delays.Duration())
	assert.Equal(t, 250*time.Millisecond, delays.Duration())

	fresh := ex.retryBackoff()
	assert.Equal(t, 100*time.Millisecond, fresh.Duration(), "every write starts from the initial delay")
}

func TestTransientWriteFailureIsRetriedThenSurfaced(t *testing.T) {
	var hits atomic.Int32
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := ex.SetLeverage(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set leverage failed after 3 attempts")
	assert.Equal(t, int32(3), hits.Load())
}

func TestCancelUnknownOrderIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	})

	err := ex.CancelOrder(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, IsUnknownOrderError(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestAuthErrorIsClassified(t *testing.T) {
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
	})

	_, err := ex.GetPositions(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.False(t, IsTransient(err))
}

func TestGetCandlesParsesKlines(t *testing.T) {
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "15m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[
			[1704067200000,"100.0","110.0","95.0","105.0","12.5",1704068099999,"0",1,"0","0","0"],
			[1704068100000,"105.0","106.0","101.0","102.0","3.0",1704068999999,"0",1,"0","0","0"]
		]`)
	})

	candles, err := ex.GetCandles(context.Background(), "15m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 95.0, candles[0].Low)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, int64(1704068100000), candles[1].OpenTime.UnixMilli())
}

func TestGetSymbolInfoReadsFilters(t *testing.T) {
	var hits atomic.Int32
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"ETHUSDT","filters":[]},
			{"symbol":"BTCUSDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.002"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}
			]}
		]}`)
	})
	ctx := context.Background()

	info, err := ex.GetSymbolInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1, info.TickSize)
	assert.Equal(t, 0.001, info.StepSize)
	assert.Equal(t, 0.002, info.MinQty)
	assert.Equal(t, 100.0, info.MinNotional)

	_, err = ex.GetSymbolInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsRateLimitError(&APIError{HTTPStatus: 418}))
	assert.True(t, IsRateLimitError(fmt.Errorf("wrapped: %w", &APIError{Code: -1015})))
	assert.True(t, IsMarginError(&APIError{Code: -2019}))
	assert.False(t, IsMarginError(&APIError{Code: -2011}))
	assert.True(t, IsTransient(&APIError{HTTPStatus: 503}))
	assert.False(t, IsTransient(&APIError{HTTPStatus: 400, Code: -1102}))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsAuthError(errors.New("plain")))
}

func TestAdjustMarginSendsDirectionAndAmount(t *testing.T) {
	var form atomic.Value
	ex, _ := newTestLive(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/positionMargin", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form.Store(r.PostForm.Encode())
		fmt.Fprint(w, `{"amount":25,"code":200,"msg":"Successfully modify position margin.","type":2}`)
	})

	require.NoError(t, ex.AdjustMargin(context.Background(), "LONG", -25))
	sent := form.Load().(string)
	assert.Contains(t, sent, "type=2")
	assert.Contains(t, sent, "amount=25")
	assert.Contains(t, sent, "positionSide=LONG")

	// delta 为 0 不发请求
	form.Store("")
	require.NoError(t, ex.AdjustMargin(context.Background(), "LONG", 0))
	assert.Equal(t, "", form.Load().(string))
}
