package exchange

import (
	"context"

	"macd-grid-bot-go/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 实现只服务于一个交易对；所有方法都必须尊重 ctx 的超时。
type Exchange interface {
	MarketData
	OrderPlacer
	SessionKeyProvider

	GetBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetOpenOrders(ctx context.Context) ([]models.OpenOrder, error)
	GetOrder(ctx context.Context, orderID int64) (*models.OpenOrder, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.OpenOrder, error)
	SetLeverage(ctx context.Context, leverage int) error
	AdjustMargin(ctx context.Context, positionSide string, delta float64) error
	GetSymbolInfo(ctx context.Context) (*models.SymbolInfo, error)
	IsRateLimited() bool
}

// MarketData is the read side used by the signal and filter layers.
type MarketData interface {
	GetPrice(ctx context.Context) (float64, error)
	GetCandles(ctx context.Context, timeframe string, limit int) ([]models.Candle, error)
	GetFundingRate(ctx context.Context) (float64, error)
}

// OrderPlacer is the write side the ledger needs for take-profit handling.
type OrderPlacer interface {
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OpenOrder, error)
	CancelOrder(ctx context.Context, orderID int64) error
}

// SessionKeyProvider issues and renews the user-data stream listen key.
type SessionKeyProvider interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}
