package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Symbol         string  `json:"symbol"`                     // 交易对，如 "BTCUSDT"
	Leverage       int     `json:"leverage"`                   // 杠杆倍数
	PositionSide   string  `json:"position_side"`              // 持仓方向: BOTH (单向) 或 LONG (对冲模式)
	OrderValueUSDT float64 `json:"order_value_usdt,omitempty"` // 每个网格的交易价值 (USDT)
	OrderQuantity  float64 `json:"order_quantity,omitempty"`   // 每个网格的交易数量（基础货币），优先于 OrderValueUSDT

	Grid       GridConfig       `json:"grid"`
	TakeProfit TakeProfitConfig `json:"take_profit"`
	Indicator  IndicatorConfig  `json:"indicator"`
	Engine     EngineConfig     `json:"engine"`
	Exchange   ExchangeConfig   `json:"exchange"`
	Feed       FeedConfig       `json:"feed"`
	Filters    []FilterConfig   `json:"filters"`
	API        APIConfig        `json:"api"`
	LogConfig  LogConfig        `json:"log"`

	ManualActivation bool `json:"manual_activation"` // 手动激活周期，INACTIVE 状态下无效

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// Spacing types for GridConfig.SpacingType.
const (
	SpacingPercent = "percent"
	SpacingFixed   = "fixed"
)

// Anchor modes for GridConfig.AnchorMode.
const (
	AnchorNone     = "none"
	AnchorTen      = "ten"
	AnchorHundred  = "hundred"
	AnchorThousand = "thousand"
)

// GridConfig 定义了挂单梯子的形状
type GridConfig struct {
	SpacingType    string  `json:"spacing_type"`     // "percent" 或 "fixed"
	SpacingValue   float64 `json:"spacing_value"`    // percent: 0.5 表示 0.5%; fixed: 价格差
	RangePercent   float64 `json:"range_percent"`    // 梯子覆盖当前价格下方的范围 (百分比)
	AnchorMode     string  `json:"anchor_mode"`      // none / ten / hundred / thousand
	MaxTotalOrders int     `json:"max_total_orders"` // 挂单 + 等待止盈的订单总数上限
}

// TakeProfitConfig 定义了止盈单的计算方式，所有百分比字段均为百分数 (0.5 = 0.5%)
type TakeProfitConfig struct {
	BasePercent                 float64 `json:"base_percent"`
	MinPercent                  float64 `json:"min_percent"`
	MaxPercent                  float64 `json:"max_percent"`
	FeeBufferPercent            float64 `json:"fee_buffer_percent"`
	FundingAdjustPercent        float64 `json:"funding_adjust_percent"`
	AgeThresholdMin             int     `json:"age_threshold_min"`
	AdjustIntervalMin           int     `json:"adjust_interval_min"`
	PriceChangeThresholdPercent float64 `json:"price_change_threshold_percent"`
	NearPriceMarginPercent      float64 `json:"near_price_margin_percent"`
}

// IndicatorConfig 定义了MACD指标参数
type IndicatorConfig struct {
	FastPeriod   int    `json:"fast_period"`
	SlowPeriod   int    `json:"slow_period"`
	SignalPeriod int    `json:"signal_period"`
	Timeframe    string `json:"timeframe"`    // K线周期, e.g. "15m"
	CandleLimit  int    `json:"candle_limit"` // 每次拉取的K线数量
}

// EngineConfig 定义了主循环和持久化相关的配置
type EngineConfig struct {
	TickIntervalSec      int     `json:"tick_interval_sec"`
	TickTimeoutSec       int     `json:"tick_timeout_sec"`
	StatusIntervalSec    int     `json:"status_interval_sec"`
	DBPath               string  `json:"db_path"`       // BadgerDB 目录 (快照 + 交易日志)
	TradeDBPath          string  `json:"trade_db_path"` // SQLite 交易记录文件
	MissingGraceSec      int     `json:"missing_grace_sec"`
	MaxStatusQueries     int     `json:"max_status_queries"`
	QuantityTolerance    float64 `json:"quantity_tolerance"`
	ClosedRetentionHours int     `json:"closed_retention_hours"`
}

// ExchangeConfig 定义了REST网关的缓存、重试和限流参数
type ExchangeConfig struct {
	RetryAttempts        int            `json:"retry_attempts"`         // 写操作在网络错误时的重试次数
	RetryInitialDelayMs  int            `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	RetryMaxDelayMs      int            `json:"retry_max_delay_ms"`     // 重试延迟翻倍的上限
	RateLimitCooldownSec int            `json:"rate_limit_cooldown_sec"`
	RequestsPerSecond    float64        `json:"requests_per_second"`
	RequestTimeoutSec    int            `json:"request_timeout_sec"`
	RecvWindowMs         int            `json:"recv_window_ms"`
	CacheTTL             CacheTTLConfig `json:"cache_ttl"`
}

// CacheTTLConfig 每个读接口独立的缓存时间 (秒)
type CacheTTLConfig struct {
	PriceSec      int `json:"price_sec"`
	CandlesSec    int `json:"candles_sec"`
	BalanceSec    int `json:"balance_sec"`
	PositionsSec  int `json:"positions_sec"`
	OpenOrdersSec int `json:"open_orders_sec"`
	FundingSec    int `json:"funding_sec"`
}

// FeedConfig 定义了用户数据流WebSocket的参数
type FeedConfig struct {
	ListenKeyRenewMin        int `json:"listen_key_renew_min"`
	ReconnectMinSec          int `json:"reconnect_min_sec"`
	ReconnectMaxSec          int `json:"reconnect_max_sec"`
	StableWindowSec          int `json:"stable_window_sec"`
	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping消息发送间隔(秒)
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`  // WebSocket Pong消息超时时间(秒)
}

// FilterConfig 描述一个可插拔的交易过滤器
type FilterConfig struct {
	Name    string             `json:"name"`
	Enabled bool               `json:"enabled"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// APIConfig 控制接口配置
type APIConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Seconds converts an integer second count into a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Minutes converts an integer minute count into a duration.
func Minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// Candle 是一根K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Position 定义了持仓信息 (已解析为数值)
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionSide     string  `json:"position_side"`
	Amount           float64 `json:"amount"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price"`
	Leverage         int     `json:"leverage"`
	IsolatedMargin   float64 `json:"isolated_margin"`
}

// OpenOrder 定义了交易所返回的订单信息
type OpenOrder struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	PositionSide  string    `json:"position_side"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Price         float64   `json:"price"`
	AvgPrice      float64   `json:"avg_price"`
	OrigQty       float64   `json:"orig_qty"`
	ExecutedQty   float64   `json:"executed_qty"`
	ReduceOnly    bool      `json:"reduce_only"`
	Time          time.Time `json:"time"`
	UpdateTime    time.Time `json:"update_time"`
}

// Exchange order status values.
const (
	ExchangeStatusNew             = "NEW"
	ExchangeStatusPartiallyFilled = "PARTIALLY_FILLED"
	ExchangeStatusFilled          = "FILLED"
	ExchangeStatusCanceled        = "CANCELED"
	ExchangeStatusExpired         = "EXPIRED"
	ExchangeStatusRejected        = "REJECTED"
)

// OrderRequest 描述一个限价单请求
type OrderRequest struct {
	Side          Side    `json:"side"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	PositionSide  string  `json:"position_side"`
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// SymbolInfo holds the trading rules for the configured symbol.
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}
