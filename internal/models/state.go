package models

import "time"

// StrategyState is the indicator-driven cycle state.
type StrategyState string

const (
	StateWait     StrategyState = "WAIT"
	StateActivate StrategyState = "ACTIVATE"
	StateActive   StrategyState = "ACTIVE"
	StatePause    StrategyState = "PAUSE"
	StateInactive StrategyState = "INACTIVE"
)

// AllowsNewOrders reports whether the ladder may grow in this state.
func (s StrategyState) AllowsNewOrders() bool {
	return s == StateActivate || s == StateActive
}

// CancelsPending reports whether resting entry orders must be pulled.
func (s StrategyState) CancelsPending() bool {
	return s == StateInactive
}

// ConnectionState of the realtime feed.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
)

// GridStatus is a read-only view recomputed every tick.
type GridStatus struct {
	Symbol           string          `json:"symbol"`
	State            StrategyState   `json:"state"`
	CurrentPrice     float64         `json:"current_price"`
	Balance          float64         `json:"balance"`
	PendingCount     int             `json:"pending_count"`
	FilledCount      int             `json:"filled_count"`
	AvailableSlots   int             `json:"available_slots"`
	MaxTotalOrders   int             `json:"max_total_orders"`
	RealizedPnL      float64         `json:"realized_pnl"`
	TradeCount       int             `json:"trade_count"`
	MACD             float64         `json:"macd"`
	Signal           float64         `json:"signal"`
	Histogram        float64         `json:"histogram"`
	ManualActivation bool            `json:"manual_activation"`
	Paused           bool            `json:"paused"`
	TradeAllowed     bool            `json:"trade_allowed"`
	MarginError      bool            `json:"margin_error"`
	RateLimited      bool            `json:"rate_limited"`
	FeedState        ConnectionState `json:"feed_state"`
	Running          bool            `json:"running"`
	HaltReason       string          `json:"halt_reason,omitempty"`
	LastTick         time.Time       `json:"last_tick"`
}

// BotState 定义了需要持久化的快照。它只是一个缓存，重启后必须先与交易所对账
type BotState struct {
	BotID          string         `json:"bot_id"`
	Symbol         string         `json:"symbol"`
	Version        int            `json:"version"`
	Status         GridStatus     `json:"status"`
	Orders         []TrackedOrder `json:"orders"`
	LastUpdateTime time.Time      `json:"last_update_time"`
}

// BotStateVersion is bumped whenever the snapshot layout changes.
const BotStateVersion = 3
