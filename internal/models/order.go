package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for long entries and -1 for short entries.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// OrderStatus is the lifecycle of one ladder entry.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusTPHit     OrderStatus = "TP_HIT"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Rank orders statuses so that transitions can only move forward.
// CANCELLED and TP_HIT are both terminal.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFilled:
		return 1
	case StatusTPHit, StatusCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether s -> next is a legal forward transition.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusFilled || next == StatusCancelled
	case StatusFilled:
		return next == StatusTPHit
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusTPHit || s == StatusCancelled
}

// TrackedOrder 是梯子中的一个订单，以及它的止盈单
type TrackedOrder struct {
	OrderID         int64       `json:"order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Side            Side        `json:"side"`
	EntryPrice      float64     `json:"entry_price"`
	TakeProfitPrice float64     `json:"take_profit_price"`
	Quantity        float64     `json:"quantity"`
	Status          OrderStatus `json:"status"`
	GridLevel       int         `json:"grid_level"`

	CreatedAt time.Time `json:"created_at"`
	FilledAt  time.Time `json:"filled_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	FillPrice       float64 `json:"fill_price,omitempty"`
	EntryFee        float64 `json:"entry_fee,omitempty"`
	ExitFee         float64 `json:"exit_fee,omitempty"`
	TPOrderID       int64   `json:"tp_order_id,omitempty"`
	TPClientOrderID string  `json:"tp_client_order_id,omitempty"`
	TradeID         int64   `json:"trade_id,omitempty"`
	Adopted         bool    `json:"adopted,omitempty"`
}

// EffectiveEntryPrice prefers the executed price over the limit price.
func (o *TrackedOrder) EffectiveEntryPrice() float64 {
	if o.FillPrice > 0 {
		return o.FillPrice
	}
	return o.EntryPrice
}

// AwaitingTakeProfit reports a filled entry whose position is still open.
func (o *TrackedOrder) AwaitingTakeProfit() bool {
	return o.Status == StatusFilled
}

// FillSource identifies which path observed a fill.
type FillSource string

const (
	SourcePush    FillSource = "push"
	SourcePoll    FillSource = "poll"
	SourceQuery   FillSource = "query"
	SourceRestore FillSource = "restore"
)

// TradeRecord 记录一笔完成的交易（入场 + 止盈），创建后不可变
type TradeRecord struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"order_id"`
	TPOrderID   int64      `json:"tp_order_id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   float64    `json:"exit_price"`
	Quantity    float64    `json:"quantity"`
	Fees        float64    `json:"fees"`
	RealizedPnL float64    `json:"realized_pnl"`
	EntryTime   time.Time  `json:"entry_time"`
	ExitTime    time.Time  `json:"exit_time"`
	GridLevel   int        `json:"grid_level"`
	Source      FillSource `json:"source"`
}

// HoldDuration is how long the position stayed open.
func (t TradeRecord) HoldDuration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}
