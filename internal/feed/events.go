package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"macd-grid-bot-go/internal/models"
)

// Event is one normalized message from the user data stream.
type Event interface {
	eventKind() string
}

// OrderFilled is emitted when an order reaches FILLED.
type OrderFilled struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          models.Side
	ReduceOnly    bool
	Quantity      float64
	Price         float64
	Fee           float64
	Time          time.Time
}

// PositionClosed is emitted when an account update reports a zero position.
type PositionClosed struct {
	Symbol       string
	PositionSide string
	Time         time.Time
}

// ConnectionStateChanged is emitted on every feed state transition.
type ConnectionStateChanged struct {
	State models.ConnectionState
}

func (OrderFilled) eventKind() string            { return "order_filled" }
func (PositionClosed) eventKind() string         { return "position_closed" }
func (ConnectionStateChanged) eventKind() string { return "connection_state" }

var errListenKeyExpired = errors.New("listen key expired")

// 用户数据流的原始消息结构

type streamHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type orderUpdateEvent struct {
	EventType       string          `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           orderUpdateInfo `json:"o"`
}

type orderUpdateInfo struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrigQty         string `json:"q"`
	Price           string `json:"p"`
	AvgPrice        string `json:"ap"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastFilledQty   string `json:"l"`
	CumQty          string `json:"z"`
	LastFilledPrice string `json:"L"`
	CommissionAmt   string `json:"n"`
	TradeTime       int64  `json:"T"`
	IsReduceOnly    bool   `json:"R"`
	PositionSide    string `json:"ps"`
}

type accountUpdateEvent struct {
	EventType       string            `json:"e"` // "ACCOUNT_UPDATE"
	EventTime       int64             `json:"E"`
	TransactionTime int64             `json:"T"`
	UpdateData      accountUpdateData `json:"a"`
}

type accountUpdateData struct {
	Reason    string           `json:"m"`
	Positions []positionUpdate `json:"P"`
}

type positionUpdate struct {
	Symbol         string `json:"s"`
	PositionAmount string `json:"pa"`
	EntryPrice     string `json:"ep"`
	PositionSide   string `json:"ps"`
}

// parseMessage turns one raw stream message into events for symbol. Messages that do
// not concern the engine produce no events.
func parseMessage(raw []byte, symbol string) ([]Event, error) {
	var header streamHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode stream header: %w", err)
	}

	switch header.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev orderUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode order update: %w", err)
		}
		o := ev.Order
		if o.Status != models.ExchangeStatusFilled || o.Symbol != symbol {
			return nil, nil
		}
		price := parseFloat(o.AvgPrice)
		if price <= 0 {
			price = parseFloat(o.LastFilledPrice)
		}
		qty := parseFloat(o.CumQty)
		if qty <= 0 {
			qty = parseFloat(o.OrigQty)
		}
		ts := o.TradeTime
		if ts == 0 {
			ts = ev.TransactionTime
		}
		return []Event{OrderFilled{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          models.Side(o.Side),
			ReduceOnly:    o.IsReduceOnly,
			Quantity:      qty,
			Price:         price,
			Fee:           parseFloat(o.CommissionAmt),
			Time:          time.UnixMilli(ts),
		}}, nil

	case "ACCOUNT_UPDATE":
		var ev accountUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode account update: %w", err)
		}
		var events []Event
		for _, p := range ev.UpdateData.Positions {
			if p.Symbol != symbol || parseFloat(p.PositionAmount) != 0 {
				continue
			}
			events = append(events, PositionClosed{Symbol: p.Symbol, PositionSide: p.PositionSide, Time: time.UnixMilli(ev.EventTime)})
		}
		return events, nil

	case "listenKeyExpired":
		return nil, errListenKeyExpired
	}
	return nil, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
