package order

import (
	"errors"
	"time"

	"trade-session/internal/contract"
)

var (
	// ErrNotReady is returned when market data or the contract behind an intent is not available yet.
	ErrNotReady = errors.New("order: not ready")
	// ErrUnknownOrder is returned for operations on ids the manager never submitted.
	ErrUnknownOrder = errors.New("order: unknown order")
	// ErrInvalid rejects intents that cannot become an order.
	ErrInvalid = errors.New("order: invalid intent")
)

// Side of an order.
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

// Type is the broker order type.
type Type string

const (
	Market Type = "MKT"
	Limit  Type = "LMT"
	Stop   Type = "STP"
)

// State is the lifecycle state of an order id.
type State string

const (
	StateUnsubmitted State = "unsubmitted"
	StateWorking     State = "working"
	StateFilled      State = "filled"
	StateCancelled   State = "cancelled"
)

// Order is one order as submitted to the broker.
type Order struct {
	ID           int64     `json:"order_id"`
	PermID       int64     `json:"perm_id"`
	ParentID     int64     `json:"parent_id,omitempty"`
	ConID        int64     `json:"con_id"`
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Side         Side      `json:"side"`
	Type         Type      `json:"type"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price,omitempty"` // limit price, or trigger price for stops
	Transmit     bool      `json:"transmit"`
	State        State     `json:"state"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsFullyFilled checks if order is fully filled
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty >= o.Quantity
}

// RemainingQty returns unfilled quantity
func (o *Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// Terminal reports whether the order left the working state.
func (o *Order) Terminal() bool {
	return o.State == StateFilled || o.State == StateCancelled
}

// Intent is what a strategy asks for. A zero Price means no target, i.e. a market order.
// OrderID names an existing order to modify; it is ignored when that id is not working.
type Intent struct {
	OrderID  int64
	Contract contract.Details
	Side     Side
	Quantity float64
	Price    float64
}
