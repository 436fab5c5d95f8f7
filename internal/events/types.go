package events

import "time"

// Event is the closed set of broker-originated messages delivered to the session's intake point.
// Every variant is produced by the transport read loop and consumed on that same goroutine.
type Event interface {
	isEvent()
}

// ContractResolved carries the broker-confirmed details for a contract request.
type ContractResolved struct {
	ReqID       int64
	ConID       int64
	Symbol      string
	LocalSymbol string
	Exchange    string
	MinTick     float64
	Multiplier  float64
}

// BarReceived is one historical bar, either from the initial batch or a keep-updated refresh.
type BarReceived struct {
	ReqID       int64
	Time        time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	BarCount    int64 // -1 marks a bar the broker itself flags as invalid
	Incremental bool
}

// BarBatchEnd marks the end of the initial historical batch.
type BarBatchEnd struct {
	ReqID int64
}

// TickReceived is a last-price tick.
type TickReceived struct {
	ReqID int64
	Price float64
}

// PositionReceived is one position line.
type PositionReceived struct {
	Account  string
	ConID    int64
	Symbol   string
	Position float64
	AvgCost  float64
}

// PositionEnd closes a position listing.
type PositionEnd struct{}

// OpenOrderReceived is one open-order line.
type OpenOrderReceived struct {
	OrderID  int64
	PermID   int64
	ParentID int64
	ConID    int64
	Symbol   string
	Side     string
	Type     string
	Quantity float64
	LmtPrice float64
	AuxPrice float64
	Status   string
}

// OpenOrderEnd closes an open-order listing.
type OpenOrderEnd struct{}

// ExecutionReceived is one execution detail line.
type ExecutionReceived struct {
	ReqID      int64
	ExecID     string
	OrderID    int64
	PermID     int64
	ConID      int64
	Symbol     string
	Multiplier float64
	Side       string // BOT / SLD as reported
	CumQty     float64
	AvgPrice   float64
	Time       time.Time
}

// CommissionReceived is a commission report; RealizedPnL may hold the feed's unavailable sentinel.
type CommissionReceived struct {
	ExecID      string
	Commission  float64
	RealizedPnL float64
}

// ExecutionEnd closes an execution listing.
type ExecutionEnd struct {
	ReqID int64
}

// OrderStatusChanged is an order-status transition.
type OrderStatusChanged struct {
	OrderID      int64
	Status       string
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
	PermID       int64
	ParentID     int64
}

// CompletedOrderReceived reports an order that has reached a terminal state.
type CompletedOrderReceived struct {
	PermID   int64
	ConID    int64
	Symbol   string
	Side     string
	Quantity float64
}

// NextValidID announces the next usable order id.
type NextValidID struct {
	OrderID int64
}

// ErrorReceived is a broker protocol error or informational code.
type ErrorReceived struct {
	ReqID   int64
	Code    int
	Message string
}

func (ContractResolved) isEvent()       {}
func (BarReceived) isEvent()            {}
func (BarBatchEnd) isEvent()            {}
func (TickReceived) isEvent()           {}
func (PositionReceived) isEvent()       {}
func (PositionEnd) isEvent()            {}
func (OpenOrderReceived) isEvent()      {}
func (OpenOrderEnd) isEvent()           {}
func (ExecutionReceived) isEvent()      {}
func (CommissionReceived) isEvent()     {}
func (ExecutionEnd) isEvent()           {}
func (OrderStatusChanged) isEvent()     {}
func (CompletedOrderReceived) isEvent() {}
func (NextValidID) isEvent()            {}
func (ErrorReceived) isEvent()          {}

// Sink receives broker events. The transport calls it from its single read-loop goroutine.
type Sink interface {
	Handle(Event)
}
