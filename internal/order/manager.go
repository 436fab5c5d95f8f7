// Package order builds, submits, modifies and tracks broker orders, including brackets.
package order

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/pkg/config"
)

// Requester is the outbound side of the manager.
type Requester interface {
	PlaceOrder(o Order) error
	CancelOrder(orderID int64) error
	RequestIDs() error
	RequestPositions() error
	RequestOpenOrders() error
	RequestExecutions() error
	RequestCompletedOrders() error
}

// Quotes answers price questions for order construction.
type Quotes interface {
	LastPrice(conID int64) (float64, error)
	Volatility(conID int64) (float64, error)
}

// Exposure answers whether an instrument already carries a position or open order.
type Exposure interface {
	HasExposure(conID int64) bool
	Position(conID int64) float64
}

type pendingFill struct {
	orderID  int64
	avgPrice float64
	quantity float64
}

// Manager owns the local submitted-order cache. It is safe for concurrent use: strategies
// place orders from their own goroutines while status events arrive on the broker worker.
type Manager struct {
	cfg      config.OrderConfig
	ids      *IDSequence
	req      Requester
	quotes   Quotes
	exposure Exposure
	pub      Publisher
	now      func() time.Time

	mu        sync.Mutex
	submitted map[int64]*Order
	pending   map[int64]pendingFill // perm id

	// finished dedups repeated terminal statuses; bounded, oldest ids evicted first
	finished      map[int64]State
	finishedOrder []int64
	finishedCap   int
}

const defaultFinishedCap = 4096

// NewManager creates a manager.
func NewManager(cfg config.OrderConfig, req Requester, quotes Quotes, exposure Exposure, pub Publisher) *Manager {
	return &Manager{
		cfg:         cfg,
		ids:         NewIDSequence(cfg.IDPollInterval, req.RequestIDs),
		req:         req,
		quotes:      quotes,
		exposure:    exposure,
		pub:         pub,
		now:         time.Now,
		submitted:   make(map[int64]*Order),
		finished:    make(map[int64]State),
		finishedCap: defaultFinishedCap,
		pending:     make(map[int64]pendingFill),
	}
}

// IDs exposes the id sequence so the session can feed it broker announcements.
func (m *Manager) IDs() *IDSequence {
	return m.ids
}

// Place turns an intent into broker orders. A working order named by Intent.OrderID is
// modified in place and a failed modification is returned, never retried as a new order.
// Anything else becomes a new order, with a bracket when the instrument has no exposure yet.
// It returns the orders sent, parent first.
func (m *Manager) Place(ctx context.Context, in Intent) ([]Order, error) {
	if in.Quantity <= 0 || (in.Side != Buy && in.Side != Sell) || in.Price < 0 {
		return nil, fmt.Errorf("%w: %s %g @ %g", ErrInvalid, in.Side, in.Quantity, in.Price)
	}
	if in.Contract.ConID == 0 {
		return nil, fmt.Errorf("%s: %w", in.Contract.Symbol, ErrNotReady)
	}

	if in.OrderID != 0 {
		o, ok, err := m.modify(in)
		if err != nil {
			return nil, err
		}
		if ok {
			return []Order{o}, nil
		}
	}

	plan, err := m.plan(in)
	if err != nil {
		return nil, err
	}

	base, err := m.ids.Reserve(ctx, len(plan))
	if err != nil {
		return nil, fmt.Errorf("reserve order id: %w", err)
	}
	for i := range plan {
		plan[i].ID = base + int64(i)
		if i > 0 {
			plan[i].ParentID = base
		}
		plan[i].Transmit = i == len(plan)-1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make([]Order, 0, len(plan))
	for _, o := range plan {
		o.State = StateWorking
		o.CreatedAt = m.now()
		if err := m.req.PlaceOrder(o); err != nil {
			return sent, fmt.Errorf("place order %d: %w", o.ID, err)
		}
		cp := o
		m.submitted[o.ID] = &cp
		sent = append(sent, o)
		log.Printf("order: placed %d %s %s %g %s @ %g parent=%d transmit=%v",
			o.ID, o.Symbol, o.Side, o.Quantity, o.Type, o.Price, o.ParentID, o.Transmit)
	}
	return sent, nil
}

// modify resends a working order with the intent's quantity and price. The cached order only
// changes once the broker accepted the send. ok is false when the id is not a working order.
func (m *Manager) modify(in Intent) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.submitted[in.OrderID]
	if !ok || cur.State != StateWorking {
		return Order{}, false, nil
	}
	next := *cur
	next.Quantity = in.Quantity
	if next.Type != Market && in.Price > 0 {
		next.Price = RoundToTick(in.Price, in.Contract.MinTick)
	}
	next.Transmit = true
	if err := m.req.PlaceOrder(next); err != nil {
		return Order{}, true, fmt.Errorf("modify order %d: %w", next.ID, err)
	}
	*cur = next
	log.Printf("order: modified %d %s %g @ %g", next.ID, next.Symbol, next.Quantity, next.Price)
	return next, true, nil
}

// hasWorking reports whether this manager holds a working order on the contract.
func (m *Manager) hasWorking(conID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.submitted {
		if o.ConID == conID && o.State == StateWorking {
			return true
		}
	}
	return false
}

// plan builds the orders for a new intent, without ids.
func (m *Manager) plan(in Intent) ([]Order, error) {
	d := in.Contract
	entry := Order{
		ConID:    d.ConID,
		Symbol:   d.Symbol,
		Exchange: d.Exchange,
		Side:     in.Side,
		Quantity: in.Quantity,
		Type:     Market,
	}
	if in.Price == 0 {
		return []Order{entry}, nil
	}

	last, err := m.quotes.LastPrice(d.ConID)
	if err != nil {
		return nil, fmt.Errorf("%s last price: %w", d.Symbol, ErrNotReady)
	}
	entry.Type = EntryType(in.Side, in.Price, last)
	entry.Price = RoundToTick(in.Price, d.MinTick)

	if m.hasWorking(d.ConID) || (m.exposure != nil && m.exposure.HasExposure(d.ConID)) {
		return []Order{entry}, nil
	}

	vol, err := m.quotes.Volatility(d.ConID)
	if err != nil {
		return nil, fmt.Errorf("%s volatility: %w", d.Symbol, ErrNotReady)
	}
	b := BracketPrices(in.Side, entry.Price, vol*m.cfg.TakeProfitMultiplier, vol*m.cfg.StopLossMultiplier, d.MinTick)

	tp := entry
	tp.Side = in.Side.Opposite()
	tp.Type = Limit
	tp.Price = b.TakeProfit

	sl := entry
	sl.Side = in.Side.Opposite()
	sl.Type = Stop
	sl.Price = b.StopLoss

	return []Order{entry, tp, sl}, nil
}

// EntryType picks the entry order type. A target on the marketable side of the current price
// (buying above, selling below) becomes a stop so it does not walk the book; otherwise it rests
// as a limit.
func EntryType(side Side, target, last float64) Type {
	if side == Buy && target > last {
		return Stop
	}
	if side == Sell && target < last {
		return Stop
	}
	return Limit
}

// Cancel passes the cancellation straight to the broker.
func (m *Manager) Cancel(orderID int64) error {
	if err := m.req.CancelOrder(orderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// ClosePosition sends a market order opposite the broker position on d. It returns no
// orders when the position is flat.
func (m *Manager) ClosePosition(ctx context.Context, d contract.Details) ([]Order, error) {
	if m.exposure == nil {
		return nil, ErrNotReady
	}
	pos := m.exposure.Position(d.ConID)
	if pos == 0 {
		return nil, nil
	}
	side := Sell
	if pos < 0 {
		side = Buy
	}
	return m.Place(ctx, Intent{Contract: d, Side: side, Quantity: math.Abs(pos)})
}

// OnStatus applies an order-status transition and runs the refresh cascade: terminal states
// re-fetch open orders, fills also re-fetch positions and executions, and a complete fill asks
// for completed orders so the fill can be confirmed.
func (m *Manager) OnStatus(ev events.OrderStatusChanged) {
	status := strings.ToLower(ev.Status)
	var state State
	switch status {
	case "filled":
		state = StateFilled
	case "cancelled", "apicancelled", "inactive":
		state = StateCancelled
	default:
		state = StateWorking
	}

	m.mu.Lock()
	if prev, done := m.finished[ev.OrderID]; done && prev == state {
		m.mu.Unlock()
		return
	}
	o, known := m.submitted[ev.OrderID]
	if known {
		o.FilledQty = ev.Filled
		o.AvgFillPrice = ev.AvgFillPrice
		if ev.PermID != 0 {
			o.PermID = ev.PermID
		}
		o.State = state
		if o.Terminal() {
			delete(m.submitted, ev.OrderID)
		}
	}
	if state != StateWorking {
		m.finish(ev.OrderID, state)
	}
	if state == StateFilled && ev.Remaining == 0 && ev.PermID != 0 {
		m.pending[ev.PermID] = pendingFill{orderID: ev.OrderID, avgPrice: ev.AvgFillPrice, quantity: ev.Filled}
	}
	m.mu.Unlock()

	if state == StateWorking {
		return
	}
	log.Printf("order: %d %s filled=%g remaining=%g", ev.OrderID, ev.Status, ev.Filled, ev.Remaining)

	m.refresh("open orders", m.req.RequestOpenOrders)
	if state != StateFilled {
		return
	}
	m.refresh("positions", m.req.RequestPositions)
	m.refresh("executions", m.req.RequestExecutions)
	if ev.Remaining == 0 {
		m.refresh("completed orders", m.req.RequestCompletedOrders)
	}
}

func (m *Manager) refresh(what string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("order: refresh %s: %v", what, err)
	}
}

// OnOpenOrder adopts the broker's view of an order. Working orders the broker lists but this
// manager did not submit, e.g. from before a restart, enter the cache so they can be modified;
// a terminal status drops the order.
func (m *Manager) OnOpenOrder(ev events.OpenOrderReceived) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if terminalStatus(ev.Status) {
		delete(m.submitted, ev.OrderID)
		return
	}
	if o, ok := m.submitted[ev.OrderID]; ok {
		if ev.PermID != 0 {
			o.PermID = ev.PermID
		}
		return
	}
	if _, done := m.finished[ev.OrderID]; done || ev.OrderID == 0 {
		return
	}

	o := &Order{
		ID:        ev.OrderID,
		PermID:    ev.PermID,
		ParentID:  ev.ParentID,
		ConID:     ev.ConID,
		Symbol:    ev.Symbol,
		Side:      Side(strings.ToUpper(ev.Side)),
		Type:      Type(strings.ToUpper(ev.Type)),
		Quantity:  ev.Quantity,
		Transmit:  true,
		State:     StateWorking,
		CreatedAt: m.now(),
	}
	switch o.Type {
	case Limit:
		o.Price = ev.LmtPrice
	case Stop:
		o.Price = ev.AuxPrice
	}
	m.submitted[o.ID] = o
	log.Printf("order: adopted broker order %d %s %s %g %s @ %g", o.ID, o.Symbol, o.Side, o.Quantity, o.Type, o.Price)
}

func terminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "cancelled", "apicancelled", "inactive":
		return true
	}
	return false
}

// finish records a terminal state for dedup. Caller holds m.mu.
func (m *Manager) finish(id int64, state State) {
	if _, seen := m.finished[id]; !seen {
		m.finishedOrder = append(m.finishedOrder, id)
	}
	m.finished[id] = state
	for len(m.finishedOrder) > m.finishedCap {
		delete(m.finished, m.finishedOrder[0])
		m.finishedOrder = m.finishedOrder[1:]
	}
}

// OnCompletedOrder publishes the fill notice for a completely filled order once the broker
// lists it as completed.
func (m *Manager) OnCompletedOrder(ev events.CompletedOrderReceived) {
	m.mu.Lock()
	p, ok := m.pending[ev.PermID]
	if ok {
		delete(m.pending, ev.PermID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	qty := ev.Quantity
	if qty == 0 {
		qty = p.quantity
	}
	emitFill(m.pub, FillNotice{
		OrderID:  p.orderID,
		PermID:   ev.PermID,
		ConID:    ev.ConID,
		Symbol:   ev.Symbol,
		Side:     Side(strings.ToUpper(ev.Side)),
		Quantity: qty,
		AvgPrice: p.avgPrice,
		Time:     m.now(),
	})
}

// Working returns the working orders, by id.
func (m *Manager) Working() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.submitted))
	for _, o := range m.submitted {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a submitted order.
func (m *Manager) Get(orderID int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.submitted[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %d: %w", orderID, ErrUnknownOrder)
	}
	return *o, nil
}
