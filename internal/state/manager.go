// Package state keeps the broker's view of positions and open orders. Listings are buffered
// line by line and swapped in when the end marker arrives, so readers never see half a listing.
package state

import (
	"sort"
	"sync"
	"time"

	"trade-session/internal/events"
)

// Position is one broker position line.
type Position struct {
	Account string  `json:"account"`
	ConID   int64   `json:"con_id"`
	Symbol  string  `json:"symbol"`
	Qty     float64 `json:"qty"`
	AvgCost float64 `json:"avg_cost"`
}

// OpenOrder is one broker open-order line.
type OpenOrder struct {
	OrderID  int64   `json:"order_id"`
	PermID   int64   `json:"perm_id"`
	ParentID int64   `json:"parent_id,omitempty"`
	ConID    int64   `json:"con_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	LmtPrice float64 `json:"lmt_price,omitempty"`
	AuxPrice float64 `json:"aux_price,omitempty"`
	Status   string  `json:"status"`
}

// Portfolio is the serializable position and open-order listing.
type Portfolio struct {
	Positions  []Position  `json:"positions"`
	OpenOrders []OpenOrder `json:"open_orders"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Manager keeps an in-memory view of positions and open orders.
type Manager struct {
	mu         sync.RWMutex
	positions  map[int64]Position
	openOrders map[int64]OpenOrder
	updatedAt  time.Time

	// listings in progress, owned by the broker worker
	posBuf   map[int64]Position
	orderBuf map[int64]OpenOrder

	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		positions:  make(map[int64]Position),
		openOrders: make(map[int64]OpenOrder),
		now:        time.Now,
	}
}

// AddPosition buffers a position line.
func (m *Manager) AddPosition(ev events.PositionReceived) {
	if m.posBuf == nil {
		m.posBuf = make(map[int64]Position)
	}
	p := m.posBuf[ev.ConID]
	p.Account = ev.Account
	p.ConID = ev.ConID
	p.Symbol = ev.Symbol
	p.Qty += ev.Position // several accounts may hold the same contract
	p.AvgCost = ev.AvgCost
	m.posBuf[ev.ConID] = p
}

// EndPositions swaps the buffered listing in. Flat lines are dropped.
func (m *Manager) EndPositions() {
	next := make(map[int64]Position, len(m.posBuf))
	for id, p := range m.posBuf {
		if p.Qty != 0 {
			next[id] = p
		}
	}
	m.posBuf = nil

	m.mu.Lock()
	m.positions = next
	m.updatedAt = m.now()
	m.mu.Unlock()
}

// AddOpenOrder buffers an open-order line.
func (m *Manager) AddOpenOrder(ev events.OpenOrderReceived) {
	if m.orderBuf == nil {
		m.orderBuf = make(map[int64]OpenOrder)
	}
	m.orderBuf[ev.OrderID] = OpenOrder{
		OrderID:  ev.OrderID,
		PermID:   ev.PermID,
		ParentID: ev.ParentID,
		ConID:    ev.ConID,
		Symbol:   ev.Symbol,
		Side:     ev.Side,
		Type:     ev.Type,
		Quantity: ev.Quantity,
		LmtPrice: ev.LmtPrice,
		AuxPrice: ev.AuxPrice,
		Status:   ev.Status,
	}
}

// EndOpenOrders swaps the buffered listing in.
func (m *Manager) EndOpenOrders() {
	next := m.orderBuf
	if next == nil {
		next = make(map[int64]OpenOrder)
	}
	m.orderBuf = nil

	m.mu.Lock()
	m.openOrders = next
	m.updatedAt = m.now()
	m.mu.Unlock()
}

// Position returns the broker position on a contract, zero when flat.
func (m *Manager) Position(conID int64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[conID].Qty
}

// HasExposure reports a non-zero position or any open order on the contract.
func (m *Manager) HasExposure(conID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positions[conID].Qty != 0 {
		return true
	}
	for _, o := range m.openOrders {
		if o.ConID == conID {
			return true
		}
	}
	return false
}

// Positions returns a snapshot of all positions keyed by contract id.
func (m *Manager) Positions() map[int64]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[int64]float64, len(m.positions))
	for id, p := range m.positions {
		res[id] = p.Qty
	}
	return res
}

// Portfolio returns the serializable listing, positions by symbol and orders by id.
func (m *Manager) Portfolio() Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pf := Portfolio{
		Positions:  make([]Position, 0, len(m.positions)),
		OpenOrders: make([]OpenOrder, 0, len(m.openOrders)),
		UpdatedAt:  m.updatedAt,
	}
	for _, p := range m.positions {
		pf.Positions = append(pf.Positions, p)
	}
	for _, o := range m.openOrders {
		pf.OpenOrders = append(pf.OpenOrders, o)
	}
	sort.Slice(pf.Positions, func(i, j int) bool { return pf.Positions[i].Symbol < pf.Positions[j].Symbol })
	sort.Slice(pf.OpenOrders, func(i, j int) bool { return pf.OpenOrders[i].OrderID < pf.OpenOrders[j].OrderID })
	return pf
}
