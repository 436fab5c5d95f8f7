package reconciliation

import (
	"log"
	"math"
	"sort"
	"time"

	"trade-session/internal/events"
)

// TradeTable is the reconciled trade history of one instrument.
type TradeTable struct {
	ConID    int64   `json:"con_id"`
	Symbol   string  `json:"symbol"`
	Active   bool    `json:"active"`
	Position float64 `json:"position"`
	Rows     []Row   `json:"rows"`
}

// Summary returns the last row, which carries the analytics of the whole sequence.
func (t TradeTable) Summary() (Row, bool) {
	if len(t.Rows) == 0 {
		return Row{}, false
	}
	return t.Rows[len(t.Rows)-1], true
}

type commission struct {
	amount float64
	pnl    float64
	known  bool
	at     time.Time
}

// Collector accumulates execution details and commission reports. Fills are kept across
// execution requests, so a commission arriving after the end marker still finds its fill.
type Collector struct {
	fills       map[string]*RawFill
	order       []string
	commissions map[string]commission
	now         func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		fills:       make(map[string]*RawFill),
		commissions: make(map[string]commission),
		now:         time.Now,
	}
}

// AddExecution records one execution detail. A repeated exec id replaces the earlier report.
func (c *Collector) AddExecution(ev events.ExecutionReceived) {
	f := &RawFill{
		ExecID:     ev.ExecID,
		OrderID:    ev.PermID,
		ConID:      ev.ConID,
		Symbol:     ev.Symbol,
		Multiplier: ev.Multiplier,
		Side:       ParseSide(ev.Side),
		CumQty:     ev.CumQty,
		AvgPrice:   ev.AvgPrice,
		Time:       ev.Time,
	}
	if f.OrderID == 0 {
		f.OrderID = ev.OrderID
	}
	if cm, ok := c.commissions[ev.ExecID]; ok {
		f.Commission, f.RealizedPnL, f.PnLKnown = cm.amount, cm.pnl, cm.known
	}
	if _, ok := c.fills[ev.ExecID]; !ok {
		c.order = append(c.order, ev.ExecID)
	}
	c.fills[ev.ExecID] = f
}

// AddCommission attaches a commission report to its execution. It reports false when the
// execution was never reported, which means a fill happened that no request has fetched yet.
func (c *Collector) AddCommission(ev events.CommissionReceived) bool {
	cm := commission{amount: ev.Commission, at: c.now()}
	if PnLAvailable(ev.RealizedPnL) {
		cm.pnl, cm.known = ev.RealizedPnL, true
	}
	c.commissions[ev.ExecID] = cm

	f, ok := c.fills[ev.ExecID]
	if !ok {
		return false
	}
	f.Commission, f.RealizedPnL, f.PnLKnown = cm.amount, cm.pnl, cm.known
	return true
}

// PnLAvailable reports whether a realized PnL value is real rather than the feed's
// "unavailable" sentinel (the largest float).
func PnLAvailable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v < math.MaxFloat64/2
}

// Len returns the number of executions collected.
func (c *Collector) Len() int {
	return len(c.order)
}

// Flush reconciles everything collected into one table per instrument, ordered by symbol.
func (c *Collector) Flush() []TradeTable {
	fills := make([]RawFill, 0, len(c.order))
	for _, id := range c.order {
		fills = append(fills, *c.fills[id])
	}
	return Tables(fills)
}

// Prune drops fills older than cutoff, and commissions that never met their execution and
// arrived before cutoff.
func (c *Collector) Prune(cutoff time.Time) {
	kept := c.order[:0]
	for _, id := range c.order {
		if c.fills[id].Time.Before(cutoff) {
			delete(c.fills, id)
			delete(c.commissions, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept

	for id, cm := range c.commissions {
		if _, ok := c.fills[id]; !ok && cm.at.Before(cutoff) {
			delete(c.commissions, id)
		}
	}
}

// Tables groups fills, reconciles each instrument from a fresh tracker and builds its ledger.
func Tables(fills []RawFill) []TradeTable {
	byCon := make(map[int64][]LogicalTrade)
	for _, t := range Group(fills) {
		byCon[t.ConID] = append(byCon[t.ConID], t)
	}

	out := make([]TradeTable, 0, len(byCon))
	for conID, trades := range byCon {
		var tracker PositionTracker
		var ledger Ledger
		for _, t := range Reconcile(trades, &tracker) {
			ledger.Add(t)
		}
		out = append(out, TradeTable{
			ConID:    conID,
			Symbol:   trades[0].Symbol,
			Active:   tracker.Active(),
			Position: tracker.Position(),
			Rows:     ledger.Rows(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ConID < out[j].ConID
	})
	log.Printf("reconciliation: %d fills -> %d instruments", len(fills), len(out))
	return out
}
