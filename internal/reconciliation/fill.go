// Package reconciliation turns broker fill reports into logical trades, tracks the resulting
// position per instrument and derives running trade analytics.
package reconciliation

import (
	"sort"
	"strings"
	"time"
)

// Side of a fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts both the execution spelling (BOT/SLD) and the order spelling (BUY/SELL).
func ParseSide(s string) Side {
	switch strings.ToUpper(s) {
	case "BOT", "BUY":
		return Buy
	default:
		return Sell
	}
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// Kind distinguishes reported trades from the two halves of a reversal split.
type Kind string

const (
	KindRegular Kind = "regular"
	KindClosing Kind = "closing"
	KindOpening Kind = "opening"
)

// RawFill is one execution report. CumQty is the running total of its order, not a delta.
type RawFill struct {
	ExecID      string
	OrderID     int64
	ConID       int64
	Symbol      string
	Multiplier  float64
	Side        Side
	CumQty      float64
	AvgPrice    float64
	Time        time.Time
	Commission  float64
	RealizedPnL float64
	PnLKnown    bool
}

// LogicalTrade is the aggregate of the fills sharing (order id, side, instrument).
type LogicalTrade struct {
	OrderID     int64     `json:"order_id"`
	ConID       int64     `json:"con_id"`
	Symbol      string    `json:"symbol"`
	Multiplier  float64   `json:"multiplier"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	AvgPrice    float64   `json:"avg_price"`
	Time        time.Time `json:"time"`
	Commission  float64   `json:"commission"`
	RealizedPnL float64   `json:"realized_pnl"`
	PnLKnown    bool      `json:"pnl_known"`
	Kind        Kind      `json:"kind"`
	Fills       int       `json:"fills"`
}

type groupKey struct {
	orderID int64
	side    Side
	conID   int64
}

// Group aggregates fills into logical trades, ordered by completion time.
//
// Completion time is the latest member time, quantity the largest cumulative quantity, and the
// average price comes from that largest member. Realized PnL sums the members that reported one.
func Group(fills []RawFill) []LogicalTrade {
	groups := make(map[groupKey]*LogicalTrade)
	top := make(map[groupKey]RawFill)
	var keys []groupKey

	for _, f := range fills {
		k := groupKey{orderID: f.OrderID, side: f.Side, conID: f.ConID}
		t, ok := groups[k]
		if !ok {
			t = &LogicalTrade{
				OrderID:    f.OrderID,
				ConID:      f.ConID,
				Symbol:     f.Symbol,
				Multiplier: f.Multiplier,
				Side:       f.Side,
				Kind:       KindRegular,
			}
			groups[k] = t
			keys = append(keys, k)
		}

		t.Fills++
		t.Commission += f.Commission
		if f.Time.After(t.Time) {
			t.Time = f.Time
		}
		if f.PnLKnown {
			t.RealizedPnL += f.RealizedPnL
			t.PnLKnown = true
		}

		best, seen := top[k]
		if !seen || f.CumQty > best.CumQty || (f.CumQty == best.CumQty && f.Time.After(best.Time)) {
			top[k] = f
		}
	}

	out := make([]LogicalTrade, 0, len(keys))
	for _, k := range keys {
		t := groups[k]
		best := top[k]
		t.Quantity = best.CumQty
		t.AvgPrice = best.AvgPrice
		if t.Multiplier == 0 {
			t.Multiplier = 1
		}
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
