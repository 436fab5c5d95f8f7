package reconciliation

import (
	"math"
	"time"
)

// PositionTracker is the running signed quantity of one instrument. It stays inactive until the
// first trade with a realized PnL; before that no position arithmetic happens.
type PositionTracker struct {
	active   bool
	position float64
}

// Active reports whether the tracker has seen a PnL-bearing trade.
func (p *PositionTracker) Active() bool {
	return p.active
}

// Position returns the tracked signed quantity.
func (p *PositionTracker) Position() float64 {
	return p.position
}

// Apply folds one trade into the tracker and returns the records it stands for: the trade
// itself, or a closing and an opening record when it reverses the position.
//
// The activating trade is taken to flatten whatever existed before tracking started, so it
// leaves the position at zero.
func (p *PositionTracker) Apply(t LogicalTrade) []LogicalTrade {
	if !p.active {
		if t.PnLKnown {
			p.active = true
			p.position = 0
		}
		return []LogicalTrade{t}
	}

	delta := t.Side.Sign() * t.Quantity
	reverses := t.PnLKnown &&
		p.position != 0 &&
		math.Signbit(delta) != math.Signbit(p.position) &&
		t.Quantity > math.Abs(p.position)

	if !reverses {
		p.position += delta
		return []LogicalTrade{t}
	}

	closing := t
	closing.Kind = KindClosing
	closing.Quantity = math.Abs(p.position)
	closing.Time = t.Time.Add(-time.Millisecond)

	opening := t
	opening.Kind = KindOpening
	opening.Quantity = t.Quantity - closing.Quantity
	opening.RealizedPnL = 0
	opening.PnLKnown = false
	opening.Commission = 0

	p.position += delta
	return []LogicalTrade{closing, opening}
}

// Reconcile runs one instrument's trades through tracker in order.
func Reconcile(trades []LogicalTrade, tracker *PositionTracker) []LogicalTrade {
	out := make([]LogicalTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, tracker.Apply(t)...)
	}
	return out
}
