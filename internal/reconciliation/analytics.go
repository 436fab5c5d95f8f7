package reconciliation

import "math"

// Row is one reconciled trade plus the analytics of the sequence up to and including it.
// Pointer fields are nil while the ratio they hold has never been defined.
type Row struct {
	LogicalTrade

	Wins        int      `json:"wins"`
	Losses      int      `json:"losses"`
	WinRate     *float64 `json:"win_rate"`
	LongWins    int      `json:"long_wins"`
	LongLosses  int      `json:"long_losses"`
	LongWR      *float64 `json:"long_win_rate"`
	ShortWins   int      `json:"short_wins"`
	ShortLosses int      `json:"short_losses"`
	ShortWR     *float64 `json:"short_win_rate"`

	CumPnL      float64  `json:"cum_pnl"`
	PxPnL       *float64 `json:"px_pnl"`
	CumPxPnL    float64  `json:"cum_px_pnl"`
	AvgWin      *float64 `json:"avg_win"`
	AvgLoss     *float64 `json:"avg_loss"`
	AvgPxWin    *float64 `json:"avg_px_win"`
	AvgPxLoss   *float64 `json:"avg_px_loss"`
	RewardRisk  *float64 `json:"reward_risk"`
	Breakeven   *float64 `json:"breakeven_win_rate"`
	PxRR        *float64 `json:"px_reward_risk"`
	PxBreakeven *float64 `json:"px_breakeven_win_rate"`
}

// Ledger accumulates Rows for one instrument.
type Ledger struct {
	rows []Row

	wins, losses           int
	longWins, longLosses   int
	shortWins, shortLosses int

	cumPnL, cumPx       float64
	sumWin, sumLoss     float64
	sumPxWin, sumPxLoss float64

	last Row
}

// Add appends a trade and returns its row.
func (l *Ledger) Add(t LogicalTrade) Row {
	r := Row{LogicalTrade: t}

	if t.PnLKnown {
		l.cumPnL += t.RealizedPnL
		px := priceSide(t)
		r.PxPnL = &px
		l.cumPx += px

		// A sell closes a long, a buy closes a short.
		long := t.Side == Sell
		switch {
		case t.RealizedPnL > 0:
			l.wins++
			l.sumWin += t.RealizedPnL
			l.sumPxWin += px
			if long {
				l.longWins++
			} else {
				l.shortWins++
			}
		case t.RealizedPnL < 0:
			l.losses++
			l.sumLoss += t.RealizedPnL
			l.sumPxLoss += px
			if long {
				l.longLosses++
			} else {
				l.shortLosses++
			}
		}
	}

	r.Wins, r.Losses = l.wins, l.losses
	r.LongWins, r.LongLosses = l.longWins, l.longLosses
	r.ShortWins, r.ShortLosses = l.shortWins, l.shortLosses
	r.CumPnL, r.CumPxPnL = l.cumPnL, l.cumPx

	r.WinRate = carry(ratio(float64(l.wins), float64(l.wins+l.losses)), l.last.WinRate)
	r.LongWR = carry(ratio(float64(l.longWins), float64(l.longWins+l.longLosses)), l.last.LongWR)
	r.ShortWR = carry(ratio(float64(l.shortWins), float64(l.shortWins+l.shortLosses)), l.last.ShortWR)

	r.AvgWin = carry(ratio(l.sumWin, float64(l.wins)), l.last.AvgWin)
	r.AvgLoss = carry(ratio(l.sumLoss, float64(l.losses)), l.last.AvgLoss)
	r.AvgPxWin = carry(ratio(l.sumPxWin, float64(l.wins)), l.last.AvgPxWin)
	r.AvgPxLoss = carry(ratio(l.sumPxLoss, float64(l.losses)), l.last.AvgPxLoss)

	r.RewardRisk = carry(rewardRisk(r.AvgWin, r.AvgLoss), l.last.RewardRisk)
	r.Breakeven = carry(breakeven(r.RewardRisk), l.last.Breakeven)
	r.PxRR = carry(rewardRisk(r.AvgPxWin, r.AvgPxLoss), l.last.PxRR)
	r.PxBreakeven = carry(breakeven(r.PxRR), l.last.PxBreakeven)

	l.rows = append(l.rows, r)
	l.last = r
	return r
}

// Rows returns every row added so far.
func (l *Ledger) Rows() []Row {
	return append([]Row(nil), l.rows...)
}

// priceSide normalizes realized PnL by quantity and multiplier, giving PnL per unit of price.
func priceSide(t LogicalTrade) float64 {
	mult := t.Multiplier
	if mult == 0 {
		mult = 1
	}
	if t.Quantity == 0 {
		return 0
	}
	return t.RealizedPnL / t.Quantity / mult
}

func ratio(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	v := num / den
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func rewardRisk(avgWin, avgLoss *float64) *float64 {
	if avgWin == nil || avgLoss == nil {
		return nil
	}
	r := ratio(*avgWin, *avgLoss)
	if r == nil {
		return nil
	}
	v := math.Abs(*r)
	return &v
}

// breakeven is the win rate at which a reward:risk of rr nets zero.
func breakeven(rr *float64) *float64 {
	if rr == nil {
		return nil
	}
	v := 1 / (1 + *rr)
	return &v
}

func carry(v, prev *float64) *float64 {
	if v != nil {
		return v
	}
	if prev == nil {
		return nil
	}
	c := *prev
	return &c
}
