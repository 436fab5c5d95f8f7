package order

import "github.com/shopspring/decimal"

// Bracket holds the take-profit and stop-loss prices around an entry.
type Bracket struct {
	Entry      float64
	TakeProfit float64
	StopLoss   float64
}

// RoundToTick rounds price to the nearest multiple of tick. A non-positive tick leaves it as is.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).InexactFloat64()
}

// BracketPrices places the take-profit and stop-loss legs tpOffset and slOffset away from
// entry. Legs are rounded away from the entry and sit at least one tick from it.
func BracketPrices(side Side, entry, tpOffset, slOffset, tick float64) Bracket {
	if tick <= 0 {
		tick = 0.01
	}
	t := decimal.NewFromFloat(tick)
	e := decimal.NewFromFloat(RoundToTick(entry, tick))
	tp := decimal.NewFromFloat(tpOffset)
	sl := decimal.NewFromFloat(slOffset)

	var tpPx, slPx decimal.Decimal
	if side == Buy {
		tpPx = decimal.Max(ceilTick(e.Add(tp), t), e.Add(t))
		slPx = decimal.Min(floorTick(e.Sub(sl), t), e.Sub(t))
	} else {
		tpPx = decimal.Min(floorTick(e.Sub(tp), t), e.Sub(t))
		slPx = decimal.Max(ceilTick(e.Add(sl), t), e.Add(t))
	}

	return Bracket{
		Entry:      e.InexactFloat64(),
		TakeProfit: tpPx.InexactFloat64(),
		StopLoss:   slPx.InexactFloat64(),
	}
}

func ceilTick(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Ceil().Mul(tick)
}

func floorTick(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Floor().Mul(tick)
}
