package indicators

// EMA returns the exponential moving average series of values. The first period-1 entries are
// zero; the seed at index period-1 is the simple average of the first period values.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	k := 2.0 / float64(period+1)
	seed := SMA(values[:period], period)
	out[period-1] = seed
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// Ranges returns high-low per bar.
func Ranges(highs, lows []float64) []float64 {
	n := len(highs)
	if len(lows) < n {
		n = len(lows)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = highs[i] - lows[i]
	}
	return out
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return SMA(values, len(values))
}
