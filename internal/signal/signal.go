// Package signal derives swing points and support/resistance clusters from a bar snapshot.
// Everything here is a pure function of its input.
package signal

import (
	"math"
	"sort"

	"trade-session/internal/indicators"
	"trade-session/internal/marketdata"
	"trade-session/pkg/config"
)

// Direction of a swing: Up ends at a local high, Down at a local low.
type Direction int

const (
	Down Direction = -1
	Up   Direction = 1
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// MarshalText renders the direction for serialized views.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Params tune the analysis.
type Params struct {
	Radius            int     // half-width of the extrema window, in bars
	VolatilityPeriod  int     // EMA period of the bar range
	GapMultiplier     float64 // scales the mean bar range into the S/R minimum gap
	StrengthThreshold float64 // relative strength at which a cluster is strong
}

// ParamsFrom builds Params from the signal configuration.
func ParamsFrom(cfg config.SignalConfig) Params {
	return Params{
		Radius:            cfg.ExtremaRadius,
		VolatilityPeriod:  cfg.VolatilityPeriod,
		GapMultiplier:     cfg.SRGapMultiplier,
		StrengthThreshold: cfg.SRStrengthThreshold,
	}
}

// SwingPoint is a confirmed local extreme, or the in-progress move after the last one.
type SwingPoint struct {
	Index     int       `json:"index"`
	Bucket    int64     `json:"epoch_sec"`
	Price     float64   `json:"price"`
	Direction Direction `json:"direction"`
	Duration  int       `json:"duration"` // bars since the previous swing
	Delta     float64   `json:"delta"`
	Ratio     float64   `json:"ratio"` // |Delta| over the mean volatility since the previous swing
}

// SRCluster is a group of swing levels closer to each other than the minimum gap.
type SRCluster struct {
	Center   float64   `json:"center"`
	Low      float64   `json:"low"`
	High     float64   `json:"high"`
	Strength int       `json:"strength"`
	Strong   bool      `json:"strong"`
	Members  []float64 `json:"members"`
}

// Result is the full analysis of one snapshot.
type Result struct {
	Points     []SwingPoint `json:"points"`
	Current    *SwingPoint  `json:"current,omitempty"`
	Levels     []SRCluster  `json:"levels"`
	Volatility float64      `json:"volatility"`
	MinGap     float64      `json:"min_gap"`
}

// Analyze runs extrema detection, swing scoring and S/R clustering over bars.
func Analyze(bars []marketdata.Bar, p Params) Result {
	n := len(bars)
	if n == 0 {
		return Result{}
	}

	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
	}
	ranges := indicators.Ranges(highs, lows)
	vol := indicators.EMA(ranges, p.VolatilityPeriod)

	points := collapse(extrema(highs, lows, p.Radius))
	for i := range points {
		points[i].Bucket = bars[points[i].Index].Bucket
		if i == 0 {
			points[i].Duration = points[i].Index
			continue
		}
		score(&points[i], points[i-1], vol)
	}

	res := Result{
		Points:     points,
		Volatility: vol[n-1],
		MinGap:     indicators.Mean(ranges) * p.GapMultiplier,
	}

	if len(points) > 0 {
		last := points[len(points)-1]
		if last.Index < n-1 {
			cur := SwingPoint{Index: n - 1, Bucket: bars[n-1].Bucket, Price: bars[n-1].Close, Direction: Down}
			if cur.Price > last.Price {
				cur.Direction = Up
			}
			score(&cur, last, vol)
			res.Current = &cur
		}
	}

	levels := make([]float64, len(points))
	for i, sp := range points {
		levels[i] = sp.Price
	}
	res.Levels = Cluster(levels, res.MinGap, p.StrengthThreshold)
	return res
}

// extrema returns local lows and highs whose window of radius bars lies fully inside the series.
// A bar that is both the window high and low is flat and skipped.
func extrema(highs, lows []float64, radius int) []SwingPoint {
	if radius < 1 {
		radius = 1
	}
	var out []SwingPoint
	for i := radius; i < len(highs)-radius; i++ {
		isMax, isMin := true, true
		for j := i - radius; j <= i+radius; j++ {
			if highs[j] > highs[i] {
				isMax = false
			}
			if lows[j] < lows[i] {
				isMin = false
			}
		}
		switch {
		case isMax && isMin:
		case isMax:
			out = append(out, SwingPoint{Index: i, Price: highs[i], Direction: Up})
		case isMin:
			out = append(out, SwingPoint{Index: i, Price: lows[i], Direction: Down})
		}
	}
	return out
}

// collapse merges runs of same-direction candidates into the most extreme one, so the result
// alternates direction. Ties keep the earlier candidate.
func collapse(cands []SwingPoint) []SwingPoint {
	out := make([]SwingPoint, 0, len(cands))
	for _, c := range cands {
		if len(out) == 0 || out[len(out)-1].Direction != c.Direction {
			out = append(out, c)
			continue
		}
		last := &out[len(out)-1]
		if (c.Direction == Up && c.Price > last.Price) || (c.Direction == Down && c.Price < last.Price) {
			*last = c
		}
	}
	return out
}

func score(sp *SwingPoint, prev SwingPoint, vol []float64) {
	sp.Duration = sp.Index - prev.Index
	sp.Delta = sp.Price - prev.Price

	var sum float64
	var cnt int
	for i := prev.Index + 1; i <= sp.Index && i < len(vol); i++ {
		if vol[i] > 0 {
			sum += vol[i]
			cnt++
		}
	}
	if cnt == 0 {
		sp.Ratio = 0
		return
	}
	sp.Ratio = math.Abs(sp.Delta) / (sum / float64(cnt))
}

// Cluster groups levels so that no two cluster centers are closer than minGap. Adjacent clusters
// with the closest centers are merged first; every level lands in exactly one cluster.
func Cluster(levels []float64, minGap, threshold float64) []SRCluster {
	if len(levels) == 0 {
		return nil
	}
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)

	clusters := make([]SRCluster, len(sorted))
	for i, v := range sorted {
		clusters[i] = SRCluster{Center: v, Low: v, High: v, Strength: 1, Members: []float64{v}}
	}

	for len(clusters) > 1 {
		best := -1
		bestGap := math.Inf(1)
		for i := 0; i+1 < len(clusters); i++ {
			if g := clusters[i+1].Center - clusters[i].Center; g < bestGap {
				best, bestGap = i, g
			}
		}
		if bestGap >= minGap {
			break
		}
		clusters[best] = merge(clusters[best], clusters[best+1])
		clusters = append(clusters[:best+1], clusters[best+2:]...)
	}

	maxStrength := 0
	for _, c := range clusters {
		if c.Strength > maxStrength {
			maxStrength = c.Strength
		}
	}
	for i := range clusters {
		clusters[i].Strong = float64(clusters[i].Strength)/float64(maxStrength) >= threshold
	}
	return clusters
}

func merge(a, b SRCluster) SRCluster {
	members := append(append([]float64(nil), a.Members...), b.Members...)
	return SRCluster{
		Center:   indicators.Mean(members),
		Low:      a.Low,
		High:     b.High,
		Strength: len(members),
		Members:  members,
	}
}
