package reconciliation

import (
	"math"
	"sort"
	"time"
)

// Report compares the tracked position of each active instrument with the broker's.
type Report struct {
	Timestamp     time.Time
	PositionDiffs []PositionDiff
	HasDiffs      bool
}

// PositionDiff represents a position difference.
type PositionDiff struct {
	ConID      int64
	Symbol     string
	TrackedQty float64
	BrokerQty  float64
	Difference float64
}

// CheckDrift reports instruments whose tracked position disagrees with the broker position.
// Inactive trackers have no position opinion and are skipped.
func CheckDrift(tables []TradeTable, broker map[int64]float64, now time.Time) Report {
	report := Report{Timestamp: now}

	for _, t := range tables {
		if !t.Active {
			continue
		}
		bq := broker[t.ConID]
		if math.Abs(t.Position-bq) > 1e-9 {
			report.PositionDiffs = append(report.PositionDiffs, PositionDiff{
				ConID:      t.ConID,
				Symbol:     t.Symbol,
				TrackedQty: t.Position,
				BrokerQty:  bq,
				Difference: t.Position - bq,
			})
		}
	}

	sort.Slice(report.PositionDiffs, func(i, j int) bool {
		return report.PositionDiffs[i].ConID < report.PositionDiffs[j].ConID
	})
	report.HasDiffs = len(report.PositionDiffs) > 0
	return report
}
