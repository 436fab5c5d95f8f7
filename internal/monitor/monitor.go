package monitor

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Monitor periodically logs a metrics snapshot.
type Monitor struct {
	Metrics  *SessionMetrics
	Dropped  func() uint64
	Interval time.Duration
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Metrics == nil || m.Interval <= 0 {
		log.Println("monitor: not fully configured; skipping")
		return
	}
	ticker := time.NewTicker(m.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Print(Format(m.Snapshot()))
			}
		}
	}()
}

// Snapshot returns the metrics with the dispatcher's dropped count filled in.
func (m *Monitor) Snapshot() MetricsSnapshot {
	s := m.Metrics.GetSnapshot()
	if m.Dropped != nil {
		s.Dropped = m.Dropped()
	}
	return s
}

// Format renders a snapshot as one log line.
func Format(s MetricsSnapshot) string {
	return fmt.Sprintf("monitor: ticks=%d bars=%d execs=%d orders=%d errors=%d rearms=%d dropped=%d event_p99=%.2fms",
		s.Ticks, s.Bars, s.Executions, s.Orders, s.Errors, s.Rearms, s.Dropped, s.EventLatency.P99)
}
