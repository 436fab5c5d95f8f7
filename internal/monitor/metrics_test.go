package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)
	assert.Equal(t, 2.0, s.Avg)
}

func TestSnapshotCounters(t *testing.T) {
	m := &Monitor{Metrics: NewSessionMetrics(), Dropped: func() uint64 { return 4 }}
	m.Metrics.IncrementTicks()
	m.Metrics.IncrementTicks()
	m.Metrics.IncrementRearms()

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Ticks)
	assert.Equal(t, uint64(1), s.Rearms)
	assert.Equal(t, uint64(4), s.Dropped)
	assert.Contains(t, Format(s), "ticks=2")
}
