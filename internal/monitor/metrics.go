// Package monitor keeps session counters and latency histograms.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionMetrics tracks event throughput and handling latency.
type SessionMetrics struct {
	// Latency histograms
	EventLatency *LatencyHistogram
	OrderLatency *LatencyHistogram

	// Counters
	ticks       atomic.Uint64
	bars        atomic.Uint64
	executions  atomic.Uint64
	orders      atomic.Uint64
	errorsCount atomic.Uint64
	rearms      atomic.Uint64
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSessionMetrics creates a new metrics instance.
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{
		EventLatency: NewLatencyHistogram(1000),
		OrderLatency: NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and the p50/p95/p99 percentiles.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SessionMetrics) IncrementTicks()      { m.ticks.Add(1) }
func (m *SessionMetrics) IncrementBars()       { m.bars.Add(1) }
func (m *SessionMetrics) IncrementExecutions() { m.executions.Add(1) }
func (m *SessionMetrics) IncrementOrders()     { m.orders.Add(1) }
func (m *SessionMetrics) IncrementErrors()     { m.errorsCount.Add(1) }
func (m *SessionMetrics) IncrementRearms()     { m.rearms.Add(1) }

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	EventLatency   LatencyStats `json:"event_latency"`
	OrderLatency   LatencyStats `json:"order_latency"`
	Ticks          uint64       `json:"ticks"`
	Bars           uint64       `json:"bars"`
	Executions     uint64       `json:"executions"`
	Orders         uint64       `json:"orders"`
	Errors         uint64       `json:"errors"`
	Rearms         uint64       `json:"rearms"`
	Dropped        uint64       `json:"dropped_notifications"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SessionMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		EventLatency:   m.EventLatency.Stats(),
		OrderLatency:   m.OrderLatency.Stats(),
		Ticks:          m.ticks.Load(),
		Bars:           m.bars.Load(),
		Executions:     m.executions.Load(),
		Orders:         m.orders.Load(),
		Errors:         m.errorsCount.Load(),
		Rearms:         m.rearms.Load(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
