package marketdata

import (
	"sort"
	"time"

	"trade-session/internal/contract"
)

// Entry is the bounded bar history for one (instrument, timeframe) pair. It is mutated only on
// the broker worker goroutine.
type Entry struct {
	ReqID      int64
	Instrument contract.Instrument
	Timeframe  Timeframe
	Major      bool

	contract *contract.Details
	capacity int

	keys []int64 // ascending buckets
	bars map[int64]Bar

	lastPublished time.Time
	lastTick      time.Time
}

// NewEntry creates an empty entry holding at most capacity buckets.
func NewEntry(reqID int64, inst contract.Instrument, tf Timeframe, major bool, capacity int) *Entry {
	if capacity <= 0 {
		capacity = 1
	}
	return &Entry{
		ReqID:      reqID,
		Instrument: inst,
		Timeframe:  tf,
		Major:      major,
		capacity:   capacity,
		bars:       make(map[int64]Bar, capacity+1),
	}
}

// SetContract attaches the resolved contract.
func (e *Entry) SetContract(d contract.Details) {
	e.contract = &d
}

// Contract returns the resolved contract, if any.
func (e *Entry) Contract() (contract.Details, bool) {
	if e.contract == nil {
		return contract.Details{}, false
	}
	return *e.contract, true
}

// Len returns the number of buckets held.
func (e *Entry) Len() int {
	return len(e.keys)
}

// Ready reports whether the entry has a contract and at least one bar.
func (e *Entry) Ready() bool {
	return e.contract != nil && len(e.keys) > 0
}

// OnTick folds a last-price tick into the bar of the current bucket, creating a single-price bar
// when the bucket is empty.
func (e *Entry) OnTick(price float64, now time.Time) {
	e.lastTick = now
	bucket := BucketOf(now, e.Timeframe)

	if bar, ok := e.bars[bucket]; ok {
		if price > bar.High {
			bar.High = price
		}
		if price < bar.Low {
			bar.Low = price
		}
		bar.Close = price
		e.bars[bucket] = bar
		return
	}

	e.insert(Bar{Bucket: bucket, Open: price, High: price, Low: price, Close: price})
}

// OnBarRefresh stores a bar from the bar-refresh stream. Incremental bars older than the current
// bucket are discarded so a late replay cannot overwrite what ticks already built. It reports
// whether the bar was stored.
func (e *Entry) OnBarRefresh(bar Bar, incremental bool, now time.Time) bool {
	bucket := bar.Bucket
	current := BucketOf(now, e.Timeframe)

	if incremental && bucket < current {
		return false
	}

	existing, ok := e.bars[bucket]
	if ok && !incremental && bucket == current && e.tickBuilt(bucket) {
		// Initial batch landing on the live bucket: keep the widest range and the tick close.
		if existing.High > bar.High {
			bar.High = existing.High
		}
		if existing.Low < bar.Low {
			bar.Low = existing.Low
		}
		bar.Close = existing.Close
	}

	if ok {
		e.bars[bucket] = bar
		return true
	}
	e.insert(bar)
	return true
}

func (e *Entry) tickBuilt(bucket int64) bool {
	return !e.lastTick.IsZero() && BucketOf(e.lastTick, e.Timeframe) == bucket
}

func (e *Entry) insert(bar Bar) {
	e.bars[bar.Bucket] = bar

	i := sort.Search(len(e.keys), func(i int) bool { return e.keys[i] >= bar.Bucket })
	e.keys = append(e.keys, 0)
	copy(e.keys[i+1:], e.keys[i:])
	e.keys[i] = bar.Bucket

	for len(e.keys) > e.capacity {
		delete(e.bars, e.keys[0])
		e.keys = e.keys[1:]
	}
}

// Bars returns the bars in bucket order. The slice is a copy.
func (e *Entry) Bars() []Bar {
	out := make([]Bar, len(e.keys))
	for i, k := range e.keys {
		out[i] = e.bars[k]
	}
	return out
}

// Latest returns the most recent bar.
func (e *Entry) Latest() (Bar, bool) {
	if len(e.keys) == 0 {
		return Bar{}, false
	}
	return e.bars[e.keys[len(e.keys)-1]], true
}

// ShouldPublish is the historical-snapshot debounce: publish once the wall-clock minute rolled
// over since the last emission, or once timeout elapsed.
func (e *Entry) ShouldPublish(now time.Time, timeout time.Duration) bool {
	if !e.Ready() {
		return false
	}
	if e.lastPublished.IsZero() {
		return true
	}
	if now.Unix()/60 != e.lastPublished.Unix()/60 {
		return true
	}
	return now.Sub(e.lastPublished) > timeout
}

// MarkPublished records an emission.
func (e *Entry) MarkPublished(now time.Time) {
	e.lastPublished = now
}

// LastTick returns the time of the last tick, zero if none arrived yet.
func (e *Entry) LastTick() time.Time {
	return e.lastTick
}

// NeedsRearm reports a stalled tick stream: ticks arrived before, none for longer than grace,
// and the entry is otherwise ready.
func (e *Entry) NeedsRearm(now time.Time, grace time.Duration) bool {
	return !e.lastTick.IsZero() && now.Sub(e.lastTick) > grace && e.Ready()
}

// Rearmed restarts the grace period after the tick subscription was re-issued.
func (e *Entry) Rearmed(now time.Time) {
	e.lastTick = now
}
