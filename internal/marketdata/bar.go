package marketdata

import (
	"time"

	"trade-session/pkg/config"
)

// Bar is one OHLCV bar keyed by its bucket (epoch seconds).
type Bar struct {
	Bucket int64   `json:"epoch_sec" parquet:"epoch_sec"`
	Open   float64 `json:"open" parquet:"open"`
	High   float64 `json:"high" parquet:"high"`
	Low    float64 `json:"low" parquet:"low"`
	Close  float64 `json:"close" parquet:"close"`
	Volume float64 `json:"volume" parquet:"volume"`
}

// Timeframe is a bar size as the broker names it plus its period.
type Timeframe struct {
	Label  string
	Period time.Duration
}

// ParseTimeframe builds a Timeframe from a broker bar-size string.
func ParseTimeframe(label string) (Timeframe, error) {
	d, err := config.ParseBarSize(label)
	if err != nil {
		return Timeframe{}, err
	}
	return Timeframe{Label: label, Period: d}, nil
}

// Daily reports whether buckets are calendar dates rather than epoch multiples.
func (tf Timeframe) Daily() bool {
	return tf.Period >= 24*time.Hour
}

// Seconds returns the period in seconds.
func (tf Timeframe) Seconds() int64 {
	return int64(tf.Period / time.Second)
}

// BucketOf returns the bucket t falls into. Sub-daily timeframes floor the epoch to the period;
// daily and longer use the local midnight of t's calendar date.
func BucketOf(t time.Time, tf Timeframe) int64 {
	if tf.Daily() {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Unix()
	}
	sec := tf.Seconds()
	if sec <= 0 {
		return t.Unix()
	}
	return t.Unix() / sec * sec
}
