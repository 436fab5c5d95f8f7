package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/pkg/config"
)

type fakeRequester struct {
	contracts []int64
	bars      []int64
	ticks     []int64
	canceled  []int64
}

func (f *fakeRequester) RequestContract(reqID int64, _ contract.Instrument) error {
	f.contracts = append(f.contracts, reqID)
	return nil
}

func (f *fakeRequester) RequestBars(reqID int64, _ contract.Instrument, _, _ string) error {
	f.bars = append(f.bars, reqID)
	return nil
}

func (f *fakeRequester) RequestMarketData(reqID int64, _ contract.Instrument) error {
	f.ticks = append(f.ticks, reqID)
	return nil
}

func (f *fakeRequester) CancelMarketData(reqID int64) error {
	f.canceled = append(f.canceled, reqID)
	return nil
}

type recorder struct {
	prices  []Snapshot
	markets []MarketTick
}

func (r *recorder) PriceUpdated(s Snapshot) { r.prices = append(r.prices, s) }
func (r *recorder) MarketPrice(t MarketTick) { r.markets = append(r.markets, t) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func minute(t *testing.T) Timeframe {
	tf, err := ParseTimeframe("1 min")
	require.NoError(t, err)
	return tf
}

func TestBucketOf(t *testing.T) {
	tf := minute(t)
	ts := time.Unix(1_700_000_075, 0)
	assert.Equal(t, int64(1_700_000_040), BucketOf(ts, tf))

	day, err := ParseTimeframe("1 day")
	require.NoError(t, err)
	loc := time.FixedZone("NY", -5*3600)
	local := time.Date(2024, 3, 8, 15, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, loc).Unix(), BucketOf(local, day))
}

func TestTicksBuildOneBar(t *testing.T) {
	now := time.Unix(1_700_000_040, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, minute(t), false, 10)

	e.OnTick(100, now)
	e.OnTick(101, now.Add(time.Second))
	e.OnTick(99, now.Add(2*time.Second))

	bars := e.Bars()
	require.Len(t, bars, 1)
	assert.Equal(t, Bar{Bucket: 1_700_000_040, Open: 100, High: 101, Low: 99, Close: 99}, bars[0])
}

func TestCapacityEvictsOldest(t *testing.T) {
	tf := minute(t)
	now := time.Unix(1_700_000_040, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, tf, false, 3)

	for i := 0; i < 5; i++ {
		e.OnBarRefresh(Bar{Bucket: now.Unix() + int64(i*60), Close: float64(i)}, false, now.Add(10*time.Minute))
	}

	bars := e.Bars()
	require.Len(t, bars, 3)
	assert.Equal(t, 2.0, bars[0].Close)
	assert.Equal(t, 4.0, bars[2].Close)
}

func TestOutOfOrderInsertKeepsBucketOrder(t *testing.T) {
	now := time.Unix(1_700_000_400, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, minute(t), false, 10)

	e.OnBarRefresh(Bar{Bucket: 1_700_000_160}, false, now)
	e.OnBarRefresh(Bar{Bucket: 1_700_000_040}, false, now)
	e.OnBarRefresh(Bar{Bucket: 1_700_000_100}, false, now)

	bars := e.Bars()
	require.Len(t, bars, 3)
	assert.Equal(t, int64(1_700_000_040), bars[0].Bucket)
	assert.Equal(t, int64(1_700_000_100), bars[1].Bucket)
	assert.Equal(t, int64(1_700_000_160), bars[2].Bucket)
}

func TestStaleIncrementalBarDiscarded(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, minute(t), false, 10)
	e.OnTick(50, now)

	stored := e.OnBarRefresh(Bar{Bucket: 1_700_000_040, Close: 1}, true, now)
	assert.False(t, stored)
	assert.Equal(t, 1, e.Len())

	stored = e.OnBarRefresh(Bar{Bucket: 1_700_000_100, Open: 49, High: 52, Low: 48, Close: 51, Volume: 7}, true, now)
	assert.True(t, stored)
	latest, _ := e.Latest()
	assert.Equal(t, 51.0, latest.Close)
	assert.Equal(t, 7.0, latest.Volume)
}

func TestInitialBatchMergesIntoTickBuiltBucket(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, minute(t), false, 10)
	e.OnTick(105, now)
	e.OnTick(95, now)
	e.OnTick(101, now)

	e.OnBarRefresh(Bar{Bucket: 1_700_000_100, Open: 100, High: 103, Low: 97, Close: 99, Volume: 12}, false, now)

	latest, _ := e.Latest()
	assert.Equal(t, Bar{Bucket: 1_700_000_100, Open: 100, High: 105, Low: 95, Close: 101, Volume: 12}, latest)
}

func TestShouldPublishDebounce(t *testing.T) {
	start := time.Unix(1_700_000_040, 0)
	e := NewEntry(1, contract.Instrument{Symbol: "ES"}, minute(t), false, 10)
	e.OnTick(1, start)
	assert.False(t, e.ShouldPublish(start, 10*time.Second), "no contract yet")

	e.SetContract(contract.Details{ConID: 5})
	require.True(t, e.ShouldPublish(start, 10*time.Second))
	e.MarkPublished(start)

	assert.False(t, e.ShouldPublish(start.Add(5*time.Second), 10*time.Second))
	assert.True(t, e.ShouldPublish(start.Add(11*time.Second), 10*time.Second))

	e.MarkPublished(start.Add(55 * time.Second))
	assert.True(t, e.ShouldPublish(start.Add(61*time.Second), 10*time.Second), "minute rolled over")
}

func newCache(t *testing.T, clk *clock) (*Cache, *fakeRequester, *recorder) {
	t.Helper()
	var seq int64
	req := &fakeRequester{}
	rec := &recorder{}
	cfg := config.CacheConfig{
		Capacity:          100,
		HistoricalTimeout: 10 * time.Second,
		MarketInterval:    250 * time.Millisecond,
		TickGrace:         3 * time.Second,
	}
	c := New(cfg, contract.NewRegistry(), req, rec, func() int64 { seq++; return seq }, clk.now)
	return c, req, rec
}

func TestSubscribeSharesContractAndTickRequests(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_040, 0)}
	c, req, _ := newCache(t, clk)

	ids, err := c.Subscribe(config.Subscription{Symbol: "MNQ", SecType: "FUT", Exchange: "CME", Currency: "USD", Duration: "1 D", BarSizes: []string{"1 min", "5 mins"}})
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, req.contracts)
	assert.Equal(t, []int64{2}, req.ticks)
	assert.Equal(t, []int64{3, 4}, req.bars)
	assert.Equal(t, []int64{3, 4}, ids)

	_, err = c.Subscribe(config.Subscription{Symbol: "ES", BarSizes: []string{"2 weeks"}})
	assert.Error(t, err)
}

func TestCacheRoutesTicksAndPublishes(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_040, 0)}
	c, _, rec := newCache(t, clk)

	_, err := c.Subscribe(config.Subscription{Symbol: "MNQ", BarSizes: []string{"1 min", "5 mins"}})
	require.NoError(t, err)

	_, err = c.Snapshot(3)
	assert.ErrorIs(t, err, ErrNotReady)

	c.HandleTick(2, 100)
	assert.Empty(t, rec.markets, "contract unresolved")

	c.HandleContract(1, contract.Details{ConID: 42, Symbol: "MNQ", MinTick: 0.25})
	c.HandleBar(events.BarReceived{ReqID: 3, Time: time.Unix(1_699_999_980, 0), Open: 90, High: 95, Low: 89, Close: 94})
	c.HandleBar(events.BarReceived{ReqID: 3, Time: time.Unix(1_699_999_920, 0), BarCount: -1, Close: 1})
	c.HandleBarEnd(3)
	require.Len(t, rec.prices, 1)
	assert.Equal(t, int64(3), rec.prices[0].ReqID)
	assert.Len(t, rec.prices[0].Bars, 2)

	c.HandleTick(2, 101)
	c.HandleTick(2, 102)
	require.Len(t, rec.markets, 1, "market limiter")
	assert.Equal(t, int64(42), rec.markets[0].ConID)

	clk.advance(time.Second)
	c.HandleTick(2, 99)
	assert.Len(t, rec.markets, 2)

	s1, err := c.Snapshot(3)
	require.NoError(t, err)
	assert.Equal(t, 99.0, s1.Bars[len(s1.Bars)-1].Close)

	price, err := c.LastPrice(42)
	require.NoError(t, err)
	assert.Equal(t, 99.0, price)

	assert.True(t, c.AllReady())
}

func TestWatchdogRearmsStalledTicks(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_040, 0)}
	c, req, _ := newCache(t, clk)

	_, err := c.Subscribe(config.Subscription{Symbol: "MNQ", BarSizes: []string{"1 min"}})
	require.NoError(t, err)
	c.HandleContract(1, contract.Details{ConID: 42, Symbol: "MNQ"})
	c.HandleTick(2, 100)

	clk.advance(2 * time.Second)
	c.HandleBar(events.BarReceived{ReqID: 3, Time: clk.t, Close: 100, Incremental: true})
	assert.Empty(t, req.canceled)

	clk.advance(2 * time.Second)
	c.HandleBar(events.BarReceived{ReqID: 3, Time: clk.t, Close: 100, Incremental: true})
	assert.Equal(t, []int64{2}, req.canceled)
	assert.Equal(t, []int64{2, 4}, req.ticks)
	assert.Equal(t, []int64{4}, c.TickRequests())
	assert.Equal(t, uint64(1), c.Rearms())

	c.HandleTick(4, 101)
	s, err := c.Snapshot(3)
	require.NoError(t, err)
	assert.Equal(t, 101.0, s.Bars[len(s.Bars)-1].Close)
}
