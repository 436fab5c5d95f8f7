// Package marketdata keeps per-(instrument, timeframe) bar buffers current from the broker's
// bar-refresh and tick streams and decides when a snapshot is due.
package marketdata

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/pkg/config"
)

// ErrNotReady is returned for reads against an entry without a contract or bars.
var ErrNotReady = errors.New("market data not ready")

// Requester is the outbound side the cache needs: contract lookup plus the two market streams.
type Requester interface {
	RequestContract(reqID int64, inst contract.Instrument) error
	RequestBars(reqID int64, inst contract.Instrument, duration, barSize string) error
	RequestMarketData(reqID int64, inst contract.Instrument) error
	CancelMarketData(reqID int64) error
}

// Listener is told when a snapshot is due. Both calls happen on the broker worker.
type Listener interface {
	PriceUpdated(s Snapshot)
	MarketPrice(t MarketTick)
}

// Snapshot is an immutable copy of one entry.
type Snapshot struct {
	ReqID      int64               `json:"req_id"`
	Instrument contract.Instrument `json:"instrument"`
	Contract   contract.Details    `json:"contract"`
	Timeframe  string              `json:"timeframe"`
	PeriodSec  int64               `json:"period_sec"`
	Major      bool                `json:"major"`
	Bars       []Bar               `json:"bars"`
}

// MarketTick is the lightweight last-price notification.
type MarketTick struct {
	ConID  int64     `json:"con_id"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

type tickRoute struct {
	inst    contract.Instrument
	entries []int64
	limiter *rate.Limiter
}

// Cache owns every entry and the request-id routing between the contract, bar and tick
// subscriptions of one instrument. It is not safe for concurrent use; the session serializes access.
type Cache struct {
	cfg       config.CacheConfig
	contracts *contract.Registry
	req       Requester
	listener  Listener
	nextID    func() int64
	now       func() time.Time

	entries       map[int64]*Entry
	order         []int64
	ticks         map[int64]*tickRoute
	entryTick     map[int64]int64
	entryContract map[int64]int64

	rearms uint64
}

// New creates a cache. nextID hands out request ids; now is the clock.
func New(cfg config.CacheConfig, contracts *contract.Registry, req Requester, l Listener, nextID func() int64, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		cfg:           cfg,
		contracts:     contracts,
		req:           req,
		listener:      l,
		nextID:        nextID,
		now:           now,
		entries:       make(map[int64]*Entry),
		ticks:         make(map[int64]*tickRoute),
		entryTick:     make(map[int64]int64),
		entryContract: make(map[int64]int64),
	}
}

// Subscribe issues one contract request and one tick subscription for the instrument and a
// bar subscription per bar size. It returns the bar request ids in configuration order.
func (c *Cache) Subscribe(sub config.Subscription) ([]int64, error) {
	inst := contract.Instrument{
		Symbol:   sub.Symbol,
		SecType:  sub.SecType,
		Exchange: sub.Exchange,
		Currency: sub.Currency,
	}

	tfs := make([]Timeframe, 0, len(sub.BarSizes))
	for _, bs := range sub.BarSizes {
		tf, err := ParseTimeframe(bs)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", inst.Symbol, err)
		}
		tfs = append(tfs, tf)
	}

	contractReq := c.nextID()
	c.contracts.Track(contractReq, inst)
	if err := c.req.RequestContract(contractReq, inst); err != nil {
		return nil, fmt.Errorf("request contract %s: %w", inst.Symbol, err)
	}

	route := &tickRoute{
		inst:    inst,
		limiter: rate.NewLimiter(rate.Every(c.cfg.MarketInterval), 1),
	}
	tickReq := c.nextID()

	ids := make([]int64, 0, len(tfs))
	for _, tf := range tfs {
		barReq := c.nextID()
		c.entries[barReq] = NewEntry(barReq, inst, tf, sub.Major, c.cfg.Capacity)
		c.order = append(c.order, barReq)
		c.entryContract[barReq] = contractReq
		c.entryTick[barReq] = tickReq
		route.entries = append(route.entries, barReq)
		ids = append(ids, barReq)

		if err := c.req.RequestBars(barReq, inst, sub.Duration, tf.Label); err != nil {
			return nil, fmt.Errorf("request bars %s %s: %w", inst.Symbol, tf.Label, err)
		}
	}

	c.ticks[tickReq] = route
	if err := c.req.RequestMarketData(tickReq, inst); err != nil {
		return nil, fmt.Errorf("request market data %s: %w", inst.Symbol, err)
	}

	log.Printf("marketdata: subscribed %s contract=%d tick=%d bars=%v", inst.Key(), contractReq, tickReq, ids)
	return ids, nil
}

// HandleContract attaches a contract reply to every entry waiting on that request.
func (c *Cache) HandleContract(reqID int64, d contract.Details) {
	if !c.contracts.Resolve(reqID, d) {
		return
	}
	resolved, _ := c.contracts.Lookup(reqID)
	for barReq, cr := range c.entryContract {
		if cr == reqID {
			c.entries[barReq].SetContract(resolved)
		}
	}
	log.Printf("marketdata: contract %s resolved con_id=%d min_tick=%g", resolved.Symbol, resolved.ConID, resolved.MinTick)
}

// HandleBar stores a bar-refresh message. Incremental bars also drive the publish debounce and
// the tick watchdog.
func (c *Cache) HandleBar(ev events.BarReceived) {
	e, ok := c.entries[ev.ReqID]
	if !ok {
		log.Printf("marketdata: bar for unknown request %d", ev.ReqID)
		return
	}
	if ev.BarCount == -1 {
		return
	}

	now := c.now()
	bar := Bar{
		Bucket: BucketOf(ev.Time, e.Timeframe),
		Open:   ev.Open,
		High:   ev.High,
		Low:    ev.Low,
		Close:  ev.Close,
		Volume: ev.Volume,
	}
	if !e.OnBarRefresh(bar, ev.Incremental, now) || !ev.Incremental {
		return
	}

	c.maybePublish(e, now)
	if e.NeedsRearm(now, c.cfg.TickGrace) {
		c.rearm(ev.ReqID, now)
	}
}

// HandleBarEnd publishes the first snapshot once the initial batch is complete.
func (c *Cache) HandleBarEnd(reqID int64) {
	e, ok := c.entries[reqID]
	if !ok {
		return
	}
	c.maybePublish(e, c.now())
}

// HandleTick folds a tick into every entry sharing the tick subscription.
func (c *Cache) HandleTick(reqID int64, price float64) {
	route, ok := c.ticks[reqID]
	if !ok {
		return
	}
	now := c.now()

	var details contract.Details
	resolved := false
	for _, id := range route.entries {
		e := c.entries[id]
		e.OnTick(price, now)
		if d, ok := e.Contract(); ok {
			details, resolved = d, true
		}
	}

	if resolved && route.limiter.AllowN(now, 1) && c.listener != nil {
		c.listener.MarketPrice(MarketTick{ConID: details.ConID, Symbol: details.Symbol, Price: price, Time: now})
	}
}

func (c *Cache) maybePublish(e *Entry, now time.Time) {
	if !e.ShouldPublish(now, c.cfg.HistoricalTimeout) {
		return
	}
	e.MarkPublished(now)
	if c.listener != nil {
		c.listener.PriceUpdated(c.snapshot(e))
	}
}

// rearm re-issues the tick subscription shared by the stalled entry.
func (c *Cache) rearm(barReq int64, now time.Time) {
	oldReq := c.entryTick[barReq]
	route, ok := c.ticks[oldReq]
	if !ok {
		return
	}
	if err := c.req.CancelMarketData(oldReq); err != nil {
		log.Printf("marketdata: cancel tick %d: %v", oldReq, err)
	}

	newReq := c.nextID()
	delete(c.ticks, oldReq)
	c.ticks[newReq] = route
	for _, id := range route.entries {
		c.entryTick[id] = newReq
		c.entries[id].Rearmed(now)
	}
	c.rearms++

	if err := c.req.RequestMarketData(newReq, route.inst); err != nil {
		log.Printf("marketdata: re-arm %s: %v", route.inst.Key(), err)
		return
	}
	log.Printf("marketdata: tick stream for %s stalled, re-armed %d -> %d", route.inst.Key(), oldReq, newReq)
}

func (c *Cache) snapshot(e *Entry) Snapshot {
	d, _ := e.Contract()
	return Snapshot{
		ReqID:      e.ReqID,
		Instrument: e.Instrument,
		Contract:   d,
		Timeframe:  e.Timeframe.Label,
		PeriodSec:  e.Timeframe.Seconds(),
		Major:      e.Major,
		Bars:       e.Bars(),
	}
}

// Snapshot returns a copy of the entry behind a bar request.
func (c *Cache) Snapshot(reqID int64) (Snapshot, error) {
	e, ok := c.entries[reqID]
	if !ok {
		return Snapshot{}, fmt.Errorf("bar request %d: %w", reqID, ErrNotReady)
	}
	if !e.Ready() {
		return Snapshot{}, fmt.Errorf("%s %s: %w", e.Instrument.Symbol, e.Timeframe.Label, ErrNotReady)
	}
	return c.snapshot(e), nil
}

// Snapshots returns every ready entry in subscription order.
func (c *Cache) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(c.order))
	for _, id := range c.order {
		if e := c.entries[id]; e.Ready() {
			out = append(out, c.snapshot(e))
		}
	}
	return out
}

// Primary returns the snapshot used for order sizing on a contract: the major entry when one is
// flagged, otherwise the shortest timeframe.
func (c *Cache) Primary(conID int64) (Snapshot, error) {
	var best *Entry
	for _, id := range c.order {
		e := c.entries[id]
		d, ok := e.Contract()
		if !ok || d.ConID != conID || !e.Ready() {
			continue
		}
		switch {
		case best == nil:
			best = e
		case e.Major && !best.Major:
			best = e
		case e.Major == best.Major && e.Timeframe.Period < best.Timeframe.Period:
			best = e
		}
	}
	if best == nil {
		return Snapshot{}, fmt.Errorf("con_id %d: %w", conID, ErrNotReady)
	}
	return c.snapshot(best), nil
}

// LastPrice returns the close of the newest bar of the shortest timeframe for a contract.
func (c *Cache) LastPrice(conID int64) (float64, error) {
	var (
		price  float64
		period time.Duration
		found  bool
	)
	for _, id := range c.order {
		e := c.entries[id]
		d, ok := e.Contract()
		if !ok || d.ConID != conID {
			continue
		}
		bar, ok := e.Latest()
		if !ok {
			continue
		}
		if !found || e.Timeframe.Period < period {
			price, period, found = bar.Close, e.Timeframe.Period, true
		}
	}
	if !found {
		return 0, fmt.Errorf("con_id %d: %w", conID, ErrNotReady)
	}
	return price, nil
}

// AllReady reports whether every subscribed entry has a contract and bars.
func (c *Cache) AllReady() bool {
	if len(c.entries) == 0 {
		return false
	}
	for _, e := range c.entries {
		if !e.Ready() {
			return false
		}
	}
	return true
}

// Entries returns the bar request ids in subscription order.
func (c *Cache) Entries() []int64 {
	return append([]int64(nil), c.order...)
}

// TickRequests returns the live tick request ids, sorted.
func (c *Cache) TickRequests() []int64 {
	out := make([]int64, 0, len(c.ticks))
	for id := range c.ticks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rearms returns how many times a stalled tick stream was re-issued.
func (c *Cache) Rearms() uint64 {
	return c.rearms
}
