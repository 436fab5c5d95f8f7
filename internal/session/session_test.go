package session

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/internal/marketdata"
	"trade-session/internal/order"
	"trade-session/internal/reconciliation"
	"trade-session/pkg/config"
)

type fakeGateway struct {
	mu        sync.Mutex
	contracts []int64
	bars      []int64
	ticks     []int64
	canceled  []int64
	placed    []order.Order
	execs     []int64
	calls     map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int)}
}

func (f *fakeGateway) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return nil
}

func (f *fakeGateway) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGateway) RequestContract(reqID int64, _ contract.Instrument) error {
	f.contracts = append(f.contracts, reqID)
	return nil
}

func (f *fakeGateway) RequestBars(reqID int64, _ contract.Instrument, _, _ string) error {
	f.bars = append(f.bars, reqID)
	return nil
}

func (f *fakeGateway) RequestMarketData(reqID int64, _ contract.Instrument) error {
	f.ticks = append(f.ticks, reqID)
	return nil
}

func (f *fakeGateway) CancelMarketData(reqID int64) error {
	f.canceled = append(f.canceled, reqID)
	return nil
}

func (f *fakeGateway) PlaceOrder(o order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, o)
	return nil
}

func (f *fakeGateway) RequestExecutions(reqID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, reqID)
	return nil
}

func (f *fakeGateway) CancelOrder(int64) error       { return f.hit("cancel") }
func (f *fakeGateway) RequestIDs() error             { return f.hit("ids") }
func (f *fakeGateway) RequestPositions() error       { return f.hit("positions") }
func (f *fakeGateway) RequestOpenOrders() error      { return f.hit("open") }
func (f *fakeGateway) RequestCompletedOrders() error { return f.hit("completed") }

type published struct {
	topic   events.Topic
	payload any
}

type capture struct {
	mu  sync.Mutex
	out []published
}

func (c *capture) Publish(t events.Topic, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, published{t, payload})
}

func (c *capture) topic(t events.Topic) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var got []any
	for _, p := range c.out {
		if p.topic == t {
			got = append(got, p.payload)
		}
	}
	return got
}

type sinkFunc func([]reconciliation.TradeTable)

func (f sinkFunc) SaveTrades(t []reconciliation.TradeTable) { f(t) }

var start = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T) (*Session, *fakeGateway, *capture) {
	t.Helper()
	cfg := config.Default()
	cfg.Subscriptions = []config.Subscription{{Symbol: "MNQ", SecType: "FUT", Exchange: "CME", Duration: "1 D", BarSizes: []string{"1 min"}}}
	cfg.Order.IDPollInterval = time.Millisecond

	gw := newFakeGateway()
	pub := &capture{}
	s := New(cfg, gw, pub, nil)
	s.now = func() time.Time { return start }
	require.NoError(t, s.Start(context.Background()))
	return s, gw, pub
}

// feedMarket resolves the contract and loads five one-minute bars of range 2 closing at 100.
func feedMarket(s *Session) {
	s.Handle(events.ContractResolved{ReqID: 2, ConID: 42, Symbol: "MNQ", Exchange: "CME", MinTick: 0.25, Multiplier: 2})
	for i := 0; i < 5; i++ {
		at := start.Add(time.Duration(i-5) * time.Minute)
		s.Handle(events.BarReceived{ReqID: 4, Time: at, Open: 99.5, High: 101, Low: 99, Close: 100, Volume: 10})
	}
	s.Handle(events.BarBatchEnd{ReqID: 4})
}

func TestStartIssuesInitialRequests(t *testing.T) {
	_, gw, _ := newTestSession(t)

	assert.Equal(t, 1, gw.count("ids"))
	assert.Equal(t, 1, gw.count("positions"))
	assert.Equal(t, 1, gw.count("open"))
	assert.Equal(t, []int64{1}, gw.execs)
	assert.Equal(t, []int64{2}, gw.contracts)
	assert.Equal(t, []int64{3}, gw.ticks)
	assert.Equal(t, []int64{4}, gw.bars)
}

func TestBarBatchPublishesAnalysedView(t *testing.T) {
	s, _, pub := newTestSession(t)
	feedMarket(s)

	views := pub.topic(events.TopicPriceUpdated)
	require.Len(t, views, 1)
	v := views[0].(PriceView)
	assert.Equal(t, int64(4), v.ReqID)
	assert.Equal(t, int64(42), v.Contract.ConID)
	assert.Len(t, v.Bars, 5)
	assert.Equal(t, start, v.GeneratedAt)

	got, err := s.View(4)
	require.NoError(t, err)
	assert.Equal(t, v.Bars, got.Bars)

	_, err = s.View(99)
	assert.ErrorIs(t, err, marketdata.ErrNotReady)

	d, err := s.Contract(42)
	require.NoError(t, err)
	assert.Equal(t, 0.25, d.MinTick)
	_, err = s.Contract(7)
	assert.ErrorIs(t, err, contract.ErrUnresolved)
}

func TestTicksPublishMarketPrice(t *testing.T) {
	s, _, pub := newTestSession(t)
	s.Handle(events.TickReceived{ReqID: 3, Price: 100})
	assert.Empty(t, pub.topic(events.TopicMarketPrice))

	feedMarket(s)
	s.Handle(events.TickReceived{ReqID: 3, Price: 100.25})
	ticks := pub.topic(events.TopicMarketPrice)
	require.Len(t, ticks, 1)
	assert.Equal(t, 100.25, ticks[0].(marketdata.MarketTick).Price)
}

func TestPlaceOrderAttachesBracket(t *testing.T) {
	s, gw, _ := newTestSession(t)
	feedMarket(s)
	s.Handle(events.NextValidID{OrderID: 10})
	assert.True(t, s.Ready())

	d, err := s.Contract(42)
	require.NoError(t, err)
	sent, err := s.PlaceOrder(context.Background(), order.Intent{Contract: d, Side: order.Buy, Quantity: 1, Price: 99})
	require.NoError(t, err)
	require.Len(t, sent, 3)

	assert.Equal(t, order.Limit, sent[0].Type)
	assert.Equal(t, 99.0, sent[0].Price)
	assert.Equal(t, 101.0, sent[1].Price)
	assert.Equal(t, 97.0, sent[2].Price)
	assert.Equal(t, int64(10), sent[2].ParentID)
	assert.Len(t, gw.placed, 3)
	assert.Len(t, s.WorkingOrders(), 3)
	assert.Equal(t, uint64(3), s.metrics.GetSnapshot().Orders)
}

func TestPlaceOrderWithExposureSkipsBracket(t *testing.T) {
	s, _, pub := newTestSession(t)
	feedMarket(s)
	s.Handle(events.NextValidID{OrderID: 10})
	s.Handle(events.PositionReceived{Account: "DU1", ConID: 42, Symbol: "MNQ", Position: 2})
	s.Handle(events.PositionEnd{})
	require.Len(t, pub.topic(events.TopicPortfolio), 1)

	d, err := s.Contract(42)
	require.NoError(t, err)
	sent, err := s.PlaceOrder(context.Background(), order.Intent{Contract: d, Side: order.Sell, Quantity: 1, Price: 102})
	require.NoError(t, err)
	require.Len(t, sent, 1)

	closed, err := s.ClosePosition(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, order.Market, closed[0].Type)
	assert.Equal(t, order.Sell, closed[0].Side)
	assert.Equal(t, 2.0, closed[0].Quantity)
}

func TestExecutionsRebuildTrades(t *testing.T) {
	s, _, pub := newTestSession(t)
	var saved [][]reconciliation.TradeTable
	s.SetTradeSink(sinkFunc(func(t []reconciliation.TradeTable) { saved = append(saved, t) }))

	s.Handle(events.ExecutionReceived{ReqID: 1, ExecID: "e1", OrderID: 5, PermID: 500, ConID: 42, Symbol: "MNQ", Multiplier: 2, Side: "BOT", CumQty: 1, AvgPrice: 100, Time: start.Add(-time.Hour)})
	s.Handle(events.CommissionReceived{ExecID: "e1", Commission: 0.5, RealizedPnL: math.MaxFloat64})
	s.Handle(events.ExecutionReceived{ReqID: 1, ExecID: "e2", OrderID: 6, PermID: 600, ConID: 42, Symbol: "MNQ", Multiplier: 2, Side: "SLD", CumQty: 1, AvgPrice: 103, Time: start.Add(-30 * time.Minute)})
	s.Handle(events.CommissionReceived{ExecID: "e2", Commission: 0.5, RealizedPnL: 5})
	assert.Empty(t, pub.topic(events.TopicTradesUpdated))

	s.Handle(events.ExecutionEnd{ReqID: 1})

	require.Len(t, pub.topic(events.TopicTradesUpdated), 1)
	require.Len(t, saved, 1)
	tables := s.Trades()
	require.Len(t, tables, 1)
	assert.Equal(t, "MNQ", tables[0].Symbol)
	assert.Len(t, tables[0].Rows, 2)
	assert.Equal(t, 0.0, tables[0].Position)

	// a late commission after the listing re-publishes without a new request
	s.Handle(events.CommissionReceived{ExecID: "e2", Commission: 0.6, RealizedPnL: 5})
	assert.Len(t, pub.topic(events.TopicTradesUpdated), 2)
}

func TestUnseenCommissionRefreshes(t *testing.T) {
	s, gw, _ := newTestSession(t)
	s.Handle(events.ExecutionEnd{ReqID: 1})

	s.Handle(events.CommissionReceived{ExecID: "missing", Commission: 1})

	assert.Equal(t, 2, gw.count("positions"))
	assert.Equal(t, 2, gw.count("open"))
	assert.Len(t, gw.execs, 2)
}

func TestBrokerErrorsFiltered(t *testing.T) {
	s, _, pub := newTestSession(t)

	s.Handle(events.ErrorReceived{ReqID: -1, Code: 2104, Message: "Market data farm connection is OK"})
	assert.Empty(t, pub.topic(events.TopicBrokerError))

	s.Handle(events.ErrorReceived{ReqID: 4, Code: 162, Message: "Historical Market Data Service error"})
	select {
	case be := <-s.Errors():
		assert.Equal(t, 162, be.Code)
		assert.Contains(t, be.Error(), "req 4")
	default:
		t.Fatal("expected broker error")
	}
	assert.Len(t, pub.topic(events.TopicBrokerError), 1)
	assert.Equal(t, uint64(1), s.metrics.GetSnapshot().Errors)
}

func TestVolatilityNeedsFullPeriod(t *testing.T) {
	bars := []marketdata.Bar{{High: 3, Low: 1}, {High: 4, Low: 1}}
	_, err := volatility(bars, 5)
	assert.ErrorIs(t, err, ErrNoVolatility)

	v, err := volatility(bars, 2)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}

func TestFillCascadePublishesNotice(t *testing.T) {
	s, gw, pub := newTestSession(t)
	feedMarket(s)
	s.Handle(events.NextValidID{OrderID: 20})

	d, err := s.Contract(42)
	require.NoError(t, err)
	sent, err := s.PlaceOrder(context.Background(), order.Intent{Contract: d, Side: order.Buy, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, order.Market, sent[0].Type)

	s.Handle(events.OrderStatusChanged{OrderID: 20, Status: "Filled", Filled: 2, AvgFillPrice: 100.25, PermID: 900})
	assert.Equal(t, 2, gw.count("open"))
	assert.Equal(t, 2, gw.count("positions"))
	assert.Equal(t, 1, gw.count("completed"))
	assert.Len(t, gw.execs, 2)
	assert.Empty(t, s.WorkingOrders())

	s.Handle(events.CompletedOrderReceived{PermID: 900, ConID: 42, Symbol: "MNQ", Side: "BUY", Quantity: 2})
	fills := pub.topic(events.TopicOrderFilled)
	require.Len(t, fills, 1)
	n := fills[0].(order.FillNotice)
	assert.Equal(t, int64(20), n.OrderID)
	assert.Equal(t, 100.25, n.AvgPrice)
	assert.NotEmpty(t, n.ID)
}
