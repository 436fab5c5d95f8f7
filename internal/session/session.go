// Package session is the single intake point for broker events. It routes each event to the
// component that owns it and exposes the strategy-facing API.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/internal/marketdata"
	"trade-session/internal/monitor"
	"trade-session/internal/order"
	"trade-session/internal/reconciliation"
	"trade-session/internal/signal"
	"trade-session/internal/state"
	"trade-session/pkg/config"
)

// Requester is every outbound request the session issues over the broker connection.
type Requester interface {
	RequestContract(reqID int64, inst contract.Instrument) error
	RequestBars(reqID int64, inst contract.Instrument, duration, barSize string) error
	RequestMarketData(reqID int64, inst contract.Instrument) error
	CancelMarketData(reqID int64) error
	PlaceOrder(o order.Order) error
	CancelOrder(orderID int64) error
	RequestIDs() error
	RequestPositions() error
	RequestOpenOrders() error
	RequestExecutions(reqID int64, since time.Time) error
	RequestCompletedOrders() error
}

// Publisher is the outbound notification queue.
type Publisher interface {
	Publish(t events.Topic, payload any)
}

// TradeSink receives every rebuilt trade table set, e.g. for export.
type TradeSink interface {
	SaveTrades(tables []reconciliation.TradeTable)
}

// Session wires the components of one broker session together.
type Session struct {
	cfg     *config.Config
	req     Requester
	pub     Publisher
	metrics *monitor.SessionMetrics
	params  signal.Params
	now     func() time.Time

	reqSeq atomic.Int64

	// mu guards the components mutated on the broker worker that strategies also read.
	mu        sync.Mutex
	contracts *contract.Registry
	cache     *marketdata.Cache
	collector *reconciliation.Collector
	tables    []reconciliation.TradeTable
	execReq   int64

	state  *state.Manager
	orders *order.Manager
	sink   TradeSink

	errs chan BrokerError
}

// New builds a session. pub receives notifications; metrics may be nil.
func New(cfg *config.Config, req Requester, pub Publisher, metrics *monitor.SessionMetrics) *Session {
	if metrics == nil {
		metrics = monitor.NewSessionMetrics()
	}
	s := &Session{
		cfg:       cfg,
		req:       req,
		pub:       pub,
		metrics:   metrics,
		params:    signal.ParamsFrom(cfg.Signal),
		now:       time.Now,
		contracts: contract.NewRegistry(),
		collector: reconciliation.NewCollector(),
		state:     state.NewManager(),
		errs:      make(chan BrokerError, 64),
	}
	s.cache = marketdata.New(cfg.Cache, s.contracts, req, s, s.nextReqID, func() time.Time { return s.now() })
	s.orders = order.NewManager(cfg.Order, orderRequests{s}, market{s}, s.state, pub)
	return s
}

// SetTradeSink registers a receiver for rebuilt trade tables.
func (s *Session) SetTradeSink(sink TradeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Session) nextReqID() int64 {
	return s.reqSeq.Add(1)
}

// Start issues the initial requests and every configured subscription.
func (s *Session) Start(ctx context.Context) error {
	if err := s.req.RequestIDs(); err != nil {
		return fmt.Errorf("request ids: %w", err)
	}
	if err := s.req.RequestPositions(); err != nil {
		return fmt.Errorf("request positions: %w", err)
	}
	if err := s.req.RequestOpenOrders(); err != nil {
		return fmt.Errorf("request open orders: %w", err)
	}
	if err := s.requestExecutions(); err != nil {
		return err
	}
	for _, sub := range s.cfg.Subscriptions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Subscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe starts the market data for one instrument and returns its bar request ids.
func (s *Session) Subscribe(sub config.Subscription) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Subscribe(sub)
}

func (s *Session) requestExecutions() error {
	id := s.nextReqID()
	s.mu.Lock()
	s.execReq = id
	s.mu.Unlock()
	since := s.now().Add(-s.cfg.Executions.Lookback)
	if err := s.req.RequestExecutions(id, since); err != nil {
		return fmt.Errorf("request executions: %w", err)
	}
	return nil
}

// Handle routes one broker event. The transport calls it from its single read loop.
func (s *Session) Handle(ev events.Event) {
	timer := monitor.NewTimer(s.metrics.EventLatency)
	defer timer.Stop()

	switch e := ev.(type) {
	case events.ContractResolved:
		s.mu.Lock()
		s.cache.HandleContract(e.ReqID, contract.Details{
			ConID:       e.ConID,
			Symbol:      e.Symbol,
			LocalSymbol: e.LocalSymbol,
			Exchange:    e.Exchange,
			MinTick:     e.MinTick,
			Multiplier:  e.Multiplier,
		})
		s.mu.Unlock()

	case events.BarReceived:
		s.metrics.IncrementBars()
		s.mu.Lock()
		before := s.cache.Rearms()
		s.cache.HandleBar(e)
		rearmed := s.cache.Rearms() > before
		s.mu.Unlock()
		if rearmed {
			s.metrics.IncrementRearms()
		}

	case events.BarBatchEnd:
		s.mu.Lock()
		s.cache.HandleBarEnd(e.ReqID)
		s.mu.Unlock()

	case events.TickReceived:
		s.metrics.IncrementTicks()
		s.mu.Lock()
		s.cache.HandleTick(e.ReqID, e.Price)
		s.mu.Unlock()

	case events.PositionReceived:
		s.state.AddPosition(e)

	case events.PositionEnd:
		s.state.EndPositions()
		s.pub.Publish(events.TopicPortfolio, s.state.Portfolio())

	case events.OpenOrderReceived:
		s.state.AddOpenOrder(e)
		s.orders.OnOpenOrder(e)

	case events.OpenOrderEnd:
		s.state.EndOpenOrders()
		s.pub.Publish(events.TopicPortfolio, s.state.Portfolio())

	case events.ExecutionReceived:
		s.metrics.IncrementExecutions()
		s.mu.Lock()
		s.collector.AddExecution(e)
		s.mu.Unlock()

	case events.CommissionReceived:
		s.mu.Lock()
		known := s.collector.AddCommission(e)
		inFlight := s.execReq != 0
		s.mu.Unlock()
		switch {
		case !known:
			log.Printf("session: commission for unseen execution %s, refreshing", e.ExecID)
			s.refreshAll()
		case !inFlight:
			s.rebuildTrades()
		}

	case events.ExecutionEnd:
		s.mu.Lock()
		if e.ReqID == s.execReq {
			s.execReq = 0
		}
		s.mu.Unlock()
		s.rebuildTrades()

	case events.OrderStatusChanged:
		s.orders.OnStatus(e)

	case events.CompletedOrderReceived:
		s.orders.OnCompletedOrder(e)

	case events.NextValidID:
		s.orders.IDs().Set(e.OrderID)

	case events.ErrorReceived:
		s.handleError(e)

	default:
		log.Printf("session: unhandled event %T", ev)
	}
}

func (s *Session) refreshAll() {
	if err := s.req.RequestPositions(); err != nil {
		log.Printf("session: refresh positions: %v", err)
	}
	if err := s.req.RequestOpenOrders(); err != nil {
		log.Printf("session: refresh open orders: %v", err)
	}
	if err := s.requestExecutions(); err != nil {
		log.Printf("session: %v", err)
	}
}

// rebuildTrades recomputes the trade tables from every retained fill and publishes them.
func (s *Session) rebuildTrades() {
	s.mu.Lock()
	s.collector.Prune(s.now().Add(-s.cfg.Executions.Lookback))
	tables := s.collector.Flush()
	s.tables = tables
	sink := s.sink
	s.mu.Unlock()

	if report := reconciliation.CheckDrift(tables, s.state.Positions(), s.now()); report.HasDiffs {
		for _, d := range report.PositionDiffs {
			log.Printf("session: %s tracked %g vs broker %g", d.Symbol, d.TrackedQty, d.BrokerQty)
		}
	}
	s.pub.Publish(events.TopicTradesUpdated, tables)
	if sink != nil {
		sink.SaveTrades(tables)
	}
}

// Errors returns the channel non-benign broker errors are delivered on.
func (s *Session) Errors() <-chan BrokerError {
	return s.errs
}

// Ready reports whether every subscription has data and an order id is known.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.AllReady() && s.orders.IDs().Known()
}

// Contract returns the resolved details for a broker contract id.
func (s *Session) Contract(conID int64) (contract.Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.contracts.ByConID(conID)
	if !ok {
		return contract.Details{}, fmt.Errorf("con_id %d: %w", conID, contract.ErrUnresolved)
	}
	return d, nil
}

// Trades returns the latest trade tables.
func (s *Session) Trades() []reconciliation.TradeTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconciliation.TradeTable(nil), s.tables...)
}

// Portfolio returns the broker positions and open orders.
func (s *Session) Portfolio() state.Portfolio {
	return s.state.Portfolio()
}

// WorkingOrders returns the orders this session submitted that are still working.
func (s *Session) WorkingOrders() []order.Order {
	return s.orders.Working()
}

// PlaceOrder submits or modifies an order. It may block until the broker announced an order id.
func (s *Session) PlaceOrder(ctx context.Context, in order.Intent) ([]order.Order, error) {
	timer := monitor.NewTimer(s.metrics.OrderLatency)
	defer timer.Stop()

	sent, err := s.orders.Place(ctx, in)
	for range sent {
		s.metrics.IncrementOrders()
	}
	return sent, err
}

// CancelOrder cancels one order id.
func (s *Session) CancelOrder(orderID int64) error {
	return s.orders.Cancel(orderID)
}

// ClosePosition flattens the broker position on a contract with a market order.
func (s *Session) ClosePosition(ctx context.Context, conID int64) ([]order.Order, error) {
	d, err := s.Contract(conID)
	if err != nil {
		return nil, err
	}
	sent, err := s.orders.ClosePosition(ctx, d)
	for range sent {
		s.metrics.IncrementOrders()
	}
	return sent, err
}
