package session

import (
	"errors"
	"fmt"
	"time"

	"trade-session/internal/events"
	"trade-session/internal/indicators"
	"trade-session/internal/marketdata"
	"trade-session/internal/order"
	"trade-session/internal/signal"
)

// ErrNoVolatility is returned when the primary entry has too few bars for the volatility EMA.
var ErrNoVolatility = errors.New("volatility unavailable")

// orderRequests narrows the session requester to what the order manager issues.
type orderRequests struct{ s *Session }

func (o orderRequests) PlaceOrder(ord order.Order) error { return o.s.req.PlaceOrder(ord) }
func (o orderRequests) CancelOrder(id int64) error        { return o.s.req.CancelOrder(id) }
func (o orderRequests) RequestIDs() error                 { return o.s.req.RequestIDs() }
func (o orderRequests) RequestPositions() error           { return o.s.req.RequestPositions() }
func (o orderRequests) RequestOpenOrders() error          { return o.s.req.RequestOpenOrders() }
func (o orderRequests) RequestExecutions() error          { return o.s.requestExecutions() }
func (o orderRequests) RequestCompletedOrders() error     { return o.s.req.RequestCompletedOrders() }

// market answers order-construction price questions from the cache.
type market struct{ s *Session }

func (m market) LastPrice(conID int64) (float64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.cache.LastPrice(conID)
}

// Volatility is the last EMA of bar ranges on the instrument's primary timeframe.
func (m market) Volatility(conID int64) (float64, error) {
	m.s.mu.Lock()
	snap, err := m.s.cache.Primary(conID)
	m.s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return volatility(snap.Bars, m.s.params.VolatilityPeriod)
}

func volatility(bars []marketdata.Bar, period int) (float64, error) {
	if period <= 0 || len(bars) < period {
		return 0, fmt.Errorf("%d bars for period %d: %w", len(bars), period, ErrNoVolatility)
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i] = b.High, b.Low
	}
	ema := indicators.EMA(indicators.Ranges(highs, lows), period)
	return ema[len(ema)-1], nil
}

// PriceView is the payload published when a snapshot is due: bars plus their analysis.
type PriceView struct {
	marketdata.Snapshot
	Signals     signal.Result `json:"signals"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// PriceUpdated runs the signal analysis on a due snapshot and publishes it.
func (s *Session) PriceUpdated(snap marketdata.Snapshot) {
	s.pub.Publish(events.TopicPriceUpdated, s.view(snap))
}

// MarketPrice forwards the lightweight last-price notification.
func (s *Session) MarketPrice(t marketdata.MarketTick) {
	s.pub.Publish(events.TopicMarketPrice, t)
}

func (s *Session) view(snap marketdata.Snapshot) PriceView {
	return PriceView{
		Snapshot:    snap,
		Signals:     signal.Analyze(snap.Bars, s.params),
		GeneratedAt: s.now(),
	}
}

// View returns the current snapshot of one bar request with its analysis.
func (s *Session) View(reqID int64) (PriceView, error) {
	s.mu.Lock()
	snap, err := s.cache.Snapshot(reqID)
	s.mu.Unlock()
	if err != nil {
		return PriceView{}, err
	}
	return s.view(snap), nil
}

// Snapshots returns every ready entry.
func (s *Session) Snapshots() []marketdata.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Snapshots()
}
