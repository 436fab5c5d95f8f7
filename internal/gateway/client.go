// Package gateway is the websocket transport to the broker gateway bridge. One read loop
// decodes inbound frames into events; outbound requests are JSON frames paced by a rate limiter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"trade-session/internal/contract"
	"trade-session/internal/events"
	"trade-session/internal/order"
	"trade-session/pkg/config"
)

// ErrNotConnected is returned by requests issued before Connect succeeded or after Close.
var ErrNotConnected = errors.New("gateway: not connected")

// Client is the single broker session connection.
type Client struct {
	cfg     config.GatewayConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	loc     *time.Location

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
	ctx  context.Context
}

// NewClient builds a client; loc is the zone broker-local timestamps are read in.
func NewClient(cfg config.GatewayConfig, loc *time.Location) *Client {
	if loc == nil {
		loc = time.Local
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 45
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		loc:     loc,
		ctx:     context.Background(),
	}
}

// URL returns the bridge endpoint including the client id.
func (c *Client) URL() string {
	u := url.URL{Scheme: "ws", Host: c.cfg.Addr(), Path: c.cfg.Path}
	q := u.Query()
	q.Set("client_id", strconv.Itoa(c.cfg.ClientID))
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the bridge, retrying with the configured backoff until ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	backoff := c.cfg.DialBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	target := c.URL()

	for {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.ctx = ctx
			c.mu.Unlock()
			log.Printf("gateway: connected to %s", target)
			return nil
		}
		log.Printf("gateway: dial %s: %v, retrying in %s", target, err, backoff)

		select {
		case <-ctx.Done():
			return fmt.Errorf("dial gateway: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// Run reads frames until the connection fails or ctx ends, handing each decoded event to sink.
// It is the single worker every broker event is delivered on.
func (c *Client) Run(ctx context.Context, sink events.Sink) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		ev, err := Decode(msg, c.loc)
		if err != nil {
			log.Printf("gateway: %v", err)
			continue
		}
		if ev != nil {
			sink.Handle(ev)
		}
	}
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(frame map[string]any) error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway pacing: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("gateway write %v: %w", frame["op"], err)
	}
	return nil
}

func contractFrame(inst contract.Instrument) map[string]any {
	return map[string]any{
		"symbol":   inst.Symbol,
		"sec_type": inst.SecType,
		"exchange": inst.Exchange,
		"currency": inst.Currency,
	}
}

func (c *Client) RequestContract(reqID int64, inst contract.Instrument) error {
	return c.send(map[string]any{"op": "contract", "req_id": reqID, "contract": contractFrame(inst)})
}

// RequestBars subscribes to bar history kept up to date.
func (c *Client) RequestBars(reqID int64, inst contract.Instrument, duration, barSize string) error {
	return c.send(map[string]any{
		"op":              "bars",
		"req_id":          reqID,
		"contract":        contractFrame(inst),
		"duration":        duration,
		"bar_size":        barSize,
		"what_to_show":    "TRADES",
		"use_rth":         false,
		"keep_up_to_date": true,
	})
}

func (c *Client) RequestMarketData(reqID int64, inst contract.Instrument) error {
	return c.send(map[string]any{"op": "market_data", "req_id": reqID, "contract": contractFrame(inst)})
}

func (c *Client) CancelMarketData(reqID int64) error {
	return c.send(map[string]any{"op": "cancel_market_data", "req_id": reqID})
}

// PlaceOrder places or, for an id already working, modifies an order.
func (c *Client) PlaceOrder(o order.Order) error {
	frame := map[string]any{
		"op":         "place_order",
		"order_id":   o.ID,
		"parent_id":  o.ParentID,
		"con_id":     o.ConID,
		"exchange":   o.Exchange,
		"action":     string(o.Side),
		"order_type": string(o.Type),
		"total_qty":  o.Quantity,
		"transmit":   o.Transmit,
	}
	switch o.Type {
	case order.Limit:
		frame["lmt_price"] = o.Price
	case order.Stop:
		frame["aux_price"] = o.Price
	}
	return c.send(frame)
}

func (c *Client) CancelOrder(orderID int64) error {
	return c.send(map[string]any{"op": "cancel_order", "order_id": orderID})
}

func (c *Client) RequestIDs() error {
	return c.send(map[string]any{"op": "req_ids"})
}

func (c *Client) RequestPositions() error {
	return c.send(map[string]any{"op": "positions"})
}

func (c *Client) RequestOpenOrders() error {
	return c.send(map[string]any{"op": "open_orders"})
}

// RequestExecutions asks for executions reported at or after since.
func (c *Client) RequestExecutions(reqID int64, since time.Time) error {
	return c.send(map[string]any{
		"op":     "executions",
		"req_id": reqID,
		"since":  since.In(c.loc).Format("20060102 15:04:05"),
	})
}

func (c *Client) RequestCompletedOrders() error {
	return c.send(map[string]any{"op": "completed_orders"})
}
