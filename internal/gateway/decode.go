package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trade-session/internal/events"
)

// Execution and bar times come as "20240501  14:30:00", optionally followed by a zone name.
const brokerTimeLayout = "20060102  15:04:05"

// Decode turns one inbound frame into an event. Frames of unknown type return (nil, nil).
func Decode(msg []byte, loc *time.Location) (events.Event, error) {
	if !gjson.ValidBytes(msg) {
		return nil, fmt.Errorf("gateway: invalid frame %q", truncate(msg))
	}
	f := gjson.ParseBytes(msg)
	t := f.Get("type")
	if !t.Exists() {
		return nil, fmt.Errorf("gateway: frame without type %q", truncate(msg))
	}

	switch t.Str {
	case "contract":
		return events.ContractResolved{
			ReqID:       f.Get("req_id").Int(),
			ConID:       f.Get("con_id").Int(),
			Symbol:      f.Get("symbol").Str,
			LocalSymbol: f.Get("local_symbol").Str,
			Exchange:    f.Get("exchange").Str,
			MinTick:     f.Get("min_tick").Float(),
			Multiplier:  f.Get("multiplier").Float(),
		}, nil

	case "bar":
		ts, err := parseBarTime(f.Get("time"), loc)
		if err != nil {
			return nil, err
		}
		return events.BarReceived{
			ReqID:       f.Get("req_id").Int(),
			Time:        ts,
			Open:        f.Get("open").Float(),
			High:        f.Get("high").Float(),
			Low:         f.Get("low").Float(),
			Close:       f.Get("close").Float(),
			Volume:      f.Get("volume").Float(),
			BarCount:    f.Get("bar_count").Int(),
			Incremental: f.Get("update").Bool(),
		}, nil

	case "bar_end":
		return events.BarBatchEnd{ReqID: f.Get("req_id").Int()}, nil

	case "tick":
		// Only last-price ticks (4, or 68 when delayed) feed the cache.
		if field := f.Get("field"); field.Exists() && field.Int() != 4 && field.Int() != 68 {
			return nil, nil
		}
		return events.TickReceived{ReqID: f.Get("req_id").Int(), Price: f.Get("price").Float()}, nil

	case "position":
		return events.PositionReceived{
			Account:  f.Get("account").Str,
			ConID:    f.Get("con_id").Int(),
			Symbol:   f.Get("symbol").Str,
			Position: f.Get("position").Float(),
			AvgCost:  f.Get("avg_cost").Float(),
		}, nil

	case "position_end":
		return events.PositionEnd{}, nil

	case "open_order":
		return events.OpenOrderReceived{
			OrderID:  f.Get("order_id").Int(),
			PermID:   f.Get("perm_id").Int(),
			ParentID: f.Get("parent_id").Int(),
			ConID:    f.Get("con_id").Int(),
			Symbol:   f.Get("symbol").Str,
			Side:     f.Get("action").Str,
			Type:     f.Get("order_type").Str,
			Quantity: f.Get("total_qty").Float(),
			LmtPrice: f.Get("lmt_price").Float(),
			AuxPrice: f.Get("aux_price").Float(),
			Status:   f.Get("status").Str,
		}, nil

	case "open_order_end":
		return events.OpenOrderEnd{}, nil

	case "execution":
		ts, err := parseBrokerTime(f.Get("time").Str, loc)
		if err != nil {
			return nil, err
		}
		return events.ExecutionReceived{
			ReqID:      f.Get("req_id").Int(),
			ExecID:     f.Get("exec_id").Str,
			OrderID:    f.Get("order_id").Int(),
			PermID:     f.Get("perm_id").Int(),
			ConID:      f.Get("con_id").Int(),
			Symbol:     f.Get("symbol").Str,
			Multiplier: f.Get("multiplier").Float(),
			Side:       f.Get("side").Str,
			CumQty:     f.Get("cum_qty").Float(),
			AvgPrice:   f.Get("avg_price").Float(),
			Time:       ts,
		}, nil

	case "commission":
		return events.CommissionReceived{
			ExecID:      f.Get("exec_id").Str,
			Commission:  f.Get("commission").Float(),
			RealizedPnL: f.Get("realized_pnl").Float(),
		}, nil

	case "execution_end":
		return events.ExecutionEnd{ReqID: f.Get("req_id").Int()}, nil

	case "order_status":
		return events.OrderStatusChanged{
			OrderID:      f.Get("order_id").Int(),
			Status:       f.Get("status").Str,
			Filled:       f.Get("filled").Float(),
			Remaining:    f.Get("remaining").Float(),
			AvgFillPrice: f.Get("avg_fill_price").Float(),
			PermID:       f.Get("perm_id").Int(),
			ParentID:     f.Get("parent_id").Int(),
		}, nil

	case "completed_order":
		return events.CompletedOrderReceived{
			PermID:   f.Get("perm_id").Int(),
			ConID:    f.Get("con_id").Int(),
			Symbol:   f.Get("symbol").Str,
			Side:     f.Get("action").Str,
			Quantity: f.Get("total_qty").Float(),
		}, nil

	case "next_valid_id":
		return events.NextValidID{OrderID: f.Get("order_id").Int()}, nil

	case "error":
		return events.ErrorReceived{
			ReqID:   f.Get("req_id").Int(),
			Code:    int(f.Get("code").Int()),
			Message: f.Get("message").Str,
		}, nil
	}
	return nil, nil
}

// parseBarTime accepts epoch seconds (number or numeric string), a bare date for daily bars,
// or the broker's date-time layout.
func parseBarTime(v gjson.Result, loc *time.Location) (time.Time, error) {
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0).In(loc), nil
	}
	s := strings.TrimSpace(v.Str)
	if len(s) == 8 {
		return time.ParseInLocation("20060102", s, loc)
	}
	if len(s) >= len(brokerTimeLayout) {
		return parseBrokerTime(s, loc)
	}
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return time.Unix(v.Int(), 0).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("gateway: bad bar time %q", s)
}

func parseBrokerTime(s string, loc *time.Location) (time.Time, error) {
	if len(s) < len(brokerTimeLayout) {
		return time.Time{}, fmt.Errorf("gateway: bad time %q", s)
	}
	if zone := strings.TrimSpace(s[len(brokerTimeLayout):]); zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation(brokerTimeLayout, s[:len(brokerTimeLayout)], loc)
}

func truncate(b []byte) string {
	if len(b) > 120 {
		return string(b[:120]) + "..."
	}
	return string(b)
}
