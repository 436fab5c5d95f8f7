package db

import (
	"database/sql"
	"time"
)

// Run is one process lifetime writing to the export.
type Run struct {
	ID        string    `json:"id"`
	ClientID  int       `json:"client_id"`
	StartedAt time.Time `json:"started_at"`
}

// TradeRecord is one logical-trade row of an exported trade table.
type TradeRecord struct {
	RunID       string          `json:"run_id"`
	ConID       int64           `json:"con_id"`
	Seq         int             `json:"seq"`
	Symbol      string          `json:"symbol"`
	OrderID     int64           `json:"order_id"`
	Kind        string          `json:"kind"`
	Side        string          `json:"side"`
	Qty         float64         `json:"qty"`
	AvgPrice    float64         `json:"avg_price"`
	Multiplier  float64         `json:"multiplier"`
	TradedAt    time.Time       `json:"traded_at"`
	Commission  float64         `json:"commission"`
	RealizedPnL sql.NullFloat64 `json:"realized_pnl"`
	CumPnL      float64         `json:"cum_pnl"`
	WinRate     sql.NullFloat64 `json:"win_rate"`
	PxPnL       sql.NullFloat64 `json:"px_pnl"`
	Fills       int             `json:"fills"`
}
