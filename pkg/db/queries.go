package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrRunIDRequired = errors.New("run_id is required")
	ErrNotFound      = errors.New("record not found")
)

// Queries reads and writes export rows.
type Queries struct {
	db *sql.DB
}

// InsertTradeSQL writes one TradeRecord; the argument order is TradeArgs.
const InsertTradeSQL = `
	INSERT INTO trades (run_id, con_id, seq, symbol, order_id, kind, side, qty, avg_price,
		multiplier, traded_at, commission, realized_pnl, cum_pnl, win_rate, px_pnl, fills)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// DeleteTradesSQL clears one instrument's table of a run before it is rewritten.
const DeleteTradesSQL = `DELETE FROM trades WHERE run_id = ? AND con_id = ?`

// TradeArgs returns the InsertTradeSQL arguments for r.
func TradeArgs(r TradeRecord) []any {
	return []any{
		r.RunID, r.ConID, r.Seq, r.Symbol, r.OrderID, r.Kind, r.Side, r.Qty, r.AvgPrice,
		r.Multiplier, r.TradedAt.UTC(), r.Commission, r.RealizedPnL, r.CumPnL, r.WinRate, r.PxPnL, r.Fills,
	}
}

// InsertRun registers a run.
func (q *Queries) InsertRun(ctx context.Context, id string, clientID int) (Run, error) {
	if id == "" {
		return Run{}, ErrRunIDRequired
	}
	run := Run{ID: id, ClientID: clientID, StartedAt: nowUTC()}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO export_runs (id, client_id, started_at) VALUES (?, ?, ?)`,
		run.ID, run.ClientID, run.StartedAt,
	); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	err := q.db.QueryRowContext(ctx,
		`SELECT id, client_id, started_at FROM export_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ClientID, &r.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// TradesByRun returns a run's trade rows ordered by symbol then sequence.
func (q *Queries) TradesByRun(ctx context.Context, runID string) ([]TradeRecord, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT run_id, con_id, seq, symbol, order_id, kind, side, qty, avg_price, multiplier,
			traded_at, commission, realized_pnl, cum_pnl, win_rate, px_pnl, COALESCE(fills, 1)
		FROM trades
		WHERE run_id = ?
		ORDER BY symbol, seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var r TradeRecord
		if err := rows.Scan(&r.RunID, &r.ConID, &r.Seq, &r.Symbol, &r.OrderID, &r.Kind, &r.Side,
			&r.Qty, &r.AvgPrice, &r.Multiplier, &r.TradedAt, &r.Commission, &r.RealizedPnL,
			&r.CumPnL, &r.WinRate, &r.PxPnL, &r.Fills); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
