// Package export writes session snapshots out of process: trade tables to sqlite and bar
// history to parquet files.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"trade-session/internal/marketdata"
	"trade-session/internal/persistence"
	"trade-session/internal/reconciliation"
	"trade-session/pkg/config"
	"trade-session/pkg/db"
)

// Exporter owns the export database for one run.
type Exporter struct {
	database *db.Database
	writer   *persistence.BatchWriter
	runID    string
	dir      string
}

// Open creates or opens the export database and registers a new run.
func Open(ctx context.Context, cfg config.ExportConfig, clientID int) (*Exporter, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, err
	}

	run, err := database.Queries().InsertRun(ctx, uuid.NewString(), clientID)
	if err != nil {
		database.Close()
		return nil, err
	}
	log.Printf("export: run %s writing to %s", run.ID, cfg.DBPath)

	return &Exporter{
		database: database,
		writer:   persistence.NewBatchWriter(database.DB, 200, time.Second),
		runID:    run.ID,
		dir:      cfg.ParquetDir,
	}, nil
}

// RunID identifies this process's rows.
func (e *Exporter) RunID() string {
	return e.runID
}

// SaveTrades replaces this run's rows for every instrument in tables.
func (e *Exporter) SaveTrades(tables []reconciliation.TradeTable) {
	for _, t := range tables {
		ops := make([]persistence.WriteOp, 0, len(t.Rows)+1)
		ops = append(ops, persistence.WriteOp{Query: db.DeleteTradesSQL, Args: []any{e.runID, t.ConID}})
		for i, r := range t.Rows {
			ops = append(ops, persistence.WriteOp{Query: db.InsertTradeSQL, Args: db.TradeArgs(record(e.runID, i, r))})
		}
		if err := e.writer.Write(ops...); err != nil {
			log.Printf("export: queue %s trades: %v", t.Symbol, err)
		}
	}
}

func record(runID string, seq int, r reconciliation.Row) db.TradeRecord {
	rec := db.TradeRecord{
		RunID:      runID,
		ConID:      r.ConID,
		Seq:        seq,
		Symbol:     r.Symbol,
		OrderID:    r.OrderID,
		Kind:       string(r.Kind),
		Side:       string(r.Side),
		Qty:        r.Quantity,
		AvgPrice:   r.AvgPrice,
		Multiplier: r.Multiplier,
		TradedAt:   r.Time,
		Commission: r.Commission,
		CumPnL:     r.CumPnL,
		WinRate:    nullable(r.WinRate),
		PxPnL:      nullable(r.PxPnL),
		Fills:      r.Fills,
	}
	if r.PnLKnown {
		rec.RealizedPnL = sql.NullFloat64{Float64: r.RealizedPnL, Valid: true}
	}
	return rec
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Trades reads back this run's rows, flushing anything queued first.
func (e *Exporter) Trades(ctx context.Context) ([]db.TradeRecord, error) {
	if err := e.writer.Flush(); err != nil {
		return nil, err
	}
	return e.database.Queries().TradesByRun(ctx, e.runID)
}

// BarFile is the parquet path for one snapshot.
func (e *Exporter) BarFile(s marketdata.Snapshot) string {
	tf := strings.ReplaceAll(s.Timeframe, " ", "")
	return filepath.Join(e.dir, fmt.Sprintf("%s-%s.parquet", s.Instrument.Symbol, tf))
}

// ExportBars writes each snapshot's bars to its own parquet file, replacing earlier files.
func (e *Exporter) ExportBars(snaps []marketdata.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create parquet dir: %w", err)
	}

	var errs []error
	for _, s := range snaps {
		path := e.BarFile(s)
		if err := parquet.WriteFile(path, s.Bars); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", path, err))
			continue
		}
		log.Printf("export: %d bars -> %s", len(s.Bars), path)
	}
	return errors.Join(errs...)
}

// Close commits queued writes and closes the database.
func (e *Exporter) Close() error {
	return errors.Join(e.writer.Close(), e.database.Close())
}
