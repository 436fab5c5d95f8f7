package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-session/internal/contract"
	"trade-session/internal/marketdata"
	"trade-session/internal/reconciliation"
	"trade-session/pkg/config"
)

func openExporter(t *testing.T) *Exporter {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(context.Background(), config.ExportConfig{
		Enabled:    true,
		DBPath:     filepath.Join(dir, "session.db"),
		ParquetDir: filepath.Join(dir, "bars"),
	}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func fills(at time.Time) []reconciliation.RawFill {
	return []reconciliation.RawFill{
		{ExecID: "e1", OrderID: 500, ConID: 42, Symbol: "MNQ", Multiplier: 2, Side: reconciliation.Buy, CumQty: 1, AvgPrice: 100, Time: at, Commission: 0.5},
		{ExecID: "e2", OrderID: 600, ConID: 42, Symbol: "MNQ", Multiplier: 2, Side: reconciliation.Sell, CumQty: 1, AvgPrice: 103, Time: at.Add(time.Minute), Commission: 0.5, RealizedPnL: 5, PnLKnown: true},
	}
}

func TestSaveTradesReplacesRunRows(t *testing.T) {
	e := openExporter(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	tables := reconciliation.Tables(fills(at))
	e.SaveTrades(tables)
	e.SaveTrades(tables)

	rows, err := e.Trades(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, e.RunID(), rows[0].RunID)
	assert.Equal(t, "BUY", rows[0].Side)
	assert.False(t, rows[0].RealizedPnL.Valid)
	assert.Equal(t, "SELL", rows[1].Side)
	assert.Equal(t, 5.0, rows[1].RealizedPnL.Float64)
	assert.True(t, at.Add(time.Minute).Equal(rows[1].TradedAt))
}

func TestExportBarsWritesParquet(t *testing.T) {
	e := openExporter(t)
	snap := marketdata.Snapshot{
		Instrument: contract.Instrument{Symbol: "MNQ"},
		Timeframe:  "5 mins",
		Bars: []marketdata.Bar{
			{Bucket: 1_700_000_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
			{Bucket: 1_700_000_300, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 12},
		},
	}

	require.NoError(t, e.ExportBars([]marketdata.Snapshot{snap}))
	path := e.BarFile(snap)
	assert.Equal(t, "MNQ-5mins.parquet", filepath.Base(path))

	got, err := parquet.ReadFile[marketdata.Bar](path)
	require.NoError(t, err)
	assert.Equal(t, snap.Bars, got)
}
