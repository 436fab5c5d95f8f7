package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := openMemory(t)
	require.NoError(t, ApplyMigrations(database))

	ok, err := columnExists(database.DB, "trades", "fills")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = columnExists(database.DB, "trades", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunsRequireID(t *testing.T) {
	q := openMemory(t).Queries()
	ctx := context.Background()

	_, err := q.InsertRun(ctx, "", 1)
	assert.ErrorIs(t, err, ErrRunIDRequired)
	_, err = q.TradesByRun(ctx, "")
	assert.ErrorIs(t, err, ErrRunIDRequired)
	_, err = q.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTradeRoundTrip(t *testing.T) {
	database := openMemory(t)
	q := database.Queries()
	ctx := context.Background()

	run, err := q.InsertRun(ctx, "run-1", 7)
	require.NoError(t, err)
	got, err := q.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.ClientID)

	at := time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)
	recs := []TradeRecord{
		{RunID: run.ID, ConID: 42, Seq: 1, Symbol: "MNQ", OrderID: 600, Kind: "regular", Side: "SELL", Qty: 1, AvgPrice: 103, Multiplier: 2, TradedAt: at, RealizedPnL: sql.NullFloat64{Float64: 5, Valid: true}, CumPnL: 5, Fills: 2},
		{RunID: run.ID, ConID: 42, Seq: 0, Symbol: "MNQ", OrderID: 500, Kind: "regular", Side: "BUY", Qty: 1, AvgPrice: 100, Multiplier: 2, TradedAt: at.Add(-time.Hour), Fills: 1},
	}
	for _, r := range recs {
		_, err := database.DB.Exec(InsertTradeSQL, TradeArgs(r)...)
		require.NoError(t, err)
	}

	rows, err := q.TradesByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(500), rows[0].OrderID)
	assert.False(t, rows[0].RealizedPnL.Valid)
	assert.Equal(t, 5.0, rows[1].RealizedPnL.Float64)
	assert.Equal(t, 2, rows[1].Fills)
	assert.True(t, at.Equal(rows[1].TradedAt))

	_, err = database.DB.Exec(DeleteTradesSQL, run.ID, 42)
	require.NoError(t, err)
	rows, err = q.TradesByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
