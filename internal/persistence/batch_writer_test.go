package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-session/pkg/db"
)

func openDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.DB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`)
	require.NoError(t, err)
	return database
}

func count(t *testing.T, database *db.Database) int {
	t.Helper()
	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestFlushOnSize(t *testing.T) {
	database := openDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour)
	defer bw.Close()

	require.NoError(t, bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", 1))
	assert.Equal(t, 1, bw.Pending())
	assert.Equal(t, 0, count(t, database))

	require.NoError(t, bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "b", 2))
	assert.Equal(t, 0, bw.Pending())
	assert.Equal(t, 2, count(t, database))

	m := bw.Metrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
}

func TestFailedBatchRollsBack(t *testing.T) {
	database := openDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)
	defer bw.Close()

	require.NoError(t, bw.Write(
		WriteOp{Query: `INSERT INTO kv VALUES (?, ?)`, Args: []any{"a", 1}},
		WriteOp{Query: `INSERT INTO kv VALUES (?, ?)`, Args: []any{"a", 2}},
	))
	assert.Error(t, bw.Flush())
	assert.Equal(t, 0, count(t, database))
	assert.Equal(t, uint64(1), bw.Metrics().TotalErrors)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	database := openDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)

	require.NoError(t, bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", 1))
	require.NoError(t, bw.Close())
	assert.Equal(t, 1, count(t, database))

	assert.ErrorIs(t, bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "b", 2), ErrClosed)
	assert.NoError(t, bw.Close())
}

func TestBackgroundFlush(t *testing.T) {
	database := openDB(t)
	bw := NewBatchWriter(database.DB, 10, 5*time.Millisecond)
	defer bw.Close()

	require.NoError(t, bw.WriteQuery(`INSERT INTO kv VALUES (?, ?)`, "a", 1))
	require.Eventually(t, func() bool { return bw.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, count(t, database))
}
