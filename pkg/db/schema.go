package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS export_runs (
    id TEXT PRIMARY KEY,
    client_id INTEGER NOT NULL,
    started_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    run_id TEXT NOT NULL,
    con_id INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    order_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    avg_price REAL NOT NULL,
    multiplier REAL NOT NULL DEFAULT 1,
    traded_at DATETIME NOT NULL,
    commission REAL DEFAULT 0,
    realized_pnl REAL,
    cum_pnl REAL DEFAULT 0,
    win_rate REAL,
    PRIMARY KEY (run_id, con_id, seq),
    FOREIGN KEY(run_id) REFERENCES export_runs(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, traded_at);
`

// ApplyMigrations bootstraps the schema. It is idempotent.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first export files were written.
	if err := ensureColumn(d.DB, "trades", "fills", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "px_pnl", "REAL"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
