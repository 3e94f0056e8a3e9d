package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the ledger tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// one writer at a time keeps the whole-set rewrite simple
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ledger_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_records (
		position INTEGER PRIMARY KEY,
		item_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		filepath TEXT NOT NULL,
		filename TEXT NOT NULL,
		downloaded_at TEXT NOT NULL,
		UNIQUE (item_id, kind)
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}

	return db, nil
}
