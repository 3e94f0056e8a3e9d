// Package sqlite persists the ledger in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/ledger"
)

// Store keeps the record set in the ledger_records table. Save rewrites the
// table inside one transaction, mirroring the whole-file semantics of the JSON store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Load(ctx context.Context) (ledger.Snapshot, error) {
	snap := ledger.Snapshot{Version: ledger.SchemaVersion}

	err := s.db.QueryRowContext(ctx, `SELECT version FROM ledger_meta WHERE id = 1`).Scan(&snap.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Snapshot{}, fmt.Errorf("failed to read ledger version: %w", err)
	}

	if snap.Version > ledger.SchemaVersion {
		return ledger.Snapshot{}, fmt.Errorf("%w: %d", ledger.ErrUnsupportedVersion, snap.Version)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, kind, filepath, filename, downloaded_at FROM ledger_records ORDER BY position`)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r    ledger.Record
			kind string
		)

		if err := rows.Scan(&r.ItemID, &kind, &r.Filepath, &r.Filename, &r.Timestamp); err != nil {
			return ledger.Snapshot{}, fmt.Errorf("failed to scan ledger record: %w", err)
		}

		r.Kind = catalog.Kind(kind)
		snap.Records = append(snap.Records, r)
	}

	if err := rows.Err(); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to iterate ledger records: %w", err)
	}

	return snap, nil
}

func (s *Store) Save(ctx context.Context, snap ledger.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_meta (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version`, snap.Version); err != nil {
		return fmt.Errorf("failed to write ledger version: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM ledger_records`); err != nil {
		return fmt.Errorf("failed to clear ledger records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ledger_records (position, item_id, kind, filepath, filename, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range snap.Records {
		if _, err = stmt.ExecContext(ctx, i, r.ItemID, string(r.Kind), r.Filepath, r.Filename, r.Timestamp); err != nil {
			return fmt.Errorf("failed to insert ledger record %s: %w", r.Key(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return nil
}
