// Package jsonfile persists the ledger as a single versioned JSON document.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/match_downloader/internal/ledger"
)

// Store reads and writes {"version": 1, "records": [...]} at Path.
type Store struct {
	Path string
}

func New(path string) *Store {
	return &Store{Path: path}
}

// Load returns an empty snapshot when the file does not exist yet.
func (s *Store) Load(_ context.Context) (ledger.Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ledger.Snapshot{Version: ledger.SchemaVersion}, nil
	}

	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("read ledger %s: %w", s.Path, err)
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("parse ledger %s: %w", s.Path, err)
	}

	if snap.Version > ledger.SchemaVersion {
		return ledger.Snapshot{}, fmt.Errorf("%w: %d in %s", ledger.ErrUnsupportedVersion, snap.Version, s.Path)
	}

	return snap, nil
}

// Save replaces the file atomically through a temp file in the same directory.
func (s *Store) Save(_ context.Context, snap ledger.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	data = append(data, '\n')

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", s.Path, err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", s.Path, err)
	}

	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("write temp file for %s: %w", s.Path, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("sync temp file for %s: %w", s.Path, err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("close temp file for %s: %w", s.Path, err)
	}

	if err := os.Rename(tmpPath, s.Path); err != nil {
		cleanup()

		return fmt.Errorf("atomic rename for %s: %w", s.Path, err)
	}

	return nil
}
