// Package ledger records which (match, content kind) pairs were downloaded and where.
//
// The ledger is small and rewritten as a whole on every change. Records are
// validated against the filesystem on read and pruned when their file is gone.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/clock"
	"github.com/italolelis/match_downloader/internal/logctx"
)

// SchemaVersion is the version written with every snapshot.
const SchemaVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported ledger version")

// Record is the persisted fact that a piece of content was downloaded.
type Record struct {
	ItemID    int64        `json:"item_id"`
	Kind      catalog.Kind `json:"kind"`
	Filepath  string       `json:"filepath"`
	Filename  string       `json:"filename"`
	Timestamp string       `json:"timestamp"`
}

// Key returns the composite key of the record.
func (r Record) Key() catalog.Key {
	return catalog.Key{ItemID: r.ItemID, Kind: r.Kind}
}

// DownloadedAt parses the record timestamp.
func (r Record) DownloadedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, r.Timestamp)
}

// Snapshot is the whole persisted record set.
type Snapshot struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store loads and saves the whole record set.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// Ledger is safe for concurrent use within one process. Two processes sharing
// the same store can still lose each other's updates.
type Ledger struct {
	store Store
	clock clock.Clock

	mu sync.Mutex
}

// New returns a ledger over store. A nil clock uses wall time.
func New(store Store, c clock.Clock) *Ledger {
	if c == nil {
		c = clock.New()
	}

	return &Ledger{store: store, clock: c}
}

// Record stores a completion for (itemID, kind), replacing any previous record for the pair.
func (l *Ledger) Record(ctx context.Context, itemID int64, filepath, filename string, kind catalog.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.load(ctx)
	records = removeMatching(records, itemID, kind)
	records = append(records, Record{
		ItemID:    itemID,
		Kind:      kind,
		Filepath:  filepath,
		Filename:  filename,
		Timestamp: l.clock.Now().UTC().Format(time.RFC3339),
	})

	if err := l.save(ctx, records); err != nil {
		return fmt.Errorf("failed to record download %d/%s: %w", itemID, kind, err)
	}

	return nil
}

// Get returns the live record for itemID. KindAny matches a record of any kind.
// Matching records whose file is missing or empty are removed from the store.
func (l *Ledger) Get(ctx context.Context, itemID int64, kind catalog.Kind) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	records := l.load(ctx)
	kept := make([]Record, 0, len(records))

	var (
		found Record
		ok    bool
	)

	for _, r := range records {
		if ok || r.ItemID != itemID || !kindMatches(r.Kind, kind) {
			kept = append(kept, r)
			continue
		}

		if isLive(r) {
			found, ok = r, true
			kept = append(kept, r)

			continue
		}

		logger.WarnContext(ctx, "pruning ledger record with missing file",
			"item_id", r.ItemID, "content_kind", r.Kind, "filepath", r.Filepath)
	}

	if len(kept) != len(records) {
		if err := l.save(ctx, kept); err != nil {
			logger.ErrorContext(ctx, "failed to prune ledger record", "err", err)
		}
	}

	return found, ok
}

// AllValid returns every live record of kind, keyed by item id. All stale records
// found on the way are removed in a single write.
func (l *Ledger) AllValid(ctx context.Context, kind catalog.Kind) map[int64]Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.load(ctx)
	valid := make(map[int64]Record)
	kept := make([]Record, 0, len(records))
	pruned := 0

	for _, r := range records {
		if !kindMatches(r.Kind, kind) {
			kept = append(kept, r)
			continue
		}

		if !isLive(r) {
			pruned++
			continue
		}

		kept = append(kept, r)
		valid[r.ItemID] = r
	}

	if pruned > 0 {
		logger := logctx.LoggerFromContext(ctx)
		logger.WarnContext(ctx, "pruning ledger records with missing files", "count", pruned)

		if err := l.save(ctx, kept); err != nil {
			logger.ErrorContext(ctx, "failed to prune ledger records", "err", err)
		}
	}

	return valid
}

// List returns every live record of kind sorted by item id then kind. Unlike
// AllValid, KindAny keeps one record per kind for each item.
func (l *Ledger) List(ctx context.Context, kind catalog.Kind) []Record {
	kinds := []catalog.Kind{kind}
	if kind == catalog.KindAny {
		kinds = catalog.Kinds()
	}

	var out []Record

	for _, k := range kinds {
		for _, rec := range l.AllValid(ctx, k) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}

		return out[i].Kind < out[j].Kind
	})

	return out
}

// Remove deletes every record for itemID matching kind.
func (l *Ledger) Remove(ctx context.Context, itemID int64, kind catalog.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.load(ctx)
	remaining := removeMatching(records, itemID, kind)

	if len(remaining) == len(records) {
		return nil
	}

	if err := l.save(ctx, remaining); err != nil {
		return fmt.Errorf("failed to remove ledger record %d/%s: %w", itemID, kind, err)
	}

	return nil
}

func (l *Ledger) load(ctx context.Context) []Record {
	snap, err := l.store.Load(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "ledger unreadable, starting empty", "err", err)

		return nil
	}

	return snap.Records
}

func (l *Ledger) save(ctx context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}

	return l.store.Save(ctx, Snapshot{Version: SchemaVersion, Records: records})
}

func removeMatching(records []Record, itemID int64, kind catalog.Kind) []Record {
	out := make([]Record, 0, len(records))

	for _, r := range records {
		if r.ItemID == itemID && kindMatches(r.Kind, kind) {
			continue
		}

		out = append(out, r)
	}

	return out
}

func kindMatches(recordKind, query catalog.Kind) bool {
	return query == catalog.KindAny || recordKind == query
}

// isLive reports whether the record's file exists and is non-empty.
func isLive(r Record) bool {
	info, err := os.Stat(r.Filepath)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Size() > 0
}
