// Package bulk downloads several kinds of content for several matches in one run.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/ledger"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/telemetry"
	"github.com/italolelis/match_downloader/internal/transfer"
)

const dirPerm = 0o755

// Skip reasons reported in Outcome.Reason.
const (
	ReasonAlreadyDownloaded  = "already downloaded"
	ReasonUnavailable        = "content unavailable"
	ReasonAlreadyDownloading = "already downloading"
)

// Status classifies a processed pair.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Coordinator is the part of the download coordinator a bulk run drives.
type Coordinator interface {
	StartTransfer(ctx context.Context, item catalog.Item, handle catalog.Handle, kind catalog.Kind, opts coordinator.StartOptions) transfer.Result
	IsActive(itemID int64, kind catalog.Kind) bool
	WasCompleted(itemID int64, kind catalog.Kind) bool
	SetBatchProgress(p *coordinator.BatchProgress)
	AddNotification(message string, timeout time.Duration) string
}

// Ledger answers whether a pair was downloaded before and accepts records for files found on disk.
type Ledger interface {
	Get(ctx context.Context, itemID int64, kind catalog.Kind) (ledger.Record, bool)
	Record(ctx context.Context, itemID int64, filepath, filename string, kind catalog.Kind) error
}

// Selection is one match and the kinds of content wanted for it.
type Selection struct {
	Item  catalog.Item
	Kinds []catalog.Kind
}

// Options configures a run.
type Options struct {
	BaseDir string
	// OrganizeByKind puts each kind in its own subfolder of BaseDir.
	OrganizeByKind bool
	// Workers is the number of pairs processed at once. Values below 1 mean 1.
	Workers int
}

// Outcome is the result of one (item, kind) pair.
type Outcome struct {
	Key      catalog.Key
	Item     catalog.Item
	Status   Status
	Reason   string
	Filepath string
	Err      error
}

// Summary aggregates a run. Outcomes are in pair order: items outer, kinds inner.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
	Outcomes   []Outcome
}

// Total is the number of processed pairs.
func (s Summary) Total() int {
	return s.Downloaded + s.Skipped + s.Failed
}

// Retryable counts the failed pairs that may succeed when the batch is run again.
func (s Summary) Retryable() int {
	n := 0

	for _, out := range s.Outcomes {
		if out.Status == StatusFailed && transfer.Retryable(out.Err) {
			n++
		}
	}

	return n
}

func (s Summary) String() string {
	return fmt.Sprintf("Bulk download finished: %d downloaded, %d skipped, %d failed", s.Downloaded, s.Skipped, s.Failed)
}

type pair struct {
	item catalog.Item
	kind catalog.Kind
	dir  string
}

// Orchestrator runs bulk downloads through the coordinator.
type Orchestrator struct {
	coord     Coordinator
	ledger    Ledger
	resolver  catalog.Resolver
	telemetry *telemetry.Telemetry
}

func New(coord Coordinator, l Ledger, resolver catalog.Resolver, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{coord: coord, ledger: l, resolver: resolver, telemetry: tel}
}

// Run processes every (item, kind) pair once. A failing pair never stops the
// run. The only returned error is a target directory that cannot be created.
func (o *Orchestrator) Run(ctx context.Context, selections []Selection, opts Options) (Summary, error) {
	logger := logctx.LoggerFromContext(ctx)

	dirs, err := prepareDirs(selections, opts)
	if err != nil {
		return Summary{}, err
	}

	var pairs []pair

	for _, sel := range selections {
		for _, kind := range sel.Kinds {
			pairs = append(pairs, pair{item: sel.Item, kind: kind, dir: dirs[kind]})
		}
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	logger.InfoContext(ctx, "starting bulk download", "pairs", len(pairs), "workers", workers)

	o.coord.SetBatchProgress(&coordinator.BatchProgress{Total: len(pairs)})
	defer o.coord.SetBatchProgress(nil)

	outcomes := make([]Outcome, len(pairs))

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
	)

	g.SetLimit(workers)

	for i, p := range pairs {
		g.Go(func() error {
			mu.Lock()
			started++
			o.coord.SetBatchProgress(&coordinator.BatchProgress{Current: started, Total: len(pairs), CurrentItemID: p.item.ID})
			mu.Unlock()

			outcomes[i] = o.processPair(ctx, p)

			return nil
		})
	}

	_ = g.Wait()

	summary := Summary{Outcomes: outcomes}

	for _, out := range outcomes {
		switch out.Status {
		case StatusDownloaded:
			summary.Downloaded++
		case StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}

		o.telemetry.RecordBatchPair(string(out.Status))
	}

	logger.InfoContext(ctx, "bulk download finished",
		"downloaded", summary.Downloaded, "skipped", summary.Skipped, "failed", summary.Failed)

	o.coord.AddNotification(summary.String(), 0)

	return summary, nil
}

func (o *Orchestrator) processPair(ctx context.Context, p pair) (out Outcome) {
	key := catalog.Key{ItemID: p.item.ID, Kind: p.kind}
	ctx = logctx.WithKey(ctx, key)
	logger := logctx.LoggerFromContext(ctx)

	out = Outcome{Key: key, Item: p.item}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "bulk pair panicked", "panic", r, "stack", string(debug.Stack()))
			o.telemetry.RecordSystemError("bulk", "panic")

			out.Status = StatusFailed
			out.Err = fmt.Errorf("pair %s panicked: %v", key, r)
		}
	}()

	skip := func(reason string) Outcome {
		logger.DebugContext(ctx, "skipping pair", "reason", reason)

		out.Status = StatusSkipped
		out.Reason = reason

		return out
	}

	if err := ctx.Err(); err != nil {
		out.Status = StatusFailed
		out.Err = err

		return out
	}

	if rec, ok := o.ledger.Get(ctx, p.item.ID, p.kind); ok {
		out.Filepath = rec.Filepath

		return skip(ReasonAlreadyDownloaded)
	}

	if o.coord.WasCompleted(p.item.ID, p.kind) {
		return skip(ReasonAlreadyDownloaded)
	}

	target := transfer.TargetPath(transfer.Request{Item: p.item, Kind: p.kind, Dir: p.dir})
	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		if err := o.ledger.Record(ctx, p.item.ID, target, filepath.Base(target), p.kind); err != nil {
			logger.ErrorContext(ctx, "failed to record existing file in ledger", "err", err)
		}

		out.Filepath = target

		return skip(ReasonAlreadyDownloaded)
	}

	if o.coord.IsActive(p.item.ID, p.kind) {
		return skip(ReasonAlreadyDownloading)
	}

	handle, available, err := o.resolver.Resolve(ctx, p.item, p.kind)
	if err != nil {
		logger.ErrorContext(ctx, "failed to check content availability", "err", err)

		out.Status = StatusFailed
		out.Err = fmt.Errorf("failed to check availability of %s: %w", key, err)

		return out
	}

	if !available {
		return skip(ReasonUnavailable)
	}

	res := o.coord.StartTransfer(ctx, p.item, handle, p.kind, coordinator.StartOptions{Dir: p.dir, Quiet: true})
	out.Filepath = res.Filepath

	switch {
	case errors.Is(res.Err, coordinator.ErrAlreadyActive):
		return skip(ReasonAlreadyDownloading)
	case res.Err != nil:
		out.Status = StatusFailed
		out.Err = res.Err
	case res.AlreadyPresent:
		return skip(ReasonAlreadyDownloaded)
	default:
		out.Status = StatusDownloaded
	}

	return out
}

func prepareDirs(selections []Selection, opts Options) (map[catalog.Kind]string, error) {
	dirs := make(map[catalog.Kind]string)

	for _, sel := range selections {
		for _, kind := range sel.Kinds {
			if _, ok := dirs[kind]; ok {
				continue
			}

			dir := opts.BaseDir
			if opts.OrganizeByKind {
				dir = filepath.Join(opts.BaseDir, kind.Folder())
			}

			if err := os.MkdirAll(dir, dirPerm); err != nil {
				return nil, &transfer.DirectoryError{DirectoryName: dir, Reason: "failed to create target directory", Err: err}
			}

			dirs[kind] = dir
		}
	}

	return dirs, nil
}
