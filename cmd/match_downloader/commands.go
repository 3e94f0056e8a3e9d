package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/match_downloader/internal/bulk"
	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/cleanup"
	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/portal"
	"github.com/italolelis/match_downloader/internal/transfer"
)

type command struct {
	needsPortal bool
	run         func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"download": {needsPortal: true, run: runDownload},
	"bulk":     {needsPortal: true, run: runBulk},
	"records":  {run: runRecords},
	"forget":   {run: runForget},
	"sweep":    {run: runSweep},
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "-h" || arg == "--help"
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "match_downloader: download match videos and stat files from the portal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  download [-kind video|stats] <match-id>        download one piece of content")
	fmt.Fprintln(w, "  bulk [-kinds video,stats] [-flat] [-workers N] <match-id>...")
	fmt.Fprintln(w, "                                                  download several kinds for several matches")
	fmt.Fprintln(w, "  records [-kind video|stats]                     list downloads still present on disk")
	fmt.Fprintln(w, "  forget [-kind video|stats] <match-id>           drop ledger records for a match")
	fmt.Fprintln(w, "  sweep                                           remove stale partial and expired files")
	fmt.Fprintln(w, "  help                                            show this message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration is read from the environment (PORTAL_BASE_URL, PORTAL_TOKEN, TARGET_DIR, ...).")
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one match id is required")
	}

	ids := make([]int64, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid match id %q", arg)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func parseOptionalKind(s string) (catalog.Kind, error) {
	if s == "" || s == "any" {
		return catalog.KindAny, nil
	}

	return catalog.ParseKind(s)
}

func kindDir(a *app, kind catalog.Kind) string {
	if a.cfg.OrganizeByKind {
		return filepath.Join(a.cfg.TargetDir, kind.Folder())
	}

	return a.cfg.TargetDir
}

func runDownload(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	kindFlag := fs.String("kind", "video", "content kind: video or stats")

	if err := fs.Parse(args); err != nil {
		return err
	}

	kind, err := catalog.ParseKind(*kindFlag)
	if err != nil {
		return err
	}

	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}

	if len(ids) != 1 {
		return errors.New("download takes exactly one match id, use bulk for more")
	}

	item, err := a.portal.GetItem(ctx, ids[0])
	if err != nil {
		return fmt.Errorf("failed to get match %d: %w", ids[0], err)
	}

	ctx = logctx.WithKey(ctx, catalog.Key{ItemID: item.ID, Kind: kind})

	if rec, ok := a.ledger.Get(ctx, item.ID, kind); ok {
		fmt.Printf("Already downloaded: %s\n", rec.Filepath)

		return nil
	}

	handle, available, err := a.resolver.Resolve(ctx, item, kind)
	if err != nil {
		return fmt.Errorf("failed to check availability: %w", err)
	}

	if !available {
		return fmt.Errorf("%s is not available for %s", kind, item.Title())
	}

	printer := newProgressPrinter(os.Stdout, catalog.Key{ItemID: item.ID, Kind: kind})
	unsubscribe := a.coord.Subscribe(printer.Listen)

	res := a.coord.StartTransfer(ctx, item, handle, kind, coordinator.StartOptions{Dir: kindDir(a, kind)})

	unsubscribe()
	printer.Done()

	switch {
	case res.Err != nil:
		return fmt.Errorf("download failed: %w", res.Err)
	case res.AlreadyPresent:
		fmt.Printf("Already downloaded: %s\n", res.Filepath)
	default:
		fmt.Printf("Downloaded: %s (%s)\n", res.Filepath, humanize.Bytes(uint64(res.Bytes)))
	}

	return nil
}

func runBulk(ctx context.Context, a *app, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	fs := flag.NewFlagSet("bulk", flag.ContinueOnError)
	kindsFlag := fs.String("kinds", "video,stats", "comma separated content kinds")
	flat := fs.Bool("flat", !a.cfg.OrganizeByKind, "write every kind into the target directory itself")
	workers := fs.Int("workers", a.cfg.BulkWorkers, "pairs processed at once")

	if err := fs.Parse(args); err != nil {
		return err
	}

	kinds, err := catalog.ParseKinds(*kindsFlag)
	if err != nil {
		return err
	}

	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}

	selections := make([]bulk.Selection, 0, len(ids))

	for _, id := range ids {
		item, err := a.portal.GetItem(ctx, id)
		if err != nil {
			if errors.Is(err, portal.ErrNotFound) {
				logger.Warn("skipping unknown match", "item_id", id)
				fmt.Printf("Unknown match %d, skipped\n", id)

				continue
			}

			return fmt.Errorf("failed to get match %d: %w", id, err)
		}

		selections = append(selections, bulk.Selection{Item: item, Kinds: kinds})
	}

	orch := bulk.New(a.coord, a.ledger, a.resolver, a.telemetry)

	summary, err := orch.Run(ctx, selections, bulk.Options{
		BaseDir:        a.cfg.TargetDir,
		OrganizeByKind: !*flat,
		Workers:        *workers,
	})
	if err != nil {
		return err
	}

	for _, out := range summary.Outcomes {
		switch out.Status {
		case bulk.StatusFailed:
			fmt.Printf("  failed   %s %s (%s): %v\n", out.Item.Title(), out.Key.Kind, transfer.Category(out.Err), out.Err)
		case bulk.StatusSkipped:
			fmt.Printf("  skipped  %s %s: %s\n", out.Item.Title(), out.Key.Kind, out.Reason)
		default:
			fmt.Printf("  done     %s %s: %s\n", out.Item.Title(), out.Key.Kind, out.Filepath)
		}
	}

	fmt.Println(summary.String())

	if summary.Failed > 0 {
		if n := summary.Retryable(); n > 0 {
			fmt.Printf("%d failed download(s) may succeed if you run the same bulk command again\n", n)
		}

		return fmt.Errorf("%d of %d downloads failed", summary.Failed, summary.Total())
	}

	return nil
}

func runRecords(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	kindFlag := fs.String("kind", "", "only list this content kind")

	if err := fs.Parse(args); err != nil {
		return err
	}

	kind, err := parseOptionalKind(*kindFlag)
	if err != nil {
		return err
	}

	records := a.ledger.List(ctx, kind)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MATCH\tKIND\tSIZE\tDOWNLOADED\tPATH")

	for _, rec := range records {
		size := "-"
		if info, err := os.Stat(rec.Filepath); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}

		when := rec.Timestamp
		if t, err := rec.DownloadedAt(); err == nil {
			when = humanize.Time(t)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", rec.ItemID, rec.Kind, size, when, rec.Filepath)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("%d download(s)\n", len(records))

	return nil
}

func runForget(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	kindFlag := fs.String("kind", "", "only forget this content kind")

	if err := fs.Parse(args); err != nil {
		return err
	}

	kind, err := parseOptionalKind(*kindFlag)
	if err != nil {
		return err
	}

	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := a.ledger.Remove(ctx, id, kind); err != nil {
			return fmt.Errorf("failed to forget match %d: %w", id, err)
		}

		fmt.Printf("Forgot match %d (%s)\n", id, kind)
	}

	return nil
}

func runSweep(ctx context.Context, a *app, _ []string) error {
	removed, err := cleanup.DeletePartialFiles(ctx, a.cfg.TargetDir, a.cfg.PartialMaxAge)
	if err != nil {
		return fmt.Errorf("failed to delete partial files: %w", err)
	}

	fmt.Printf("Removed %d partial file(s)\n", removed)

	if a.cfg.KeepDownloadedFor <= 0 {
		return nil
	}

	expired, err := cleanup.DeleteExpiredFiles(ctx, a.ledger.List(ctx, catalog.KindAny), a.cfg.KeepDownloadedFor)
	if err != nil {
		return fmt.Errorf("failed to delete expired files: %w", err)
	}

	// a read prunes the records of the deleted files
	_ = a.ledger.List(ctx, catalog.KindAny)

	fmt.Printf("Removed %d expired download(s)\n", expired)

	return nil
}

// progressPrinter renders the live progress line of one transfer.
type progressPrinter struct {
	out io.Writer
	key catalog.Key

	mu      sync.Mutex
	last    string
	started time.Time
}

func newProgressPrinter(out io.Writer, key catalog.Key) *progressPrinter {
	return &progressPrinter{out: out, key: key, started: time.Now()}
}

func (p *progressPrinter) Listen(s coordinator.State) {
	for _, at := range s.Active {
		if at.Key != p.key {
			continue
		}

		line := renderProgress(at.Progress, time.Since(p.started))

		p.mu.Lock()
		if line != p.last {
			p.last = line
			fmt.Fprintf(p.out, "\r\033[2K%s", line)
		}
		p.mu.Unlock()

		return
	}
}

// Done ends the progress line.
func (p *progressPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != "" {
		fmt.Fprintln(p.out)
	}
}

func renderProgress(pr transfer.Progress, elapsed time.Duration) string {
	if pr.TotalBytes <= 0 {
		return fmt.Sprintf("%s  %s  %s", pr.Status, humanize.Bytes(uint64(pr.BytesDownloaded)), elapsed.Truncate(time.Second))
	}

	return fmt.Sprintf("%s  %5.1f%%  %s / %s  %s",
		pr.Status,
		pr.Percent,
		humanize.Bytes(uint64(pr.BytesDownloaded)),
		humanize.Bytes(uint64(pr.TotalBytes)),
		elapsed.Truncate(time.Second),
	)
}
