package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/clock"
	"github.com/italolelis/match_downloader/internal/coordinator"
	"github.com/italolelis/match_downloader/internal/ledger"
	"github.com/italolelis/match_downloader/internal/ledger/jsonfile"
	"github.com/italolelis/match_downloader/internal/transfer"
)

type fakeDownloader struct {
	mu       sync.Mutex
	fail     map[catalog.Key]bool
	calls    map[catalog.Key]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{fail: map[catalog.Key]bool{}, calls: map[catalog.Key]int{}}
}

func (f *fakeDownloader) Download(_ context.Context, req transfer.Request, onProgress func(transfer.Progress)) transfer.Result {
	key := catalog.Key{ItemID: req.Item.ID, Kind: req.Kind}

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[key]++
	fail := f.fail[key]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if fail {
		return transfer.Result{Err: &transfer.NetworkError{Operation: "download", APIMessage: "connection reset", Err: errors.New("connection reset")}}
	}

	target := transfer.TargetPath(req)
	if err := os.WriteFile(target, []byte("content"), 0o644); err != nil {
		return transfer.Result{Err: err}
	}

	if onProgress != nil {
		onProgress(transfer.NewProgress(7, 7, transfer.StatusCompleted))
	}

	return transfer.Result{Filepath: target, Bytes: 7}
}

func (f *fakeDownloader) callCount(key catalog.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[key]
}

func (f *fakeDownloader) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.calls {
		total += n
	}

	return total
}

type fixture struct {
	downloader *fakeDownloader
	coord      *coordinator.Coordinator
	ledger     *ledger.Ledger
	orch       *Orchestrator
	baseDir    string
}

func newFixture(t *testing.T, resolver catalog.Resolver) *fixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC))
	l := ledger.New(jsonfile.New(filepath.Join(t.TempDir(), "ledger.json")), clk)
	d := newFakeDownloader()
	coord := coordinator.New(d, l, coordinator.Options{Clock: clk})

	t.Cleanup(coord.Close)

	if resolver == nil {
		resolver = catalog.ResolverFunc(func(_ context.Context, item catalog.Item, kind catalog.Kind) (catalog.Handle, bool, error) {
			return catalog.Handle{URL: "http://portal.invalid/" + catalog.Key{ItemID: item.ID, Kind: kind}.String()}, true, nil
		})
	}

	return &fixture{
		downloader: d,
		coord:      coord,
		ledger:     l,
		orch:       New(coord, l, resolver, nil),
		baseDir:    t.TempDir(),
	}
}

func items(n int) []catalog.Item {
	out := make([]catalog.Item, n)
	for i := range out {
		out[i] = catalog.Item{
			ID:   int64(i + 1),
			Date: time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC),
			Home: "Home",
			Away: "Away",
		}
	}

	return out
}

func selectAll(list []catalog.Item, kinds ...catalog.Kind) []Selection {
	out := make([]Selection, len(list))
	for i, item := range list {
		out[i] = Selection{Item: item, Kinds: kinds}
	}

	return out
}

func TestRun_SummaryAccountsForEveryPair(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := newFixture(t, nil)
			list := items(3)
			opts := Options{BaseDir: f.baseDir, OrganizeByKind: true, Workers: workers}

			// two pairs were downloaded in an earlier session
			for _, key := range []catalog.Key{{ItemID: 1, Kind: catalog.KindVideo}, {ItemID: 2, Kind: catalog.KindStats}} {
				item := list[key.ItemID-1]
				path := transfer.TargetPath(transfer.Request{Item: item, Kind: key.Kind, Dir: filepath.Join(f.baseDir, key.Kind.Folder())})
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
				require.NoError(t, f.ledger.Record(context.Background(), key.ItemID, path, filepath.Base(path), key.Kind))
			}

			failing := catalog.Key{ItemID: 3, Kind: catalog.KindVideo}
			f.downloader.fail[failing] = true

			summary, err := f.orch.Run(context.Background(), selectAll(list, catalog.KindVideo, catalog.KindStats), opts)
			require.NoError(t, err)

			assert.Equal(t, 6, summary.Total())
			assert.Equal(t, 3, summary.Downloaded)
			assert.Equal(t, 2, summary.Skipped)
			assert.Equal(t, 1, summary.Failed)
			require.Len(t, summary.Outcomes, 6)

			assert.Equal(t, catalog.Key{ItemID: 1, Kind: catalog.KindVideo}, summary.Outcomes[0].Key)
			assert.Equal(t, ReasonAlreadyDownloaded, summary.Outcomes[0].Reason)
			assert.Equal(t, StatusFailed, summary.Outcomes[4].Status)

			var netErr *transfer.NetworkError
			assert.ErrorAs(t, summary.Outcomes[4].Err, &netErr)
			assert.Equal(t, 1, summary.Retryable())

			assert.Equal(t, 4, f.downloader.totalCalls())
			assert.Equal(t, 0, f.downloader.callCount(catalog.Key{ItemID: 1, Kind: catalog.KindVideo}))

			_, ok := f.ledger.Get(context.Background(), 2, catalog.KindVideo)
			assert.True(t, ok)

			_, ok = f.ledger.Get(context.Background(), 3, catalog.KindVideo)
			assert.False(t, ok)
		})
	}
}

func TestRun_OrganizeByKindLayout(t *testing.T) {
	f := newFixture(t, nil)
	list := items(1)

	summary, err := f.orch.Run(context.Background(), selectAll(list, catalog.KindVideo, catalog.KindStats),
		Options{BaseDir: f.baseDir, OrganizeByKind: true})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Downloaded)

	assert.FileExists(t, filepath.Join(f.baseDir, "videos", "2024-03-01_Home_vs_Away.mp4"))
	assert.FileExists(t, filepath.Join(f.baseDir, "stats", "2024-03-01_Home_vs_Away.xml"))
}

func TestRun_FlatLayout(t *testing.T) {
	f := newFixture(t, nil)

	summary, err := f.orch.Run(context.Background(), selectAll(items(1), catalog.KindVideo, catalog.KindStats),
		Options{BaseDir: f.baseDir})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Downloaded)

	assert.FileExists(t, filepath.Join(f.baseDir, "2024-03-01_Home_vs_Away.mp4"))
	assert.FileExists(t, filepath.Join(f.baseDir, "2024-03-01_Home_vs_Away.xml"))
}

func TestRun_UnavailableContentIsSkipped(t *testing.T) {
	resolver := catalog.ResolverFunc(func(_ context.Context, _ catalog.Item, kind catalog.Kind) (catalog.Handle, bool, error) {
		if kind == catalog.KindStats {
			return catalog.Handle{}, false, nil
		}

		return catalog.Handle{URL: "http://portal.invalid/video"}, true, nil
	})

	f := newFixture(t, resolver)

	summary, err := f.orch.Run(context.Background(), selectAll(items(2), catalog.KindVideo, catalog.KindStats),
		Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	for _, out := range summary.Outcomes {
		if out.Key.Kind == catalog.KindStats {
			assert.Equal(t, ReasonUnavailable, out.Reason)
		}
	}
}

func TestRun_ResolverErrorFailsPair(t *testing.T) {
	resolver := catalog.ResolverFunc(func(context.Context, catalog.Item, catalog.Kind) (catalog.Handle, bool, error) {
		return catalog.Handle{}, false, errors.New("portal down")
	})

	f := newFixture(t, resolver)

	summary, err := f.orch.Run(context.Background(), selectAll(items(1), catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, f.downloader.totalCalls())
}

func TestRun_ExistingFileIsRecordedAndSkipped(t *testing.T) {
	f := newFixture(t, nil)
	list := items(1)

	path := transfer.TargetPath(transfer.Request{Item: list[0], Kind: catalog.KindVideo, Dir: f.baseDir})
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))

	summary, err := f.orch.Run(context.Background(), selectAll(list, catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, f.downloader.totalCalls())

	rec, ok := f.ledger.Get(context.Background(), list[0].ID, catalog.KindVideo)
	require.True(t, ok)
	assert.Equal(t, path, rec.Filepath)
}

func TestRun_SessionCompletionIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	list := items(1)

	first, err := f.orch.Run(context.Background(), selectAll(list, catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)
	require.Equal(t, 1, first.Downloaded)

	second, err := f.orch.Run(context.Background(), selectAll(list, catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, f.downloader.totalCalls())
}

func TestRun_ParallelWorkersNeverDuplicateAPair(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.delay = 5 * time.Millisecond

	list := items(4)
	// the same item selected twice must still download once
	selections := append(selectAll(list, catalog.KindVideo), Selection{Item: list[0], Kinds: []catalog.Kind{catalog.KindVideo}})

	summary, err := f.orch.Run(context.Background(), selections, Options{BaseDir: f.baseDir, Workers: 3})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total())
	assert.Equal(t, 4, summary.Downloaded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, f.downloader.callCount(catalog.Key{ItemID: 1, Kind: catalog.KindVideo}))
	assert.LessOrEqual(t, f.downloader.maxSeen.Load(), int32(3))
}

func TestRun_BatchProgressIsClearedAndSummaryNotified(t *testing.T) {
	f := newFixture(t, nil)

	var (
		mu      sync.Mutex
		batches []coordinator.BatchProgress
	)

	unsubscribe := f.coord.Subscribe(func(s coordinator.State) {
		if s.Batch == nil {
			return
		}

		mu.Lock()
		batches = append(batches, *s.Batch)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := f.orch.Run(context.Background(), selectAll(items(2), catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Nil(t, f.coord.BatchProgress())

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, batches)
	assert.Equal(t, coordinator.BatchProgress{Current: 0, Total: 2}, batches[0])
	assert.Contains(t, batches, coordinator.BatchProgress{Current: 1, Total: 2, CurrentItemID: 1})
	assert.Contains(t, batches, coordinator.BatchProgress{Current: 2, Total: 2, CurrentItemID: 2})

	state := f.coord.State()
	require.Len(t, state.Notifications, 1)
	assert.Equal(t, "Bulk download finished: 2 downloaded, 0 skipped, 0 failed", state.Notifications[0].Message)
}

func TestRun_CancelledContextFailsRemainingPairs(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.orch.Run(ctx, selectAll(items(2), catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, f.downloader.totalCalls())
}

func TestRun_DirectoryError(t *testing.T) {
	f := newFixture(t, nil)

	blocker := filepath.Join(f.baseDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := f.orch.Run(context.Background(), selectAll(items(1), catalog.KindVideo),
		Options{BaseDir: blocker, OrganizeByKind: true})

	var dirErr *transfer.DirectoryError
	require.ErrorAs(t, err, &dirErr)
	assert.Equal(t, 0, f.downloader.totalCalls())
}

func TestRun_PanickingResolverFailsOnlyThatPair(t *testing.T) {
	resolver := catalog.ResolverFunc(func(_ context.Context, item catalog.Item, _ catalog.Kind) (catalog.Handle, bool, error) {
		if item.ID == 1 {
			panic("resolver bug")
		}

		return catalog.Handle{URL: "http://portal.invalid/ok"}, true, nil
	})

	f := newFixture(t, resolver)

	summary, err := f.orch.Run(context.Background(), selectAll(items(2), catalog.KindVideo), Options{BaseDir: f.baseDir})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Downloaded)
}
