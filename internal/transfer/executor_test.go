package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/clock"
)

var testItem = catalog.Item{
	ID:   5,
	Date: time.Date(2024, 3, 15, 19, 0, 0, 0, time.UTC),
	Home: "Duke",
	Away: "UNC",
}

func newTestExecutor() *Executor {
	return NewExecutor(Options{Clock: clock.NewManual(time.Unix(0, 0))})
}

// chunkedHandler writes each chunk separately and flushes in between.
func chunkedHandler(chunks ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		total := 0
		for _, c := range chunks {
			total += c
		}

		w.Header().Set("Content-Length", strconv.Itoa(total))
		w.WriteHeader(http.StatusOK)

		for _, c := range chunks {
			_, _ = w.Write([]byte(strings.Repeat("x", c)))
			w.(http.Flusher).Flush()
		}
	}
}

func TestDownload_StreamedProgressIsMonotonic(t *testing.T) {
	srv := httptest.NewServer(chunkedHandler(100, 250, 50))
	defer srv.Close()

	var seen []Progress

	req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: t.TempDir()}
	res := newTestExecutor().Download(context.Background(), req, func(p Progress) { seen = append(seen, p) })

	require.NoError(t, res.Err)
	assert.False(t, res.AlreadyPresent)
	assert.Equal(t, int64(400), res.Bytes)
	assert.Equal(t, filepath.Join(req.Dir, "2024-03-15_Duke_vs_UNC.mp4"), res.Filepath)

	require.NotEmpty(t, seen)

	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].BytesDownloaded, seen[i-1].BytesDownloaded)
	}

	last := seen[len(seen)-1]
	assert.Equal(t, int64(400), last.BytesDownloaded)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.InDelta(t, 100, last.Percent, 0)

	data, err := os.ReadFile(res.Filepath)
	require.NoError(t, err)
	assert.Len(t, data, 400)

	_, err = os.Stat(res.Filepath + PartialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_SkipsExistingFileWithoutNetwork(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: dir}
	require.NoError(t, os.WriteFile(TargetPath(req), []byte("existing"), 0o644))

	res := newTestExecutor().Download(context.Background(), req, nil)

	require.NoError(t, res.Err)
	assert.True(t, res.AlreadyPresent)
	assert.Equal(t, int32(0), calls.Load())

	data, err := os.ReadFile(res.Filepath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
}

func TestDownload_RedownloadsEmptyFile(t *testing.T) {
	srv := httptest.NewServer(chunkedHandler(10))
	defer srv.Close()

	req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: t.TempDir()}
	require.NoError(t, os.WriteFile(TargetPath(req), nil, 0o644))

	res := newTestExecutor().Download(context.Background(), req, nil)
	require.NoError(t, res.Err)
	assert.False(t, res.AlreadyPresent)
	assert.Equal(t, int64(10), res.Bytes)
}

func TestDownload_TruncatedStreamLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: t.TempDir()}
	res := newTestExecutor().Download(context.Background(), req, nil)

	require.Error(t, res.Err)

	var netErr *NetworkError
	assert.ErrorAs(t, res.Err, &netErr)

	_, err := os.Stat(TargetPath(req))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(TargetPath(req) + PartialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusUnauthorized, func(t *testing.T, err error) {
			var authErr *AuthenticationError
			assert.ErrorAs(t, err, &authErr)
		}},
		{http.StatusForbidden, func(t *testing.T, err error) {
			var authErr *AuthenticationError
			assert.ErrorAs(t, err, &authErr)
		}},
		{http.StatusNotFound, func(t *testing.T, err error) {
			var netErr *NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
		}},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			var netErr *NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
		}},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: t.TempDir()}
			res := newTestExecutor().Download(context.Background(), req, nil)

			require.Error(t, res.Err)
			tt.check(t, res.Err)

			_, err := os.Stat(TargetPath(req))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestDownload_EmptyBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := Request{Item: testItem, Kind: catalog.KindVideo, Handle: catalog.Handle{URL: srv.URL}, Dir: t.TempDir()}
	res := newTestExecutor().Download(context.Background(), req, nil)

	var contentErr *InvalidContentError
	assert.ErrorAs(t, res.Err, &contentErr)
}

func TestDownload_Generated(t *testing.T) {
	payload := []byte("<?xml version=\"1.0\"?><game>" + strings.Repeat("<play/>", 20) + "</game>")

	var seen []Progress

	req := Request{
		Item: testItem,
		Kind: catalog.KindStats,
		Handle: catalog.Handle{Generate: func(context.Context) ([]byte, error) {
			return payload, nil
		}},
		Dir: t.TempDir(),
	}

	res := newTestExecutor().Download(context.Background(), req, func(p Progress) { seen = append(seen, p) })

	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(req.Dir, "2024-03-15_Duke_vs_UNC.xml"), res.Filepath)

	require.Len(t, seen, 2)
	assert.InDelta(t, 0, seen[0].Percent, 0)
	assert.InDelta(t, 100, seen[1].Percent, 0)
	assert.Equal(t, StatusCompleted, seen[1].Status)

	data, err := os.ReadFile(res.Filepath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownload_GeneratedTooSmall(t *testing.T) {
	req := Request{
		Item: testItem,
		Kind: catalog.KindStats,
		Handle: catalog.Handle{Generate: func(context.Context) ([]byte, error) {
			return []byte("<game/>"), nil
		}},
		Dir: t.TempDir(),
	}

	res := newTestExecutor().Download(context.Background(), req, nil)

	var contentErr *InvalidContentError
	require.ErrorAs(t, res.Err, &contentErr)

	_, err := os.Stat(TargetPath(req))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_GeneratedWithoutMarkerIsKept(t *testing.T) {
	req := Request{
		Item: testItem,
		Kind: catalog.KindStats,
		Handle: catalog.Handle{Generate: func(context.Context) ([]byte, error) {
			return []byte(strings.Repeat("a", 150)), nil
		}},
		Dir: t.TempDir(),
	}

	res := newTestExecutor().Download(context.Background(), req, nil)
	require.NoError(t, res.Err)
}

func TestDownload_GeneratorError(t *testing.T) {
	cause := errors.New("export failed")

	req := Request{
		Item: testItem,
		Kind: catalog.KindStats,
		Handle: catalog.Handle{Generate: func(context.Context) ([]byte, error) {
			return nil, cause
		}},
		Dir: t.TempDir(),
	}

	res := newTestExecutor().Download(context.Background(), req, nil)
	assert.ErrorIs(t, res.Err, cause)
}

func TestDownload_PanicBecomesResult(t *testing.T) {
	req := Request{
		Item: testItem,
		Kind: catalog.KindStats,
		Handle: catalog.Handle{Generate: func(context.Context) ([]byte, error) {
			panic("boom")
		}},
		Dir: t.TempDir(),
	}

	var res Result

	assert.NotPanics(t, func() {
		res = newTestExecutor().Download(context.Background(), req, nil)
	})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "boom")
}

func TestDownload_EmptyHandle(t *testing.T) {
	req := Request{Item: testItem, Kind: catalog.KindVideo, Dir: t.TempDir()}

	res := newTestExecutor().Download(context.Background(), req, nil)

	var contentErr *InvalidContentError
	assert.ErrorAs(t, res.Err, &contentErr)
}

func TestDownload_DirectoryError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	req := Request{
		Item:   testItem,
		Kind:   catalog.KindVideo,
		Handle: catalog.Handle{URL: "http://127.0.0.1:1"},
		Dir:    filepath.Join(blocker, "sub"),
	}

	res := newTestExecutor().Download(context.Background(), req, nil)

	var dirErr *DirectoryError
	assert.ErrorAs(t, res.Err, &dirErr)
}
