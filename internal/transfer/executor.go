// Package transfer performs single downloads of match content to disk.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/clock"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/transfer/progress"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// PartialSuffix marks a file that is still being written.
	PartialSuffix = ".part"

	// DefaultMinAuxBytes is the smallest generated file accepted as real content.
	DefaultMinAuxBytes = 100

	logEvery = int64(100 * 1024 * 1024)
)

// Request describes one transfer.
type Request struct {
	Item   catalog.Item
	Kind   catalog.Kind
	Handle catalog.Handle
	Dir    string
}

// Result is the outcome of a transfer. Err is nil on success.
type Result struct {
	Filepath       string
	Bytes          int64
	AlreadyPresent bool
	Err            error
}

// Downloader performs one transfer and always returns a Result.
type Downloader interface {
	Download(ctx context.Context, req Request, onProgress func(Progress)) Result
}

// Options configures an Executor. Zero values select the defaults.
type Options struct {
	HTTPClient       *http.Client
	Clock            clock.Clock
	ProgressInterval time.Duration
	MinAuxBytes      int
	GenerateTimeout  time.Duration
}

// Executor downloads content either by streaming a URL or by calling a generator.
type Executor struct {
	client           *http.Client
	clock            clock.Clock
	progressInterval time.Duration
	minAuxBytes      int
	generateTimeout  time.Duration
}

func NewExecutor(opts Options) *Executor {
	e := &Executor{
		client:           opts.HTTPClient,
		clock:            opts.Clock,
		progressInterval: opts.ProgressInterval,
		minAuxBytes:      opts.MinAuxBytes,
		generateTimeout:  opts.GenerateTimeout,
	}

	if e.client == nil {
		e.client = http.DefaultClient
	}

	if e.clock == nil {
		e.clock = clock.New()
	}

	if e.progressInterval <= 0 {
		e.progressInterval = DefaultProgressInterval
	}

	if e.minAuxBytes <= 0 {
		e.minAuxBytes = DefaultMinAuxBytes
	}

	if e.generateTimeout <= 0 {
		e.generateTimeout = 30 * time.Second
	}

	return e
}

// TargetPath returns where req's content is written.
func TargetPath(req Request) string {
	return filepath.Join(req.Dir, catalog.FileName(req.Item, req.Kind))
}

// Download writes the content of req to its target path. An existing
// non-empty target short-circuits to success without any network call. On
// failure the partial file is removed.
func (e *Executor) Download(ctx context.Context, req Request, onProgress func(Progress)) (res Result) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	target := TargetPath(req)
	logger := logctx.LoggerFromContext(ctx).With("target", target)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "transfer panicked", "panic", r)
			removePartial(target)

			res = Result{Filepath: target, Err: fmt.Errorf("transfer panicked: %v", r)}
		}
	}()

	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		logger.DebugContext(ctx, "file already present, skipping download", "file_size", humanize.Bytes(uint64(info.Size())))
		onProgress(NewProgress(info.Size(), info.Size(), StatusCompleted))

		return Result{Filepath: target, Bytes: info.Size(), AlreadyPresent: true}
	}

	if err := ensureTargetDir(target, logger); err != nil {
		return Result{Filepath: target, Err: err}
	}

	var (
		written int64
		err     error
	)

	switch {
	case req.Handle.Streamed():
		written, err = e.stream(ctx, req.Handle.URL, target, logger, onProgress)
	case req.Handle.Generate != nil:
		written, err = e.generate(ctx, req, target, logger, onProgress)
	default:
		err = &InvalidContentError{Filename: filepath.Base(target), Reason: "content handle has neither a URL nor a generator"}
	}

	if err != nil {
		removePartial(target)
		logger.ErrorContext(ctx, "transfer failed", "err", err)

		return Result{Filepath: target, Err: err}
	}

	logger.InfoContext(ctx, "downloaded and saved file", "file_size", humanize.Bytes(uint64(written)))

	return Result{Filepath: target, Bytes: written}
}

func (e *Executor) stream(ctx context.Context, url, target string, logger *slog.Logger, onProgress func(Progress)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &NetworkError{Operation: "download", APIMessage: "invalid content url", Err: err}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Operation: "download", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, &AuthenticationError{Operation: "download"}
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return 0, &NetworkError{Operation: "download", StatusCode: resp.StatusCode, APIMessage: resp.Status}
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	logger.InfoContext(ctx, "downloading file", "file_size", humanize.Bytes(uint64(total)))

	out, err := os.Create(target + PartialSuffix)
	if err != nil {
		return 0, &DirectoryError{DirectoryName: filepath.Dir(target), Reason: "failed to create partial file", Err: err}
	}

	throttle := NewThrottle(e.clock, e.progressInterval, onProgress)
	throttle.Update(NewProgress(0, total, StatusDownloading))

	completed := false
	defer func() {
		if !completed {
			throttle.Stop()
			_ = out.Close()
		}
	}()

	nextLog := logEvery
	pr := progress.NewReader(resp.Body, func(read int64) {
		throttle.Update(NewProgress(read, total, StatusDownloading))

		if read >= nextLog {
			nextLog += logEvery
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)))
		}
	})

	written, err := io.Copy(out, pr)
	if err != nil {
		return written, &NetworkError{Operation: "download", APIMessage: "stream interrupted", Err: err}
	}

	if total > 0 && written != total {
		return written, &NetworkError{
			Operation:  "download",
			APIMessage: fmt.Sprintf("stream ended after %d of %d bytes", written, total),
			Err:        io.ErrUnexpectedEOF,
		}
	}

	if written == 0 {
		return 0, &InvalidContentError{Filename: filepath.Base(target), Reason: "empty response body"}
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("failed to flush file: %w", err)
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(target+PartialSuffix, target); err != nil {
		return written, fmt.Errorf("failed to move partial file into place: %w", err)
	}

	completed = true

	throttle.Flush(NewProgress(written, total, StatusCompleted))

	return written, nil
}

func (e *Executor) generate(ctx context.Context, req Request, target string, logger *slog.Logger, onProgress func(Progress)) (int64, error) {
	onProgress(NewProgress(0, 0, StatusDownloading))

	gctx, cancel := context.WithTimeout(ctx, e.generateTimeout)
	defer cancel()

	payload, err := req.Handle.Generate(gctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, &NetworkError{Operation: "generate", APIMessage: "generation timed out", Err: err}
		}

		return 0, fmt.Errorf("failed to generate %s: %w", req.Kind, err)
	}

	if len(payload) < e.minAuxBytes {
		return 0, &InvalidContentError{
			Filename: filepath.Base(target),
			Reason:   fmt.Sprintf("payload has %d bytes, want at least %d", len(payload), e.minAuxBytes),
		}
	}

	if marker, ok := structuralMarker(req.Kind); ok && !hasMarker(payload, marker) {
		logger.WarnContext(ctx, "generated content does not look like the expected format",
			"content_kind", req.Kind, "marker", string(marker))
	}

	if err := os.WriteFile(target+PartialSuffix, payload, filePerm); err != nil {
		return 0, &DirectoryError{DirectoryName: filepath.Dir(target), Reason: "failed to write file", Err: err}
	}

	if err := os.Rename(target+PartialSuffix, target); err != nil {
		return 0, fmt.Errorf("failed to move partial file into place: %w", err)
	}

	size := int64(len(payload))
	onProgress(NewProgress(size, size, StatusCompleted))

	return size, nil
}

// structuralMarker is the first non-space byte expected for kinds with a known text format.
func structuralMarker(kind catalog.Kind) (byte, bool) {
	if kind == catalog.KindStats {
		return '<', true
	}

	return 0, false
}

func hasMarker(payload []byte, marker byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n\ufeff")

	return len(trimmed) > 0 && trimmed[0] == marker
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return &DirectoryError{DirectoryName: dir, Reason: "failed to create target directory", Err: err}
	}

	return nil
}

// removePartial deletes the partial and target files, ignoring errors.
func removePartial(target string) {
	_ = os.Remove(target + PartialSuffix)

	if info, err := os.Stat(target); err == nil && info.Size() == 0 {
		_ = os.Remove(target)
	}
}
