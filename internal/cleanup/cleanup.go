package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/match_downloader/internal/ledger"
	"github.com/italolelis/match_downloader/internal/logctx"
	"github.com/italolelis/match_downloader/internal/transfer"
)

// DeletePartialFiles removes partial downloads under dir that were last written
// more than olderThan ago. It returns the number of files removed.
func DeletePartialFiles(ctx context.Context, dir string, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), transfer.PartialSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Error("Failed to stat file", "file", path, "err", err)

			return nil
		}

		if now.Sub(info.ModTime()) <= olderThan {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete partial file", "file", path, "err", err)

			return err
		}

		logger.Info("Deleted partial file", "file", path)

		removed++

		return nil
	})

	return removed, err
}

// DeleteExpiredFiles deletes downloaded files older than keepDuration based on
// ledger records. The ledger drops the records on its next read.
func DeleteExpiredFiles(ctx context.Context, records []ledger.Record, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	for _, rec := range records {
		info, err := os.Stat(rec.Filepath)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", rec.Filepath, "err", err)

			return removed, err
		}

		downloadedAt, err := rec.DownloadedAt()
		if err != nil {
			logger.Warn("Failed to parse download time, using file mod time", "file", rec.Filepath, "err", err)

			downloadedAt = info.ModTime()
		}

		if now.Sub(downloadedAt) <= keepDuration {
			continue
		}

		if err := os.Remove(rec.Filepath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete expired file", "file", rec.Filepath, "err", err)

			return removed, err
		}

		logger.Info("Deleted expired file", "file", rec.Filepath, "item_id", rec.ItemID, "content_kind", rec.Kind.String())

		removed++
	}

	return removed, nil
}
