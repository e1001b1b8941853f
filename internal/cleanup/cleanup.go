package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// unfinished records own their partial files: failed ones keep them for an explicit retry.
var unfinished = []storage.State{storage.StatePending, storage.StateInProgress, storage.StatePaused, storage.StateFailed}

// DeleteOrphanedPartials removes partial files under the layout root that no unfinished
// download owns and that were not touched for minAge. It returns the number of files removed.
func DeleteOrphanedPartials(ctx context.Context, repo storage.Repository, layout transfer.Layout, minAge time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	owned, err := ownedPartials(ctx, repo, layout)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0

	var freed uint64

	err = filepath.WalkDir(layout.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !transfer.IsPartialFile(path) {
			return nil
		}

		if _, ok := owned[filepath.Clean(path)]; ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil // already deleted
		}

		if now.Sub(info.ModTime()) < minAge {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete orphaned partial file", "file", path, "err", err)

			return &transfer.DiskError{Op: "remove", Path: path, Err: err}
		}

		removed++
		freed += uint64(info.Size())

		logger.InfoContext(ctx, "deleted orphaned partial file", "file", path, "size", humanize.Bytes(uint64(info.Size())))

		// The partial area goes away with its last file.
		_ = os.Remove(filepath.Dir(path))

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to scan %s: %w", layout.Root, err)
	}

	if removed > 0 {
		logger.InfoContext(ctx, "partial cleanup finished", "files", removed, "freed", humanize.Bytes(freed))
	}

	return removed, nil
}

func ownedPartials(ctx context.Context, repo storage.Repository, layout transfer.Layout) (map[string]struct{}, error) {
	records, err := repo.GetDownloads(ctx, storage.DownloadFilter{States: unfinished})
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished downloads: %w", err)
	}

	items := make(map[string]*storage.Item)
	owned := make(map[string]struct{}, len(records))

	for _, rec := range records {
		item, ok := items[rec.ItemID]
		if !ok {
			item, err = repo.GetItem(ctx, rec.ItemID)
			if err != nil {
				return nil, fmt.Errorf("failed to load item %s: %w", rec.ItemID, err)
			}

			items[rec.ItemID] = item
		}

		owned[filepath.Clean(layout.PartialPath(item, rec.FileName))] = struct{}{}
	}

	return owned, nil
}
