package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer/progress"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	defaultChunkSize     = 256 * 1024
	defaultStallTimeout  = time.Minute
	defaultProgressEvery = 100 * 1024 * 1024 // 100MB
)

// WorkerConfig tunes a Worker. Zero values fall back to defaults.
type WorkerConfig struct {
	ChunkSize     int
	StallTimeout  time.Duration
	ProgressEvery int64
}

// Worker performs single transfer attempts for claimed download records.
type Worker struct {
	repo      storage.Repository
	resolver  Resolver
	fetcher   Fetcher
	layout    Layout
	telemetry *telemetry.Telemetry

	chunkSize     int
	stallTimeout  time.Duration
	progressEvery int64
}

// NewWorker creates a new transfer worker.
func NewWorker(repo storage.Repository, resolver Resolver, fetcher Fetcher, layout Layout, tel *telemetry.Telemetry, cfg WorkerConfig) *Worker {
	w := &Worker{
		repo:          repo,
		resolver:      resolver,
		fetcher:       fetcher,
		layout:        layout,
		telemetry:     tel,
		chunkSize:     cfg.ChunkSize,
		stallTimeout:  cfg.StallTimeout,
		progressEvery: cfg.ProgressEvery,
	}

	if w.chunkSize <= 0 {
		w.chunkSize = defaultChunkSize
	}

	if w.stallTimeout <= 0 {
		w.stallTimeout = defaultStallTimeout
	}

	if w.progressEvery <= 0 {
		w.progressEvery = defaultProgressEvery
	}

	return w
}

// Layout returns the output layout used by the worker.
func (w *Worker) Layout() Layout {
	return w.layout
}

// QuarantineCorrupt moves the partial file of an unclaimed record aside when it no longer
// hashes to the recorded checksum, so the next attempt starts from zero instead of verifying
// the same bytes again. It reports whether a file was moved.
func (w *Worker) QuarantineCorrupt(ctx context.Context, rec *storage.DownloadRecord) (bool, error) {
	if rec.Checksum == "" {
		return false, nil
	}

	item, err := w.repo.GetItem(ctx, rec.ItemID)
	if err != nil {
		return false, fmt.Errorf("failed to load item: %w", err)
	}

	partialPath := w.layout.PartialPath(item, rec.FileName)

	f, err := os.Open(partialPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, &DiskError{Op: "open", Path: partialPath, Err: err}
	}

	sum, err := fileChecksum(f)
	_ = f.Close()

	if err != nil {
		return false, &DiskError{Op: "checksum", Path: partialPath, Err: err}
	}

	if sum == rec.Checksum {
		return false, nil
	}

	corruptPath := w.layout.CorruptPath(item, rec.FileName)
	if err := os.Rename(partialPath, corruptPath); err != nil {
		return false, &DiskError{Op: "rename", Path: corruptPath, Err: err}
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "moved corrupt partial file aside",
		"download_id", rec.ID, "target", corruptPath)

	return true, nil
}

// Transfer runs one attempt for a record the caller has claimed. On success the file is
// verified, moved into the item's downloads folder and the record is completed. Progress is
// persisted after every chunk, so a failed or cancelled attempt resumes where it stopped.
func (w *Worker) Transfer(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	// The partial file belongs to whoever holds the claim.
	if err := w.repo.Heartbeat(ctx, rec.ID, rec.LockedBy); err != nil {
		return nil, fmt.Errorf("failed to confirm claim: %w", err)
	}

	item, err := w.repo.GetItem(ctx, rec.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}

	link, err := w.resolveLink(ctx, item, rec)
	if err != nil {
		return nil, err
	}

	partialPath := w.layout.PartialPath(item, rec.FileName)
	finalPath := w.layout.FinalPath(item, rec.FileName)

	if err := ensureDir(partialPath); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(partialPath, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, &DiskError{Op: "open", Path: partialPath, Err: err}
	}
	defer f.Close()

	offset, err := w.repair(ctx, f, rec)
	if err != nil {
		return nil, err
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	body, err := w.fetcher.Fetch(reqCtx, link.URL, offset)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}
	defer body.Close()

	offset, total, err := w.reconcile(ctx, f, rec, body, offset)
	if err != nil {
		return nil, err
	}

	written, err := w.stream(ctx, cancelReq, f, rec, body, offset, total)
	if err != nil {
		return nil, err
	}

	if total >= 0 && written != total {
		return nil, &NetworkError{
			Operation:  "fetch",
			APIMessage: fmt.Sprintf("short read: got %d of %d bytes", written, total),
		}
	}

	return w.finalize(ctx, f, rec, partialPath, finalPath, written, total)
}

func (w *Worker) resolveLink(ctx context.Context, item *storage.Item, rec *storage.DownloadRecord) (*Link, error) {
	links, err := w.resolver.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}

	for i := range links {
		if links[i].FileName != rec.FileName {
			continue
		}

		if links[i].URL != rec.SourceURL {
			if err := w.repo.SetSourceURL(ctx, rec.ID, rec.LockedBy, links[i].URL); err != nil {
				return nil, fmt.Errorf("failed to refresh source url: %w", err)
			}

			rec.SourceURL = links[i].URL
		}

		return &links[i], nil
	}

	return nil, &ParseError{Page: "downloads", Reason: fmt.Sprintf("file %q is no longer listed for item %s", rec.FileName, rec.ItemID)}
}

// repair makes the partial file and the record agree and returns the offset to resume from.
// Bytes past the recorded progress may be torn and are dropped; a file shorter than the record
// moves the record back to what is actually on disk.
func (w *Worker) repair(ctx context.Context, f *os.File, rec *storage.DownloadRecord) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	info, err := f.Stat()
	if err != nil {
		return 0, &DiskError{Op: "stat", Path: f.Name(), Err: err}
	}

	size := info.Size()

	switch {
	case size > rec.BytesWritten:
		logger.DebugContext(ctx, "truncating partial file to recorded progress",
			"on_disk", humanize.Bytes(uint64(size)), "recorded", humanize.Bytes(uint64(rec.BytesWritten)))

		if err := f.Truncate(rec.BytesWritten); err != nil {
			return 0, &DiskError{Op: "truncate", Path: f.Name(), Err: err}
		}
	case size < rec.BytesWritten:
		logger.WarnContext(ctx, "partial file is shorter than recorded progress, resuming from disk",
			"on_disk", size, "recorded", rec.BytesWritten)

		if err := w.repo.SetProgress(ctx, rec.ID, rec.LockedBy, size, rec.TotalBytes); err != nil {
			return 0, fmt.Errorf("failed to reset progress: %w", err)
		}

		rec.BytesWritten = size
	}

	return rec.BytesWritten, nil
}

// reconcile checks the response against what is on disk and persists the remote size.
// It returns the offset the stream starts at and the expected total (-1 if unknown).
func (w *Worker) reconcile(ctx context.Context, f *os.File, rec *storage.DownloadRecord, body *Body, offset int64) (int64, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if offset > 0 && !body.Partial {
		logger.WarnContext(ctx, "range not supported, restarting from zero", "discarded", humanize.Bytes(uint64(offset)))

		if err := w.restart(ctx, f, rec, nil); err != nil {
			return 0, 0, err
		}

		offset = 0
	}

	if body.Partial && body.Offset != offset {
		return 0, 0, &NetworkError{
			Operation:  "fetch",
			StatusCode: 206,
			APIMessage: fmt.Sprintf("range starts at %d, expected %d", body.Offset, offset),
		}
	}

	total := body.Total
	if total < 0 {
		if rec.TotalBytes != nil {
			total = *rec.TotalBytes
		}

		return offset, total, nil
	}

	changed := rec.TotalBytes != nil && *rec.TotalBytes != total
	if offset > 0 && (changed || total < offset) {
		logger.WarnContext(ctx, "remote file changed, restarting from zero",
			"recorded_total", rec.TotalBytes, "remote_total", total, "offset", offset)

		if err := w.restart(ctx, f, rec, &total); err != nil {
			return 0, 0, err
		}

		return 0, 0, &NetworkError{Operation: "fetch", APIMessage: "remote file size changed"}
	}

	if rec.TotalBytes == nil || changed {
		if err := w.repo.SetProgress(ctx, rec.ID, rec.LockedBy, offset, &total); err != nil {
			return 0, 0, fmt.Errorf("failed to store total size: %w", err)
		}

		rec.TotalBytes = &total
	}

	return offset, total, nil
}

func (w *Worker) restart(ctx context.Context, f *os.File, rec *storage.DownloadRecord, total *int64) error {
	if err := f.Truncate(0); err != nil {
		return &DiskError{Op: "truncate", Path: f.Name(), Err: err}
	}

	if err := w.repo.SetProgress(ctx, rec.ID, rec.LockedBy, 0, total); err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}

	if rec.Checksum != "" {
		if err := w.repo.SetChecksum(ctx, rec.ID, rec.LockedBy, ""); err != nil {
			return fmt.Errorf("failed to clear checksum: %w", err)
		}

		rec.Checksum = ""
	}

	rec.BytesWritten = 0
	rec.TotalBytes = total

	return nil
}

// stream copies the body to f in chunks. Every chunk is written, synced and recorded before the
// next one is read. A chunk that does not arrive within the stall timeout aborts the request.
func (w *Worker) stream(
	ctx context.Context, cancelReq context.CancelFunc, f *os.File, rec *storage.DownloadRecord, body *Body, offset, total int64,
) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, &DiskError{Op: "seek", Path: f.Name(), Err: err}
	}

	logger.InfoContext(ctx, "downloading file", "offset", humanize.Bytes(uint64(offset)), "file_size", sizeLabel(total))

	reader := progress.NewReader(body, offset, total, w.progressEvery, func(written, total int64) {
		logProgress(ctx, written, total)
	})

	var stalled atomic.Bool

	timer := time.AfterFunc(w.stallTimeout, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer timer.Stop()

	// Progress is recorded even when ctx is cancelled mid-chunk so the bytes already synced count.
	persistCtx := context.WithoutCancel(ctx)
	buf := make([]byte, w.chunkSize)
	written := offset

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		timer.Reset(w.stallTimeout)

		n, readErr := fill(reader, buf)
		if n > 0 {
			if total >= 0 && written+int64(n) > total {
				return written, &NetworkError{Operation: "fetch", APIMessage: "server sent more bytes than announced"}
			}

			if _, err := f.Write(buf[:n]); err != nil {
				return written, &DiskError{Op: "write", Path: f.Name(), Err: err}
			}

			if err := f.Sync(); err != nil {
				return written, &DiskError{Op: "sync", Path: f.Name(), Err: err}
			}

			written += int64(n)

			if err := w.repo.UpdateProgress(persistCtx, rec.ID, rec.LockedBy, written); err != nil {
				return written, fmt.Errorf("failed to record progress: %w", err)
			}

			rec.BytesWritten = written
			w.telemetry.RecordBytesDownloaded(int64(n))
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF):
			return written, nil
		case stalled.Load():
			return written, &NetworkError{
				Operation:  "fetch",
				APIMessage: fmt.Sprintf("no data received for %s", w.stallTimeout),
				Err:        readErr,
			}
		case ctx.Err() != nil:
			return written, ctx.Err()
		default:
			return written, &NetworkError{Operation: "fetch", APIMessage: readErr.Error(), Err: readErr}
		}
	}
}

// fill reads into buf until it is full or the body returns an error. Only a bare io.EOF marks
// the end of the file; io.ErrUnexpectedEOF from the body is a dropped connection.
func fill(r io.Reader, buf []byte) (int, error) {
	filled := 0

	for filled < len(buf) {
		n, err := r.Read(buf[filled:])
		filled += n

		if err != nil {
			return filled, err
		}
	}

	return filled, nil
}

func (w *Worker) finalize(
	ctx context.Context, f *os.File, rec *storage.DownloadRecord, partialPath, finalPath string, written, total int64,
) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)
	persistCtx := context.WithoutCancel(ctx)

	if total < 0 {
		if err := w.repo.SetProgress(persistCtx, rec.ID, rec.LockedBy, written, &written); err != nil {
			return nil, fmt.Errorf("failed to store total size: %w", err)
		}
	}

	sum, err := fileChecksum(f)
	if err != nil {
		return nil, &DiskError{Op: "checksum", Path: partialPath, Err: err}
	}

	if rec.Checksum != "" && rec.Checksum != sum {
		return nil, &IntegrityError{Path: partialPath, Expected: rec.Checksum, Actual: sum}
	}

	if err := w.repo.SetChecksum(persistCtx, rec.ID, rec.LockedBy, sum); err != nil {
		return nil, fmt.Errorf("failed to store checksum: %w", err)
	}

	rec.Checksum = sum

	if err := f.Close(); err != nil {
		return nil, &DiskError{Op: "close", Path: partialPath, Err: err}
	}

	if err := ensureDir(finalPath); err != nil {
		return nil, err
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		return nil, &DiskError{Op: "rename", Path: finalPath, Err: err}
	}

	if err := w.repo.MarkCompleted(persistCtx, rec.ID, rec.LockedBy, sum); err != nil {
		return nil, fmt.Errorf("failed to complete download: %w", err)
	}

	logger.InfoContext(ctx, "downloaded and verified file", "target", finalPath, "file_size", humanize.Bytes(uint64(written)))

	return w.repo.GetDownload(persistCtx, rec.ID)
}

func fileChecksum(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &DiskError{Op: "mkdir", Path: dir, Err: err}
	}

	return nil
}

func sizeLabel(total int64) string {
	if total < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(total))
}

func logProgress(ctx context.Context, written, total int64) {
	logger := logctx.LoggerFromContext(ctx)

	if total > 0 {
		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))

		return
	}

	logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
}
