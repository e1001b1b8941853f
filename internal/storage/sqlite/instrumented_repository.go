package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/telemetry"
)

// InstrumentedRepository wraps Repository with telemetry.
type InstrumentedRepository struct {
	repo      *Repository
	telemetry *telemetry.Telemetry
}

var _ storage.Repository = (*InstrumentedRepository)(nil)

// NewInstrumentedRepository creates a new instrumented repository.
func NewInstrumentedRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRepository {
	return &InstrumentedRepository{
		repo:      NewRepository(dbConn),
		telemetry: tel,
	}
}

func instrumented[T any](ctx context.Context, tel *telemetry.Telemetry, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}

// GetItem retrieves an item with telemetry.
func (r *InstrumentedRepository) GetItem(ctx context.Context, itemID string) (*storage.Item, error) {
	return instrumented(ctx, r.telemetry, "get_item", func(ctx context.Context) (*storage.Item, error) {
		return r.repo.GetItem(ctx, itemID)
	})
}

// ListItems lists items with telemetry.
func (r *InstrumentedRepository) ListItems(ctx context.Context, purchasedOnly bool) ([]storage.Item, error) {
	return instrumented(ctx, r.telemetry, "list_items", func(ctx context.Context) ([]storage.Item, error) {
		return r.repo.ListItems(ctx, purchasedOnly)
	})
}

// UpsertItem stores item metadata with telemetry.
func (r *InstrumentedRepository) UpsertItem(ctx context.Context, item *storage.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_item", func(ctx context.Context) error {
		return r.repo.UpsertItem(ctx, item)
	})
}

// UpsertPurchase records a purchase with telemetry.
func (r *InstrumentedRepository) UpsertPurchase(ctx context.Context, p storage.PurchaseRecord, folderPath string) (*storage.Item, error) {
	return instrumented(ctx, r.telemetry, "upsert_purchase", func(ctx context.Context) (*storage.Item, error) {
		return r.repo.UpsertPurchase(ctx, p, folderPath)
	})
}

// ReplaceImages replaces item images with telemetry.
func (r *InstrumentedRepository) ReplaceImages(ctx context.Context, itemID string, images []storage.Image) error {
	return r.telemetry.InstrumentDBOperation(ctx, "replace_images", func(ctx context.Context) error {
		return r.repo.ReplaceImages(ctx, itemID, images)
	})
}

// GetImages retrieves item images with telemetry.
func (r *InstrumentedRepository) GetImages(ctx context.Context, itemID string) ([]storage.Image, error) {
	return instrumented(ctx, r.telemetry, "get_images", func(ctx context.Context) ([]storage.Image, error) {
		return r.repo.GetImages(ctx, itemID)
	})
}

// DeleteItem deletes an item with telemetry.
func (r *InstrumentedRepository) DeleteItem(ctx context.Context, itemID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_item", func(ctx context.Context) error {
		return r.repo.DeleteItem(ctx, itemID)
	})
}

// GetDownload retrieves a download with telemetry.
func (r *InstrumentedRepository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "get_download", func(ctx context.Context) (*storage.DownloadRecord, error) {
		return r.repo.GetDownload(ctx, id)
	})
}

// GetDownloads retrieves downloads with telemetry.
func (r *InstrumentedRepository) GetDownloads(ctx context.Context, filter storage.DownloadFilter) ([]storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "get_downloads", func(ctx context.Context) ([]storage.DownloadRecord, error) {
		return r.repo.GetDownloads(ctx, filter)
	})
}

// UpsertDownload registers a download with telemetry.
func (r *InstrumentedRepository) UpsertDownload(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "upsert_download", func(ctx context.Context) (*storage.DownloadRecord, error) {
		return r.repo.UpsertDownload(ctx, rec)
	})
}

// ClaimNext claims a download with telemetry.
func (r *InstrumentedRepository) ClaimNext(ctx context.Context, workerID string, opts storage.ClaimOptions) (*storage.DownloadRecord, error) {
	return instrumented(ctx, r.telemetry, "claim_download", func(ctx context.Context) (*storage.DownloadRecord, error) {
		return r.repo.ClaimNext(ctx, workerID, opts)
	})
}

// ReleaseStale releases stale claims with telemetry.
func (r *InstrumentedRepository) ReleaseStale(ctx context.Context, workerID string, staleAfter time.Duration) (int, error) {
	return instrumented(ctx, r.telemetry, "release_stale", func(ctx context.Context) (int, error) {
		return r.repo.ReleaseStale(ctx, workerID, staleAfter)
	})
}

// Heartbeat refreshes a claim with telemetry.
func (r *InstrumentedRepository) Heartbeat(ctx context.Context, id int64, owner string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "heartbeat", func(ctx context.Context) error {
		return r.repo.Heartbeat(ctx, id, owner)
	})
}

// UpdateProgress updates progress with telemetry.
func (r *InstrumentedRepository) UpdateProgress(ctx context.Context, id int64, owner string, bytesWritten int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, owner, bytesWritten)
	})
}

// SetProgress overwrites progress with telemetry.
func (r *InstrumentedRepository) SetProgress(ctx context.Context, id int64, owner string, bytesWritten int64, total *int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_progress", func(ctx context.Context) error {
		return r.repo.SetProgress(ctx, id, owner, bytesWritten, total)
	})
}

// SetSourceURL stores a source link with telemetry.
func (r *InstrumentedRepository) SetSourceURL(ctx context.Context, id int64, owner string, sourceURL string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_source_url", func(ctx context.Context) error {
		return r.repo.SetSourceURL(ctx, id, owner, sourceURL)
	})
}

// SetChecksum stores a checksum with telemetry.
func (r *InstrumentedRepository) SetChecksum(ctx context.Context, id int64, owner string, checksum string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_checksum", func(ctx context.Context) error {
		return r.repo.SetChecksum(ctx, id, owner, checksum)
	})
}

// RecordAttempt records a failed attempt with telemetry.
func (r *InstrumentedRepository) RecordAttempt(ctx context.Context, id int64, owner string, lastError string) (int, error) {
	return instrumented(ctx, r.telemetry, "record_attempt", func(ctx context.Context) (int, error) {
		return r.repo.RecordAttempt(ctx, id, owner, lastError)
	})
}

// Release ends a claim with telemetry.
func (r *InstrumentedRepository) Release(ctx context.Context, id int64, owner string, to storage.State, lastError string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "release", func(ctx context.Context) error {
		return r.repo.Release(ctx, id, owner, to, lastError)
	})
}

// Transition changes a download state with telemetry.
func (r *InstrumentedRepository) Transition(ctx context.Context, id int64, from, to storage.State, lastError string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "transition", func(ctx context.Context) error {
		return r.repo.Transition(ctx, id, from, to, lastError)
	})
}

// Restart queues a failed download from zero with telemetry.
func (r *InstrumentedRepository) Restart(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "restart", func(ctx context.Context) error {
		return r.repo.Restart(ctx, id)
	})
}

// MarkCompleted completes a download with telemetry.
func (r *InstrumentedRepository) MarkCompleted(ctx context.Context, id int64, owner string, checksum string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_completed", func(ctx context.Context) error {
		return r.repo.MarkCompleted(ctx, id, owner, checksum)
	})
}
