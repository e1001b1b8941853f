package downloader

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// Catalog lists the purchases of the signed-in account. *booth.Client implements it.
type Catalog interface {
	ListPurchases(ctx context.Context) iter.Seq2[storage.PurchaseRecord, error]
}

// SyncPurchases writes every purchase of the account into the item store and returns how
// many were written. Purchases already written stay written when a later page fails.
func (d *Downloader) SyncPurchases(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	synced := 0

	for p, err := range d.catalog.ListPurchases(ctx) {
		if err != nil {
			d.telemetry.RecordPurchasesSynced(synced)

			return synced, fmt.Errorf("failed to list purchases: %w", err)
		}

		if _, err := d.repo.UpsertPurchase(ctx, p, transfer.FolderName(p.ItemID, p.Title)); err != nil {
			d.telemetry.RecordPurchasesSynced(synced)

			return synced, err
		}

		synced++
	}

	d.telemetry.RecordPurchasesSynced(synced)

	logger.InfoContext(ctx, "purchases synced", "count", synced)

	return synced, nil
}

// Enqueue resolves the files of an item and creates a pending download for each new one.
// Known files keep their state and progress; completed files are never queued again. An item
// cancelled earlier becomes eligible for runs again.
func (d *Downloader) Enqueue(ctx context.Context, itemID string) ([]storage.DownloadRecord, error) {
	d.uncancel(itemID)

	return d.enqueue(ctx, itemID)
}

func (d *Downloader) enqueue(ctx context.Context, itemID string) ([]storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", itemID)

	item, err := d.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", itemID, err)
	}

	links, err := d.resolver.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}

	layout := d.worker.Layout()
	records := make([]storage.DownloadRecord, 0, len(links))

	for _, link := range links {
		rec, err := d.repo.UpsertDownload(ctx, &storage.DownloadRecord{
			ItemID:    item.ID,
			FileName:  link.FileName,
			SourceURL: link.URL,
			LocalPath: layout.RelativePath(item, link.FileName),
		})
		if err != nil {
			return records, fmt.Errorf("failed to queue %s: %w", link.FileName, err)
		}

		records = append(records, *rec)
	}

	logger.InfoContext(ctx, "item queued", "files", len(records))

	return records, nil
}

// EnqueueAll queues every purchased item. Items the account can no longer download are
// skipped; a rejected session stops the whole pass.
func (d *Downloader) EnqueueAll(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	items, err := d.repo.ListItems(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list items: %w", err)
	}

	queued := 0

	var errs []error

	for _, item := range items {
		recs, err := d.enqueue(ctx, item.ID)
		queued += len(recs)

		if err == nil {
			continue
		}

		if errors.Is(err, transfer.ErrAuthRequired) || ctx.Err() != nil {
			return queued, err
		}

		var notEntitled *transfer.NotEntitledError
		if errors.As(err, &notEntitled) {
			logger.WarnContext(ctx, "skipping item not available to this account", "item_id", item.ID)

			continue
		}

		logger.ErrorContext(ctx, "failed to queue item", "item_id", item.ID, "err", err)

		errs = append(errs, err)
	}

	return queued, errors.Join(errs...)
}
