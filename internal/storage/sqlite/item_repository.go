package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/booth_downloader/internal/storage"
)

const itemColumns = `item_id, title, url, description, folder_path, is_purchased, purchase_date,
	purchase_price, purchase_currency, last_download_check, created_at, updated_at`

func scanItem(row scanner) (*storage.Item, error) {
	var (
		item                    storage.Item
		description             sql.NullString
		purchaseDate, lastCheck sql.NullInt64
		createdAt, updatedAt    int64
	)

	err := row.Scan(&item.ID, &item.Title, &item.URL, &description, &item.FolderPath, &item.IsPurchased,
		&purchaseDate, &item.PurchasePrice, &item.PurchaseCurrency, &lastCheck, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Description = description.String
	item.PurchaseDate = nullTime(purchaseDate)
	item.LastDownloadCheck = nullTime(lastCheck)
	item.CreatedAt = fromNanos(createdAt)
	item.UpdatedAt = fromNanos(updatedAt)

	return &item, nil
}

func getItem(ctx context.Context, q execer, itemID string) (*storage.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}

	return item, nil
}

// GetItem returns a single item.
func (r *Repository) GetItem(ctx context.Context, itemID string) (*storage.Item, error) {
	return getItem(ctx, r.db, itemID)
}

// ListItems returns every known item, optionally only purchased ones, newest purchase first.
func (r *Repository) ListItems(ctx context.Context, purchasedOnly bool) ([]storage.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	if purchasedOnly {
		query += ` WHERE is_purchased = 1`
	}

	query += ` ORDER BY purchase_date DESC, item_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []storage.Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		items = append(items, *item)
	}

	return items, rows.Err()
}

// UpsertItem stores catalog metadata. Purchase information is left untouched.
func (r *Repository) UpsertItem(ctx context.Context, item *storage.Item) error {
	now := r.timestamp()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO items (item_id, title, url, description, folder_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			description = excluded.description,
			folder_path = CASE WHEN excluded.folder_path = '' THEN items.folder_path ELSE excluded.folder_path END,
			updated_at = excluded.updated_at
	`, item.ID, item.Title, item.URL, toNullString(item.Description), item.FolderPath, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}

	return nil
}

// UpsertPurchase records a purchase snapshot. An existing title is never replaced by the listing title.
func (r *Repository) UpsertPurchase(ctx context.Context, p storage.PurchaseRecord, folderPath string) (*storage.Item, error) {
	var item *storage.Item

	var purchaseDate sql.NullInt64
	if !p.PurchaseDate.IsZero() {
		purchaseDate = sql.NullInt64{Int64: p.PurchaseDate.UnixNano(), Valid: true}
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.timestamp()

		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (item_id, title, url, folder_path, is_purchased, purchase_date,
				purchase_price, purchase_currency, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				is_purchased = 1,
				purchase_date = COALESCE(excluded.purchase_date, items.purchase_date),
				purchase_price = excluded.purchase_price,
				purchase_currency = excluded.purchase_currency,
				url = CASE WHEN items.url = '' THEN excluded.url ELSE items.url END,
				title = CASE WHEN items.title = '' THEN excluded.title ELSE items.title END,
				folder_path = CASE WHEN items.folder_path = '' THEN excluded.folder_path ELSE items.folder_path END,
				updated_at = excluded.updated_at
		`, p.ItemID, p.Title, p.PageURL, folderPath, purchaseDate, p.Price.Amount, p.Price.Currency, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert purchase %s: %w", p.ItemID, err)
		}

		item, err = getItem(ctx, tx, p.ItemID)

		return err
	})

	return item, err
}

// ReplaceImages swaps the stored images of an item for the given set.
func (r *Repository) ReplaceImages(ctx context.Context, itemID string, images []storage.Image) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("failed to delete images of %s: %w", itemID, err)
		}

		now := r.timestamp()

		for _, img := range images {
			_, err := tx.ExecContext(ctx, `INSERT INTO images (item_id, image_url, local_path, created_at) VALUES (?, ?, ?, ?)`,
				itemID, img.URL, img.LocalPath, now)
			if err != nil {
				return fmt.Errorf("failed to insert image of %s: %w", itemID, err)
			}
		}

		return nil
	})
}

// GetImages returns the stored images of an item.
func (r *Repository) GetImages(ctx context.Context, itemID string) ([]storage.Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, item_id, image_url, local_path, created_at FROM images WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to get images of %s: %w", itemID, err)
	}
	defer rows.Close()

	var images []storage.Image

	for rows.Next() {
		var (
			img       storage.Image
			createdAt int64
		)

		if err := rows.Scan(&img.ID, &img.ItemID, &img.URL, &img.LocalPath, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}

		img.CreatedAt = fromNanos(createdAt)
		images = append(images, img)
	}

	return images, rows.Err()
}

// DeleteItem removes an item together with its images and download records.
func (r *Repository) DeleteItem(ctx context.Context, itemID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", itemID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", itemID, storage.ErrNotFound)
	}

	return nil
}

func touchDownloadCheck(ctx context.Context, q execer, itemID string, now int64) error {
	_, err := q.ExecContext(ctx, `UPDATE items SET last_download_check = ?, updated_at = ? WHERE item_id = ?`, now, now, itemID)
	if err != nil {
		return fmt.Errorf("failed to update download check of %s: %w", itemID, err)
	}

	return nil
}
