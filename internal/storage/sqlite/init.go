package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		item_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		description TEXT,
		folder_path TEXT NOT NULL DEFAULT '',
		is_purchased INTEGER NOT NULL DEFAULT 0,
		purchase_date INTEGER,
		purchase_price TEXT NOT NULL DEFAULT '',
		purchase_currency TEXT NOT NULL DEFAULT '',
		last_download_check INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
		image_url TEXT NOT NULL,
		local_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		total_bytes INTEGER,
		bytes_written INTEGER NOT NULL DEFAULT 0,
		checksum TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		locked_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (item_id, file_name),
		CHECK (bytes_written >= 0),
		CHECK (total_bytes IS NULL OR bytes_written <= total_bytes)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads (state, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_images_item ON images (item_id)`,
}

// InitDB opens the SQLite database at path and creates the schema if it doesn't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps claims serialized.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	return "file:" + path + "?" + params.Encode()
}
