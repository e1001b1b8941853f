package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/booth_downloader/internal/storage"
)

const downloadColumns = `id, item_id, file_name, source_url, local_path, total_bytes, bytes_written, checksum,
	state, attempts, last_error, locked_by, created_at, updated_at`

func scanDownload(row scanner) (*storage.DownloadRecord, error) {
	var (
		rec                           storage.DownloadRecord
		total                         sql.NullInt64
		checksum, lastError, lockedBy sql.NullString
		createdAt, updatedAt          int64
	)

	err := row.Scan(&rec.ID, &rec.ItemID, &rec.FileName, &rec.SourceURL, &rec.LocalPath, &total, &rec.BytesWritten,
		&checksum, &rec.State, &rec.Attempts, &lastError, &lockedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if total.Valid {
		v := total.Int64
		rec.TotalBytes = &v
	}

	rec.Checksum = checksum.String
	rec.LastError = lastError.String
	rec.LockedBy = lockedBy.String
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)

	return &rec, nil
}

func getDownload(ctx context.Context, q execer, id int64) (*storage.DownloadRecord, error) {
	rec, err := scanDownload(q.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %d: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download %d: %w", id, err)
	}

	return rec, nil
}

// GetDownload returns a single download record.
func (r *Repository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	return getDownload(ctx, r.db, id)
}

// GetDownloads returns the download records matching filter, oldest first.
func (r *Repository) GetDownloads(ctx context.Context, filter storage.DownloadFilter) ([]storage.DownloadRecord, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE 1 = 1`

	var args []any

	if filter.ItemID != "" {
		query += ` AND item_id = ?`

		args = append(args, filter.ItemID)
	}

	if len(filter.States) > 0 {
		query += ` AND state IN (` + placeholders(len(filter.States)) + `)`

		for _, s := range filter.States {
			args = append(args, s)
		}
	}

	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		downloads = append(downloads, *rec)
	}

	return downloads, rows.Err()
}

// UpsertDownload registers a file of an item. New files start pending; known files get their
// source refreshed, and a paused file is queued again. Progress is never touched.
func (r *Repository) UpsertDownload(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	var stored *storage.DownloadRecord

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.timestamp()

		_, err := tx.ExecContext(ctx, `
			INSERT INTO downloads (item_id, file_name, source_url, local_path, total_bytes, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
			ON CONFLICT(item_id, file_name) DO UPDATE SET
				source_url = excluded.source_url,
				local_path = CASE WHEN downloads.state = 'completed' THEN downloads.local_path ELSE excluded.local_path END,
				state = CASE WHEN downloads.state = 'paused' THEN 'pending' ELSE downloads.state END,
				updated_at = excluded.updated_at
		`, rec.ItemID, rec.FileName, rec.SourceURL, rec.LocalPath, toNullInt(rec.TotalBytes), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert download %s/%s: %w", rec.ItemID, rec.FileName, err)
		}

		if err := touchDownloadCheck(ctx, tx, rec.ItemID, now); err != nil {
			return err
		}

		stored, err = scanDownload(tx.QueryRowContext(ctx,
			`SELECT `+downloadColumns+` FROM downloads WHERE item_id = ? AND file_name = ?`, rec.ItemID, rec.FileName))
		if err != nil {
			return fmt.Errorf("failed to read back download %s/%s: %w", rec.ItemID, rec.FileName, err)
		}

		return nil
	})

	return stored, err
}

// ClaimNext atomically moves the oldest claimable record to in_progress and locks it to workerID.
// Records of an item that already has a transfer in progress are skipped. It returns
// storage.ErrNotFound when nothing can be claimed.
func (r *Repository) ClaimNext(ctx context.Context, workerID string, opts storage.ClaimOptions) (*storage.DownloadRecord, error) {
	query := `
		SELECT d.id, d.state FROM downloads d
		WHERE d.state IN ('pending', 'paused')
		AND NOT EXISTS (SELECT 1 FROM downloads o WHERE o.item_id = d.item_id AND o.state = 'in_progress')`

	var args []any

	if len(opts.ItemIDs) > 0 {
		query += ` AND d.item_id IN (` + placeholders(len(opts.ItemIDs)) + `)`

		for _, id := range opts.ItemIDs {
			args = append(args, id)
		}
	}

	if len(opts.ExcludeItemIDs) > 0 {
		query += ` AND d.item_id NOT IN (` + placeholders(len(opts.ExcludeItemIDs)) + `)`

		for _, id := range opts.ExcludeItemIDs {
			args = append(args, id)
		}
	}

	query += ` ORDER BY d.created_at, d.id LIMIT 1`

	var claimed *storage.DownloadRecord

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id    int64
			state storage.State
		)

		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}

			return fmt.Errorf("failed to select claimable download: %w", err)
		}

		// Claiming a paused record resumes it; paused -> pending -> in_progress happens in this transaction.
		res, err := tx.ExecContext(ctx, `
			UPDATE downloads SET state = 'in_progress', locked_by = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`, workerID, r.timestamp(), id, state)
		if err != nil {
			return fmt.Errorf("failed to claim download %d: %w", id, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}

		claimed, err = getDownload(ctx, tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// ReleaseStale pauses records left in_progress by other instances whose claim has not been
// refreshed for staleAfter. Claims of live workers keep moving updated_at forward.
func (r *Repository) ReleaseStale(ctx context.Context, workerID string, staleAfter time.Duration) (int, error) {
	now := r.now()

	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET state = 'paused', locked_by = NULL, updated_at = ?
		WHERE state = 'in_progress' AND (locked_by IS NULL OR locked_by != ?) AND updated_at < ?
	`, now.UnixNano(), workerID, now.Add(-staleAfter).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale downloads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released downloads: %w", err)
	}

	return int(n), nil
}

// checkClaim fails with storage.ErrClaimLost unless the record is in_progress under owner.
func checkClaim(ctx context.Context, q execer, id int64, owner string) error {
	var (
		state    storage.State
		lockedBy sql.NullString
	)

	err := q.QueryRowContext(ctx, `SELECT state, locked_by FROM downloads WHERE id = ?`, id).Scan(&state, &lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("download %d: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to read claim of download %d: %w", id, err)
	}

	if state != storage.StateInProgress || owner == "" || lockedBy.String != owner {
		return fmt.Errorf("download %d is %s under %q, not %q: %w", id, state, lockedBy.String, owner, storage.ErrClaimLost)
	}

	return nil
}

// claimed runs fn in a transaction that first verifies owner still holds the record.
func (r *Repository) claimed(ctx context.Context, id int64, owner string, fn func(tx *sql.Tx) error) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkClaim(ctx, tx, id, owner); err != nil {
			return err
		}

		return fn(tx)
	})
}

// Heartbeat refreshes the claim of owner so other instances do not treat it as stale.
func (r *Repository) Heartbeat(ctx context.Context, id int64, owner string) error {
	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE downloads SET updated_at = ? WHERE id = ?`, r.timestamp(), id); err != nil {
			return fmt.Errorf("failed to refresh claim of download %d: %w", id, err)
		}

		return nil
	})
}

// UpdateProgress records the bytes durably written for a claimed record.
func (r *Repository) UpdateProgress(ctx context.Context, id int64, owner string, bytesWritten int64) error {
	if bytesWritten < 0 {
		return fmt.Errorf("download %d: negative progress: %w", id, storage.ErrInvalidProgress)
	}

	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE downloads SET bytes_written = ?, updated_at = ?
			WHERE id = ? AND (total_bytes IS NULL OR ? <= total_bytes)
		`, bytesWritten, r.timestamp(), id, bytesWritten)
		if err != nil {
			return fmt.Errorf("failed to update progress of download %d: %w", id, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("download %d at %d bytes: %w", id, bytesWritten, storage.ErrInvalidProgress)
		}

		return nil
	})
}

// SetProgress overwrites both the progress and the known total of a claimed record.
func (r *Repository) SetProgress(ctx context.Context, id int64, owner string, bytesWritten int64, total *int64) error {
	if bytesWritten < 0 || (total != nil && bytesWritten > *total) {
		return fmt.Errorf("download %d at %d bytes: %w", id, bytesWritten, storage.ErrInvalidProgress)
	}

	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE downloads SET bytes_written = ?, total_bytes = ?, updated_at = ? WHERE id = ?`,
			bytesWritten, toNullInt(total), r.timestamp(), id)
		if err != nil {
			return fmt.Errorf("failed to set progress of download %d: %w", id, err)
		}

		return nil
	})
}

// SetSourceURL stores a freshly resolved link for a claimed record.
func (r *Repository) SetSourceURL(ctx context.Context, id int64, owner string, sourceURL string) error {
	return r.claimedField(ctx, id, owner, `source_url = ?`, sourceURL)
}

// SetChecksum stores the content hash computed for a claimed record.
func (r *Repository) SetChecksum(ctx context.Context, id int64, owner string, checksum string) error {
	return r.claimedField(ctx, id, owner, `checksum = ?`, toNullString(checksum))
}

func (r *Repository) claimedField(ctx context.Context, id int64, owner string, assignment string, value any) error {
	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		stmt := `UPDATE downloads SET ` + assignment + `, updated_at = ? WHERE id = ?`

		if _, err := tx.ExecContext(ctx, stmt, value, r.timestamp(), id); err != nil {
			return fmt.Errorf("failed to update download %d: %w", id, err)
		}

		return nil
	})
}

// RecordAttempt counts one failed transfer attempt of a claimed record and returns the new
// attempt count.
func (r *Repository) RecordAttempt(ctx context.Context, id int64, owner string, lastError string) (int, error) {
	var attempts int

	err := r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE downloads SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?
		`, toNullString(lastError), r.timestamp(), id)
		if err != nil {
			return fmt.Errorf("failed to record attempt of download %d: %w", id, err)
		}

		return tx.QueryRowContext(ctx, `SELECT attempts FROM downloads WHERE id = ?`, id).Scan(&attempts)
	})

	return attempts, err
}

// Release ends the claim of owner, moving the record to paused or failed.
func (r *Repository) Release(ctx context.Context, id int64, owner string, to storage.State, lastError string) error {
	if to != storage.StatePaused && to != storage.StateFailed {
		return fmt.Errorf("download %d %s -> %s: %w", id, storage.StateInProgress, to, storage.ErrInvalidTransition)
	}

	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE downloads SET state = ?, locked_by = NULL, last_error = COALESCE(?, last_error), updated_at = ?
			WHERE id = ?
		`, to, toNullString(lastError), r.timestamp(), id)
		if err != nil {
			return fmt.Errorf("failed to move download %d to %s: %w", id, to, err)
		}

		return nil
	})
}

// Transition moves an unclaimed record from one state to another. The current state must
// equal from. Claims, releases and completion have their own operations and are rejected here.
func (r *Repository) Transition(ctx context.Context, id int64, from, to storage.State, lastError string) error {
	if !from.CanTransition(to) || from == storage.StateInProgress || to == storage.StateInProgress || to == storage.StateCompleted {
		return fmt.Errorf("download %d %s -> %s: %w", id, from, to, storage.ErrInvalidTransition)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := expectState(ctx, tx, id, from); err != nil {
			return err
		}

		stmt := `UPDATE downloads SET state = ?, locked_by = NULL, last_error = COALESCE(?, last_error), updated_at = ? WHERE id = ?`
		if from == storage.StateFailed {
			// An explicit retry gets a fresh attempt budget and keeps the bytes already written.
			stmt = `UPDATE downloads SET state = ?, locked_by = NULL, attempts = 0, last_error = COALESCE(?, last_error), updated_at = ? WHERE id = ?`
		}

		if _, err := tx.ExecContext(ctx, stmt, to, toNullString(lastError), r.timestamp(), id); err != nil {
			return fmt.Errorf("failed to move download %d to %s: %w", id, to, err)
		}

		return nil
	})
}

// Restart queues a failed record again from byte zero, dropping its progress, total and checksum.
func (r *Repository) Restart(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := expectState(ctx, tx, id, storage.StateFailed); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE downloads SET state = 'pending', locked_by = NULL, attempts = 0, bytes_written = 0,
				total_bytes = NULL, checksum = NULL, updated_at = ?
			WHERE id = ?
		`, r.timestamp(), id)
		if err != nil {
			return fmt.Errorf("failed to restart download %d: %w", id, err)
		}

		return nil
	})
}

func expectState(ctx context.Context, q execer, id int64, want storage.State) error {
	var current storage.State

	err := q.QueryRowContext(ctx, `SELECT state FROM downloads WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("download %d: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to read state of download %d: %w", id, err)
	}

	if current != want {
		return fmt.Errorf("download %d is %s, not %s: %w", id, current, want, storage.ErrInvalidTransition)
	}

	return nil
}

// MarkCompleted finishes a claimed record whose bytes are all on disk.
func (r *Repository) MarkCompleted(ctx context.Context, id int64, owner string, checksum string) error {
	return r.claimed(ctx, id, owner, func(tx *sql.Tx) error {
		rec, err := getDownload(ctx, tx, id)
		if err != nil {
			return err
		}

		if rec.TotalBytes != nil && rec.BytesWritten != *rec.TotalBytes {
			return fmt.Errorf("download %d has %d of %d bytes: %w", id, rec.BytesWritten, *rec.TotalBytes, storage.ErrInvalidProgress)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE downloads SET state = 'completed', checksum = COALESCE(?, checksum),
				total_bytes = COALESCE(total_bytes, bytes_written), locked_by = NULL, last_error = NULL, updated_at = ?
			WHERE id = ?
		`, toNullString(checksum), r.timestamp(), id)
		if err != nil {
			return fmt.Errorf("failed to complete download %d: %w", id, err)
		}

		return nil
	})
}
