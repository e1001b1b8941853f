package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/booth_downloader/internal/storage"
)

// Repository implements storage.Repository on top of SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a repository backed by dbConn.
func NewRepository(dbConn *sql.DB) *Repository {
	return &Repository{db: dbConn, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *Repository) timestamp() int64 {
	return r.now().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v)
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := fromNanos(v.Int64)

	return &t
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
