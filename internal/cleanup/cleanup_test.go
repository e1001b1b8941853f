package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/storage/sqlite"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestDeleteOrphanedPartials(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.InitDB(ctx, filepath.Join(t.TempDir(), "booth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewRepository(db)
	layout := transfer.Layout{Root: t.TempDir()}

	require.NoError(t, repo.UpsertItem(ctx, &storage.Item{ID: "42", Title: "Cute Avatar"}))

	item, err := repo.GetItem(ctx, "42")
	require.NoError(t, err)

	_, err = repo.UpsertDownload(ctx, &storage.DownloadRecord{
		ItemID:    "42",
		FileName:  "avatar.zip",
		SourceURL: "https://example.test/1",
		LocalPath: layout.RelativePath(item, "avatar.zip"),
	})
	require.NoError(t, err)

	owned := layout.PartialPath(item, "avatar.zip")
	orphan := layout.PartialPath(item, "old.zip")
	fresh := layout.PartialPath(&storage.Item{ID: "7", Title: "Other"}, "new.zip")
	final := layout.FinalPath(item, "done.zip")

	writeFile(t, owned, 48*time.Hour)
	writeFile(t, orphan, 48*time.Hour)
	writeFile(t, fresh, time.Minute)
	writeFile(t, final, 48*time.Hour)

	removed, err := DeleteOrphanedPartials(ctx, repo, layout, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.FileExists(t, owned)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, fresh)
	assert.FileExists(t, final)
}

func TestDeleteOrphanedPartials_MissingRoot(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.InitDB(ctx, filepath.Join(t.TempDir(), "booth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	removed, err := DeleteOrphanedPartials(ctx, sqlite.NewRepository(db), transfer.Layout{Root: filepath.Join(t.TempDir(), "missing")}, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
