package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/storage/sqlite"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

type fakeAuth struct {
	err         error
	invalidated atomic.Int32
}

func (a *fakeAuth) Authorize(context.Context) (*session.Session, error) {
	if a.err != nil {
		return nil, a.err
	}

	return &session.Session{}, nil
}

func (a *fakeAuth) Invalidate() { a.invalidated.Add(1) }

type funcWorker struct {
	layout transfer.Layout
	fn     func(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error)
}

func (w *funcWorker) Transfer(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	return w.fn(ctx, rec)
}

func (w *funcWorker) QuarantineCorrupt(context.Context, *storage.DownloadRecord) (bool, error) {
	return false, nil
}

func (w *funcWorker) Layout() transfer.Layout { return w.layout }

type staticResolver map[string][]transfer.Link

func (r staticResolver) Resolve(_ context.Context, item *storage.Item) ([]transfer.Link, error) {
	links, ok := r[item.ID]
	if !ok {
		return nil, &transfer.NotEntitledError{ItemID: item.ID}
	}

	return links, nil
}

type staticCatalog []storage.PurchaseRecord

func (c staticCatalog) ListPurchases(context.Context) iter.Seq2[storage.PurchaseRecord, error] {
	return func(yield func(storage.PurchaseRecord, error) bool) {
		for _, p := range c {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func newTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()

	db, err := sqlite.InitDB(context.Background(), filepath.Join(t.TempDir(), "booth.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return sqlite.NewRepository(db)
}

func seed(t *testing.T, repo storage.Repository, itemID string, files ...string) []*storage.DownloadRecord {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, repo.UpsertItem(ctx, &storage.Item{ID: itemID, Title: "Item " + itemID}))

	recs := make([]*storage.DownloadRecord, 0, len(files))

	for _, f := range files {
		rec, err := repo.UpsertDownload(ctx, &storage.DownloadRecord{
			ItemID:    itemID,
			FileName:  f,
			SourceURL: "https://example.test/" + f,
			LocalPath: filepath.Join(itemID, "downloads", f),
		})
		require.NoError(t, err)

		recs = append(recs, rec)
	}

	return recs
}

// complete finishes a claimed record the way a successful transfer does.
func complete(ctx context.Context, repo storage.Repository, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	total := int64(10)

	if err := repo.SetProgress(ctx, rec.ID, rec.LockedBy, total, &total); err != nil {
		return nil, err
	}

	if err := repo.MarkCompleted(ctx, rec.ID, rec.LockedBy, ""); err != nil {
		return nil, err
	}

	return repo.GetDownload(ctx, rec.ID)
}

func testConfig(limit, attempts int) Config {
	return Config{
		ConcurrencyLimit: limit,
		MaxRetryAttempts: attempts,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
	}
}

func newTestDownloader(repo storage.Repository, w Transferer, auth Authorizer, cfg Config) *Downloader {
	return NewDownloader(repo, w, staticResolver{}, staticCatalog{}, auth, nil, cfg, "test-instance")
}

func TestRun_RespectsLimitAndOneActivePerItem(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	seed(t, repo, "A", "a1.zip", "a2.zip")
	seed(t, repo, "B", "b1.zip")
	seed(t, repo, "C", "c1.zip")

	var (
		mu       sync.Mutex
		active   int
		maxSeen  int
		perItem  = map[string]int{}
		overlaps int
	)

	w := &funcWorker{fn: func(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		mu.Lock()
		active++
		perItem[rec.ItemID]++

		if active > maxSeen {
			maxSeen = active
		}

		if perItem[rec.ItemID] > 1 {
			overlaps++
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		active--
		perItem[rec.ItemID]--
		mu.Unlock()

		return complete(ctx, repo, rec)
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(2, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Completed)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 2, maxSeen)
	assert.Zero(t, overlaps)

	completed := map[string]CompletionEvent{}

	for len(d.OnItemCompleted) > 0 {
		ev := <-d.OnItemCompleted
		completed[ev.ItemID] = ev
	}

	require.Len(t, completed, 3)
	assert.Len(t, completed["A"].LocalPaths, 2)
}

func TestRun_RetryExhaustionThenRetryFromWrittenBytes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := seed(t, repo, "A", "a1.zip")[0]

	var (
		calls   atomic.Int32
		offsets []int64
		fail    atomic.Bool
	)

	fail.Store(true)

	w := &funcWorker{fn: func(ctx context.Context, r *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		calls.Add(1)
		offsets = append(offsets, r.BytesWritten)

		if fail.Load() {
			if r.BytesWritten == 0 {
				total := int64(1000)
				if err := repo.SetProgress(ctx, r.ID, r.LockedBy, 400, &total); err != nil {
					return nil, err
				}
			}

			return nil, &transfer.NetworkError{Operation: "fetch", StatusCode: http.StatusServiceUnavailable, APIMessage: "unavailable"}
		}

		total := int64(1000)
		if err := repo.SetProgress(ctx, r.ID, r.LockedBy, total, &total); err != nil {
			return nil, err
		}

		if err := repo.MarkCompleted(ctx, r.ID, r.LockedBy, ""); err != nil {
			return nil, err
		}

		return repo.GetDownload(ctx, r.ID)
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(1, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int32(3), calls.Load())

	failed, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, failed.State)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, int64(400), failed.BytesWritten)
	assert.Contains(t, failed.LastError, "HTTP 503")

	select {
	case ev := <-d.OnDownloadFailed:
		assert.Equal(t, rec.ID, ev.Record.ID)
	default:
		t.Fatal("expected a failure event")
	}

	// Nothing is claimable until the failure is retried explicitly.
	report, err = d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Completed)

	require.NoError(t, d.Retry(ctx, rec.ID))

	fail.Store(false)

	report, err = d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, []int64{0, 400, 400, 400}, offsets)

	done, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, done.State)
}

func TestRun_NonTransientFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := seed(t, repo, "A", "a1.zip")[0]

	var calls atomic.Int32

	w := &funcWorker{fn: func(context.Context, *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		calls.Add(1)

		return nil, &transfer.ParseError{Page: "downloads", Reason: "file not listed"}
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(2, 5))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "a1.zip", report.Failures[0].FileName)
	assert.Equal(t, int32(1), calls.Load())

	failed, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, failed.State)
	assert.Zero(t, failed.Attempts)
}

func TestRun_CancelItemPauses(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	a := seed(t, repo, "A", "a1.zip", "a2.zip")
	b := seed(t, repo, "B", "b1.zip")[0]

	started := make(chan string, 4)

	w := &funcWorker{fn: func(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		started <- rec.ItemID

		if rec.ItemID == "A" {
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return complete(ctx, repo, rec)
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(1, 3))

	go func() {
		for id := range started {
			if id == "A" {
				d.Cancel("A")

				return
			}
		}
	}()

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paused)
	assert.Equal(t, 1, report.Completed)

	paused, err := repo.GetDownload(ctx, a[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePaused, paused.State)
	assert.Empty(t, paused.LockedBy)

	untouched, err := repo.GetDownload(ctx, a[1].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePending, untouched.State)

	other, err := repo.GetDownload(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, other.State)

	require.NoError(t, d.Resume(ctx, a[0].ID))

	resumed, err := repo.GetDownload(ctx, a[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePending, resumed.State)
}

func TestRun_AuthRequiredBeforeClaims(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := seed(t, repo, "A", "a1.zip")[0]

	w := &funcWorker{fn: func(context.Context, *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		t.Fatal("no transfer may start without a session")

		return nil, nil
	}}

	auth := &fakeAuth{err: &transfer.AuthenticationError{Operation: "authorize", Reason: transfer.AuthMissing}}
	d := newTestDownloader(repo, w, auth, testConfig(2, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, transfer.ErrAuthRequired)
	assert.True(t, report.AuthRequired)

	got, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePending, got.State)
}

func TestRun_AuthRejectedMidRunStopsClaims(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	a := seed(t, repo, "A", "a1.zip")[0]
	b := seed(t, repo, "B", "b1.zip")[0]

	w := &funcWorker{fn: func(context.Context, *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		return nil, &transfer.AuthenticationError{Operation: "resolve", Reason: transfer.AuthRejected}
	}}

	auth := &fakeAuth{}
	d := newTestDownloader(repo, w, auth, testConfig(1, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, transfer.ErrAuthRequired)
	assert.True(t, report.AuthRequired)
	assert.Equal(t, int32(1), auth.invalidated.Load())

	require.Len(t, report.Failures, 1)
	assert.Equal(t, a.ID, report.Failures[0].DownloadID)

	first, err := repo.GetDownload(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, first.State)
	assert.Equal(t, 0, first.Attempts)
	assert.Contains(t, first.LastError, "rejected")

	second, err := repo.GetDownload(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePending, second.State)
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seed(t, repo, "A", "a1.zip")

	release := make(chan struct{})
	started := make(chan struct{})

	w := &funcWorker{fn: func(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		close(started)
		<-release

		return complete(ctx, repo, rec)
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(1, 3))

	errc := make(chan error, 1)

	go func() {
		_, err := d.Run(ctx, RunOptions{})
		errc <- err
	}()

	<-started

	_, err := d.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, d.Running())

	close(release)
	require.NoError(t, <-errc)
	assert.False(t, d.Running())
}

// A process died after persisting 400 of 1000 bytes; the next process resumes from there.
func TestRun_ResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	content := bytes.Repeat([]byte("0123456789"), 100)

	var (
		mu     sync.Mutex
		ranges []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		http.ServeContent(w, r, "avatar.zip", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, repo.UpsertItem(ctx, &storage.Item{ID: "42", Title: "Cute Avatar"}))

	layout := transfer.Layout{Root: t.TempDir()}
	item, err := repo.GetItem(ctx, "42")
	require.NoError(t, err)

	rec, err := repo.UpsertDownload(ctx, &storage.DownloadRecord{
		ItemID:    "42",
		FileName:  "avatar.zip",
		SourceURL: srv.URL + "/avatar.zip",
		LocalPath: layout.RelativePath(item, "avatar.zip"),
	})
	require.NoError(t, err)

	// The previous process claimed the record and wrote 400 bytes before dying.
	_, err = repo.ClaimNext(ctx, "dead-instance", storage.ClaimOptions{})
	require.NoError(t, err)

	total := int64(len(content))
	require.NoError(t, repo.SetProgress(ctx, rec.ID, "dead-instance", 400, &total))

	partial := layout.PartialPath(item, "avatar.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, content[:400], 0o644))

	resolver := staticResolver{"42": {{URL: srv.URL + "/avatar.zip", FileName: "avatar.zip"}}}
	worker := transfer.NewWorker(repo, resolver, httpFetcher{}, layout, nil, transfer.WorkerConfig{ChunkSize: 100})

	cfg := testConfig(2, 3)
	cfg.StaleClaimAfter = 20 * time.Millisecond
	d := NewDownloader(repo, worker, resolver, staticCatalog{}, &fakeAuth{}, nil, cfg, "new-instance")

	// The dead instance stops refreshing its claim.
	time.Sleep(50 * time.Millisecond)

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	done, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, done.State)
	assert.Equal(t, int64(1000), done.BytesWritten)

	data, err := os.ReadFile(layout.FinalPath(item, "avatar.zip"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	mu.Lock()
	assert.Equal(t, []string{"bytes=400-"}, ranges)
	mu.Unlock()

	ev := <-d.OnItemCompleted
	assert.Equal(t, "42", ev.ItemID)
	assert.Equal(t, []string{layout.FinalPath(item, "avatar.zip")}, ev.LocalPaths)
}

func TestRun_LeavesLiveClaimsOfOtherInstances(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := seed(t, repo, "A", "a1.zip")[0]

	_, err := repo.ClaimNext(ctx, "serve-instance", storage.ClaimOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateProgress(ctx, rec.ID, "serve-instance", 100))

	w := &funcWorker{fn: func(context.Context, *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		t.Fatal("a live claim of another instance must not be taken over")

		return nil, nil
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(1, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Completed)
	assert.Zero(t, report.Paused)

	got, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateInProgress, got.State)
	assert.Equal(t, "serve-instance", got.LockedBy)
	assert.Equal(t, int64(100), got.BytesWritten)
}

func TestRun_LostClaimIsLeftToItsNewOwner(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := seed(t, repo, "A", "a1.zip")[0]

	var calls atomic.Int32

	w := &funcWorker{fn: func(context.Context, *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		calls.Add(1)

		return nil, fmt.Errorf("failed to record progress: %w", storage.ErrClaimLost)
	}}

	d := newTestDownloader(repo, w, &fakeAuth{}, testConfig(1, 3))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paused)
	assert.Empty(t, report.Failures)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, d.OnDownloadFailed)

	got, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateInProgress, got.State, "the record is not written after the claim is lost")
	assert.Zero(t, got.Attempts)
}

func TestRetry_RestartsDownloadWithCorruptPartial(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	content := bytes.Repeat([]byte("abcdefghij"), 100)

	var (
		mu     sync.Mutex
		ranges []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		http.ServeContent(w, r, "avatar.zip", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, repo.UpsertItem(ctx, &storage.Item{ID: "42", Title: "Cute Avatar"}))

	layout := transfer.Layout{Root: t.TempDir()}
	item, err := repo.GetItem(ctx, "42")
	require.NoError(t, err)

	rec, err := repo.UpsertDownload(ctx, &storage.DownloadRecord{
		ItemID:    "42",
		FileName:  "avatar.zip",
		SourceURL: srv.URL + "/avatar.zip",
		LocalPath: layout.RelativePath(item, "avatar.zip"),
	})
	require.NoError(t, err)

	resolver := staticResolver{"42": {{URL: srv.URL + "/avatar.zip", FileName: "avatar.zip"}}}
	worker := transfer.NewWorker(repo, resolver, httpFetcher{}, layout, nil, transfer.WorkerConfig{ChunkSize: 100})
	d := NewDownloader(repo, worker, resolver, staticCatalog{}, &fakeAuth{}, nil, testConfig(1, 3), "test-instance")

	// All bytes were written and hashed, then the file changed on disk before it was moved.
	corrupted := append([]byte(nil), content...)
	corrupted[123] ^= 0xff

	total := int64(len(content))
	_, err = repo.ClaimNext(ctx, "test-instance", storage.ClaimOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.SetProgress(ctx, rec.ID, "test-instance", total, &total))
	require.NoError(t, repo.SetChecksum(ctx, rec.ID, "test-instance", "0000"))
	require.NoError(t, repo.Release(ctx, rec.ID, "test-instance", storage.StatePaused, ""))

	partial := layout.PartialPath(item, "avatar.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, corrupted, 0o644))

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	var integrityErr *transfer.IntegrityError
	ev := <-d.OnDownloadFailed
	require.True(t, errors.As(ev.Err, &integrityErr))

	require.NoError(t, d.Retry(ctx, rec.ID))

	kept, err := os.ReadFile(layout.CorruptPath(item, "avatar.zip"))
	require.NoError(t, err)
	assert.Equal(t, corrupted, kept)

	queued, err := repo.GetDownload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePending, queued.State)
	assert.Zero(t, queued.BytesWritten)
	assert.Empty(t, queued.Checksum)

	report, err = d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	data, err := os.ReadFile(layout.FinalPath(item, "avatar.zip"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	mu.Lock()
	assert.Equal(t, []string{"bytes=1000-", ""}, ranges)
	mu.Unlock()
}

func TestCancel_KeepsItemOutOfLaterRuns(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	a := seed(t, repo, "A", "a1.zip")[0]
	seed(t, repo, "B", "b1.zip")

	w := &funcWorker{fn: func(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
		return complete(ctx, repo, rec)
	}}

	resolver := staticResolver{"A": {{URL: "https://example.test/a1.zip", FileName: "a1.zip"}}}
	d := NewDownloader(repo, w, resolver, staticCatalog{}, &fakeAuth{}, nil, testConfig(1, 3), "test-instance")

	assert.False(t, d.Cancel("A"), "nothing of A is being transferred yet")

	for range 2 {
		report, err := d.Run(ctx, RunOptions{})
		require.NoError(t, err)

		got, err := repo.GetDownload(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatePending, got.State)
		assert.LessOrEqual(t, report.Completed, 1)
	}

	_, err := d.Enqueue(ctx, "A")
	require.NoError(t, err)

	report, err := d.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	got, err := repo.GetDownload(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, got.State)
}

type httpFetcher struct{}

func (httpFetcher) Fetch(ctx context.Context, url string, offset int64) (*transfer.Body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch", Err: err}
	}

	return transfer.BodyFromResponse(resp, offset)
}

func TestSyncPurchasesAndEnqueue(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	catalog := staticCatalog{
		{ItemID: "1001", Title: "Cute Avatar", PurchaseDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), Price: storage.Price{Amount: "1500", Currency: "JPY"}},
		{ItemID: "1002", Title: "Gone Item"},
	}

	resolver := staticResolver{"1001": {
		{URL: "https://example.test/1", FileName: "avatar.zip"},
		{URL: "https://example.test/2", FileName: "readme.txt"},
	}}

	layout := transfer.Layout{Root: "/out"}
	w := &funcWorker{layout: layout}
	d := NewDownloader(repo, w, resolver, catalog, &fakeAuth{}, nil, testConfig(1, 3), "test-instance")

	n, err := d.SyncPurchases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	item, err := repo.GetItem(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, item.IsPurchased)
	assert.Equal(t, "1001_Cute_Avatar", item.FolderPath)

	queued, err := d.EnqueueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	recs, err := repo.GetDownloads(ctx, storage.DownloadFilter{ItemID: "1001"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	for _, r := range recs {
		assert.Equal(t, storage.StatePending, r.State)
		assert.Equal(t, filepath.Join("1001_Cute_Avatar", "downloads", r.FileName), r.LocalPath)
	}

	// Queueing again keeps the existing records.
	again, err := d.Enqueue(ctx, "1001")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{recs[0].ID, recs[1].ID}, []int64{again[0].ID, again[1].ID})

	_, err = d.Enqueue(ctx, "1002")

	var notEntitled *transfer.NotEntitledError
	assert.True(t, errors.As(err, &notEntitled))
}

func TestGenerateInstanceID(t *testing.T) {
	a, b := GenerateInstanceID(), GenerateInstanceID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
