package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/storage"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

const (
	eventBuffer = 64

	defaultStaleClaimAfter = 10 * time.Minute
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("a download run is already in progress")

// Outcomes of a claimed download.
const (
	OutcomeCompleted    = "completed"
	OutcomePaused       = "paused"
	OutcomeFailed       = "failed"
	OutcomeAuthRequired = "auth_required"
)

// Transferer performs one transfer attempt for a claimed record. *transfer.Worker implements it.
type Transferer interface {
	Transfer(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error)
	QuarantineCorrupt(ctx context.Context, rec *storage.DownloadRecord) (bool, error)
	Layout() transfer.Layout
}

// Authorizer gates a run on a valid session. *session.Manager implements it.
type Authorizer interface {
	Authorize(ctx context.Context) (*session.Session, error)
	Invalidate()
}

// Config tunes the scheduler.
type Config struct {
	ConcurrencyLimit int
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	// StaleClaimAfter is how long a claim may go without a heartbeat before another instance
	// may take the record over. Live claims are refreshed several times within it.
	StaleClaimAfter time.Duration
}

// CompletionEvent announces an item whose files are all downloaded and verified.
type CompletionEvent struct {
	ItemID     string
	LocalPaths []string
}

// FailureEvent announces a download that ended in the failed state.
type FailureEvent struct {
	Record storage.DownloadRecord
	Err    error
}

// Failure is one failed download in a run report.
type Failure struct {
	DownloadID int64  `json:"download_id"`
	ItemID     string `json:"item_id"`
	FileName   string `json:"file_name"`
	Error      string `json:"error"`
}

// Report summarizes a run.
type Report struct {
	Completed    int       `json:"completed"`
	Paused       int       `json:"paused"`
	Failures     []Failure `json:"failures"`
	AuthRequired bool      `json:"auth_required"`
}

// RunOptions narrows a run.
type RunOptions struct {
	// ItemIDs restricts the run to these items when not empty.
	ItemIDs []string
}

// Downloader schedules claimed downloads over a bounded pool of workers.
type Downloader struct {
	repo       storage.Repository
	worker     Transferer
	resolver   transfer.Resolver
	catalog    Catalog
	auth       Authorizer
	telemetry  *telemetry.Telemetry
	cfg        Config
	instanceID string

	mu        sync.Mutex
	running   bool
	runCancel context.CancelFunc
	items     map[string]context.CancelFunc
	cancelled map[string]struct{}

	OnItemCompleted  chan CompletionEvent
	OnDownloadFailed chan FailureEvent
}

// NewDownloader creates a scheduler. instanceID identifies this process in claims.
func NewDownloader(
	repo storage.Repository,
	worker Transferer,
	resolver transfer.Resolver,
	catalog Catalog,
	auth Authorizer,
	tel *telemetry.Telemetry,
	cfg Config,
	instanceID string,
) *Downloader {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 3
	}

	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}

	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = defaultStaleClaimAfter
	}

	return &Downloader{
		repo:             repo,
		worker:           worker,
		resolver:         resolver,
		catalog:          catalog,
		auth:             auth,
		telemetry:        tel,
		cfg:              cfg,
		instanceID:       instanceID,
		items:            make(map[string]context.CancelFunc),
		cancelled:        make(map[string]struct{}),
		OnItemCompleted:  make(chan CompletionEvent, eventBuffer),
		OnDownloadFailed: make(chan FailureEvent, eventBuffer),
	}
}

// Close closes the event channels. No run may be active.
func (d *Downloader) Close() {
	close(d.OnItemCompleted)
	close(d.OnDownloadFailed)
}

// InstanceID returns the claim owner of this process.
func (d *Downloader) InstanceID() string {
	return d.instanceID
}

// Running reports whether a run is active.
func (d *Downloader) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.running
}

// Run downloads every claimable record until none is left, the context is cancelled or the
// session is rejected. It authorizes before claiming anything.
func (d *Downloader) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	runCtx, err := d.startRun(ctx)
	if err != nil {
		return nil, err
	}
	defer d.finishRun()

	if _, err := d.auth.Authorize(ctx); err != nil {
		if errors.Is(err, transfer.ErrAuthRequired) {
			return &Report{AuthRequired: true}, err
		}

		return nil, fmt.Errorf("failed to authorize: %w", err)
	}

	released, err := d.repo.ReleaseStale(ctx, d.instanceID, d.cfg.StaleClaimAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to release stale claims: %w", err)
	}

	if released > 0 {
		logger.InfoContext(ctx, "paused downloads left by a previous process", "count", released)
	}

	report := &Report{}

	var (
		reportMu   sync.Mutex
		authFailed bool
		g          errgroup.Group
		active     int
		claimErr   error
	)

	done := make(chan struct{}, d.cfg.ConcurrencyLimit)

	record := func(fn func(r *Report)) {
		reportMu.Lock()
		defer reportMu.Unlock()

		fn(report)
	}

	stopping := func() bool {
		reportMu.Lock()
		defer reportMu.Unlock()

		return runCtx.Err() != nil || authFailed
	}

	for {
	drain:
		for {
			select {
			case <-done:
				active--
			default:
				break drain
			}
		}

		if stopping() {
			break
		}

		if active >= d.cfg.ConcurrencyLimit {
			<-done
			active--

			continue
		}

		rec, err := d.repo.ClaimNext(runCtx, d.instanceID, storage.ClaimOptions{
			ItemIDs:        opts.ItemIDs,
			ExcludeItemIDs: d.excludedItems(),
		})
		if errors.Is(err, storage.ErrNotFound) {
			if active == 0 {
				break
			}

			// A finishing download may unblock the next file of its item.
			<-done
			active--

			continue
		}

		if err != nil {
			if runCtx.Err() == nil {
				claimErr = fmt.Errorf("failed to claim download: %w", err)
			}

			break
		}

		active++

		g.Go(func() error {
			defer func() { done <- struct{}{} }()

			outcome, failure := d.process(runCtx, rec)

			record(func(r *Report) {
				switch outcome {
				case OutcomeCompleted:
					r.Completed++
				case OutcomePaused:
					r.Paused++
				case OutcomeAuthRequired:
					r.Failures = append(r.Failures, *failure)
					r.AuthRequired = true
					authFailed = true
				case OutcomeFailed:
					r.Failures = append(r.Failures, *failure)
				}
			})

			return nil
		})
	}

	_ = g.Wait()

	logger.InfoContext(ctx, "download run finished",
		"completed", report.Completed,
		"paused", report.Paused,
		"failed", len(report.Failures),
		"auth_required", report.AuthRequired,
	)

	if claimErr != nil {
		return report, claimErr
	}

	if report.AuthRequired {
		return report, &transfer.AuthenticationError{Operation: "download", Reason: transfer.AuthRejected}
	}

	return report, nil
}

func (d *Downloader) startRun(ctx context.Context) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil, ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)

	d.running = true
	d.runCancel = cancel

	return runCtx, nil
}

func (d *Downloader) finishRun() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runCancel()
	d.running = false
	d.runCancel = nil
}

// Cancel stops the active download of an item at the next chunk boundary and keeps the
// item out of later runs until it is enqueued, retried or resumed explicitly. It reports
// whether the item was being transferred.
func (d *Downloader) Cancel(itemID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled[itemID] = struct{}{}

	cancel, ok := d.items[itemID]
	if ok {
		cancel()
	}

	return ok
}

// CancelAll stops the active run. Every active download is paused.
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runCancel != nil {
		d.runCancel()
	}
}

func (d *Downloader) uncancel(itemID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.cancelled, itemID)
}

func (d *Downloader) excludedItems() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.cancelled))
	for id := range d.cancelled {
		ids = append(ids, id)
	}

	return ids
}

func (d *Downloader) itemContext(ctx context.Context, itemID string) (context.Context, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	itemCtx, cancel := context.WithCancel(ctx)

	if _, ok := d.cancelled[itemID]; ok {
		cancel()
	}

	d.items[itemID] = cancel

	return itemCtx, func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.items, itemID)
		cancel()
	}
}

// process drives one claimed record to its next resting state.
func (d *Downloader) process(ctx context.Context, rec *storage.DownloadRecord) (string, *Failure) {
	ctx = logctx.With(ctx, "download_id", rec.ID, "item_id", rec.ItemID, "file_name", rec.FileName)

	itemCtx, release := d.itemContext(ctx, rec.ItemID)
	defer release()

	claimCtx, loseClaim := context.WithCancelCause(itemCtx)
	defer loseClaim(nil)

	stopHeartbeat := d.keepClaim(claimCtx, rec, loseClaim)

	var (
		outcome string
		failure *Failure
	)

	_ = d.telemetry.InstrumentDownload(claimCtx, func(error) string { return outcome }, func(claimCtx context.Context) error {
		completed, err := d.download(claimCtx, rec)

		stopHeartbeat()

		outcome, failure = d.settle(claimCtx, rec, completed, err)

		return err
	})

	return outcome, failure
}

// keepClaim refreshes the claim on rec until the returned stop func is called. When another
// instance has taken the record over, ctx is cancelled with storage.ErrClaimLost.
func (d *Downloader) keepClaim(ctx context.Context, rec *storage.DownloadRecord, lose context.CancelCauseFunc) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(max(d.cfg.StaleClaimAfter/4, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			err := d.repo.Heartbeat(hbCtx, rec.ID, rec.LockedBy)
			if errors.Is(err, storage.ErrClaimLost) {
				lose(err)

				return
			}

			if err != nil && hbCtx.Err() == nil {
				logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to refresh download claim", "err", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// download runs attempts with exponential backoff until success, a final error or an
// exhausted budget. Attempts already persisted count against the budget.
func (d *Downloader) download(ctx context.Context, rec *storage.DownloadRecord) (*storage.DownloadRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	budget := d.cfg.MaxRetryAttempts - rec.Attempts
	if budget < 1 {
		budget = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryBaseDelay
	bo.MaxInterval = d.cfg.RetryMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1

	attempt := 0

	completed, err := backoff.Retry(ctx, func() (*storage.DownloadRecord, error) {
		attempt++

		current := rec
		if attempt > 1 {
			fresh, err := d.repo.GetDownload(ctx, rec.ID)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to reload download: %w", err))
			}

			if fresh.State != storage.StateInProgress || fresh.LockedBy != rec.LockedBy {
				return nil, backoff.Permanent(fmt.Errorf("download %d: %w", rec.ID, storage.ErrClaimLost))
			}

			current = fresh
		}

		var out *storage.DownloadRecord

		err := d.telemetry.InstrumentAttempt(ctx, func(ctx context.Context) error {
			var err error

			out, err = d.worker.Transfer(ctx, current)

			return err
		})
		if err == nil {
			return out, nil
		}

		if ctx.Err() != nil || !transfer.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}

		attempts, rerr := d.repo.RecordAttempt(context.WithoutCancel(ctx), rec.ID, rec.LockedBy, err.Error())
		if rerr != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to record attempt: %w", rerr))
		}

		logger.WarnContext(ctx, "transfer attempt failed", "attempt", attempts, "max_attempts", d.cfg.MaxRetryAttempts, "err", err)

		return nil, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(budget)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.telemetry.RecordRetry()
			logger.DebugContext(ctx, "retrying transfer", "in", next)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	return completed, err
}

// settle moves the record out of in_progress according to the result of download.
func (d *Downloader) settle(ctx context.Context, rec *storage.DownloadRecord, completed *storage.DownloadRecord, err error) (string, *Failure) {
	logger := logctx.LoggerFromContext(ctx)
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		d.checkItemCompleted(persistCtx, completed)

		return OutcomeCompleted, nil

	case errors.Is(err, storage.ErrClaimLost), errors.Is(context.Cause(ctx), storage.ErrClaimLost):
		// The record belongs to another instance now; it settles it.
		logger.WarnContext(ctx, "download taken over by another instance, stopping", "err", err)

		return OutcomePaused, nil

	case ctx.Err() != nil:
		if terr := d.repo.Release(persistCtx, rec.ID, rec.LockedBy, storage.StatePaused, "cancelled"); terr != nil {
			logger.ErrorContext(ctx, "failed to pause download", "err", terr)
		}

		logger.InfoContext(ctx, "download paused")

		return OutcomePaused, nil

	case errors.Is(err, transfer.ErrAuthRequired):
		d.auth.Invalidate()

		logger.ErrorContext(ctx, "session rejected, stopping downloads", "err", err)

		return OutcomeAuthRequired, d.fail(ctx, rec, err)
	}

	logger.ErrorContext(ctx, "download failed", "err", err)

	return OutcomeFailed, d.fail(ctx, rec, err)
}

// fail moves the record to failed, keeping its partial file, and announces it.
func (d *Downloader) fail(ctx context.Context, rec *storage.DownloadRecord, err error) *Failure {
	logger := logctx.LoggerFromContext(ctx)
	persistCtx := context.WithoutCancel(ctx)

	if terr := d.repo.Release(persistCtx, rec.ID, rec.LockedBy, storage.StateFailed, err.Error()); terr != nil {
		logger.ErrorContext(ctx, "failed to mark download as failed", "err", terr)
	}

	failed := *rec
	if fresh, gerr := d.repo.GetDownload(persistCtx, rec.ID); gerr == nil {
		failed = *fresh
	}

	d.publishFailure(ctx, FailureEvent{Record: failed, Err: err})

	return &Failure{
		DownloadID: rec.ID,
		ItemID:     rec.ItemID,
		FileName:   rec.FileName,
		Error:      err.Error(),
	}
}

// checkItemCompleted announces the item once all of its records are completed.
func (d *Downloader) checkItemCompleted(ctx context.Context, rec *storage.DownloadRecord) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := d.repo.GetDownloads(ctx, storage.DownloadFilter{ItemID: rec.ItemID})
	if err != nil {
		logger.ErrorContext(ctx, "failed to load item downloads", "err", err)

		return
	}

	root := d.worker.Layout().Root
	paths := make([]string, 0, len(records))

	for _, r := range records {
		if r.State != storage.StateCompleted {
			return
		}

		p := r.LocalPath
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}

		paths = append(paths, p)
	}

	d.telemetry.RecordItemCompleted()

	logger.InfoContext(ctx, "item downloaded", "files", len(paths))

	select {
	case d.OnItemCompleted <- CompletionEvent{ItemID: rec.ItemID, LocalPaths: paths}:
	default:
		logger.WarnContext(ctx, "dropping item completion event, no consumer")
	}
}

func (d *Downloader) publishFailure(ctx context.Context, ev FailureEvent) {
	select {
	case d.OnDownloadFailed <- ev:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping download failure event, no consumer")
	}
}

// Retry re-queues a failed download. Its attempt budget is reset and the bytes already
// written are kept, unless they no longer match the recorded checksum: then the partial file
// is moved aside and the download starts over.
func (d *Downloader) Retry(ctx context.Context, id int64) error {
	rec, err := d.repo.GetDownload(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to retry download %d: %w", id, err)
	}

	if rec.State != storage.StateFailed {
		return fmt.Errorf("failed to retry download %d: is %s: %w", id, rec.State, storage.ErrInvalidTransition)
	}

	corrupt, err := d.worker.QuarantineCorrupt(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to check partial file of download %d: %w", id, err)
	}

	if corrupt {
		err = d.repo.Restart(ctx, id)
	} else {
		err = d.repo.Transition(ctx, id, storage.StateFailed, storage.StatePending, "")
	}

	if err != nil {
		return fmt.Errorf("failed to retry download %d: %w", id, err)
	}

	d.uncancel(rec.ItemID)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download queued for retry", "download_id", id, "restarted", corrupt)

	return nil
}

// Resume re-queues a paused download.
func (d *Downloader) Resume(ctx context.Context, id int64) error {
	if err := d.repo.Transition(ctx, id, storage.StatePaused, storage.StatePending, ""); err != nil {
		return fmt.Errorf("failed to resume download %d: %w", id, err)
	}

	if rec, err := d.repo.GetDownload(ctx, id); err == nil {
		d.uncancel(rec.ItemID)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download resumed", "download_id", id)

	return nil
}
