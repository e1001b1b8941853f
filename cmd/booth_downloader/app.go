package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/italolelis/booth_downloader/internal/booth"
	"github.com/italolelis/booth_downloader/internal/config"
	"github.com/italolelis/booth_downloader/internal/downloader"
	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/notifier"
	"github.com/italolelis/booth_downloader/internal/session"
	"github.com/italolelis/booth_downloader/internal/storage/sqlite"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	db         *sql.DB
	repo       *sqlite.InstrumentedRepository
	sessions   *session.Manager
	client     *booth.Client
	worker     *transfer.Worker
	downloader *downloader.Downloader
	notifier   notifier.Notifier
}

// newLogger builds the JSON logger, fanned out to the OTLP log pipeline when it is enabled.
func newLogger(w io.Writer, cfg *config.Config, tel *telemetry.Telemetry) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	if lp := tel.LoggerProvider(); lp != nil {
		handler = slogmulti.Fanout(
			handler,
			otelslog.NewHandler(cfg.Telemetry.ServiceName, otelslog.WithLoggerProvider(lp)),
		)
	}

	return slog.New(logctx.NewContextHandler(handler))
}

// bootstrap loads the configuration and wires telemetry, logging, storage, the marketplace
// client and the scheduler. The returned context carries the logger.
func bootstrap(ctx context.Context, logOut io.Writer) (context.Context, *app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return ctx, nil, fmt.Errorf("config error: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger := newLogger(logOut, cfg, tel)
	slog.SetDefault(logger)

	ctx = logctx.WithLogger(ctx, logger)

	// =========================================================================
	// Start Database
	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		_ = tel.Shutdown(ctx)

		return ctx, nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := sqlite.NewInstrumentedRepository(db, tel)

	// =========================================================================
	// Start Session
	transport := booth.NewTransport(cfg.RequestTimeout)

	validator, err := session.NewValidator(cfg.BoothBaseURL, transport, cfg.SessionCookie, cfg.RequestTimeout, tel)
	if err != nil {
		_ = db.Close()
		_ = tel.Shutdown(ctx)

		return ctx, nil, err
	}

	sessions := session.NewManager(session.NewStore(cfg.SessionFile), validator, cfg.SessionValidationTTL)

	// =========================================================================
	// Start Marketplace Client
	client, err := booth.NewClient(cfg.BoothBaseURL, sessions, cfg.RequestTimeout)
	if err != nil {
		_ = db.Close()
		_ = tel.Shutdown(ctx)

		return ctx, nil, err
	}

	resolver := transfer.NewInstrumentedResolver(client, tel, "booth")
	fetcher := transfer.NewInstrumentedFetcher(client, tel, "booth")

	worker := transfer.NewWorker(repo, resolver, fetcher, transfer.Layout{Root: cfg.OutputDir}, tel, transfer.WorkerConfig{
		ChunkSize:    cfg.ChunkSize,
		StallTimeout: cfg.RequestTimeout,
	})

	// =========================================================================
	// Start Downloader
	d := downloader.NewDownloader(repo, worker, resolver, client, sessions, tel, downloader.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		StaleClaimAfter:  cfg.ClaimStaleAfter,
	}, downloader.GenerateInstanceID())

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, cfg.RequestTimeout)
	}

	return ctx, &app{
		cfg:        cfg,
		tel:        tel,
		db:         db,
		repo:       repo,
		sessions:   sessions,
		client:     client,
		worker:     worker,
		downloader: d,
		notifier:   notif,
	}, nil
}

// Close releases the database and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := a.db.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close database", "err", err)
	}

	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.ErrorContext(ctx, "failed to shutdown telemetry", "err", err)
	}
}

// startNotifications relays scheduler events to the notifier until the downloader is closed.
// The returned function closes the event channels and waits for the relays to drain.
func (a *app) startNotifications(ctx context.Context) func() {
	logger := logctx.LoggerFromContext(ctx)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for event := range a.downloader.OnDownloadFailed {
			logger.ErrorContext(ctx, "download failed",
				"download_id", event.Record.ID,
				"item_id", event.Record.ItemID,
				"file_name", event.Record.FileName,
				"err", event.Err,
			)

			msg := notifier.DownloadFailed(event.Record.ItemID, event.Record.FileName, event.Err)
			if err := a.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "item_id", event.Record.ItemID, "err", err)
			}
		}
	}()

	go func() {
		defer wg.Done()

		for event := range a.downloader.OnItemCompleted {
			title := ""
			if item, err := a.repo.GetItem(context.WithoutCancel(ctx), event.ItemID); err == nil {
				title = item.Title
			}

			logger.InfoContext(ctx, "item download finished", "item_id", event.ItemID, "files", len(event.LocalPaths))

			msg := notifier.ItemCompleted(event.ItemID, title, event.LocalPaths)
			if err := a.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "item_id", event.ItemID, "err", err)
			}
		}
	}()

	return func() {
		a.downloader.Close()
		wg.Wait()
	}
}
