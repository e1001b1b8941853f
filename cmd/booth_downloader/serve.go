package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/italolelis/booth_downloader/internal/cleanup"
	"github.com/italolelis/booth_downloader/internal/downloader"
	"github.com/italolelis/booth_downloader/internal/http/rest"
	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/telemetry"
	"github.com/italolelis/booth_downloader/internal/transfer"
)

const runQueueSize = 16

// serve runs the periodic sync and download cycle next to the control API until ctx ends.
func serve(ctx context.Context, a *app) error {
	logger := logctx.LoggerFromContext(ctx)

	stopNotifications := a.startNotifications(ctx)
	defer stopNotifications()

	runs := make(chan downloader.RunOptions, runQueueSize)
	trigger := func(opts downloader.RunOptions) {
		select {
		case runs <- opts:
		default:
			logger.WarnContext(ctx, "run queue full, request left for the next cycle", "items", opts.ItemIDs)
		}
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, a, trigger)

	go func() {
		logger.InfoContext(ctx, "initializing API support", "host", a.cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.InfoContext(ctx, "waiting for purchases...",
		"output_dir", a.cfg.OutputDir,
		"update_interval", a.cfg.UpdateInterval.String(),
		"concurrency_limit", a.cfg.ConcurrencyLimit,
		"instance_id", a.downloader.InstanceID(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, a)

	// =========================================================================
	// Start Download Loop
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	loopDone := make(chan struct{})

	go func() {
		defer close(loopDone)

		downloadLoop(loopCtx, a, runs)
	}()

	select {
	case err := <-serverErrors:
		stopLoop()
		<-loopDone

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.InfoContext(ctx, "start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		<-loopDone

		return nil
	}
}

// downloadLoop owns every run of the service so runs never overlap.
func downloadLoop(ctx context.Context, a *app, runs <-chan downloader.RunOptions) {
	ticker := time.NewTicker(a.cfg.UpdateInterval)
	defer ticker.Stop()

	cycle(ctx, a)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx, a)
		case opts := <-runs:
			runOnce(ctx, a, opts)
		}
	}
}

// cycle syncs purchases, queues every purchased item and downloads the queue.
func cycle(ctx context.Context, a *app) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := a.downloader.SyncPurchases(ctx); err != nil {
		logCycleError(ctx, "failed to sync purchases", err)

		if haltsCycle(ctx, err) {
			return
		}
	}

	queued, err := a.downloader.EnqueueAll(ctx)
	if err != nil {
		logCycleError(ctx, "failed to queue purchased items", err)

		if haltsCycle(ctx, err) {
			return
		}
	}

	logger.DebugContext(ctx, "queued purchased items", "records", queued)

	runOnce(ctx, a, downloader.RunOptions{})
}

// haltsCycle reports whether err ends a sync-queue-download cycle. Everything else is
// reported and the queue is still downloaded.
func haltsCycle(ctx context.Context, err error) bool {
	return err != nil && (errors.Is(err, transfer.ErrAuthRequired) || ctx.Err() != nil)
}

func runOnce(ctx context.Context, a *app, opts downloader.RunOptions) {
	logger := logctx.LoggerFromContext(ctx)

	report, err := a.downloader.Run(ctx, opts)
	if err != nil {
		logCycleError(ctx, "download run ended with error", err)
	}

	if report != nil {
		logger.InfoContext(ctx, "download run finished",
			"completed", report.Completed,
			"paused", report.Paused,
			"failed", len(report.Failures),
			"auth_required", report.AuthRequired,
		)
	}
}

func logCycleError(ctx context.Context, msg string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case ctx.Err() != nil:
		logger.DebugContext(ctx, msg, "err", err)
	case errors.Is(err, transfer.ErrAuthRequired):
		logger.WarnContext(ctx, msg+"; import a fresh session", "err", err)
	default:
		logger.ErrorContext(ctx, msg, "err", err)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app, trigger rest.Trigger) *http.Server {
	username, password := "", ""
	if a.cfg.APIAuthEnabled() {
		username, password = a.cfg.API.Username, a.cfg.API.Password
	}

	handler := rest.NewHandler(username, password, a.downloader, a.repo, a.sessions, trigger, a.tel)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(a.tel).Middleware)

	r.Handle("/metrics", a.tel.Handler())
	r.Mount("/api", handler.Routes())

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, a *app) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(a.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "cleanup goroutine shutting down")

				return
			case <-ticker.C:
				if _, err := cleanup.DeleteOrphanedPartials(ctx, a.repo, a.worker.Layout(), a.cfg.CleanupInterval); err != nil {
					logger.ErrorContext(ctx, "failed to delete orphaned partial files", "err", err)
				}
			}
		}
	}()
}
