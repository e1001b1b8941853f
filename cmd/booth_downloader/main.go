package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/booth_downloader/internal/downloader"
	"github.com/italolelis/booth_downloader/internal/logctx"
	"github.com/italolelis/booth_downloader/internal/storage"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "booth_downloader",
		Short:         "Download purchased marketplace items with resumable transfers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPurchasesCmd())
	root.AddCommand(newDownloadCmd())
	root.AddCommand(newRequeueCmd("retry", "Re-queue a failed download and run it"))
	root.AddCommand(newRequeueCmd("resume", "Re-queue a paused download and run it"))
	root.AddCommand(newListCmd())

	return root
}

// withApp bootstraps the application for one command. Command logs go to stderr so stdout
// carries only command output; serve logs to stdout like any service.
func withApp(cmd *cobra.Command, logOut io.Writer, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := bootstrap(cmd.Context(), logOut)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic download service and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, os.Stdout, func(ctx context.Context, a *app) error {
				logctx.LoggerFromContext(ctx).InfoContext(ctx, "booth downloader starting...",
					"log_level", a.cfg.LogLevel,
					"version", version,
				)

				return serve(ctx, a)
			})
		},
	}
}

func newSessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Marketplace session commands"}

	sess.AddCommand(&cobra.Command{
		Use:   "import <cookies.json>",
		Short: "Import a browser cookie dump as the marketplace session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open cookie dump: %w", err)
				}
				defer f.Close()

				sess, err := a.sessions.Import(ctx, f)
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session imported (%d cookies) to %s\n", len(sess.Cookies), a.cfg.SessionFile)

				return printSession(ctx, cmd.OutOrStdout(), a)
			})
		},
	})

	return sess
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored marketplace session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if err := a.sessions.Logout(ctx); err != nil {
					return err
				}

				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "session removed")

				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state and download counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()

				if err := printSession(ctx, out, a); err != nil {
					return err
				}

				recs, err := a.repo.GetDownloads(ctx, storage.DownloadFilter{})
				if err != nil {
					return err
				}

				counts := make(map[storage.State]int)
				for _, rec := range recs {
					counts[rec.State]++
				}

				for _, s := range []storage.State{
					storage.StatePending, storage.StateInProgress, storage.StatePaused, storage.StateFailed, storage.StateCompleted,
				} {
					_, _ = fmt.Fprintf(out, "%-12s %d\n", s, counts[s])
				}

				return nil
			})
		},
	}
}

func printSession(ctx context.Context, out io.Writer, a *app) error {
	info, err := a.sessions.Describe(ctx)
	if err != nil {
		return err
	}

	if !info.Present {
		_, _ = fmt.Fprintln(out, "session: none (run `session import`)")

		return nil
	}

	_, _ = fmt.Fprintf(out, "session: %s\n", info.Status)

	if info.CapturedAt != nil {
		_, _ = fmt.Fprintf(out, "captured: %s\n", humanize.Time(*info.CapturedAt))
	}

	if info.ValidUntil != nil {
		_, _ = fmt.Fprintf(out, "valid until: %s\n", info.ValidUntil.Format(time.RFC3339))
	}

	if info.Error != "" {
		_, _ = fmt.Fprintf(out, "error: %s\n", info.Error)
	}

	return nil
}

func newPurchasesCmd() *cobra.Command {
	var updateDB bool

	cmd := &cobra.Command{
		Use:   "purchases",
		Short: "List the purchases of the signed-in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()

				if updateDB {
					n, err := a.downloader.SyncPurchases(ctx)
					if err != nil {
						return err
					}

					_, _ = fmt.Fprintf(out, "synced %d purchases\n", n)

					return nil
				}

				for p, err := range a.client.ListPurchases(ctx) {
					if err != nil {
						return err
					}

					_, _ = fmt.Fprintf(out, "%s\t%s\t%s %s\t%s\n",
						p.ItemID, p.PurchaseDate.Format(time.DateOnly), p.Price.Amount, p.Price.Currency, p.Title)
				}

				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&updateDB, "update-db", false, "write purchase data into the item store")

	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		itemIDs []string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Queue items and download everything pending",
		Long: "Queues the given items (or every purchase with --all) and downloads the queue. " +
			"Without flags it resumes whatever is already queued.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				queueErr := queueDownloads(ctx, a.downloader, itemIDs, all)
				if haltsCycle(ctx, queueErr) {
					return queueErr
				}

				opts := downloader.RunOptions{}
				if !all {
					opts.ItemIDs = itemIDs
				}

				return errors.Join(runAndReport(ctx, cmd.OutOrStdout(), a, opts), queueErr)
			})
		},
	}
	cmd.Flags().StringSliceVar(&itemIDs, "item-id", nil, "item ids to download")
	cmd.Flags().BoolVar(&all, "all", false, "download every purchased item")
	cmd.MarkFlagsMutuallyExclusive("item-id", "all")

	return cmd
}

// queuer is the part of the downloader the download command queues through.
type queuer interface {
	SyncPurchases(ctx context.Context) (int, error)
	EnqueueAll(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, itemID string) ([]storage.DownloadRecord, error)
}

// queueDownloads syncs and queues what the download command was asked for. Like a service
// cycle it stops early only for a rejected session or a cancelled context; any other error is
// logged and returned once every item was tried, so the run still covers the rest.
func queueDownloads(ctx context.Context, q queuer, itemIDs []string, all bool) error {
	var errs []error

	if all {
		if _, err := q.SyncPurchases(ctx); err != nil {
			logCycleError(ctx, "failed to sync purchases", err)

			if haltsCycle(ctx, err) {
				return err
			}

			errs = append(errs, err)
		}

		if _, err := q.EnqueueAll(ctx); err != nil {
			logCycleError(ctx, "failed to queue purchased items", err)

			if haltsCycle(ctx, err) {
				return err
			}

			errs = append(errs, err)
		}
	}

	for _, id := range itemIDs {
		if _, err := q.Enqueue(ctx, id); err != nil {
			logCycleError(logctx.With(ctx, "item_id", id), "failed to queue item", err)

			errs = append(errs, fmt.Errorf("item %s: %w", id, err))

			if haltsCycle(ctx, err) {
				break
			}
		}
	}

	return errors.Join(errs...)
}

func newRequeueCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <download-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid download id %q", args[0])
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				requeue := a.downloader.Retry
				if use == "resume" {
					requeue = a.downloader.Resume
				}

				if err := requeue(ctx, id); err != nil {
					return err
				}

				rec, err := a.repo.GetDownload(ctx, id)
				if err != nil {
					return err
				}

				return runAndReport(ctx, cmd.OutOrStdout(), a, downloader.RunOptions{ItemIDs: []string{rec.ItemID}})
			})
		},
	}
}

func runAndReport(ctx context.Context, out io.Writer, a *app, opts downloader.RunOptions) error {
	stopNotifications := a.startNotifications(ctx)
	report, err := a.downloader.Run(ctx, opts)
	stopNotifications()

	if report != nil {
		_, _ = fmt.Fprintf(out, "completed %d, paused %d, failed %d\n", report.Completed, report.Paused, len(report.Failures))

		for _, f := range report.Failures {
			_, _ = fmt.Fprintf(out, "  #%d %s/%s: %s\n", f.DownloadID, f.ItemID, f.FileName, f.Error)
		}
	}

	if err != nil {
		return err
	}

	if len(report.Failures) > 0 {
		return fmt.Errorf("%d downloads failed", len(report.Failures))
	}

	return nil
}

func newListCmd() *cobra.Command {
	var (
		itemID string
		states []string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked downloads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := storage.DownloadFilter{ItemID: itemID}
			for _, s := range states {
				filter.States = append(filter.States, storage.State(s))
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				recs, err := a.repo.GetDownloads(ctx, filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for _, rec := range recs {
					_, _ = fmt.Fprintf(out, "#%d\t%s\t%-11s\t%s\t%s\n",
						rec.ID, rec.ItemID, rec.State, progressLabel(rec), rec.LocalPath)
				}

				if len(recs) == 0 {
					_, _ = fmt.Fprintln(out, "no downloads")
				}

				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item-id", "", "only downloads of this item")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only downloads in these states")

	return cmd
}

func progressLabel(rec storage.DownloadRecord) string {
	written := humanize.IBytes(uint64(rec.BytesWritten))
	if rec.TotalBytes == nil {
		return written
	}

	return written + "/" + humanize.IBytes(uint64(*rec.TotalBytes))
}
