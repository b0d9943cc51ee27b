// Package main runs the tour price tracking service: scheduled sync passes,
// price alerts, and the admin and user HTTP API.
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

	"tourwatch/pkg/tourwatch"
	"tourwatch/scheduler"
	"tourwatch/server"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "tourwatch",
		Short:         "Track tour prices and alert users when they change",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $CONFIG_PATH or ./tourwatch.yaml)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newSyncCmd(&configPath),
		newTrackCmd(&configPath),
		newUserCmd(&configPath),
		newHistoryCmd(&configPath),
		newReportsCmd(&configPath),
	)
	return rootCmd
}

// withApp builds the app for one command and releases it afterwards.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	var (
		archiver scheduler.Archiver
		reports  server.ReportArchive
	)
	if a.archive != nil {
		archiver = a.archive
		reports = a.archive
	}

	sched := scheduler.New(a.runner, archiver, scheduler.Config{
		Interval:   a.cfg.Sync.Interval,
		RunOnStart: a.cfg.Sync.RunOnStart,
	}, a.logger)

	srv := server.New(&server.Config{
		Scheduler:  sched,
		Archive:    reports,
		Store:      a.store,
		Logger:     a.logger,
		AdminToken: a.cfg.Server.AdminToken,
	})
	if a.cfg.Server.AdminToken == "" {
		a.logger.Warn("Admin token not set, admin API disabled")
	}

	handler := &sutureslog.Handler{Logger: a.logger}
	root := suture.New("tourwatch", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          time.Minute, // Long enough for an in-flight pass to persist its last tour
	})
	root.Add(sched)
	root.Add(server.NewService(srv.NewHTTPServer(a.cfg.Server.Port), a.logger))

	a.logger.Info("Service starting", "port", a.cfg.Server.Port, "sync_interval", a.cfg.Sync.Interval)
	err := root.Serve(ctx)
	if unstopped, reportErr := root.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range unstopped {
			a.logger.Warn("Service failed to stop within timeout", "service", svc.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	a.logger.Info("Service stopped")
	return nil
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				report, err := a.runner.Run(ctx, tourwatch.TriggerCLI)
				if report != nil {
					if a.archive != nil {
						if saveErr := a.archive.Save(context.WithoutCancel(ctx), report); saveErr != nil {
							a.logger.Warn("Failed to archive sync report", "run_id", report.RunID, "error", saveErr)
						}
					}
					if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}
}

func newTrackCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "track <locator> [name]",
		Short: "Start tracking a tour page",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				var name string
				if len(args) == 2 {
					name = args[1]
				}
				tour, err := a.store.TrackTour(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tour)
			})
		},
	}
}

func newUserCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage alert recipients",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <email>",
		Short: "Register a user, or print the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				user, err := a.store.CreateUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), user)
			})
		},
	})
	return cmd
}

func newHistoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <tour-id>",
		Short: "Print a tour's summary, price trend and price history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid tour id %q", args[0])
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				tour, err := a.store.Tour(ctx, id)
				if err != nil {
					return err
				}
				stats, err := a.store.PriceStats(ctx, id, time.Now())
				if err != nil {
					return err
				}
				records, err := a.store.PriceHistory(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"tour":    tour,
					"stats":   stats,
					"records": records,
				})
			})
		},
	}
}

func newReportsCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reports [key]",
		Short: "List archived sync reports, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if a.archive == nil {
					return errors.New("report archiving is not configured")
				}
				if len(args) == 1 {
					report, err := a.archive.Load(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				}
				keys, err := a.archive.List(ctx, limit)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports to list")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
