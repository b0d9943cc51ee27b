package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"tourwatch/alert"
	"tourwatch/config"
	"tourwatch/database"
	"tourwatch/email"
	"tourwatch/ingest"
	"tourwatch/logging"
	"tourwatch/notify"
	"tourwatch/poll"
	"tourwatch/ratelimit"
	"tourwatch/scraper"
	archive "tourwatch/storage"

	"cloud.google.com/go/storage"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *database.Store
	runner  *poll.Runner
	archive *archive.Archive // nil when archiving is disabled
	closers []io.Closer
}

// newApp loads configuration and builds the sync pipeline.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	if err := a.openArchive(ctx); err != nil {
		a.Close()
		return nil, err
	}

	mailer, err := newMailer(ctx, cfg.Email, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.Sync.RateLimitInterval, logger)
	fetcher := scraper.New(&http.Client{}, limiter, nil, scraper.Config{
		UserAgent:       cfg.Sync.UserAgent,
		DefaultCurrency: cfg.Sync.DefaultCurrency,
		RequestTimeout:  cfg.Sync.RequestTimeout,
		Policy: scraper.Policy{
			MaxRetries: uint(cfg.Sync.FetchMaxRetries),
			BaseDelay:  cfg.Sync.RetryBaseDelay,
			MaxDelay:   cfg.Sync.RetryMaxDelay,
			Jitter:     cfg.Sync.RetryJitter,
		},
	}, logger)
	logger.Info("Fetcher configured", "rate_limit_interval", limiter.Interval(), "max_retries", cfg.Sync.FetchMaxRetries)

	a.runner = poll.New(
		store,
		fetcher,
		ingest.New(store, logger),
		alert.New(store, logger),
		notify.New(store, mailer, logger),
		poll.Config{Workers: cfg.Sync.WorkerPoolSize, IngestTimeout: cfg.Sync.IngestTimeout},
		logger,
	)
	return a, nil
}

func (a *app) openArchive(ctx context.Context) error {
	switch {
	case a.cfg.Archive.LocalPath != "":
		a.logger.Info("Using local report archive", "path", a.cfg.Archive.LocalPath)
		a.archive = archive.New(nil, "", a.cfg.Archive.LocalPath, a.logger)
	case a.cfg.Archive.Bucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client)
		a.logger.Info("Using Cloud Storage report archive", "bucket", a.cfg.Archive.Bucket)
		a.archive = archive.New(client, a.cfg.Archive.Bucket, "", a.logger)
	default:
		a.logger.Info("Report archiving disabled")
	}
	return nil
}

// newMailer returns nil when e-mail is disabled; notify treats a nil Mailer as "record only".
func newMailer(ctx context.Context, cfg config.EmailConfig, logger *slog.Logger) (notify.Mailer, error) {
	var provider email.Provider
	switch cfg.Provider {
	case "":
		logger.Info("E-mail delivery disabled")
		return nil, nil
	case "brevo":
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddr, cfg.FromName, logger)
	case "gmail":
		gmail, err := email.NewGmailProvider(ctx, cfg.GmailCredentialsJSON, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		provider = gmail
	case "mock":
		provider = email.NewMockProvider(logger)
	default:
		return nil, fmt.Errorf("unknown e-mail provider %q", cfg.Provider)
	}
	logger.Info("E-mail delivery enabled", "provider", cfg.Provider)
	return email.New(provider, logger, cfg.BaseURL), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Failed to release resources", "error", err)
	}
}
