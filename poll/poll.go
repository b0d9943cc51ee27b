// Package poll runs sync passes: fetch every tracked tour and feed the results
// through ingestion, alert evaluation and notification dispatch.
package poll

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"

	"github.com/google/uuid"
)

const (
	defaultWorkers       = 4
	defaultIngestTimeout = 30 * time.Second
)

// TourLister enumerates the tours a pass should sync.
type TourLister interface {
	ListTrackedTours(ctx context.Context) ([]tourwatch.TourRef, error)
}

// Fetcher retrieves a tour's current price.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (*tourwatch.Quote, error)
}

// Ingestor persists a fetched price.
type Ingestor interface {
	Ingest(ctx context.Context, tourID int64, q *tourwatch.Quote, observedAt time.Time) (*tourwatch.PriceChangeEvent, error)
}

// Evaluator finds the alerts a price change fires.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *tourwatch.PriceChangeEvent) ([]tourwatch.AlertTriggered, error)
}

// Dispatcher records a notification for a fired alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *tourwatch.AlertTriggered) (*tourwatch.Notification, bool, error)
}

// Config sizes a Runner.
type Config struct {
	Workers       int           // Concurrent fetches
	IngestTimeout time.Duration // Bound on ingest+evaluate+dispatch for one tour
}

// Runner executes sync passes.
type Runner struct {
	lister     TourLister
	fetcher    Fetcher
	ingestor   Ingestor
	evaluator  Evaluator
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config
}

// New creates a new sync runner.
func New(lister TourLister, fetcher Fetcher, ingestor Ingestor, evaluator Evaluator, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = defaultIngestTimeout
	}
	return &Runner{
		lister:     lister,
		fetcher:    fetcher,
		ingestor:   ingestor,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		cfg:        cfg,
	}
}

type tourResult struct {
	reason        string
	tour          tourwatch.TourRef
	alerts        int
	notifications int
	succeeded     bool
	skipped       bool
	priceChanged  bool
}

// Run performs one pass over every tracked tour.
//
// A tour's failure never stops the pass. When ctx is cancelled no new tours are
// started; tours already fetched finish applying their price. Only a failure to
// list tours fails the pass as a whole.
func (r *Runner) Run(ctx context.Context, trigger tourwatch.Trigger) (*tourwatch.SyncReport, error) {
	report := &tourwatch.SyncReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: r.now().UTC(),
		Failures:  []tourwatch.TourFailure{},
	}
	logger := r.logger.With("run_id", report.RunID, "trigger", trigger)

	tours, err := r.lister.ListTrackedTours(ctx)
	if err != nil {
		err = fmt.Errorf("list tracked tours: %w", err)
		report.Error = err.Error()
		r.finish(logger, report, err)
		return report, err
	}
	report.Total = len(tours)
	logger.Info("Sync pass started", "tours", len(tours), "workers", r.cfg.Workers)

	jobs := make(chan tourwatch.TourRef)
	results := make(chan tourResult, len(tours))

	var wg sync.WaitGroup
	for range min(r.cfg.Workers, len(tours)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				results <- r.syncTour(ctx, logger, t)
			}
		}()
	}

feed:
	for _, t := range tours {
		if t.Locator == "" {
			results <- tourResult{tour: t, skipped: true, reason: "empty locator"}
			continue
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- t:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	seen := 0
	for res := range results {
		seen++
		switch {
		case res.skipped:
			report.Skipped++
			logger.Debug("Tour skipped", "tour_id", res.tour.ID, "reason", res.reason)
		case res.succeeded:
			report.Succeeded++
		default:
			report.Failed++
			report.Failures = append(report.Failures, tourwatch.TourFailure{
				TourID:  res.tour.ID,
				Locator: res.tour.Locator,
				Reason:  res.reason,
			})
		}
		if res.priceChanged {
			report.PriceChanges++
		}
		report.AlertsTriggered += res.alerts
		report.NotificationsCreated += res.notifications
	}
	// Tours never handed to a worker.
	report.Skipped += len(tours) - seen
	report.Cancelled = ctx.Err() != nil

	slices.SortFunc(report.Failures, func(a, b tourwatch.TourFailure) int {
		return cmp.Compare(a.TourID, b.TourID)
	})

	r.finish(logger, report, nil)
	return report, nil
}

func (r *Runner) finish(logger *slog.Logger, report *tourwatch.SyncReport, err error) {
	report.FinishedAt = r.now().UTC()
	metrics.RecordSyncRun(string(report.Trigger), report.Duration(),
		report.Succeeded, report.Failed, report.Skipped, report.Cancelled, err)

	if err != nil {
		logger.Error("Sync pass failed", "error", err, "duration", report.Duration().String())
		return
	}
	logger.Info("Sync pass completed",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"price_changes", report.PriceChanges,
		"alerts_triggered", report.AlertsTriggered,
		"notifications_created", report.NotificationsCreated,
		"cancelled", report.Cancelled,
		"duration", report.Duration().String())
}

// syncTour handles one tour end to end. Everything after a successful fetch runs
// on a context detached from the pass, so a fetched price is never half applied.
func (r *Runner) syncTour(ctx context.Context, logger *slog.Logger, t tourwatch.TourRef) tourResult {
	res := tourResult{tour: t}
	if ctx.Err() != nil {
		res.skipped = true
		res.reason = "pass cancelled"
		return res
	}

	q, err := r.fetcher.Fetch(ctx, t.Locator)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			res.skipped = true
			res.reason = "pass cancelled"
			return res
		}
		logger.Warn("Tour fetch failed", "tour_id", t.ID, "locator", t.Locator, "error", err)
		res.reason = err.Error()
		return res
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.IngestTimeout)
	defer cancel()

	ev, err := r.ingestor.Ingest(applyCtx, t.ID, q, r.now())
	if err != nil {
		logger.Error("Tour ingest failed", "tour_id", t.ID, "error", err)
		res.reason = err.Error()
		return res
	}
	res.succeeded = true
	if ev == nil {
		return res
	}
	res.priceChanged = true

	fired, err := r.evaluator.Evaluate(applyCtx, ev)
	if err != nil {
		// The price is stored; the alerts that could be recorded still dispatch.
		logger.Error("Alert evaluation failed", "tour_id", t.ID, "error", err)
	}
	res.alerts = len(fired)

	for i := range fired {
		_, created, err := r.dispatcher.Dispatch(applyCtx, &fired[i])
		if err != nil {
			logger.Error("Notification dispatch failed",
				"tour_id", t.ID,
				"alert_id", fired[i].Alert.ID,
				"error", err)
			continue
		}
		if created {
			res.notifications++
		}
	}
	return res
}
