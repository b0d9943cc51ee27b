// Package alert matches price change events against users' active alerts.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"
)

// ErrUnknownAlertType is returned for alerts whose type is not in the closed set.
var ErrUnknownAlertType = errors.New("unknown alert type")

// ErrAlertNotActive is returned by RecordAlertTrigger when the alert was paused
// or otherwise left the active state after it was loaded.
var ErrAlertNotActive = errors.New("alert not active")

// Store provides active alerts and records fired ones.
type Store interface {
	ListActiveAlerts(ctx context.Context, tourID int64) ([]tourwatch.Alert, error)
	// RecordAlertTrigger atomically bumps the trigger count of an active alert and
	// returns the new count.
	RecordAlertTrigger(ctx context.Context, alertID int64, at time.Time) (int, error)
}

// Fires reports whether an alert's rule matches the event.
// An alert missing the threshold its type needs never fires.
func Fires(a *tourwatch.Alert, ev *tourwatch.PriceChangeEvent) (bool, error) {
	switch a.Type {
	case tourwatch.AlertPriceDrop:
		return a.ThresholdPrice != nil && ev.NewPrice <= *a.ThresholdPrice, nil
	case tourwatch.AlertPriceIncrease:
		return a.ThresholdPrice != nil && ev.NewPrice >= *a.ThresholdPrice, nil
	case tourwatch.AlertPercentageDrop:
		if a.ThresholdPercentage == nil || ev.OldPrice <= 0 {
			return false, nil
		}
		drop := (ev.OldPrice - ev.NewPrice) / ev.OldPrice * 100
		return drop >= *a.ThresholdPercentage, nil
	case tourwatch.AlertPriceChange:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAlertType, a.Type)
	}
}

// Evaluator decides which alerts a price change fires.
type Evaluator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new evaluator.
func New(store Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate loads the tour's active alerts and records every one the event fires.
// An alert whose trigger cannot be recorded is skipped; the others still fire.
func (e *Evaluator) Evaluate(ctx context.Context, ev *tourwatch.PriceChangeEvent) ([]tourwatch.AlertTriggered, error) {
	alerts, err := e.store.ListActiveAlerts(ctx, ev.TourID)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	var fired []tourwatch.AlertTriggered
	var errs []error
	for i := range alerts {
		a := &alerts[i]
		ok, err := Fires(a, ev)
		if err != nil {
			e.logger.Warn("Skipping alert with invalid rule", "alert_id", a.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		at := e.now().UTC()
		count, err := e.store.RecordAlertTrigger(ctx, a.ID, at)
		if errors.Is(err, ErrAlertNotActive) {
			e.logger.Info("Alert left active state before it fired", "alert_id", a.ID, "tour_id", ev.TourID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("record trigger for alert %d: %w", a.ID, err))
			continue
		}

		a.TriggerCount = count
		a.LastTriggeredAt = &at
		metrics.RecordAlertTriggered(string(a.Type))
		e.logger.Info("Alert triggered",
			"alert_id", a.ID,
			"user_id", a.UserID,
			"tour_id", ev.TourID,
			"alert_type", a.Type,
			"old_price", ev.OldPrice,
			"new_price", ev.NewPrice,
			"trigger_count", count)

		fired = append(fired, tourwatch.AlertTriggered{
			Alert:        *a,
			Event:        *ev,
			TriggerCount: count,
			TriggeredAt:  at,
		})
	}

	return fired, errors.Join(errs...)
}
