// Package notify turns fired alerts into durable notifications and alert e-mails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tourwatch/email"
	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"

	"github.com/google/uuid"
)

// dedupNamespace scopes notification dedup keys. Changing it would let replays
// of already-notified triggers through.
var dedupNamespace = uuid.MustParse("6f1d9a52-1c1e-4d8e-9b57-0b7c1f0e4a21")

// Store persists notifications.
type Store interface {
	// CreateNotification inserts n unless a row with the same DedupKey exists.
	CreateNotification(ctx context.Context, n *tourwatch.Notification) (created bool, err error)
	NotificationByDedupKey(ctx context.Context, key string) (*tourwatch.Notification, error)
	UserEmail(ctx context.Context, userID int64) (string, error)
}

// Mailer sends the alert e-mail for a new notification.
type Mailer interface {
	SendPriceAlert(ctx context.Context, to string, a *email.Alert) error
}

// Dispatcher writes one notification per fired alert.
type Dispatcher struct {
	store  Store
	mailer Mailer
	logger *slog.Logger
}

// New creates a dispatcher. mailer may be nil, in which case no e-mail is sent.
func New(store Store, mailer Mailer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		mailer: mailer,
		logger: logger,
	}
}

// DedupKey derives the idempotency key for a trigger. The same alert firing on
// the same recorded price always yields the same key.
func DedupKey(alertID, tourID int64, recordedAt time.Time) string {
	name := strconv.FormatInt(alertID, 10) + "|" + strconv.FormatInt(tourID, 10) + "|" +
		recordedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(dedupNamespace, []byte(name)).String()
}

// Message renders the human-readable notification text.
func Message(ev *tourwatch.PriceChangeEvent) string {
	return fmt.Sprintf("Price of '%s' changed from %s to %s",
		ev.TourName,
		tourwatch.FormatPrice(ev.OldPrice, ev.Currency),
		tourwatch.FormatPrice(ev.NewPrice, ev.Currency))
}

// Dispatch persists the notification for t. created is false when the trigger had
// already been dispatched; the stored notification is returned and nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, t *tourwatch.AlertTriggered) (*tourwatch.Notification, bool, error) {
	ev := &t.Event
	n := &tourwatch.Notification{
		UserID:             t.Alert.UserID,
		TourID:             ev.TourID,
		AlertID:            t.Alert.ID,
		AlertType:          t.Alert.Type,
		OldPrice:           ev.OldPrice,
		NewPrice:           ev.NewPrice,
		PriceChange:        ev.Change(),
		PriceChangePercent: ev.ChangePercent(),
		Currency:           ev.Currency,
		Message:            Message(ev),
		SentAt:             t.TriggeredAt.UTC().Truncate(time.Millisecond),
		DedupKey:           DedupKey(t.Alert.ID, ev.TourID, ev.RecordedAt),
	}

	created, err := d.store.CreateNotification(ctx, n)
	if err != nil {
		return nil, false, fmt.Errorf("create notification: %w", err)
	}
	metrics.RecordNotification(created)

	if !created {
		existing, err := d.store.NotificationByDedupKey(ctx, n.DedupKey)
		if err != nil {
			return nil, false, fmt.Errorf("load existing notification: %w", err)
		}
		d.logger.Info("Notification already dispatched",
			"alert_id", t.Alert.ID,
			"tour_id", ev.TourID,
			"notification_id", existing.ID)
		return existing, false, nil
	}

	d.logger.Info("Notification created",
		"notification_id", n.ID,
		"alert_id", n.AlertID,
		"user_id", n.UserID,
		"tour_id", n.TourID)

	if d.mailer != nil {
		d.sendEmail(ctx, n, ev)
	}
	return n, true, nil
}

// sendEmail delivers the alert e-mail. Failures are logged only; the notification
// row is the record of truth.
func (d *Dispatcher) sendEmail(ctx context.Context, n *tourwatch.Notification, ev *tourwatch.PriceChangeEvent) {
	to, err := d.store.UserEmail(ctx, n.UserID)
	if errors.Is(err, tourwatch.ErrNotFound) || (err == nil && to == "") {
		d.logger.Warn("No e-mail address for alert owner", "user_id", n.UserID, "notification_id", n.ID)
		return
	}
	if err == nil {
		err = d.mailer.SendPriceAlert(ctx, to, &email.Alert{
			Notification: n,
			TourName:     ev.TourName,
			TourURL:      ev.Locator,
		})
	}
	metrics.RecordEmail(err)
	if err != nil {
		d.logger.Error("Failed to send alert email",
			"user_id", n.UserID,
			"notification_id", n.ID,
			"error", err)
	}
}
