package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"tourwatch/alert"
	"tourwatch/ingest"
	"tourwatch/notify"
	"tourwatch/pkg/tourwatch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "tourwatch.db"), discardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func ptr(v float64) *float64 { return &v }

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "", discardLogger()); err == nil {
		t.Error("Open(oracle) error = nil, want unsupported driver")
	}
}

func TestTrackTour(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.TrackTour(ctx, "https://example.com/tours/colosseum", "Colosseum")
	if err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}
	again, err := s.TrackTour(ctx, "https://example.com/tours/colosseum", "")
	if err != nil {
		t.Fatalf("TrackTour() again error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("TrackTour() created a second tour %d, want %d", again.ID, first.ID)
	}
	if _, err := s.TrackTour(ctx, "https://example.com/tours/vatican", "Vatican"); err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}

	refs, err := s.ListTrackedTours(ctx)
	if err != nil {
		t.Fatalf("ListTrackedTours() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("ListTrackedTours() = %d tours, want 2", len(refs))
	}
	if refs[0].ID != first.ID || refs[0].Name != "Colosseum" {
		t.Errorf("ListTrackedTours()[0] = %+v", refs[0])
	}
}

func TestIngestAgainstDatabase(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tour, err := s.TrackTour(ctx, "https://example.com/tours/colosseum", "")
	if err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}

	ing := ingest.New(s, discardLogger())
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	prices := []float64{100, 100, 80, 120}
	var events int
	for i, p := range prices {
		ev, err := ing.Ingest(ctx, tour.ID, &tourwatch.Quote{Price: p, Currency: "EUR", Name: "Colosseum"}, at)
		if err != nil {
			t.Fatalf("Ingest(%v) #%d error = %v", p, i, err)
		}
		if ev != nil {
			events++
		}
	}
	if events != 2 {
		t.Errorf("Ingest() emitted %d events, want 2", events)
	}

	got, err := s.Tour(ctx, tour.ID)
	if err != nil {
		t.Fatalf("Tour() error = %v", err)
	}
	if got.CurrentPrice == nil || *got.CurrentPrice != 120 {
		t.Errorf("CurrentPrice = %v, want 120", got.CurrentPrice)
	}
	if *got.MinPrice != 80 || *got.MaxPrice != 120 {
		t.Errorf("Min/Max = %v/%v, want 80/120", *got.MinPrice, *got.MaxPrice)
	}
	if math.Abs(*got.AvgPrice-100) > 1e-9 {
		t.Errorf("AvgPrice = %v, want 100", *got.AvgPrice)
	}
	if got.PriceCount != 4 {
		t.Errorf("PriceCount = %d, want 4", got.PriceCount)
	}
	if got.Name != "Colosseum" {
		t.Errorf("Name = %q, want Colosseum", got.Name)
	}

	recs, err := s.PriceHistory(ctx, tour.ID)
	if err != nil {
		t.Fatalf("PriceHistory() error = %v", err)
	}
	if len(recs) != len(prices) {
		t.Fatalf("PriceHistory() = %d records, want %d", len(recs), len(prices))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].RecordedAt.After(recs[i-1].RecordedAt) {
			t.Errorf("record %d at %v is not after %v", i, recs[i].RecordedAt, recs[i-1].RecordedAt)
		}
	}
	if recs[0].PriceChange != nil {
		t.Errorf("first record PriceChange = %v, want nil", *recs[0].PriceChange)
	}
	if recs[2].PriceChange == nil || *recs[2].PriceChange != -20 {
		t.Errorf("third record PriceChange = %v, want -20", recs[2].PriceChange)
	}
}

func TestPriceStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tour, err := s.TrackTour(ctx, "https://example.com/tours/pantheon", "Pantheon")
	if err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}

	empty, err := s.PriceStats(ctx, tour.ID, time.Now())
	if err != nil {
		t.Fatalf("PriceStats() on unpriced tour error = %v", err)
	}
	if empty.TotalRecords != 0 || empty.CurrentPrice != nil || empty.PriceChange7d != nil {
		t.Errorf("PriceStats() on unpriced tour = %+v, want no records or changes", empty)
	}

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ing := ingest.New(s, discardLogger())
	for _, obs := range []struct {
		at    time.Time
		price float64
	}{
		{now.AddDate(0, 0, -40), 100},
		{now.AddDate(0, 0, -10), 90},
		{now.AddDate(0, 0, -3), 80},
		{now.Add(-time.Hour), 85},
	} {
		if _, err := ing.Ingest(ctx, tour.ID, &tourwatch.Quote{Price: obs.price, Currency: "EUR"}, obs.at); err != nil {
			t.Fatalf("Ingest(%v) error = %v", obs.price, err)
		}
	}

	stats, err := s.PriceStats(ctx, tour.ID, now)
	if err != nil {
		t.Fatalf("PriceStats() error = %v", err)
	}
	if stats.TotalRecords != 4 {
		t.Errorf("TotalRecords = %d, want 4", stats.TotalRecords)
	}
	tests := []struct {
		name string
		got  *float64
		want float64
	}{
		{name: "24h", got: stats.PriceChange24h, want: 0},
		{name: "7d", got: stats.PriceChange7d, want: 5},
		{name: "30d", got: stats.PriceChange30d, want: -5},
	}
	for _, tt := range tests {
		if tt.got == nil || math.Abs(*tt.got-tt.want) > 1e-9 {
			t.Errorf("PriceChange%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	// A window with no records has no trend.
	later, err := s.PriceStats(ctx, tour.ID, now.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("PriceStats() error = %v", err)
	}
	if later.PriceChange24h != nil {
		t.Errorf("PriceChange24h two days later = %v, want nil", *later.PriceChange24h)
	}

	if _, err := s.PriceStats(ctx, 999, now); !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("PriceStats(999) error = %v, want ErrNotFound", err)
	}
}

func TestIngestUnknownTour(t *testing.T) {
	s := openTestStore(t)
	_, err := ingest.New(s, discardLogger()).Ingest(context.Background(), 404, &tourwatch.Quote{Price: 10}, time.Now())
	if !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("Ingest() error = %v, want ErrNotFound", err)
	}
	if !tourwatch.IsPersistenceError(err) {
		t.Errorf("Ingest() error = %v, want PersistenceError", err)
	}
}

func TestCreateAlertValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tour, err := s.TrackTour(ctx, "https://example.com/tours/a", "A")
	if err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}

	tests := []struct {
		name    string
		alert   tourwatch.Alert
		wantErr error
	}{
		{name: "price drop", alert: tourwatch.Alert{Type: tourwatch.AlertPriceDrop, ThresholdPrice: ptr(50)}},
		{name: "price change needs nothing", alert: tourwatch.Alert{Type: tourwatch.AlertPriceChange}},
		{name: "missing price", alert: tourwatch.Alert{Type: tourwatch.AlertPriceIncrease}, wantErr: ErrInvalidAlert},
		{name: "percent out of range", alert: tourwatch.Alert{Type: tourwatch.AlertPercentageDrop, ThresholdPercentage: ptr(150)}, wantErr: ErrInvalidAlert},
		{name: "unknown type", alert: tourwatch.Alert{Type: "flash_sale"}, wantErr: ErrInvalidAlert},
		{name: "unknown tour", alert: tourwatch.Alert{Type: tourwatch.AlertPriceChange, TourID: 999}, wantErr: tourwatch.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.alert
			a.UserID = 1
			if a.TourID == 0 {
				a.TourID = tour.ID
			}
			err := s.CreateAlert(ctx, &a)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("CreateAlert() error = %v", err)
				}
				if a.Status != tourwatch.StatusActive {
					t.Errorf("Status = %q, want active", a.Status)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateAlert() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	tour, err := s.TrackTour(ctx, "https://example.com/tours/a", "A")
	if err != nil {
		t.Fatalf("TrackTour() error = %v", err)
	}
	a := &tourwatch.Alert{UserID: 5, TourID: tour.ID, Type: tourwatch.AlertPriceChange}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatalf("CreateAlert() error = %v", err)
	}

	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	for want := 1; want <= 2; want++ {
		count, err := s.RecordAlertTrigger(ctx, a.ID, at)
		if err != nil {
			t.Fatalf("RecordAlertTrigger() error = %v", err)
		}
		if count != want {
			t.Errorf("RecordAlertTrigger() = %d, want %d", count, want)
		}
	}

	got, err := s.Alert(ctx, a.ID)
	if err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if got.Status != tourwatch.StatusActive {
		t.Errorf("Status after trigger = %q, want active", got.Status)
	}
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(at) {
		t.Errorf("LastTriggeredAt = %v, want %v", got.LastTriggeredAt, at)
	}

	if err := s.PauseAlert(ctx, 99, a.ID); !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("PauseAlert() by another user error = %v, want ErrNotFound", err)
	}
	if err := s.PauseAlert(ctx, 5, a.ID); err != nil {
		t.Fatalf("PauseAlert() error = %v", err)
	}
	active, err := s.ListActiveAlerts(ctx, tour.ID)
	if err != nil {
		t.Fatalf("ListActiveAlerts() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListActiveAlerts() = %d alerts, want 0 while paused", len(active))
	}
	if _, err := s.RecordAlertTrigger(ctx, a.ID, at); !errors.Is(err, alert.ErrAlertNotActive) {
		t.Errorf("RecordAlertTrigger() on paused alert error = %v, want ErrAlertNotActive", err)
	}

	if err := s.ResumeAlert(ctx, 5, a.ID); err != nil {
		t.Fatalf("ResumeAlert() error = %v", err)
	}
	active, err = s.ListActiveAlerts(ctx, tour.ID)
	if err != nil {
		t.Fatalf("ListActiveAlerts() error = %v", err)
	}
	if len(active) != 1 || active[0].TriggerCount != 2 {
		t.Errorf("ListActiveAlerts() = %+v, want the resumed alert with 2 triggers", active)
	}
}

func TestNotificationDedup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	user, err := s.CreateUser(ctx, "ana@example.com")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	d := notify.New(s, nil, discardLogger())
	trig := &tourwatch.AlertTriggered{
		Alert: tourwatch.Alert{ID: 3, UserID: user.ID, Type: tourwatch.AlertPriceDrop},
		Event: tourwatch.PriceChangeEvent{
			TourID: 1, TourName: "A", OldPrice: 50, NewPrice: 40, Currency: "EUR",
			RecordedAt: time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC),
		},
		TriggeredAt: time.Date(2026, 4, 3, 12, 0, 1, 0, time.UTC),
	}

	first, created, err := d.Dispatch(ctx, trig)
	if err != nil || !created {
		t.Fatalf("Dispatch() = %v, %v, want created", created, err)
	}
	second, created, err := d.Dispatch(ctx, trig)
	if err != nil {
		t.Fatalf("replay Dispatch() error = %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("replay Dispatch() = id %d created %v, want id %d not created", second.ID, created, first.ID)
	}

	if err := s.MarkNotificationRead(ctx, user.ID, first.ID); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	n, err := s.NotificationByDedupKey(ctx, first.DedupKey)
	if err != nil {
		t.Fatalf("NotificationByDedupKey() error = %v", err)
	}
	if !n.IsRead {
		t.Error("IsRead = false after MarkNotificationRead")
	}

	if err := s.DeleteNotification(ctx, user.ID+1, first.ID); !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("DeleteNotification() by another user error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteNotification(ctx, user.ID, first.ID); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}
	if _, err := s.NotificationByDedupKey(ctx, first.DedupKey); !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("NotificationByDedupKey() after delete error = %v, want ErrNotFound", err)
	}

	addr, err := s.UserEmail(ctx, user.ID)
	if err != nil || addr != "ana@example.com" {
		t.Errorf("UserEmail() = %q, %v", addr, err)
	}
}
