package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tourwatch/pkg/tourwatch"
)

// memStore is an in-memory Store whose transactions commit atomically.
type memStore struct {
	mu         sync.Mutex
	states     map[int64]tourwatch.PriceState
	records    map[int64][]tourwatch.PriceRecord
	failAppend error
	failUpdate error
}

func newMemStore(tourIDs ...int64) *memStore {
	s := &memStore{
		states:  make(map[int64]tourwatch.PriceState),
		records: make(map[int64][]tourwatch.PriceRecord),
	}
	for _, id := range tourIDs {
		s.states[id] = tourwatch.PriceState{TourID: id, Name: "Tour", Currency: "EUR"}
	}
	return s
}

type memTx struct {
	s       *memStore
	states  map[int64]tourwatch.PriceState
	records map[int64][]tourwatch.PriceRecord
}

func (s *memStore) InTx(ctx context.Context, fn func(tx tourwatch.TourTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, states: make(map[int64]tourwatch.PriceState), records: make(map[int64][]tourwatch.PriceRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, st := range tx.states {
		s.states[id] = st
	}
	for id, recs := range tx.records {
		s.records[id] = append(s.records[id], recs...)
	}
	return nil
}

func (tx *memTx) LoadTourPriceState(ctx context.Context, tourID int64) (*tourwatch.PriceState, error) {
	st, ok := tx.s.states[tourID]
	if !ok {
		return nil, tourwatch.ErrNotFound
	}
	return &st, nil
}

func (tx *memTx) AppendPriceRecord(ctx context.Context, rec *tourwatch.PriceRecord) error {
	if tx.s.failAppend != nil {
		return tx.s.failAppend
	}
	for _, existing := range tx.s.records[rec.TourID] {
		if existing.RecordedAt.Equal(rec.RecordedAt) {
			return errors.New("duplicate (tour_id, recorded_at)")
		}
	}
	tx.records[rec.TourID] = append(tx.records[rec.TourID], *rec)
	return nil
}

func (tx *memTx) UpdateTourSummary(ctx context.Context, sum tourwatch.TourSummary) error {
	if tx.s.failUpdate != nil {
		return tx.s.failUpdate
	}
	tx.states[sum.TourID] = tourwatch.PriceState{
		TourID:         sum.TourID,
		Name:           sum.Name,
		Currency:       sum.Currency,
		HasPrice:       true,
		CurrentPrice:   sum.CurrentPrice,
		MinPrice:       sum.MinPrice,
		MaxPrice:       sum.MaxPrice,
		AvgPrice:       sum.AvgPrice,
		PriceCount:     sum.PriceCount,
		LastRecordedAt: sum.LastRecordedAt,
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quote(price float64) *tourwatch.Quote {
	return &tourwatch.Quote{Price: price, Currency: "EUR", Name: "Colosseum"}
}

func TestIngestFirstPrice(t *testing.T) {
	store := newMemStore(1)
	ing := New(store, discardLogger())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event, err := ing.Ingest(context.Background(), 1, quote(100), at)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if event != nil {
		t.Errorf("Ingest() first price event = %+v, want nil", event)
	}

	st := store.states[1]
	if st.CurrentPrice != 100 || st.MinPrice != 100 || st.MaxPrice != 100 || st.AvgPrice != 100 {
		t.Errorf("summary after first price = %+v, want all 100", st)
	}
	if st.PriceCount != 1 {
		t.Errorf("PriceCount = %d, want 1", st.PriceCount)
	}
	recs := store.records[1]
	if len(recs) != 1 || recs[0].PriceChange != nil {
		t.Errorf("records = %+v, want one record without change", recs)
	}
	if st.Name != "Colosseum" {
		t.Errorf("Name = %q, want refreshed from quote", st.Name)
	}
}

func TestIngestPriceChange(t *testing.T) {
	store := newMemStore(1)
	ing := New(store, discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := ing.Ingest(context.Background(), 1, quote(120), base); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	event, err := ing.Ingest(context.Background(), 1, quote(95), base.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if event == nil {
		t.Fatal("Ingest() event = nil, want change 120 -> 95")
	}
	if event.OldPrice != 120 || event.NewPrice != 95 {
		t.Errorf("event = %v -> %v, want 120 -> 95", event.OldPrice, event.NewPrice)
	}
	if !event.RecordedAt.Equal(base.Add(6 * time.Hour)) {
		t.Errorf("event.RecordedAt = %v, want %v", event.RecordedAt, base.Add(6*time.Hour))
	}

	st := store.states[1]
	if st.MinPrice != 95 || st.MaxPrice != 120 || st.CurrentPrice != 95 {
		t.Errorf("summary = %+v, want min 95 max 120 current 95", st)
	}
	if st.AvgPrice != 107.5 {
		t.Errorf("AvgPrice = %v, want 107.5", st.AvgPrice)
	}

	last := store.records[1][1]
	if last.PriceChange == nil || *last.PriceChange != -25 {
		t.Errorf("PriceChange = %v, want -25", last.PriceChange)
	}
}

func TestIngestUnchangedPriceAppendsWithoutEvent(t *testing.T) {
	store := newMemStore(1)
	ing := New(store, discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		event, err := ing.Ingest(context.Background(), 1, quote(50), base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if event != nil {
			t.Errorf("Ingest() #%d event = %+v, want nil", i, event)
		}
	}
	if got := len(store.records[1]); got != 3 {
		t.Errorf("records = %d, want 3", got)
	}
	if got := store.states[1].PriceCount; got != 3 {
		t.Errorf("PriceCount = %d, want 3", got)
	}
}

func TestIngestNonIncreasingTimestampIsBumped(t *testing.T) {
	store := newMemStore(1)
	ing := New(store, discardLogger())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, p := range []float64{10, 11, 12} {
		if _, err := ing.Ingest(context.Background(), 1, quote(p), at); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	recs := store.records[1]
	for i := 1; i < len(recs); i++ {
		if !recs[i].RecordedAt.After(recs[i-1].RecordedAt) {
			t.Errorf("record %d at %v not after %v", i, recs[i].RecordedAt, recs[i-1].RecordedAt)
		}
	}
}

func TestIngestUnknownTour(t *testing.T) {
	ing := New(newMemStore(), discardLogger())
	_, err := ing.Ingest(context.Background(), 42, quote(10), time.Now())
	if !tourwatch.IsPersistenceError(err) {
		t.Fatalf("Ingest() error = %v, want PersistenceError", err)
	}
	if !errors.Is(err, tourwatch.ErrNotFound) {
		t.Errorf("Ingest() error = %v, want wrapping ErrNotFound", err)
	}
}

func TestIngestFailureLeavesStateUntouched(t *testing.T) {
	store := newMemStore(1)
	ing := New(store, discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := ing.Ingest(context.Background(), 1, quote(100), base); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	store.failUpdate = errors.New("disk full")
	event, err := ing.Ingest(context.Background(), 1, quote(80), base.Add(time.Hour))
	if err == nil {
		t.Fatal("Ingest() with failing update = nil error")
	}
	if event != nil {
		t.Errorf("Ingest() event on failure = %+v, want nil", event)
	}
	if got := len(store.records[1]); got != 1 {
		t.Errorf("records after rollback = %d, want 1", got)
	}
	if got := store.states[1].CurrentPrice; got != 100 {
		t.Errorf("CurrentPrice after rollback = %v, want 100", got)
	}
}

func TestIngestRejectsNonPositivePrice(t *testing.T) {
	ing := New(newMemStore(1), discardLogger())
	if _, err := ing.Ingest(context.Background(), 1, quote(0), time.Now()); err == nil {
		t.Error("Ingest() with zero price = nil error")
	}
}
