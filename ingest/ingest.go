// Package ingest applies fetched quotes to a tour's price history.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"
)

// Store runs a function inside one storage transaction.
type Store interface {
	InTx(ctx context.Context, fn func(tx tourwatch.TourTx) error) error
}

// Ingestor turns quotes into price records and change events.
type Ingestor struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ingestor.
func New(store Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger,
	}
}

// Ingest records one observed price for a tour.
//
// Every call appends a PriceRecord. A PriceChangeEvent is returned only when the tour
// already had a price and the new one differs. All reads and writes for the tour
// happen in a single transaction, so concurrent readers never see a record without
// the matching summary.
func (i *Ingestor) Ingest(ctx context.Context, tourID int64, q *tourwatch.Quote, observedAt time.Time) (*tourwatch.PriceChangeEvent, error) {
	if q == nil || q.Price <= 0 {
		return nil, &tourwatch.PersistenceError{Op: "validate quote", TourID: tourID, Err: errors.New("price must be positive")}
	}

	var (
		event *tourwatch.PriceChangeEvent
		rec   *tourwatch.PriceRecord
	)
	err := i.store.InTx(ctx, func(tx tourwatch.TourTx) error {
		event = nil

		st, err := tx.LoadTourPriceState(ctx, tourID)
		if err != nil {
			return &tourwatch.PersistenceError{Op: "load price state", TourID: tourID, Err: err}
		}

		rec, event = apply(st, q, observedAt)
		sum := summarize(st, rec)
		if q.Name != "" {
			sum.Name = q.Name
		}

		if err := tx.AppendPriceRecord(ctx, rec); err != nil {
			return &tourwatch.PersistenceError{Op: "append price record", TourID: tourID, Err: err}
		}
		if err := tx.UpdateTourSummary(ctx, sum); err != nil {
			return &tourwatch.PersistenceError{Op: "update tour summary", TourID: tourID, Err: err}
		}
		return nil
	})
	if err != nil {
		if !tourwatch.IsPersistenceError(err) {
			err = &tourwatch.PersistenceError{Op: "commit", TourID: tourID, Err: err}
		}
		return nil, err
	}

	metrics.PriceRecords.Inc()
	if event != nil {
		metrics.PriceChanges.Inc()
		i.logger.Info("Price change detected",
			"tour_id", tourID,
			"tour_name", event.TourName,
			"old_price", event.OldPrice,
			"new_price", event.NewPrice,
			"currency", event.Currency,
			"recorded_at", event.RecordedAt.Format(time.RFC3339))
	} else {
		i.logger.Debug("Price recorded", "tour_id", tourID, "price", rec.Price, "recorded_at", rec.RecordedAt.Format(time.RFC3339))
	}
	return event, nil
}

// recordTime keeps record timestamps strictly increasing per tour, at millisecond
// precision so every supported database round-trips them exactly.
func recordTime(observedAt, last time.Time) time.Time {
	at := observedAt.UTC().Truncate(time.Millisecond)
	if !last.IsZero() && !at.After(last) {
		at = last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return at
}

func apply(st *tourwatch.PriceState, q *tourwatch.Quote, observedAt time.Time) (*tourwatch.PriceRecord, *tourwatch.PriceChangeEvent) {
	currency := q.Currency
	if currency == "" {
		currency = st.Currency
	}

	rec := &tourwatch.PriceRecord{
		TourID:     st.TourID,
		Price:      q.Price,
		Currency:   currency,
		RecordedAt: recordTime(observedAt, st.LastRecordedAt),
	}
	if !st.HasPrice {
		return rec, nil
	}

	change := q.Price - st.CurrentPrice
	rec.PriceChange = &change
	if st.CurrentPrice != 0 {
		pct := change / st.CurrentPrice * 100
		rec.PriceChangePercent = &pct
	}
	if change == 0 {
		return rec, nil
	}

	name := q.Name
	if name == "" {
		name = st.Name
	}
	return rec, &tourwatch.PriceChangeEvent{
		TourID:     st.TourID,
		TourName:   name,
		Locator:    st.Locator,
		OldPrice:   st.CurrentPrice,
		NewPrice:   q.Price,
		Currency:   currency,
		RecordedAt: rec.RecordedAt,
	}
}

func summarize(st *tourwatch.PriceState, rec *tourwatch.PriceRecord) tourwatch.TourSummary {
	sum := tourwatch.TourSummary{
		TourID:         st.TourID,
		Name:           st.Name,
		Currency:       rec.Currency,
		CurrentPrice:   rec.Price,
		LastSyncedAt:   rec.RecordedAt,
		LastRecordedAt: rec.RecordedAt,
	}

	if !st.HasPrice {
		sum.MinPrice = rec.Price
		sum.MaxPrice = rec.Price
		sum.AvgPrice = rec.Price
		sum.PriceCount = 1
		return sum
	}

	n := st.PriceCount + 1
	sum.PriceCount = n
	sum.AvgPrice = st.AvgPrice + (rec.Price-st.AvgPrice)/float64(n)
	sum.MinPrice = min(st.MinPrice, rec.Price)
	sum.MaxPrice = max(st.MaxPrice, rec.Price)
	return sum
}
